// Package breaker implements per-dependency circuit breaking: a three-state
// FSM over a rolling window of call outcomes, with slow-call tracking and
// exponentially increasing reopen cooldowns.
package breaker

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
)

// ErrCircuitOpen is returned when a call short-circuits without reaching
// the dependency.
var ErrCircuitOpen = errors.Register("breaker", 1, "circuit open")

// State of one breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	WindowSize       int           // rolling window of call outcomes
	FailureThreshold float64       // failure rate that opens the circuit
	SlowThreshold    float64       // slow-call rate that opens the circuit
	SlowCallAfter    time.Duration // latency above which a call counts as slow
	MinSamples       int           // outcomes required before evaluating rates
	Cooldown         time.Duration // first open -> half-open delay
	MaxCooldown      time.Duration // cap for the exponential cooldown
	HalfOpenProbes   int           // concurrent probes allowed half-open
	CallTimeout      time.Duration // per-call timeout, 0 = none
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       100,
		FailureThreshold: 0.5,
		SlowThreshold:    0.8,
		SlowCallAfter:    2 * time.Second,
		MinSamples:       10,
		Cooldown:         10 * time.Second,
		MaxCooldown:      5 * time.Minute,
		HalfOpenProbes:   3,
		CallTimeout:      0,
	}
}

type outcome struct {
	failure bool
	slow    bool
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name        string
	State       State
	Total       int
	Failures    int
	Slow        int
	FailureRate float64
	SlowRate    float64
	Cooldown    time.Duration
	NextAttempt time.Time
}

// Breaker guards one named dependency. Safe for concurrent use; state and
// window updates are short critical sections under one mutex.
type Breaker struct {
	name   string
	cfg    Config
	logger log.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	window      []outcome // ring buffer
	head        int
	total       int
	failures    int
	slow        int
	cooldown    time.Duration
	nextAttempt time.Time
	probes      int // in-flight half-open probes
	probeOK     int // successful probes this half-open round
}

// New creates a closed breaker.
func New(name string, cfg Config, logger log.Logger) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &Breaker{
		name:     name,
		cfg:      cfg,
		logger:   logger.With("module", "breaker", "dependency", name),
		now:      time.Now,
		state:    StateClosed,
		window:   make([]outcome, cfg.WindowSize),
		cooldown: cfg.Cooldown,
	}
}

// SetClock replaces the breaker's time source, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Execute runs fn through the breaker. An open circuit short-circuits with
// ErrCircuitOpen; otherwise the outcome and latency are recorded and fn's
// error is returned. Exceeding the call timeout counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := b.clock()
	err := fn(ctx)
	b.after(err, b.clock().Sub(start))
	return err
}

func (b *Breaker) clock() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now()
}

// before admits or rejects a call and registers half-open probes.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return ErrCircuitOpen.Wrapf("%s until %s", b.name, b.nextAttempt.Format(time.RFC3339))
		}
		b.toHalfOpen()
		b.probes++
		return nil
	default: // half-open
		if b.probes >= b.cfg.HalfOpenProbes {
			return ErrCircuitOpen.Wrapf("%s probing", b.name)
		}
		b.probes++
		return nil
	}
}

// after records one outcome and drives state transitions.
func (b *Breaker) after(err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil
	isSlow := b.cfg.SlowCallAfter > 0 && latency > b.cfg.SlowCallAfter

	switch b.state {
	case StateHalfOpen:
		b.probes--
		if failed {
			b.toOpen(true)
			return
		}
		b.probeOK++
		if b.probeOK >= b.cfg.HalfOpenProbes {
			b.toClosed()
		}
	default:
		b.record(outcome{failure: failed, slow: isSlow})
		if b.total >= b.cfg.MinSamples && b.overThreshold() {
			b.toOpen(false)
		}
	}
}

// record pushes one outcome into the ring buffer, evicting the oldest.
func (b *Breaker) record(o outcome) {
	if b.total == len(b.window) {
		old := b.window[b.head]
		if old.failure {
			b.failures--
		}
		if old.slow {
			b.slow--
		}
	} else {
		b.total++
	}
	b.window[b.head] = o
	b.head = (b.head + 1) % len(b.window)
	if o.failure {
		b.failures++
	}
	if o.slow {
		b.slow++
	}
}

func (b *Breaker) overThreshold() bool {
	total := float64(b.total)
	if b.cfg.FailureThreshold > 0 && float64(b.failures)/total >= b.cfg.FailureThreshold {
		return true
	}
	if b.cfg.SlowThreshold > 0 && float64(b.slow)/total >= b.cfg.SlowThreshold {
		return true
	}
	return false
}

// toOpen opens the circuit. A failed probe doubles the cooldown, up to the
// cap; a fresh trip starts from the base cooldown.
func (b *Breaker) toOpen(fromProbe bool) {
	if fromProbe {
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
	} else {
		b.cooldown = b.cfg.Cooldown
	}
	b.state = StateOpen
	b.nextAttempt = b.now().Add(b.cooldown)
	b.probes = 0
	b.probeOK = 0
	b.logger.Warn("circuit opened",
		"cooldown", b.cooldown.String(),
		"failures", b.failures, "slow", b.slow, "total", b.total)
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.probes = 0
	b.probeOK = 0
	b.logger.Info("circuit half-open")
}

// toClosed resets the window and cooldown.
func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.total, b.failures, b.slow, b.head = 0, 0, 0, 0
	b.cooldown = b.cfg.Cooldown
	b.probes, b.probeOK = 0, 0
	b.logger.Info("circuit closed")
}

// State returns the current FSM state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:        b.name,
		State:       b.state,
		Total:       b.total,
		Failures:    b.failures,
		Slow:        b.slow,
		Cooldown:    b.cooldown,
		NextAttempt: b.nextAttempt,
	}
	if b.total > 0 {
		s.FailureRate = float64(b.failures) / float64(b.total)
		s.SlowRate = float64(b.slow) / float64(b.total)
	}
	return s
}
