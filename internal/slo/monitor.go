// Package slo tracks service level objectives over a rolling bucketed
// window: good/total counters, latency distribution, compliance, error
// budget and burn rate.
package slo

import (
	"math/bits"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
)

// ErrUnknownSLO is returned for names never registered.
var ErrUnknownSLO = errors.Register("slo", 1, "unknown slo")

// latencyBuckets is the histogram width: bucket i counts latencies in
// (2^(i-1), 2^i] milliseconds, with the last bucket open-ended.
const latencyBuckets = 32

// Status grades how much error budget remains.
type Status int

const (
	StatusHealthy  Status = iota // more than half the budget left
	StatusWarning                // between a quarter and a half
	StatusCritical               // under a quarter
	StatusBreached               // budget exhausted
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	case StatusBreached:
		return "breached"
	default:
		return "unknown"
	}
}

// Config tunes the monitor.
type Config struct {
	Window     time.Duration // measurement window
	BucketSize time.Duration // rotation granularity
}

// DefaultConfig returns a 30-day window in hour buckets.
func DefaultConfig() Config {
	return Config{
		Window:     30 * 24 * time.Hour,
		BucketSize: time.Hour,
	}
}

type bucket struct {
	start   time.Time
	good    int64
	total   int64
	latency [latencyBuckets]int64
}

type series struct {
	name    string
	target  float64
	buckets []bucket
}

// Report is a point-in-time view of one SLO.
type Report struct {
	Name        string
	Target      float64
	Good        int64
	Total       int64
	Compliance  float64
	ErrorBudget float64
	BurnRate    float64
	Status      Status
}

// Monitor tracks a set of named SLOs. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger log.Logger
	now    func() time.Time

	mu   sync.Mutex
	slos map[string]*series
}

// New creates a monitor.
func New(cfg Config, logger log.Logger) *Monitor {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = time.Hour
	}
	if cfg.Window < cfg.BucketSize {
		cfg.Window = cfg.BucketSize
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("module", "slo"),
		now:    time.Now,
		slos:   make(map[string]*series),
	}
}

// SetClock replaces the monitor's time source, for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Register adds an SLO with a target good-ratio in (0, 1].
func (m *Monitor) Register(name string, target float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slos[name]; ok {
		return
	}
	n := int(m.cfg.Window / m.cfg.BucketSize)
	if n < 1 {
		n = 1
	}
	m.slos[name] = &series{
		name:    name,
		target:  target,
		buckets: make([]bucket, n),
	}
}

// Record counts one event. Buckets whose window has elapsed are zeroed
// before the write.
func (m *Monitor) Record(name string, good bool, latency time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return ErrUnknownSLO.Wrap(name)
	}

	b := m.currentBucket(s)
	b.total++
	if good {
		b.good++
	}
	b.latency[latencyBucket(latency)]++
	return nil
}

// currentBucket rotates the ring to now and returns the live bucket.
// Caller holds the mutex.
func (m *Monitor) currentBucket(s *series) *bucket {
	now := m.now()
	aligned := now.Truncate(m.cfg.BucketSize)
	idx := int(aligned.UnixNano()/int64(m.cfg.BucketSize)) % len(s.buckets)
	b := &s.buckets[idx]
	if !b.start.Equal(aligned) {
		*b = bucket{start: aligned}
	}
	// Zero any bucket that fell out of the window.
	horizon := now.Add(-m.cfg.Window)
	for i := range s.buckets {
		if !s.buckets[i].start.IsZero() && s.buckets[i].start.Before(horizon) {
			s.buckets[i] = bucket{}
		}
	}
	return b
}

func latencyBucket(d time.Duration) int {
	ms := d.Milliseconds()
	if ms <= 1 {
		return 0
	}
	// Len64(ms-1) keeps exact powers of two in their own bucket: bucket i
	// covers (2^(i-1), 2^i] ms.
	i := bits.Len64(uint64(ms - 1))
	if i >= latencyBuckets {
		return latencyBuckets - 1
	}
	return i
}

// sums aggregates the live window. Caller holds the mutex.
func (m *Monitor) sums(s *series) (good, total int64, lat [latencyBuckets]int64) {
	horizon := m.now().Add(-m.cfg.Window)
	for i := range s.buckets {
		b := &s.buckets[i]
		if b.start.IsZero() || b.start.Before(horizon) {
			continue
		}
		good += b.good
		total += b.total
		for j, n := range b.latency {
			lat[j] += n
		}
	}
	return good, total, lat
}

// Compliance returns good/total over the window; 1 with no data.
func (m *Monitor) Compliance(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return 0, ErrUnknownSLO.Wrap(name)
	}
	good, total, _ := m.sums(s)
	if total == 0 {
		return 1, nil
	}
	return float64(good) / float64(total), nil
}

// ErrorBudget returns (1-target) - (1-compliance); negative means the
// budget is exhausted.
func (m *Monitor) ErrorBudget(name string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return 0, ErrUnknownSLO.Wrap(name)
	}
	return m.errorBudget(s), nil
}

func (m *Monitor) errorBudget(s *series) float64 {
	good, total, _ := m.sums(s)
	compliance := 1.0
	if total > 0 {
		compliance = float64(good) / float64(total)
	}
	return (1 - s.target) - (1 - compliance)
}

// LatencyQuantile returns the upper bound of the histogram bucket holding
// the q-quantile (0 < q <= 1) of recorded latencies.
func (m *Monitor) LatencyQuantile(name string, q float64) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return 0, ErrUnknownSLO.Wrap(name)
	}
	_, total, lat := m.sums(s)
	if total == 0 {
		return 0, nil
	}

	rank := int64(q * float64(total))
	if rank < 1 {
		rank = 1
	}
	var seen int64
	for i, n := range lat {
		seen += n
		if seen >= rank {
			// Bucket i covers (2^(i-1), 2^i] ms; report the upper bound.
			return time.Duration(1<<uint(i)) * time.Millisecond, nil
		}
	}
	return time.Duration(1<<uint(latencyBuckets-1)) * time.Millisecond, nil
}

// Report builds the full view of one SLO.
func (m *Monitor) Report(name string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slos[name]
	if !ok {
		return nil, ErrUnknownSLO.Wrap(name)
	}

	good, total, _ := m.sums(s)
	r := &Report{Name: s.name, Target: s.target, Good: good, Total: total, Compliance: 1}
	if total > 0 {
		r.Compliance = float64(good) / float64(total)
	}
	r.ErrorBudget = (1 - s.target) - (1 - r.Compliance)
	if budget := 1 - s.target; budget > 0 {
		r.BurnRate = (1 - r.Compliance) / budget
	}
	r.Status = statusOf(r.ErrorBudget, 1-s.target)
	return r, nil
}

// Reports returns every registered SLO's report.
func (m *Monitor) Reports() []*Report {
	m.mu.Lock()
	names := make([]string, 0, len(m.slos))
	for name := range m.slos {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make([]*Report, 0, len(names))
	for _, name := range names {
		if r, err := m.Report(name); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func statusOf(budget, full float64) Status {
	if full <= 0 {
		if budget < 0 {
			return StatusBreached
		}
		return StatusHealthy
	}
	remaining := budget / full
	switch {
	case remaining <= 0:
		return StatusBreached
	case remaining < 0.25:
		return StatusCritical
	case remaining < 0.5:
		return StatusWarning
	default:
		return StatusHealthy
	}
}
