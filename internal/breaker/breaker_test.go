package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		MinSamples:       5,
		Cooldown:         time.Second,
		MaxCooldown:      8 * time.Second,
		HalfOpenProbes:   1,
	}
}

func testBreaker(t *testing.T, cfg Config) (*Breaker, *testClock) {
	t.Helper()
	clock := newTestClock()
	b := New("backend", cfg, log.NewNopLogger())
	b.SetClock(clock.Now)
	return b, clock
}

func TestTripAndRecover(t *testing.T) {
	b, clock := testBreaker(t, testConfig())
	ctx := context.Background()

	// Five failures meet min-samples at 100% failure rate: circuit opens.
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	}
	require.Equal(t, StateOpen, b.State())

	// Short-circuit without touching the backend.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.True(t, ErrCircuitOpen.Is(err))
	require.False(t, called)

	// After the cooldown the next call probes and, on success, closes the
	// circuit with a reset window.
	clock.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().Total)
}

func TestBelowMinSamplesStaysClosed(t *testing.T) {
	b, _ := testBreaker(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		assert.Error(t, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestFailureRateOverWindow(t *testing.T) {
	b, _ := testBreaker(t, testConfig())
	ctx := context.Background()

	// 6 successes then 4 failures: 40% < 50% keeps the circuit closed.
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Execute(ctx, ok))
	}
	for i := 0; i < 4; i++ {
		require.Error(t, b.Execute(ctx, fail))
	}
	require.Equal(t, StateClosed, b.State())

	// One more failure rolls a success out of the 10-wide window: 50%.
	require.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestFailedProbeDoublesCooldown(t *testing.T) {
	b, clock := testBreaker(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())
	require.Equal(t, time.Second, b.Stats().Cooldown)

	// Failed probes double the cooldown up to the cap.
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for _, cd := range want {
		clock.Advance(b.Stats().Cooldown)
		require.Error(t, b.Execute(ctx, fail))
		require.Equal(t, StateOpen, b.State())
		assert.Equal(t, cd, b.Stats().Cooldown)
	}

	// A successful probe resets the cooldown to base.
	clock.Advance(b.Stats().Cooldown)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, time.Second, b.Stats().Cooldown)
}

func TestHalfOpenProbeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenProbes = 2
	b, clock := testBreaker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, fail)
	}
	clock.Advance(time.Second)

	// Hold two probe slots open, then a third call must short-circuit.
	release := make(chan struct{})
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started
	err := b.Execute(ctx, ok)
	require.True(t, ErrCircuitOpen.Is(err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestSlowCallsTrip(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 0 // isolate the slow-rate rule
	cfg.SlowThreshold = 0.5
	cfg.SlowCallAfter = 100 * time.Millisecond
	b, clock := testBreaker(t, cfg)
	ctx := context.Background()

	slow := func(context.Context) error {
		clock.Advance(200 * time.Millisecond)
		return nil
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(ctx, slow))
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 5, b.Stats().Slow)
}

func TestRegistrySharesBreakers(t *testing.T) {
	r := NewRegistry(testConfig(), log.NewNopLogger())

	a := r.Get("payments")
	b := r.Get("payments")
	require.Same(t, a, b)
	r.Get("identity")

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "identity", stats[0].Name)
	assert.Equal(t, "payments", stats[1].Name)
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	clock := newTestClock()
	b := New("backend", cfg, log.NewNopLogger())
	b.SetClock(clock.Now)
	ctx := context.Background()

	hang := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, hang), context.DeadlineExceeded)
	}
	assert.Equal(t, StateOpen, b.State())
}
