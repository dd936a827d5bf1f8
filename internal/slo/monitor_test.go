package slo

import (
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
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

func testMonitor(t *testing.T, cfg Config) (*Monitor, *testClock) {
	t.Helper()
	m := New(cfg, log.NewNopLogger())
	clock := newTestClock()
	m.SetClock(clock.Now)
	return m, clock
}

func TestComplianceAccounting(t *testing.T) {
	m, _ := testMonitor(t, DefaultConfig())
	m.Register("orders", 0.99)

	for i := 0; i < 98; i++ {
		require.NoError(t, m.Record("orders", true, 5*time.Millisecond))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, m.Record("orders", false, 5*time.Millisecond))
	}

	c, err := m.Compliance("orders")
	require.NoError(t, err)
	assert.InDelta(t, 0.98, c, 1e-9)

	// budget = 0.01, spent 0.02: exhausted by 0.01.
	budget, err := m.ErrorBudget("orders")
	require.NoError(t, err)
	assert.InDelta(t, -0.01, budget, 1e-9)

	r, err := m.Report("orders")
	require.NoError(t, err)
	assert.Equal(t, StatusBreached, r.Status)
	assert.InDelta(t, 2.0, r.BurnRate, 1e-9)
}

func TestStatusLevels(t *testing.T) {
	m, _ := testMonitor(t, DefaultConfig())
	m.Register("api", 0.9) // budget 0.1

	record := func(good, bad int) {
		for i := 0; i < good; i++ {
			m.Record("api", true, time.Millisecond)
		}
		for i := 0; i < bad; i++ {
			m.Record("api", false, time.Millisecond)
		}
	}

	record(1000, 0)
	r, _ := m.Report("api")
	assert.Equal(t, StatusHealthy, r.Status)

	// 60 bad of 1060: ~5.7% of a 10% budget spent... keep pushing.
	record(0, 60)
	r, _ = m.Report("api")
	assert.Equal(t, StatusWarning, r.Status, "compliance %f", r.Compliance)

	record(0, 30)
	r, _ = m.Report("api")
	assert.Equal(t, StatusCritical, r.Status, "compliance %f", r.Compliance)

	record(0, 40)
	r, _ = m.Report("api")
	assert.Equal(t, StatusBreached, r.Status, "compliance %f", r.Compliance)
}

func TestBucketRotation(t *testing.T) {
	m, clock := testMonitor(t, Config{Window: 3 * time.Hour, BucketSize: time.Hour})
	m.Register("api", 0.99)

	for i := 0; i < 10; i++ {
		m.Record("api", false, time.Millisecond)
	}
	c, _ := m.Compliance("api")
	require.InDelta(t, 0.0, c, 1e-9)

	// Once the bad bucket ages out, only the fresh goods remain.
	clock.Advance(4 * time.Hour)
	for i := 0; i < 5; i++ {
		m.Record("api", true, time.Millisecond)
	}
	c, _ = m.Compliance("api")
	assert.InDelta(t, 1.0, c, 1e-9)

	r, _ := m.Report("api")
	assert.Equal(t, int64(5), r.Total)
}

func TestLatencyQuantile(t *testing.T) {
	m, _ := testMonitor(t, DefaultConfig())
	m.Register("api", 0.99)

	// 90 fast (≈4ms), 10 slow (≈900ms).
	for i := 0; i < 90; i++ {
		m.Record("api", true, 4*time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		m.Record("api", true, 900*time.Millisecond)
	}

	p50, err := m.LatencyQuantile("api", 0.5)
	require.NoError(t, err)
	assert.LessOrEqual(t, p50, 10*time.Millisecond)

	p99, err := m.LatencyQuantile("api", 0.99)
	require.NoError(t, err)
	assert.Greater(t, p99, 500*time.Millisecond)
}

// Bucket i covers (2^(i-1), 2^i] ms: an exact power of two stays in its
// own bucket and the reported quantile is that bound.
func TestLatencyBucketBoundaries(t *testing.T) {
	m, _ := testMonitor(t, DefaultConfig())
	m.Register("api", 0.99)

	for i := 0; i < 10; i++ {
		m.Record("api", true, 8*time.Millisecond)
	}
	p100, err := m.LatencyQuantile("api", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Millisecond, p100)

	// One millisecond over the boundary lands in the next bucket.
	m.Record("api", true, 9*time.Millisecond)
	p100, err = m.LatencyQuantile("api", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 16*time.Millisecond, p100)
}

func TestUnknownSLO(t *testing.T) {
	m, _ := testMonitor(t, DefaultConfig())
	require.True(t, ErrUnknownSLO.Is(m.Record("nope", true, 0)))
	_, err := m.Compliance("nope")
	require.True(t, ErrUnknownSLO.Is(err))
	_, err = m.LatencyQuantile("nope", 0.5)
	require.True(t, ErrUnknownSLO.Is(err))
}

func TestNoDataIsCompliant(t *testing.T) {
	m, _ := testMonitor(t, DefaultConfig())
	m.Register("idle", 0.999)
	c, err := m.Compliance("idle")
	require.NoError(t, err)
	assert.Equal(t, 1.0, c)
	q, err := m.LatencyQuantile("idle", 0.99)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), q)
}
