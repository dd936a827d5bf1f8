// Package metrics exposes the engine's Prometheus collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every engine metric.
type Collector struct {
	reg *prometheus.Registry

	// Order flow
	OrdersTotal  *prometheus.CounterVec
	OrderLatency *prometheus.HistogramVec

	// Trades
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec
	TradeValue  *prometheus.CounterVec

	// Settlement
	SettlementsTotal *prometheus.CounterVec
	SettlementPayout *prometheus.CounterVec

	// Circuit breakers
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Cache
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions prometheus.Counter
	CacheHitRatio  prometheus.Gauge

	// SLOs
	SLOCompliance  *prometheus.GaugeVec
	SLOErrorBudget *prometheus.GaugeVec
	SLOBurnRate    *prometheus.GaugeVec

	// Task queue
	QueueDepth  *prometheus.GaugeVec
	TasksTotal  *prometheus.CounterVec
	DeadLetters prometheus.Counter

	// WebSocket
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
}

// New creates a collector with its own registry. Pass nil for a fresh one.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{reg: reg}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total orders submitted",
		},
		[]string{"market_id", "side", "type", "status"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order processing latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"market_id"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total trades executed",
		},
		[]string{"market_id"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "trades",
			Name:      "volume_shares",
			Help:      "Total traded shares",
		},
		[]string{"market_id"},
	)

	c.TradeValue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "trades",
			Name:      "value_ticks",
			Help:      "Total traded value in price ticks",
		},
		[]string{"market_id"},
	)

	c.SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "settlement",
			Name:      "total",
			Help:      "Total market settlements",
		},
		[]string{"status"},
	)

	c.SettlementPayout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "settlement",
			Name:      "payout_ticks",
			Help:      "Total settlement payouts in price ticks",
		},
		[]string{"market_id"},
	)

	c.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	c.BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trips",
		},
		[]string{"name"},
	)

	c.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by layer",
		},
		[]string{"layer"},
	)

	c.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by layer",
		},
		[]string{"layer"},
	)

	c.CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "L1 cache evictions",
		},
	)

	c.CacheHitRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "cache",
			Name:      "hit_ratio",
			Help:      "Overall cache hit ratio (0-1)",
		},
	)

	c.SLOCompliance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "slo",
			Name:      "compliance",
			Help:      "SLO compliance over the window (0-1)",
		},
		[]string{"slo"},
	)

	c.SLOErrorBudget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "slo",
			Name:      "error_budget",
			Help:      "Remaining error budget (negative when breached)",
		},
		[]string{"slo"},
	)

	c.SLOBurnRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "slo",
			Name:      "burn_rate",
			Help:      "Error budget burn rate (1.0 = exactly on budget)",
		},
		[]string{"slo"},
	)

	c.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "taskq",
			Name:      "depth",
			Help:      "Queued tasks by priority",
		},
		[]string{"priority"},
	)

	c.TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "taskq",
			Name:      "tasks_total",
			Help:      "Task attempts by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	c.DeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "taskq",
			Name:      "dead_letters_total",
			Help:      "Tasks that exhausted their attempts",
		},
	)

	c.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Active websocket connections",
		},
	)

	c.WSMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Websocket frames sent by channel kind",
		},
		[]string{"channel"},
	)

	reg.MustRegister(
		c.OrdersTotal, c.OrderLatency,
		c.TradesTotal, c.TradeVolume, c.TradeValue,
		c.SettlementsTotal, c.SettlementPayout,
		c.BreakerState, c.BreakerTrips,
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheHitRatio,
		c.SLOCompliance, c.SLOErrorBudget, c.SLOBurnRate,
		c.QueueDepth, c.TasksTotal, c.DeadLetters,
		c.WSConnections, c.WSMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// ============ Recording helpers ============

// RecordOrder records a submitted order and its terminal gate status.
func (c *Collector) RecordOrder(marketID, side, orderType, status string) {
	c.OrdersTotal.WithLabelValues(marketID, side, orderType, status).Inc()
}

// RecordOrderLatency records end-to-end order processing latency.
func (c *Collector) RecordOrderLatency(marketID string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(marketID).Observe(latencyMs)
}

// RecordTrade records one execution.
func (c *Collector) RecordTrade(marketID string, size, value int64) {
	c.TradesTotal.WithLabelValues(marketID).Inc()
	c.TradeVolume.WithLabelValues(marketID).Add(float64(size))
	c.TradeValue.WithLabelValues(marketID).Add(float64(value))
}

// RecordSettlement records a completed (or failed) settlement run.
func (c *Collector) RecordSettlement(marketID, status string, totalPayout int64) {
	c.SettlementsTotal.WithLabelValues(status).Inc()
	if totalPayout > 0 {
		c.SettlementPayout.WithLabelValues(marketID).Add(float64(totalPayout))
	}
}

// SetBreakerState publishes a breaker's current state.
func (c *Collector) SetBreakerState(name string, state int) {
	c.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTrip counts a closed-to-open transition.
func (c *Collector) RecordBreakerTrip(name string) {
	c.BreakerTrips.WithLabelValues(name).Inc()
}

// SetCacheHitRatio publishes the overall cache hit ratio.
func (c *Collector) SetCacheHitRatio(ratio float64) {
	c.CacheHitRatio.Set(ratio)
}

// SetSLO publishes one SLO report.
func (c *Collector) SetSLO(name string, compliance, errorBudget, burnRate float64) {
	c.SLOCompliance.WithLabelValues(name).Set(compliance)
	c.SLOErrorBudget.WithLabelValues(name).Set(errorBudget)
	c.SLOBurnRate.WithLabelValues(name).Set(burnRate)
}

// SetQueueDepth publishes queued task counts per priority.
func (c *Collector) SetQueueDepth(priority string, depth int) {
	c.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordTask counts one task attempt outcome.
func (c *Collector) RecordTask(kind, status string) {
	c.TasksTotal.WithLabelValues(kind, status).Inc()
}

// RecordWSConnection tracks connect (+1) and disconnect (-1).
func (c *Collector) RecordWSConnection(delta int) {
	c.WSConnections.Add(float64(delta))
}

// RecordWSMessage counts an outbound frame.
func (c *Collector) RecordWSMessage(channel string) {
	c.WSMessages.WithLabelValues(channel).Inc()
}

// Timer measures elapsed milliseconds.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns elapsed milliseconds with sub-millisecond resolution.
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
