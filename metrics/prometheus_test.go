package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordingHelpers(t *testing.T) {
	c := New(nil)

	c.RecordOrder("1", "buy", "limit", "accepted")
	c.RecordOrder("1", "buy", "limit", "accepted")
	c.RecordTrade("1", 100, 6000)
	c.SetBreakerState("redis", 1)
	c.SetSLO("order_latency_p99", 0.995, 0.005, 0.5)
	c.SetQueueDepth("high", 3)

	if got := testutil.ToFloat64(c.OrdersTotal.WithLabelValues("1", "buy", "limit", "accepted")); got != 2 {
		t.Errorf("orders total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.TradeValue.WithLabelValues("1")); got != 6000 {
		t.Errorf("trade value = %v, want 6000", got)
	}
	if got := testutil.ToFloat64(c.BreakerState.WithLabelValues("redis")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SLOCompliance.WithLabelValues("order_latency_p99")); got != 0.995 {
		t.Errorf("slo compliance = %v, want 0.995", got)
	}
	if got := testutil.ToFloat64(c.QueueDepth.WithLabelValues("high")); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New(nil)
	c.RecordTrade("1", 10, 500)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "engine_trades_total") {
		t.Error("scrape output missing engine_trades_total")
	}
}
