package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordCycle("a1", "ok", 1.5)
	r.RecordCycle("a1", "ok", 0.5)
	r.RecordCycle("a1", "error", 0.1)
	r.RecordRejection("a1")
	r.RecordBreakerTrip("a1")
	r.RecordDecision("a1", "OPEN_LONG", "technical")
	r.RecordOrder("a1", "open", true, 0.2)
	r.RecordAccount("a1", 10250, 2, 12.5)

	if got := testutil.ToFloat64(r.cycles.WithLabelValues("a1", "ok")); got != 2 {
		t.Fatalf("ok cycles=%v, expected 2", got)
	}
	if got := testutil.ToFloat64(r.riskRejections.WithLabelValues("a1")); got != 1 {
		t.Fatalf("rejections=%v, expected 1", got)
	}
	if got := testutil.ToFloat64(r.breakerTrips.WithLabelValues("a1")); got != 1 {
		t.Fatalf("breaker trips=%v, expected 1", got)
	}
	if got := testutil.ToFloat64(r.equity.WithLabelValues("a1")); got != 10250 {
		t.Fatalf("equity=%v, expected 10250", got)
	}
	if got := testutil.ToFloat64(r.orders.WithLabelValues("a1", "open", "ok")); got != 1 {
		t.Fatalf("orders=%v, expected 1", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RecordCycle("a", "ok", 1)
	r.RecordDecision("a", "HOLD", "technical")
	r.RecordRejection("a")
	r.RecordOrder("a", "open", false, 0)
	r.RecordBreakerTrip("a")
	r.RecordAccount("a", 1, 1, 1)
	r.RecordLastPrice("BTC", 1)
}

func TestTwoRecordersOnSeparateRegistries(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
