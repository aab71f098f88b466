package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLockMetrics(reg)
	m.Acquires.WithLabelValues(ResultAcquired).Inc()
	m.Acquires.WithLabelValues(ResultContended).Add(2)
	m.Releases.WithLabelValues(ResultReleased).Inc()
	m.ScriptLoads.Inc()
	m.Retries.Inc()
	m.AcquireDuration.Observe(0.01)

	if got := testutil.ToFloat64(m.Acquires.WithLabelValues(ResultContended)); got != 2 {
		t.Fatalf("expected 2 contended, got %v", got)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 5 {
		t.Fatalf("expected 5 metric families, got %d", len(mfs))
	}
}

func TestNewLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	NewLockMetrics(reg)
}
