// Package metrics exposes Prometheus collectors for the lock manager.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Acquisition outcomes used as the "result" label.
const (
	ResultAcquired  = "acquired"
	ResultContended = "contended"
	ResultError     = "error"
)

// Release outcomes used as the "result" label.
const (
	ResultReleased = "released"
	ResultMissed   = "missed"
)

// LockMetrics groups the collectors of a single lock manager.
type LockMetrics struct {
	Acquires        *prometheus.CounterVec
	Releases        *prometheus.CounterVec
	ScriptLoads     prometheus.Counter
	Retries         prometheus.Counter
	AcquireDuration prometheus.Histogram
}

// NewLockMetrics creates the lock collectors and registers them on reg.
// It panics on duplicate registration, like prometheus.MustRegister.
func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	m := &LockMetrics{
		Acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acquirel_acquire_total",
			Help: "Total number of lock acquisition attempts by result",
		}, []string{"result"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acquirel_release_total",
			Help: "Total number of lock releases by result",
		}, []string{"result"}),
		ScriptLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acquirel_script_loads_total",
			Help: "Total number of compare-and-delete script registrations",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acquirel_retries_total",
			Help: "Total number of acquisition retries issued by retry policies",
		}),
		AcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "acquirel_acquire_duration_seconds",
			Help:    "Latency of a single acquisition attempt",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Acquires, m.Releases, m.ScriptLoads, m.Retries, m.AcquireDuration)
	return m
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
