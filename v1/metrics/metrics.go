package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts acquisition attempts by result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_acquire_total",
		Help: "Total number of lock acquisition attempts by result",
	}, []string{"result"})
	// ReleaseCounter counts release attempts by outcome.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_release_total",
		Help: "Total number of lock release attempts by outcome",
	}, []string{"outcome"})
	// AcquireWait observes how long callers waited for an acquisition to resolve.
	AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warplock_acquire_wait_seconds",
		Help:    "Time spent inside lock acquisition",
		Buckets: prometheus.DefBuckets,
	})
	// BusEvents counts release notifications sent and received.
	BusEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_bus_events_total",
		Help: "Release notifications by event",
	}, []string{"event"})
	// ScanCounter counts what lock scans found.
	ScanCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_scan_total",
		Help: "Lock keys found by scans by finding",
	}, []string{"finding"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers warplock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, AcquireWait, BusEvents, ScanCounter)
}
