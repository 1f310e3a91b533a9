package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter, histogram, and gauge the engine exposes at
// metrics_path.
type Metrics struct {
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	ActiveSyncs      prometheus.Gauge
	LeaseSteals      *prometheus.CounterVec
	BytesTransferred *prometheus.CounterVec
	RefsUpdated      *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	DownstreamErrors *prometheus.CounterVec
	ClonesEvicted    prometheus.Counter
}

// New builds and registers every metric. Calling it more than once panics.
func New() *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_attempts_total",
			Help: "sync attempts by mirror and terminal status",
		}, []string{"mirror_id", "status"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncd_attempt_duration_seconds",
			Help:    "wall time of a sync attempt from lease acquisition to terminal status",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		ActiveSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncd_active_syncs",
			Help: "sync jobs currently holding a worker slot",
		}),
		LeaseSteals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_lease_steals_total",
			Help: "leases reclaimed from an expired holder",
		}, []string{"mirror_id"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_bytes_transferred_total",
			Help: "bytes moved by fetch/push, by direction",
		}, []string{"direction"}),
		RefsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_refs_updated_total",
			Help: "refs created or moved, by direction",
		}, []string{"direction"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_retries_total",
			Help: "in-job retries attempted, by failure class",
		}, []string{"class"}),
		DownstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_downstream_errors_total",
			Help: "Gitea API errors, by failure class",
		}, []string{"class"}),
		ClonesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_clones_evicted_total",
			Help: "local clone directories pruned by the disk-usage guard",
		}),
	}

	prometheus.MustRegister(
		m.AttemptsTotal,
		m.AttemptDuration,
		m.ActiveSyncs,
		m.LeaseSteals,
		m.BytesTransferred,
		m.RefsUpdated,
		m.RetriesTotal,
		m.DownstreamErrors,
		m.ClonesEvicted,
	)
	return m
}
