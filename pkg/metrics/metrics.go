package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector a meshfs node exports.
type Metrics struct {
	// Replica metrics
	EntriesApplied  *prometheus.CounterVec
	MergeRejections *prometheus.CounterVec
	GateDenials     *prometheus.CounterVec
	Replicas        prometheus.Gauge

	// Sync metrics
	SyncAttempts    *prometheus.CounterVec
	SyncDuration    prometheus.Histogram
	EntriesPulled   prometheus.Counter
	EntriesPushed   prometheus.Counter
	ObjectsFetched  prometheus.Counter
	BytesFetched    prometheus.Counter
	ActiveSessions  prometheus.Gauge
	PeersBackedOff  prometheus.Gauge
	LastSyncSuccess prometheus.Gauge

	// Discovery metrics
	Announcements *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec

	// Storage metrics
	ObjectsCollected prometheus.Counter
}

// New creates and registers the collectors on registry. A nil registry
// uses the default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		EntriesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfs_entries_applied_total",
			Help: "Entries appended to a replica log, by origin",
		}, []string{"origin"}),
		MergeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfs_merge_rejections_total",
			Help: "Remote entries rejected during merge, by reason",
		}, []string{"reason"}),
		GateDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfs_capability_denials_total",
			Help: "Capability verifications that failed, by reason",
		}, []string{"reason"}),
		Replicas: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshfs_replicas",
			Help: "Number of replicas held locally",
		}),

		SyncAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfs_sync_attempts_total",
			Help: "Sync sessions run against a peer, by result",
		}, []string{"result"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshfs_sync_duration_seconds",
			Help:    "Duration of sync sessions",
			Buckets: prometheus.DefBuckets,
		}),
		EntriesPulled: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfs_sync_entries_pulled_total",
			Help: "Entries fetched from peers",
		}),
		EntriesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfs_sync_entries_pushed_total",
			Help: "Entries pushed to peers",
		}),
		ObjectsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfs_sync_objects_fetched_total",
			Help: "Content objects fetched from peers",
		}),
		BytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfs_sync_object_bytes_fetched_total",
			Help: "Bytes of content objects fetched from peers",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshfs_sync_active_sessions",
			Help: "Sync sessions currently running",
		}),
		PeersBackedOff: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshfs_sync_peers_backed_off",
			Help: "Replica/peer pairs waiting out a backoff",
		}),
		LastSyncSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshfs_sync_last_success_timestamp",
			Help: "Unix time of the last successful sync session",
		}),

		Announcements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfs_discovery_announcements_total",
			Help: "DHT announcements, by result",
		}, []string{"result"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshfs_discovery_resolutions_total",
			Help: "DHT resolutions, by result",
		}, []string{"result"}),

		ObjectsCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshfs_storage_objects_collected_total",
			Help: "Objects removed by garbage collection",
		}),
	}
}

// NewUnregistered returns metrics bound to a private registry, for
// components constructed without one.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
