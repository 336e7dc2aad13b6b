package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Replication state, labeled by space/part so one process serving
	// many partitions still gets per-partition series.
	Role = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_role",
			Help: "Current role: 0=follower 1=candidate 2=leader 3=learner",
		},
		[]string{"space", "part"},
	)

	Term = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_term",
			Help: "Current election term",
		},
		[]string{"space", "part"},
	)

	LastLogID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_last_log_id",
			Help: "Highest log id present in the WAL",
		},
		[]string{"space", "part"},
	)

	CommittedLogID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_committed_log_id",
			Help: "Highest log id applied to the state machine",
		},
		[]string{"space", "part"},
	)

	// Election metrics
	ElectionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_elections_started_total",
			Help: "Total number of election attempts (pre-vote rounds) started",
		},
		[]string{"space", "part"},
	)

	ElectionsWon = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_elections_won_total",
			Help: "Total number of elections that resulted in this replica becoming leader",
		},
		[]string{"space", "part"},
	)

	// Replication pipeline (Host) metrics
	HostInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_host_requests_in_flight",
			Help: "Whether a Host has an outstanding AppendEntries RPC (0 or 1)",
		},
		[]string{"space", "part", "peer"},
	)

	HostAppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raftcore_host_append_duration_seconds",
			Help:    "Round-trip latency of an AppendEntries RPC to one peer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"space", "part", "peer"},
	)

	// WAL metrics
	WALBuffersInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_wal_buffers_in_use",
			Help: "Number of in-memory WAL buffers currently held (active+frozen+cached)",
		},
		[]string{"space", "part"},
	)

	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_wal_append_duration_seconds",
			Help:    "Time to append one batch to the in-memory WAL buffer",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_wal_flush_duration_seconds",
			Help:    "Time for the flusher to write and optionally fsync one buffer",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_wal_rotations_total",
			Help: "Total number of WAL file rotations",
		},
	)

	// Snapshot metrics
	SnapshotBatchesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_snapshot_batches_sent_total",
			Help: "Total number of snapshot batches sent to a lagging peer",
		},
		[]string{"space", "part"},
	)

	SnapshotBytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_snapshot_bytes_sent_total",
			Help: "Total snapshot payload bytes sent to lagging peers",
		},
		[]string{"space", "part"},
	)

	// Client-facing append latency
	AppendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_append_latency_seconds",
			Help:    "Time from dispatch of a leader replication round to promise resolution",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		Role, Term, LastLogID, CommittedLogID,
		ElectionsStarted, ElectionsWon,
		HostInFlight, HostAppendDuration,
		WALBuffersInUse, WALAppendDuration, WALFlushDuration, WALRotationsTotal,
		SnapshotBatchesSent, SnapshotBytesSent,
		AppendLatency,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to any observer — a plain
// histogram, or one curried out of a vec with WithLabelValues.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to one labeled series of a
// histogram vec.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, lvs ...string) {
	vec.WithLabelValues(lvs...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
