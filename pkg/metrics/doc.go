/*
Package metrics provides Prometheus metrics for the raft consensus core.

Series are labeled by (space, part) so a process hosting many partitions
gets one time series per partition rather than a single blended gauge.

# Categories

  - Replication state: Role, Term, LastLogID, CommittedLogID
  - Elections: ElectionsStarted, ElectionsWon
  - Per-peer pipeline (Host): HostInFlight, HostAppendDuration
  - WAL: WALBuffersInUse, WALAppendDuration, WALFlushDuration, WALRotationsTotal
  - Snapshot transfer: SnapshotBatchesSent, SnapshotBytesSent
  - Client-facing: AppendLatency

# Usage

	timer := metrics.NewTimer()
	// ... append to WAL ...
	timer.ObserveDuration(metrics.WALAppendDuration)

	metrics.Role.WithLabelValues("0", "1").Set(float64(types.RoleLeader))

# See Also

  - pkg/raftex, pkg/host, pkg/wal for the call sites
  - pkg/metrics/health.go for the separate liveness/readiness surface
*/
package metrics
