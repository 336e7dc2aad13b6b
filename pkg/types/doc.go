/*
Package types defines the core data structures used throughout the raft
consensus core: identifiers (LogID, TermID, ClusterID, HostAddr), the
Role and Status enums that describe a replica's position in the
replication state machine, and LogType, which governs how a pending
entry is allowed to batch with its neighbors before being appended to
the WAL.

# Identifiers

LogID and TermID are both signed 64-bit integers. LogID is strictly
increasing per partition starting at 1; 0 means "no log". TermID is
non-decreasing per replica across its process lifetime; 0 is the
initial term.

HostAddr is a (host, port) pair identifying a replica's network
endpoint. The zero value is the canonical "unknown leader" address used
whenever a replica has not yet observed a leader for the current term.

# Role vs. Status

Role and Status are orthogonal. Role describes the replication protocol
position (FOLLOWER, CANDIDATE, LEADER, LEARNER); Status describes the
partition's lifecycle (STARTING, RUNNING, STOPPED, WAITING_SNAPSHOT). A
LEARNER is always FOLLOWER-like in Role terms but is a distinct Role
value because it never participates in elections or quorum counting.

# See Also

  - pkg/wal for the durable log these identifiers index into
  - pkg/raftex for the state machine that assigns Role and Status
  - pkg/raftpb for the wire messages that carry these types between replicas
*/
package types
