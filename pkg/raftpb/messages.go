// Package raftpb defines the wire shapes exchanged between replicas:
// vote requests, append-entries requests, heartbeats, and snapshot
// chunks. These are the only contract the RPC transport (pkg/transport)
// needs to understand; everything else is opaque payload bytes handed
// to the state machine.
//
// The field names mirror the wire contract rather than idiomatic Go
// naming, so a reader comparing this package against a peer's traffic
// does not have to mentally rename anything.
package raftpb

import "github.com/cuemby/raftcore/pkg/types"

// ErrorCode is the set of error codes the core produces and consumes.
type ErrorCode int32

const (
	Succeeded ErrorCode = iota
	ErrLogGap
	ErrLogStale
	ErrTermOutOfDate
	ErrWaitingSnapshot
	ErrLeaderChanged
	ErrUnknownAppendLog
	ErrRaftWALFail
	ErrBufferOverflow
	ErrTooManyRequests
	ErrHostStopped
	ErrNotReady
	ErrBadState
	ErrRPCException
	ErrInvalidPeer
	ErrSendingSnapshot
	ErrPersistSnapshotFailed
	ErrAtomicOpFailed
	ErrWriteBlocked
	ErrRaftStopped
	ErrRetryExhausted
	ErrUnknownPart
)

func (c ErrorCode) String() string {
	switch c {
	case Succeeded:
		return "SUCCEEDED"
	case ErrLogGap:
		return "E_LOG_GAP"
	case ErrLogStale:
		return "E_LOG_STALE"
	case ErrTermOutOfDate:
		return "E_TERM_OUT_OF_DATE"
	case ErrWaitingSnapshot:
		return "E_WAITING_SNAPSHOT"
	case ErrLeaderChanged:
		return "E_LEADER_CHANGED"
	case ErrUnknownAppendLog:
		return "E_RAFT_UNKNOWN_APPEND_LOG"
	case ErrRaftWALFail:
		return "E_RAFT_WAL_FAIL"
	case ErrBufferOverflow:
		return "E_BUFFER_OVERFLOW"
	case ErrTooManyRequests:
		return "E_TOO_MANY_REQUESTS"
	case ErrHostStopped:
		return "E_HOST_STOPPED"
	case ErrNotReady:
		return "E_NOT_READY"
	case ErrBadState:
		return "E_BAD_STATE"
	case ErrRPCException:
		return "E_RPC_EXCEPTION"
	case ErrInvalidPeer:
		return "E_INVALID_PEER"
	case ErrSendingSnapshot:
		return "E_SENDING_SNAPSHOT"
	case ErrPersistSnapshotFailed:
		return "E_PERSIST_SNAPSHOT_FAILED"
	case ErrAtomicOpFailed:
		return "E_ATOMIC_OP_FAILED"
	case ErrWriteBlocked:
		return "E_WRITE_BLOCKED"
	case ErrRaftStopped:
		return "E_RAFT_STOPPED"
	case ErrRetryExhausted:
		return "E_RETRY_EXHAUSTED"
	case ErrUnknownPart:
		return "E_UNKNOWN_PART"
	default:
		return "E_UNKNOWN"
	}
}

// Error makes ErrorCode usable as an error value, so callers can wrap
// a code with %w and match it with errors.Is. Succeeded is never
// returned through an error path.
func (c ErrorCode) Error() string { return c.String() }

// LogEntry is a single in-flight entry carried on the wire, one cluster
// tag and payload per entry.
type LogEntry struct {
	Cluster types.ClusterID
	LogStr  []byte
}

// AskForVoteRequest is sent for both the pre-vote and the formal vote
// round; IsPreVote distinguishes them.
type AskForVoteRequest struct {
	Space         types.GraphSpaceID
	Part          types.PartitionID
	CandidateAddr string
	CandidatePort uint16
	Term          types.TermID
	LastLogID     types.LogID
	LastLogTerm   types.TermID
	IsPreVote     bool
}

type AskForVoteResponse struct {
	ErrorCode   ErrorCode
	CurrentTerm types.TermID
}

// AppendLogRequest covers both real appends and heartbeats (an empty
// LogStrList with LogTermOfBatch == 0 signals a heartbeat produced by
// the same code path).
type AppendLogRequest struct {
	Space             types.GraphSpaceID
	Part              types.PartitionID
	LeaderAddr        string
	LeaderPort        uint16
	CurrentTerm       types.TermID
	LastLogID         types.LogID
	CommittedLogID    types.LogID
	LastLogTermSent   types.TermID
	LastLogIDSent     types.LogID
	LogTermOfBatch    types.TermID
	FirstLogIDInBatch types.LogID
	LogStrList        []LogEntry
}

type AppendLogResponse struct {
	ErrorCode        ErrorCode
	CurrentTerm      types.TermID
	LeaderAddr       string
	LeaderPort       uint16
	CommittedLogID   types.LogID
	LastMatchedLogID types.LogID
	LastMatchedTerm  types.TermID
}

// HeartbeatRequest/Response share AppendLogRequest/Response's shape
// with no entries; they are distinguished by the
// empty LogStrList and serve solely to refresh lastMsgRecvTime and
// propagate term/leader/commit information.
type HeartbeatRequest = AppendLogRequest
type HeartbeatResponse struct {
	ErrorCode      ErrorCode
	CurrentTerm    types.TermID
	LeaderAddr     string
	LeaderPort     uint16
	CommittedLogID types.LogID
	LastLogID      types.LogID
	LastLogTerm    types.TermID
}

// SendSnapshotRequest is one batch of a whole-state stream used to
// catch up a replica whose WAL prefix the leader can no longer supply.
type SendSnapshotRequest struct {
	Space            types.GraphSpaceID
	Part             types.PartitionID
	CurrentTerm      types.TermID
	CommittedLogID   types.LogID
	CommittedLogTerm types.TermID
	LeaderAddr       string
	LeaderPort       uint16
	Rows             [][]byte
	TotalSize        int64
	TotalCount       int64
	Done             bool
}

type SendSnapshotResponse struct {
	ErrorCode   ErrorCode
	CurrentTerm types.TermID
}
