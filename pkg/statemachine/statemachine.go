// Package statemachine defines the capability a RaftPart drives once
// entries commit, and ships one bbolt-backed key/value implementation
// of it.
package statemachine

import (
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
)

// StateMachine is the capability RaftPart consumes. Commit's wait flag
// is true on the leader (the caller may stall until the write is
// durable in the state machine) and false on a follower, which applies
// opportunistically and reports E_WRITE_BLOCKED rather than stalling.
type StateMachine interface {
	// Commit applies every entry in [iter.current, iter.end] in order,
	// returning the id/term of the last entry actually applied.
	Commit(iter *wal.LogIterator, wait bool) (raftpb.ErrorCode, types.LogID, types.TermID)

	// CommitSnapshot applies one batch of a snapshot transfer. done
	// marks the final batch. It returns the row count and byte size
	// applied so far in the stream; the caller checks the stream's
	// declared totals before handing over the final batch.
	CommitSnapshot(rows [][]byte, committedLogID types.LogID, committedLogTerm types.TermID, done bool) (raftpb.ErrorCode, int64, int64)

	// LastCommittedLogID reports the high-water mark recorded by the
	// last successful Commit or CommitSnapshot, surviving restarts.
	LastCommittedLogID() (types.LogID, types.TermID)

	// Cleanup releases resources (closes the backing store).
	Cleanup() raftpb.ErrorCode

	OnLeaderReady(term types.TermID)
	OnElected(term types.TermID)
	OnLostLeadership(term types.TermID)
	OnDiscoverNewLeader(addr types.HostAddr)
}
