package host

import (
	"context"
	"errors"

	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
)

// errNeedsSnapshot signals that lastLogIdSent+1 is no longer in the
// WAL (compacted, or a brand-new replica with empty state) and the
// pipeline must fall back to a full snapshot transfer.
var errNeedsSnapshot = errors.New("host: peer requires a snapshot")

// buildRequest constructs the AppendEntries request covering
// (lastLogIdSent, logID] capped by max_appendlog_batch_size and a
// single term. If the peer is already caught up
// to logID, the returned request carries no entries (a heartbeat).
func (h *Host) buildRequest(term types.TermID, logID, committedLogID types.LogID) (*raftpb.AppendLogRequest, error) {
	h.mu.Lock()
	prevLogID := h.lastLogIDSent
	prevLogTerm := h.lastLogTermSent
	h.mu.Unlock()

	base := &raftpb.AppendLogRequest{
		Space:           h.space,
		Part:            h.part,
		LeaderAddr:      h.selfAddr.Host,
		LeaderPort:      h.selfAddr.Port,
		CurrentTerm:     term,
		LastLogID:       logID,
		CommittedLogID:  committedLogID,
		LastLogTermSent: prevLogTerm,
		LastLogIDSent:   prevLogID,
	}

	startID := prevLogID + 1
	if startID > logID {
		return base, nil // already caught up: heartbeat
	}

	if h.wal.GetLogTerm(startID) == types.InvalidTerm {
		return nil, errNeedsSnapshot
	}

	iter := h.wal.Iterator(startID)
	var entries []raftpb.LogEntry
	var batchTerm types.TermID
	var firstID types.LogID
	for iter.Valid() {
		if len(entries) == 0 {
			batchTerm = iter.LogTerm()
			firstID = iter.LogID()
		} else if iter.LogTerm() != batchTerm {
			break // single-term batch cap: stop at a term boundary
		}
		if iter.LogID() > logID {
			break
		}
		entries = append(entries, raftpb.LogEntry{Cluster: iter.Cluster(), LogStr: iter.LogMsg()})
		if len(entries) >= h.cfg.MaxAppendLogBatchSize {
			break
		}
		iter.Next()
	}
	if iter.Err() != nil {
		return nil, iter.Err()
	}
	if len(entries) == 0 {
		return nil, errNeedsSnapshot
	}

	base.LogTermOfBatch = batchTerm
	base.FirstLogIDInBatch = firstID
	base.LogStrList = entries
	return base, nil
}

// startSnapshotFallback marks the Host as waiting for a full transfer
// and kicks off the transfer asynchronously, fulfilling whatever
// waiters are queued with E_WAITING_SNAPSHOT. The transfer runs on its
// own context bounded by the snapshot timeout: the append round that
// discovered the gap settles (and cancels its context) immediately,
// long before a large transfer could finish.
func (h *Host) startSnapshotFallback(term types.TermID) {
	h.mu.Lock()
	h.waitingForSnapshot = true
	done := h.waiters
	h.waiters = nil
	coalescedDone := h.coalescedWaiters
	h.coalescedWaiters = nil
	h.pendingCoalesced = nil
	h.requestInFlight = false
	h.noMoreRequestCond.Broadcast()
	h.mu.Unlock()

	result := AppendResult{ErrorCode: raftpb.ErrWaitingSnapshot, CurrentTerm: term}
	deliver(done, result)
	deliver(coalescedDone, result)

	if h.snapshot == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RaftSnapshotTimeout)
		defer cancel()
		lastID, lastTerm, err := h.snapshot(ctx, h.Addr)
		if err != nil {
			h.logger.Warn().Err(err).Msg("snapshot transfer failed")
			// Unblock the pipeline so the next append or status poll
			// retries the fallback instead of wedging this peer.
			h.mu.Lock()
			h.waitingForSnapshot = false
			h.mu.Unlock()
			return
		}
		h.InstallSnapshotComplete(lastID, lastTerm)
	}()
}
