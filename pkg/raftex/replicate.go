package raftex

import (
	"context"

	"github.com/cuemby/raftcore/pkg/host"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
)

// runReplicationRound drives one round of leader-side replication: run
// any ATOMIC_OP closures, append the reduced batch to the WAL, fan out
// AppendLogs to every peer and learner, and on a quorum of voter
// successes advance the commit index and resolve every promise.
func (p *RaftPart) runReplicationRound(batch []pendingEntry) {
	defer p.replicationDone()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AppendLatency)

	p.mu.Lock()
	term := p.term
	startID := p.lastLogID + 1
	p.mu.Unlock()

	records, resolved, kept := p.runAtomicOpsAndBuildRecords(batch, term, startID)
	for _, r := range resolved {
		r.promise.resolve(r.result)
	}
	if len(records) == 0 {
		return
	}

	lastID := records[len(records)-1].ID
	lastTerm := records[len(records)-1].Term

	// p.mu is held across the WAL append: the buffer-chain append is the
	// one disk-adjacent operation the locking discipline permits under
	// the partition lock, and the pre-process hook fired inside it
	// mutates the peer set, which this lock guards.
	p.mu.Lock()
	if p.role != types.RoleLeader || p.term != term || p.status != types.StatusRunning {
		p.mu.Unlock()
		resolveAll(kept, AppendAsyncResult{Code: raftpb.ErrUnknownAppendLog})
		return
	}
	if err := p.wal.AppendBatch(records); err != nil {
		p.status = types.StatusStopped
		p.mu.Unlock()
		p.logger.Error().Err(err).Msg("wal append failed, stopping partition")
		resolveAll(kept, AppendAsyncResult{Code: raftpb.ErrRaftWALFail})
		return
	}
	p.lastLogID = lastID
	p.lastLogTerm = lastTerm
	committedBefore := p.committedLogID
	hosts := p.allHostsLocked()
	voters := len(p.peers)
	quorum := p.quorum
	p.mu.Unlock()

	lbl := spacePartLabels(p.space, p.part)
	metrics.LastLogID.WithLabelValues(lbl.space, lbl.part).Set(float64(lastID))

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RaftRPCTimeout*2)
	defer cancel()

	granted := 1 // self
	type voteResult struct {
		isVoter bool
		res     host.AppendResult
	}
	results := make(chan voteResult, len(hosts))
	for _, h := range hosts {
		h := h
		go func() {
			res := <-h.AppendLogs(ctx, term, lastID, committedBefore)
			results <- voteResult{isVoter: !h.IsLearner, res: res}
		}()
	}

	var higherTerm types.TermID
	for i := 0; i < len(hosts); i++ {
		vr := <-results
		if vr.res.CurrentTerm > term {
			if vr.res.CurrentTerm > higherTerm {
				higherTerm = vr.res.CurrentTerm
			}
			continue
		}
		if vr.isVoter && isSuccessCode(vr.res.ErrorCode) {
			granted++
		}
	}

	if higherTerm > 0 {
		p.stepDownOnHigherTerm(higherTerm)
	}

	if voters+1 < quorum || granted < quorum {
		resolveAll(kept, AppendAsyncResult{Code: raftpb.ErrUnknownAppendLog, Term: term})
		return
	}

	code, committedID, committedTerm := p.commitUpTo(lastID)
	if code != raftpb.Succeeded {
		resolveAll(kept, AppendAsyncResult{Code: code, Term: term})
		return
	}

	p.mu.Lock()
	p.committedLogID = committedID
	p.committedLogTerm = committedTerm
	if !p.commitInThisTerm {
		p.commitInThisTerm = true
		p.leaderReadyFired = p.term
		go p.sm.OnLeaderReady(p.term)
	}
	p.mu.Unlock()

	metrics.CommittedLogID.WithLabelValues(lbl.space, lbl.part).Set(float64(committedID))

	p.finalizeCommittedCommands(committedBefore, committedID)

	resolveAll(kept, AppendAsyncResult{Code: raftpb.Succeeded, LogID: lastID, Term: term})
}

type resolvedEntry struct {
	promise *sharedPromise
	result  AppendAsyncResult
}

// runAtomicOpsAndBuildRecords invokes every ATOMIC_OP's closure,
// drops any that return ok=false, and assembles the surviving entries
// into a contiguous, sequentially-id'd WAL record batch. kept holds
// the promises still awaiting the WAL append/replication outcome, in
// order.
func (p *RaftPart) runAtomicOpsAndBuildRecords(batch []pendingEntry, term types.TermID, startID types.LogID) ([]wal.Record, []resolvedEntry, []*sharedPromise) {
	var records []wal.Record
	var resolved []resolvedEntry
	var kept []*sharedPromise
	id := startID

	for _, e := range batch {
		payload := e.payload
		if e.typ == types.LogAtomicOp {
			out, ok := e.atomicOp()
			if !ok {
				resolved = append(resolved, resolvedEntry{promise: e.promise, result: AppendAsyncResult{Code: raftpb.ErrAtomicOpFailed}})
				continue
			}
			payload = out
		}
		records = append(records, wal.Record{
			ID:      id,
			Term:    term,
			Cluster: e.cluster,
			Payload: payload,
			Type:    e.typ,
		})
		kept = append(kept, e.promise)
		id++
	}
	return records, resolved, kept
}

func resolveAll(promises []*sharedPromise, res AppendAsyncResult) {
	seen := make(map[*sharedPromise]bool, len(promises))
	for _, pr := range promises {
		if seen[pr] {
			continue
		}
		seen[pr] = true
		pr.resolve(res)
	}
}

// commitUpTo iterates the WAL over (committedLogID, upTo] and drives
// StateMachine.Commit with wait=true, the leader-side contract: the
// state machine may stall until the write is durable.
func (p *RaftPart) commitUpTo(upTo types.LogID) (raftpb.ErrorCode, types.LogID, types.TermID) {
	p.mu.Lock()
	from := p.committedLogID + 1
	p.mu.Unlock()
	if from > upTo {
		return raftpb.Succeeded, p.CommittedLogID(), p.CommittedLogTerm()
	}
	iter := p.wal.Iterator(from)
	code, id, term := p.sm.Commit(iter, true)
	if code != raftpb.Succeeded {
		return code, 0, 0
	}
	return code, id, term
}

func isSuccessCode(c raftpb.ErrorCode) bool {
	return c == raftpb.Succeeded
}

// failFatal stops the partition after an unrecoverable local resource
// error.
func (p *RaftPart) failFatal() {
	p.mu.Lock()
	p.status = types.StatusStopped
	p.mu.Unlock()
}
