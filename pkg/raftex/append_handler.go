package raftex

import (
	"time"

	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
)

// verifyLeaderLocked decides whether to accept the sender as leader
// for its claimed term. Caller holds p.mu. It
// returns false together with the rejection code when the request
// must be rejected without touching logs.
func (p *RaftPart) verifyLeaderLocked(term types.TermID, leader types.HostAddr) (ok bool, code raftpb.ErrorCode) {
	if term < p.term {
		return false, raftpb.ErrTermOutOfDate
	}
	if term > p.term {
		p.term = term
		p.leaderAddr = leader
		if p.role == types.RoleLeader || p.role == types.RoleCandidate {
			wasLeader := p.role == types.RoleLeader
			if p.role != types.RoleLearner {
				p.role = types.RoleFollower
			}
			p.lastLogID = p.wal.LastLogID()
			p.lastLogTerm = p.wal.LastLogTerm()
			p.commitInThisTerm = false
			if wasLeader {
				go p.sm.OnLostLeadership(term)
			}
		}
		go p.sm.OnDiscoverNewLeader(leader)
		return true, raftpb.Succeeded
	}
	// term == p.term
	if p.leaderAddr.IsZero() {
		p.leaderAddr = leader
		go p.sm.OnDiscoverNewLeader(leader)
		return true, raftpb.Succeeded
	}
	if p.leaderAddr.String() == leader.String() {
		return true, raftpb.Succeeded
	}
	p.logger.Warn().Str("known_leader", p.leaderAddr.String()).Str("claimed_leader", leader.String()).Msg("split-brain leader claim rejected")
	return false, raftpb.ErrTermOutOfDate
}

// HandleAppendLog implements the follower side of the AppendEntries
// protocol: leader verification, divergence detection, conditional
// rollback, append, and commit advancement.
func (p *RaftPart) HandleAppendLog(req *raftpb.AppendLogRequest) *raftpb.AppendLogResponse {
	leader := types.HostAddr{Host: req.LeaderAddr, Port: req.LeaderPort}

	p.mu.Lock()
	switch p.status {
	case types.StatusStopped:
		resp := &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrRaftStopped, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	case types.StatusStarting:
		resp := &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrNotReady, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	case types.StatusWaitingSnapshot:
		resp := &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrWaitingSnapshot, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}
	ok, code := p.verifyLeaderLocked(req.CurrentTerm, leader)
	if !ok {
		resp := &raftpb.AppendLogResponse{ErrorCode: code, CurrentTerm: p.term, LeaderAddr: p.leaderAddr.Host, LeaderPort: p.leaderAddr.Port}
		p.mu.Unlock()
		return resp
	}
	p.lastMsgRecvTime = time.Now()

	committedLogID := p.committedLogID
	committedLogTerm := p.committedLogTerm

	prevID, prevTerm := req.LastLogIDSent, req.LastLogTermSent
	lastLogID, lastLogTerm := p.lastLogID, p.lastLogTerm

	var lastMatched types.LogID
	happy := prevID == lastLogID && prevTerm == lastLogTerm

	if !happy {
		if prevID < committedLogID || prevID > p.wal.LastLogID() {
			resp := &raftpb.AppendLogResponse{
				ErrorCode: raftpb.ErrLogGap, CurrentTerm: p.term,
				LeaderAddr: leader.Host, LeaderPort: leader.Port,
				CommittedLogID: committedLogID, LastMatchedLogID: committedLogID, LastMatchedTerm: committedLogTerm,
			}
			p.mu.Unlock()
			return resp
		}
		storedTerm := p.wal.GetLogTerm(prevID)
		switch {
		case storedTerm == types.InvalidTerm && prevID == committedLogID && prevTerm == committedLogTerm:
			// The WAL's first entry is committedLogID+1; proceed.
		case storedTerm != prevTerm:
			resp := &raftpb.AppendLogResponse{
				ErrorCode: raftpb.ErrLogGap, CurrentTerm: p.term,
				LeaderAddr: leader.Host, LeaderPort: leader.Port,
				CommittedLogID: committedLogID, LastMatchedLogID: committedLogID, LastMatchedTerm: committedLogTerm,
			}
			p.mu.Unlock()
			return resp
		}
	}

	var toAppend []raftpb.LogEntry
	diffIndex := -1
	if len(req.LogStrList) > 0 {
		cursor := req.FirstLogIDInBatch
		for i := range req.LogStrList {
			stored := p.wal.GetLogTerm(cursor)
			if stored == req.LogTermOfBatch {
				lastMatched = cursor
				cursor++
				continue
			}
			diffIndex = i
			break
		}
		if diffIndex < 0 {
			lastMatched = req.FirstLogIDInBatch + types.LogID(len(req.LogStrList)) - 1
		} else {
			toAppend = req.LogStrList[diffIndex:]
		}
	} else {
		lastMatched = lastLogID // heartbeat: nothing to match beyond what we already have
	}

	if len(toAppend) > 0 {
		rollbackTo := req.FirstLogIDInBatch + types.LogID(diffIndex) - 1
		if err := p.wal.RollbackToLog(rollbackTo); err != nil {
			p.logger.Error().Err(err).Msg("rollback failed, stopping partition")
			p.status = types.StatusStopped
			resp := &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrRaftWALFail, CurrentTerm: p.term}
			p.mu.Unlock()
			return resp
		}
		records := make([]wal.Record, len(toAppend))
		id := rollbackTo + 1
		for i, e := range toAppend {
			records[i] = wal.Record{ID: id, Term: req.LogTermOfBatch, Cluster: e.Cluster, Payload: e.LogStr, Type: types.LogNormal}
			id++
		}
		if err := p.wal.AppendBatch(records); err != nil {
			p.logger.Error().Err(err).Msg("append failed, stopping partition")
			p.status = types.StatusStopped
			resp := &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrRaftWALFail, CurrentTerm: p.term}
			p.mu.Unlock()
			return resp
		}
		lastMatched = id - 1
		p.lastLogID = p.wal.LastLogID()
		p.lastLogTerm = p.wal.LastLogTerm()
	} else if diffIndex < 0 && lastMatched > p.lastLogID {
		p.lastLogID = lastMatched
		p.lastLogTerm = req.LogTermOfBatch
	}

	target := lastMatched
	if req.CommittedLogID < target {
		target = req.CommittedLogID
	}
	if target > p.committedLogID {
		from := p.committedLogID + 1
		iter := p.wal.Iterator(from)
		code, id, term := p.sm.Commit(iter, false)
		if code == raftpb.Succeeded {
			p.committedLogID = id
			p.committedLogTerm = term
			p.finalizeCommittedCommandsLocked(from-1, id)
		}
		// E_WRITE_BLOCKED is not fatal.
	}

	resp := &raftpb.AppendLogResponse{
		ErrorCode:        raftpb.Succeeded,
		CurrentTerm:      p.term,
		LeaderAddr:       leader.Host,
		LeaderPort:       leader.Port,
		CommittedLogID:   p.committedLogID,
		LastMatchedLogID: lastMatched,
		LastMatchedTerm:  req.LogTermOfBatch,
	}
	if len(req.LogStrList) == 0 {
		resp.LastMatchedTerm = p.lastLogTerm
	}
	lbl := spacePartLabels(p.space, p.part)
	p.mu.Unlock()

	metrics.LastLogID.WithLabelValues(lbl.space, lbl.part).Set(float64(resp.LastMatchedLogID))
	metrics.CommittedLogID.WithLabelValues(lbl.space, lbl.part).Set(float64(resp.CommittedLogID))
	return resp
}

// HandleHeartbeat implements the heartbeat half of leader
// verification; the request shares AppendLogRequest's shape with an
// empty entry list.
func (p *RaftPart) HandleHeartbeat(req *raftpb.HeartbeatRequest) *raftpb.HeartbeatResponse {
	leader := types.HostAddr{Host: req.LeaderAddr, Port: req.LeaderPort}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.status {
	case types.StatusStopped:
		return &raftpb.HeartbeatResponse{ErrorCode: raftpb.ErrRaftStopped, CurrentTerm: p.term}
	case types.StatusStarting:
		return &raftpb.HeartbeatResponse{ErrorCode: raftpb.ErrNotReady, CurrentTerm: p.term}
	}
	ok, code := p.verifyLeaderLocked(req.CurrentTerm, leader)
	if !ok {
		return &raftpb.HeartbeatResponse{ErrorCode: code, CurrentTerm: p.term, LeaderAddr: p.leaderAddr.Host, LeaderPort: p.leaderAddr.Port}
	}
	p.lastMsgRecvTime = time.Now()

	if req.CommittedLogID > p.committedLogID && req.CommittedLogID <= p.lastLogID {
		from := p.committedLogID + 1
		iter := p.wal.Iterator(from)
		c, id, term := p.sm.Commit(iter, false)
		if c == raftpb.Succeeded {
			p.committedLogID = id
			p.committedLogTerm = term
			p.finalizeCommittedCommandsLocked(from-1, id)
		}
	}

	return &raftpb.HeartbeatResponse{
		ErrorCode:      raftpb.Succeeded,
		CurrentTerm:    p.term,
		LeaderAddr:     leader.Host,
		LeaderPort:     leader.Port,
		CommittedLogID: p.committedLogID,
		LastLogID:      p.lastLogID,
		LastLogTerm:    p.lastLogTerm,
	}
}
