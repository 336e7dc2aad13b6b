package raftex

import (
	"context"
	"time"

	"github.com/cuemby/raftcore/pkg/host"
	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
)

// statusPollLoop is the partition's repeating delayed task: every
// heartbeat_interval/3 + rand(500ms) it drives
// statusPolling, which decides whether to send heartbeats, start an
// election, or fall back out of WAITING_SNAPSHOT on timeout.
func (p *RaftPart) statusPollLoop() {
	defer p.wg.Done()
	for {
		interval := p.tunables.HeartbeatInterval()/3 + time.Duration(p.rnd.Int63n(int64(500*time.Millisecond)))
		select {
		case <-p.stopCh:
			return
		case <-time.After(interval):
			p.statusPolling()
		}
	}
}

func (p *RaftPart) statusPolling() {
	if err := p.wal.LastFlushErr(); err != nil {
		p.logger.Error().Err(err).Msg("wal flush failed, stopping partition")
		p.failFatal()
		return
	}

	p.mu.Lock()
	status := p.status
	role := p.role
	switch {
	case status == types.StatusStopped:
		p.mu.Unlock()
		return
	case status == types.StatusWaitingSnapshot:
		if !p.waitingSnapshotDeadline.IsZero() && time.Now().After(p.waitingSnapshotDeadline) {
			p.status = types.StatusRunning
			p.logger.Warn().Msg("snapshot timed out, reverting to running")
		}
		p.mu.Unlock()
		return
	case role == types.RoleLeader:
		p.mu.Unlock()
		p.sendHeartbeats()
		return
	case role == types.RoleLearner:
		p.mu.Unlock()
		return
	default:
		timeout := p.electionTimeoutLocked()
		expired := time.Since(p.lastMsgRecvTime) >= timeout
		p.mu.Unlock()
		if expired {
			p.startElection(false)
		}
	}
}

func (p *RaftPart) electionTimeoutLocked() time.Duration {
	span := p.cfg.ElectionTimeoutMax - p.cfg.ElectionTimeoutMin
	if span <= 0 {
		return p.cfg.ElectionTimeoutMin
	}
	return p.cfg.ElectionTimeoutMin + time.Duration(p.rnd.Int63n(int64(span)))
}

// startElection runs the pre-vote-then-real-vote protocol.
// skipPreVote bypasses the speculative round for leadership
// transfer's immediate takeover.
func (p *RaftPart) startElection(skipPreVote bool) {
	p.mu.Lock()
	if p.status != types.StatusRunning || p.role == types.RoleLearner || p.role == types.RoleLeader {
		p.mu.Unlock()
		return
	}
	proposedTerm := p.term + 1
	lastLogID, lastLogTerm := p.lastLogID, p.lastLogTerm
	peers := make([]*host.Host, 0, len(p.peers))
	for _, h := range p.peers {
		peers = append(peers, h)
	}
	selfAddr := p.self
	p.mu.Unlock()

	lbl := spacePartLabels(p.space, p.part)
	metrics.ElectionsStarted.WithLabelValues(lbl.space, lbl.part).Inc()

	if !skipPreVote {
		req := &raftpb.AskForVoteRequest{
			Space: p.space, Part: p.part,
			CandidateAddr: selfAddr.Host, CandidatePort: selfAddr.Port,
			Term: proposedTerm, LastLogID: lastLogID, LastLogTerm: lastLogTerm,
			IsPreVote: true,
		}
		if !p.collectVotes(peers, req) {
			p.logger.Debug().Int64("term", int64(proposedTerm)).Msg("pre-vote failed")
			return
		}
	}

	p.mu.Lock()
	if p.status != types.StatusRunning || p.role == types.RoleLeader {
		p.mu.Unlock()
		return
	}
	p.role = types.RoleCandidate
	p.term = proposedTerm
	p.votedTerm = proposedTerm
	p.votedFor = selfAddr
	p.mu.Unlock()
	metrics.Role.WithLabelValues(lbl.space, lbl.part).Set(float64(types.RoleCandidate))
	metrics.Term.WithLabelValues(lbl.space, lbl.part).Set(float64(proposedTerm))

	req := &raftpb.AskForVoteRequest{
		Space: p.space, Part: p.part,
		CandidateAddr: selfAddr.Host, CandidatePort: selfAddr.Port,
		Term: proposedTerm, LastLogID: lastLogID, LastLogTerm: lastLogTerm,
		IsPreVote: false,
	}
	if !p.collectVotes(peers, req) {
		p.mu.Lock()
		if p.role == types.RoleCandidate {
			p.role = types.RoleFollower
		}
		p.mu.Unlock()
		return
	}

	p.becomeLeader(proposedTerm)
}

// collectVotes sends req to every voting peer in parallel and reports
// whether a quorum (counting self) granted it. A higher term observed
// in any response causes an immediate step-down.
func (p *RaftPart) collectVotes(peers []*host.Host, req *raftpb.AskForVoteRequest) bool {
	granted := 1 // self always grants its own vote
	type result struct {
		resp *raftpb.AskForVoteResponse
		err  error
	}
	ch := make(chan result, len(peers))
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RaftRPCTimeout)
	defer cancel()
	for _, h := range peers {
		h := h
		go func() {
			resp, err := h.AskForVote(ctx, req)
			ch <- result{resp, err}
		}()
	}

	var higherTerm types.TermID
	for i := 0; i < len(peers); i++ {
		r := <-ch
		if r.err != nil || r.resp == nil {
			continue
		}
		if r.resp.CurrentTerm > req.Term && r.resp.ErrorCode != raftpb.Succeeded {
			if r.resp.CurrentTerm > higherTerm {
				higherTerm = r.resp.CurrentTerm
			}
			continue
		}
		if r.resp.ErrorCode == raftpb.Succeeded {
			granted++
		}
	}
	if higherTerm > 0 {
		p.stepDownOnHigherTerm(higherTerm)
		return false
	}

	p.mu.Lock()
	quorum := p.quorum
	p.mu.Unlock()
	return granted >= quorum
}

// becomeLeader transitions to LEADER, resets every Host's pipeline
// pointers, and immediately asserts leadership with a heartbeat round.
func (p *RaftPart) becomeLeader(term types.TermID) {
	p.mu.Lock()
	if p.term != term || p.status != types.StatusRunning {
		p.mu.Unlock()
		return
	}
	p.role = types.RoleLeader
	p.leaderAddr = p.self
	p.commitInThisTerm = false
	lastLogID, lastLogTerm := p.lastLogID, p.lastLogTerm
	hosts := p.allHostsLocked()
	p.mu.Unlock()

	for _, h := range hosts {
		h.Reset(lastLogID, lastLogTerm)
	}

	lbl := spacePartLabels(p.space, p.part)
	metrics.Role.WithLabelValues(lbl.space, lbl.part).Set(float64(types.RoleLeader))
	metrics.ElectionsWon.WithLabelValues(lbl.space, lbl.part).Inc()
	termLogger := log.WithTerm(p.logger, int64(term))
	termLogger.Info().Msg("elected leader")
	p.sm.OnElected(term)

	p.sendHeartbeats()
}

// sendHeartbeats asserts leadership on every peer/learner without
// requiring them to be behind.
func (p *RaftPart) sendHeartbeats() {
	p.mu.Lock()
	term := p.term
	committedLogID := p.committedLogID
	hosts := p.allHostsLocked()
	quorum := p.quorum
	p.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RaftRPCTimeout)
	defer cancel()

	type result struct {
		isVoter bool
		res     host.AppendResult
	}
	results := make(chan result, len(hosts))
	for _, h := range hosts {
		h := h
		go func() { results <- result{!h.IsLearner, <-h.SendHeartbeat(ctx, term, committedLogID)} }()
	}

	var higherTerm types.TermID
	granted := 1 // self
	for i := 0; i < len(hosts); i++ {
		r := <-results
		if r.res.CurrentTerm > term {
			higherTerm = r.res.CurrentTerm
			continue
		}
		if r.isVoter && isSuccessCode(r.res.ErrorCode) {
			granted++
		}
	}
	if higherTerm > 0 {
		p.stepDownOnHigherTerm(higherTerm)
		return
	}
	if granted < quorum {
		return
	}
	p.mu.Lock()
	p.lastMsgAcceptedTime = start
	p.lastMsgAcceptedCostMs = time.Since(start)
	p.mu.Unlock()
}

// stepDownOnHigherTerm demotes to FOLLOWER on observing a higher term
// in any RPC request or response.
func (p *RaftPart) stepDownOnHigherTerm(term types.TermID) {
	p.mu.Lock()
	if term <= p.term {
		p.mu.Unlock()
		return
	}
	wasLeader := p.role == types.RoleLeader
	p.term = term
	p.votedTerm = 0
	p.votedFor = types.HostAddr{}
	if p.role != types.RoleLearner {
		p.role = types.RoleFollower
	}
	p.leaderAddr = types.HostAddr{}
	p.commitInThisTerm = false
	p.mu.Unlock()

	lbl := spacePartLabels(p.space, p.part)
	metrics.Role.WithLabelValues(lbl.space, lbl.part).Set(float64(types.RoleFollower))
	metrics.Term.WithLabelValues(lbl.space, lbl.part).Set(float64(term))
	if wasLeader {
		p.sm.OnLostLeadership(term)
	}
}

// HandleAskForVote implements the grant rule for both the pre-vote
// and the formal vote round.
func (p *RaftPart) HandleAskForVote(req *raftpb.AskForVoteRequest) *raftpb.AskForVoteResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := &raftpb.AskForVoteResponse{CurrentTerm: p.term, ErrorCode: raftpb.ErrTermOutOfDate}

	if p.status != types.StatusRunning || p.role == types.RoleLearner {
		return resp
	}
	if !p.isKnownPeerLocked(types.HostAddr{Host: req.CandidateAddr, Port: req.CandidatePort}) {
		resp.ErrorCode = raftpb.ErrInvalidPeer
		return resp
	}

	effectiveTerm := req.Term
	if req.IsPreVote {
		effectiveTerm = req.Term - 1
	}
	if effectiveTerm < p.term {
		return resp
	}

	upToDate := logUpToDate(req.LastLogTerm, req.LastLogID, p.lastLogTerm, p.lastLogID)
	if !upToDate {
		return resp
	}

	if req.IsPreVote {
		// Granting pre-vote never mutates term/votedFor.
		if p.votedTerm == req.Term && p.votedFor.String() != (types.HostAddr{Host: req.CandidateAddr, Port: req.CandidatePort}).String() {
			return resp
		}
		resp.ErrorCode = raftpb.Succeeded
		resp.CurrentTerm = p.term
		return resp
	}

	candidate := types.HostAddr{Host: req.CandidateAddr, Port: req.CandidatePort}
	if req.Term > p.term {
		p.term = req.Term
		if p.role != types.RoleLearner {
			p.role = types.RoleFollower
		}
	}
	if p.votedTerm == req.Term && p.votedFor.String() != candidate.String() {
		resp.CurrentTerm = p.term
		return resp
	}
	p.votedTerm = req.Term
	p.votedFor = candidate
	p.lastMsgRecvTime = time.Now()
	resp.ErrorCode = raftpb.Succeeded
	resp.CurrentTerm = p.term
	return resp
}

func (p *RaftPart) isKnownPeerLocked(addr types.HostAddr) bool {
	_, ok := p.peers[addr.String()]
	return ok
}

// logUpToDate implements the standard raft comparison: (termA,
// idA) is at least as up-to-date as (termB, idB).
func logUpToDate(termA types.TermID, idA types.LogID, termB types.TermID, idB types.LogID) bool {
	if termA != termB {
		return termA > termB
	}
	return idA >= idB
}

// RunForLeaderNow bypasses the normal election-timeout gate for
// leadership transfer's immediate takeover.
func (p *RaftPart) RunForLeaderNow() {
	go p.startElection(true)
}
