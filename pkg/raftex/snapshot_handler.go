package raftex

import (
	"time"

	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
)

// HandleSendSnapshot implements the follower side of a whole-state
// transfer: the first batch of a stream tears down the existing
// WAL and parks the partition in WAITING_SNAPSHOT, every batch is
// handed to the state machine, and the final (done) batch installs the
// new committed position and returns the partition to RUNNING.
func (p *RaftPart) HandleSendSnapshot(req *raftpb.SendSnapshotRequest) *raftpb.SendSnapshotResponse {
	leader := types.HostAddr{Host: req.LeaderAddr, Port: req.LeaderPort}

	p.mu.Lock()
	if p.status == types.StatusStopped {
		resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrRaftStopped, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}
	if p.status == types.StatusStarting {
		resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrNotReady, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}
	if req.CurrentTerm < p.term {
		resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrTermOutOfDate, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}
	firstBatch := p.status != types.StatusWaitingSnapshot
	if firstBatch {
		if err := p.wal.Reset(); err != nil {
			p.logger.Error().Err(err).Msg("reset WAL for incoming snapshot failed")
			p.status = types.StatusStopped
			resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrPersistSnapshotFailed, CurrentTerm: p.term}
			p.mu.Unlock()
			return resp
		}
		p.status = types.StatusWaitingSnapshot
		p.waitingSnapshotDeadline = time.Now().Add(p.cfg.RaftSnapshotTimeout)
		p.term = req.CurrentTerm
		p.leaderAddr = leader
		p.snapshotCommittedLogID = req.CommittedLogID
		p.snapshotCommittedLogTerm = req.CommittedLogTerm
		p.snapshotRecvCount = 0
		p.snapshotRecvSize = 0
		p.logger.Info().Str("leader", leader.String()).Msg("receiving snapshot")
	} else if req.CommittedLogID != p.snapshotCommittedLogID || req.CommittedLogTerm != p.snapshotCommittedLogTerm {
		p.logger.Error().
			Int64("expected_committed_log_id", int64(p.snapshotCommittedLogID)).
			Int64("got_committed_log_id", int64(req.CommittedLogID)).
			Msg("snapshot batch committed position mismatch")
		resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrPersistSnapshotFailed, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}
	p.waitingSnapshotDeadline = time.Now().Add(p.cfg.RaftSnapshotTimeout)

	var batchSize int64
	for _, row := range req.Rows {
		batchSize += int64(len(row))
	}

	// Verify the stream's declared totals before the final batch touches
	// the state machine; a truncated or corrupt stream must not install.
	if req.Done &&
		(p.snapshotRecvCount+int64(len(req.Rows)) != req.TotalCount ||
			p.snapshotRecvSize+batchSize != req.TotalSize) {
		p.logger.Error().
			Int64("recv_count", p.snapshotRecvCount+int64(len(req.Rows))).
			Int64("total_count", req.TotalCount).
			Int64("recv_size", p.snapshotRecvSize+batchSize).
			Int64("total_size", req.TotalSize).
			Msg("snapshot stream totals mismatch")
		resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrPersistSnapshotFailed, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}

	code, appliedCount, appliedSize := p.sm.CommitSnapshot(req.Rows, req.CommittedLogID, req.CommittedLogTerm, req.Done)
	if code != raftpb.Succeeded {
		p.status = types.StatusStopped
		resp := &raftpb.SendSnapshotResponse{ErrorCode: code, CurrentTerm: p.term}
		p.mu.Unlock()
		return resp
	}
	p.snapshotRecvCount += int64(len(req.Rows))
	p.snapshotRecvSize += batchSize

	if req.Done {
		p.committedLogID = req.CommittedLogID
		p.committedLogTerm = req.CommittedLogTerm
		p.lastLogID = req.CommittedLogID
		p.lastLogTerm = req.CommittedLogTerm
		p.term = req.CommittedLogTerm
		if p.term < req.CurrentTerm {
			p.term = req.CurrentTerm
		}
		p.status = types.StatusRunning
		p.lastMsgRecvTime = time.Now()
		p.logger.Info().
			Int64("committed_log_id", int64(p.committedLogID)).
			Int64("rows", appliedCount).
			Int64("bytes", appliedSize).
			Msg("snapshot install complete")
	}

	resp := &raftpb.SendSnapshotResponse{ErrorCode: raftpb.Succeeded, CurrentTerm: p.term}
	p.mu.Unlock()
	return resp
}
