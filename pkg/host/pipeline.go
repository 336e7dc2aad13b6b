package host

import (
	"context"
	"strconv"

	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
)

// runPipeline drives one or more AppendLog RPCs until this Host is
// caught up to the most recently requested (term, logID,
// committedLogID), draining any round that coalesced while an RPC was
// in flight.
func (h *Host) runPipeline(ctx context.Context, term types.TermID, logID, committedLogID types.LogID) {
	spaceLbl, partLbl := strconv.Itoa(int(h.space)), strconv.Itoa(int(h.part))
	peerLbl := h.Addr.String()

	for {
		req, err := h.buildRequest(term, logID, committedLogID)
		if err == errNeedsSnapshot {
			h.startSnapshotFallback(term)
			return
		}

		traceID := newTraceID()
		h.logger.Debug().Str("trace", traceID).Int("entries", len(req.LogStrList)).Msg("sending append")

		metrics.HostInFlight.WithLabelValues(spaceLbl, partLbl, peerLbl).Set(1)
		timer := metrics.NewTimer()
		rpcCtx, cancel := context.WithTimeout(ctx, h.cfg.RaftRPCTimeout)
		var resp *raftpb.AppendLogResponse
		var rpcErr error
		if len(req.LogStrList) == 0 {
			// Caught up: assert leadership on the dedicated heartbeat
			// method instead of an empty append. Still serialized through
			// this pipeline, so it can never reorder with data.
			var hb *raftpb.HeartbeatResponse
			hb, rpcErr = h.transport.Heartbeat(rpcCtx, h.Addr, req)
			if rpcErr == nil {
				resp = &raftpb.AppendLogResponse{
					ErrorCode:        hb.ErrorCode,
					CurrentTerm:      hb.CurrentTerm,
					LeaderAddr:       hb.LeaderAddr,
					LeaderPort:       hb.LeaderPort,
					CommittedLogID:   hb.CommittedLogID,
					LastMatchedLogID: req.LastLogIDSent,
					LastMatchedTerm:  req.LastLogTermSent,
				}
			}
		} else {
			resp, rpcErr = h.transport.AppendLog(rpcCtx, h.Addr, req)
		}
		cancel()
		timer.ObserveDuration(metrics.HostAppendDuration.WithLabelValues(spaceLbl, partLbl, peerLbl))
		metrics.HostInFlight.WithLabelValues(spaceLbl, partLbl, peerLbl).Set(0)

		if rpcErr != nil {
			h.logger.Debug().Err(rpcErr).Msg("append rpc failed")
			result := AppendResult{ErrorCode: raftpb.ErrRPCException, Err: rpcErr}
			done, more := h.settleRoundLocked()
			deliver(done, result)
			if more == nil {
				return
			}
			term, logID, committedLogID = more.term, more.logID, more.committedLogID
			continue
		}

		h.mu.Lock()
		h.lastLogIDSent = resp.LastMatchedLogID
		h.lastLogTermSent = resp.LastMatchedTerm
		h.followerCommittedLogID = resp.CommittedLogID
		h.mu.Unlock()

		result := AppendResult{
			ErrorCode:        resp.ErrorCode,
			CurrentTerm:      resp.CurrentTerm,
			LeaderAddr:       resp.LeaderAddr,
			LeaderPort:       resp.LeaderPort,
			CommittedLogID:   resp.CommittedLogID,
			LastMatchedLogID: resp.LastMatchedLogID,
			LastMatchedTerm:  resp.LastMatchedTerm,
		}

		if isCatchUpCode(resp.ErrorCode) && resp.LastMatchedLogID < logID {
			// still behind: fire another batch toward the same target
			// without waking waiters yet.
			continue
		}

		done, more := h.settleRoundLocked()
		deliver(done, result)
		if more == nil {
			return
		}
		term, logID, committedLogID = more.term, more.logID, more.committedLogID
	}
}

func isCatchUpCode(c raftpb.ErrorCode) bool {
	return c == raftpb.Succeeded || c == raftpb.ErrLogGap || c == raftpb.ErrLogStale
}

// settleRoundLocked fulfils the current waiters, then checks whether a
// coalesced request arrived while the RPC was in flight. If so it
// becomes the new current round's target and its waiters join the
// in-flight set; otherwise the pipeline goes idle.
func (h *Host) settleRoundLocked() ([]chan AppendResult, *coalesced) {
	h.mu.Lock()
	defer h.mu.Unlock()

	done := h.waiters
	h.waiters = nil

	if h.pendingCoalesced != nil {
		next := h.pendingCoalesced
		h.pendingCoalesced = nil
		h.waiters = h.coalescedWaiters
		h.coalescedWaiters = nil
		return done, next
	}

	h.requestInFlight = false
	h.noMoreRequestCond.Broadcast()
	return done, nil
}

func deliver(chans []chan AppendResult, res AppendResult) {
	for _, c := range chans {
		c <- res
		close(c)
	}
}
