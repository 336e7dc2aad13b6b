// Package host implements the per-peer replication pipeline: one Host
// owns the single outstanding AppendEntries
// RPC to a remote replica, coalesces additional requests that arrive
// while one is in flight, and falls back to snapshot transfer when the
// WAL no longer holds the entries the peer needs.
package host

import (
	"context"
	"sync"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is the narrow RPC shuttle a Host drives. pkg/transport
// provides a gRPC-backed implementation; tests substitute an in-process
// fake.
type Transport interface {
	AskForVote(ctx context.Context, addr types.HostAddr, req *raftpb.AskForVoteRequest) (*raftpb.AskForVoteResponse, error)
	AppendLog(ctx context.Context, addr types.HostAddr, req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error)
	Heartbeat(ctx context.Context, addr types.HostAddr, req *raftpb.HeartbeatRequest) (*raftpb.HeartbeatResponse, error)
	SendSnapshot(ctx context.Context, addr types.HostAddr, req *raftpb.SendSnapshotRequest) (*raftpb.SendSnapshotResponse, error)
}

// LogSource is the subset of *wal.Wal a Host needs to build replication
// batches. Kept as an interface so tests can fake a log without a real
// WAL directory.
type LogSource interface {
	LastLogID() types.LogID
	LastLogTerm() types.TermID
	GetLogTerm(id types.LogID) types.TermID
	Iterator(from types.LogID) *wal.LogIterator
}

// SnapshotSender kicks off a full state transfer to the peer once a
// Host discovers it can no longer be caught up incrementally. Bound to
// pkg/snapshot.Manager.SendSnapshot at construction.
type SnapshotSender func(ctx context.Context, addr types.HostAddr) (types.LogID, types.TermID, error)

// AppendResult is the outcome of one coalesced round of replication.
type AppendResult struct {
	ErrorCode        raftpb.ErrorCode
	CurrentTerm      types.TermID
	LeaderAddr       string
	LeaderPort       uint16
	CommittedLogID   types.LogID
	LastMatchedLogID types.LogID
	LastMatchedTerm  types.TermID
	Err              error
}

type coalesced struct {
	term           types.TermID
	logID          types.LogID
	committedLogID types.LogID
}

// Host is one peer's replication pipeline. All exported
// methods are safe for concurrent use.
type Host struct {
	Addr      types.HostAddr
	IsLearner bool

	space    types.GraphSpaceID
	part     types.PartitionID
	selfAddr types.HostAddr

	transport Transport
	wal       LogSource
	snapshot  SnapshotSender
	cfg       config.RaftConfig
	logger    zerolog.Logger

	mu                 sync.Mutex
	noMoreRequestCond  *sync.Cond
	stopped            bool
	waitingForSnapshot bool
	requestInFlight    bool

	lastLogIDSent   types.LogID
	lastLogTermSent types.TermID

	followerCommittedLogID types.LogID

	pendingCoalesced *coalesced
	waiters          []chan AppendResult
	coalescedWaiters []chan AppendResult
}

// New constructs a Host for one peer. space/part label metrics and are
// stamped into every outbound request so the peer's Service can route
// it to the right partition; the logger carries the peer. selfAddr is
// stamped into every outbound request as the leader's own address so
// the peer knows whom to treat as leader and where to redirect writes.
func New(space types.GraphSpaceID, part types.PartitionID, selfAddr, addr types.HostAddr, isLearner bool, transport Transport, src LogSource, snapshot SnapshotSender, cfg config.RaftConfig) *Host {
	h := &Host{
		Addr:      addr,
		IsLearner: isLearner,
		space:     space,
		part:      part,
		selfAddr:  selfAddr,
		transport: transport,
		wal:       src,
		snapshot:  snapshot,
		cfg:       cfg,
		logger:    log.WithPeer(addr.String()),
	}
	h.noMoreRequestCond = sync.NewCond(&h.mu)
	return h
}

// AskForVote is a one-shot RPC, independent of the AppendEntries
// pipeline.
func (h *Host) AskForVote(ctx context.Context, req *raftpb.AskForVoteRequest) (*raftpb.AskForVoteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RaftRPCTimeout)
	defer cancel()
	return h.transport.AskForVote(ctx, h.Addr, req)
}

// AppendLogs drives this peer toward logID within term: at most one
// RPC in flight, additional calls coalesce, and the result channel is
// fulfilled once this Host is caught up to the round that was
// requested (or an error terminates the round).
func (h *Host) AppendLogs(ctx context.Context, term types.TermID, logID, committedLogID types.LogID) <-chan AppendResult {
	ch := make(chan AppendResult, 1)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		ch <- AppendResult{ErrorCode: raftpb.ErrHostStopped}
		close(ch)
		return ch
	}
	if h.waitingForSnapshot {
		h.mu.Unlock()
		ch <- AppendResult{ErrorCode: raftpb.ErrWaitingSnapshot}
		close(ch)
		return ch
	}
	if h.requestInFlight {
		if len(h.coalescedWaiters) >= h.cfg.MaxOutstandingRequests {
			h.mu.Unlock()
			ch <- AppendResult{ErrorCode: raftpb.ErrTooManyRequests}
			close(ch)
			return ch
		}
		h.pendingCoalesced = &coalesced{term: term, logID: logID, committedLogID: committedLogID}
		h.coalescedWaiters = append(h.coalescedWaiters, ch)
		h.mu.Unlock()
		return ch
	}

	h.requestInFlight = true
	h.waiters = []chan AppendResult{ch}
	h.mu.Unlock()

	go h.runPipeline(ctx, term, logID, committedLogID)
	return ch
}

// SendHeartbeat asserts leadership without requiring the peer to have
// fallen behind; it shares the pipeline with data appends so the two
// never reorder. While the peer is installing a snapshot, data
// appends are suppressed but
// heartbeats must still flow, so the pipeline is bypassed — there is no
// in-flight data to reorder with.
func (h *Host) SendHeartbeat(ctx context.Context, term types.TermID, committedLogID types.LogID) <-chan AppendResult {
	h.mu.Lock()
	logID := h.lastLogIDSent
	waiting := h.waitingForSnapshot
	stopped := h.stopped
	h.mu.Unlock()

	if stopped {
		ch := make(chan AppendResult, 1)
		ch <- AppendResult{ErrorCode: raftpb.ErrHostStopped}
		close(ch)
		return ch
	}
	if waiting {
		ch := make(chan AppendResult, 1)
		go func() {
			ch <- h.sendHeartbeatRPC(ctx, term, logID, committedLogID)
			close(ch)
		}()
		return ch
	}
	return h.AppendLogs(ctx, term, logID, committedLogID)
}

// sendHeartbeatRPC issues one Heartbeat RPC outside the append
// pipeline and maps the reply onto AppendResult. The pipeline pointers
// are left untouched; a heartbeat never advances replication.
func (h *Host) sendHeartbeatRPC(ctx context.Context, term types.TermID, logID, committedLogID types.LogID) AppendResult {
	h.mu.Lock()
	prevID, prevTerm := h.lastLogIDSent, h.lastLogTermSent
	h.mu.Unlock()

	req := &raftpb.HeartbeatRequest{
		Space:           h.space,
		Part:            h.part,
		LeaderAddr:      h.selfAddr.Host,
		LeaderPort:      h.selfAddr.Port,
		CurrentTerm:     term,
		LastLogID:       logID,
		CommittedLogID:  committedLogID,
		LastLogTermSent: prevTerm,
		LastLogIDSent:   prevID,
	}
	rpcCtx, cancel := context.WithTimeout(ctx, h.cfg.RaftRPCTimeout)
	resp, err := h.transport.Heartbeat(rpcCtx, h.Addr, req)
	cancel()
	if err != nil {
		return AppendResult{ErrorCode: raftpb.ErrRPCException, Err: err}
	}
	return AppendResult{
		ErrorCode:        resp.ErrorCode,
		CurrentTerm:      resp.CurrentTerm,
		LeaderAddr:       resp.LeaderAddr,
		LeaderPort:       resp.LeaderPort,
		CommittedLogID:   resp.CommittedLogID,
		LastMatchedLogID: prevID,
		LastMatchedTerm:  prevTerm,
	}
}

// Reset sets the pipeline pointers to lastLogID/lastLogTerm and clears
// the follower commit, snapshot wait and coalesced request, used on
// election win and when catching a peer up from scratch.
func (h *Host) Reset(lastLogID types.LogID, lastLogTerm types.TermID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLogIDSent = lastLogID
	h.lastLogTermSent = lastLogTerm
	h.followerCommittedLogID = 0
	h.waitingForSnapshot = false
	h.pendingCoalesced = nil
}

// Stop marks the Host stopped; in-flight requests run to completion.
func (h *Host) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

// WaitForStop blocks until no AppendEntries RPC is in flight.
func (h *Host) WaitForStop() {
	h.mu.Lock()
	for h.requestInFlight {
		h.noMoreRequestCond.Wait()
	}
	h.mu.Unlock()
}

// InstallSnapshotComplete is called by the owning RaftPart once a
// triggered snapshot transfer finishes, resuming normal replication
// from the transferred position.
func (h *Host) InstallSnapshotComplete(lastLogID types.LogID, lastLogTerm types.TermID) {
	h.mu.Lock()
	h.waitingForSnapshot = false
	h.lastLogIDSent = lastLogID
	h.lastLogTermSent = lastLogTerm
	h.mu.Unlock()
}

// newTraceID is attached to each in-flight RPC purely for log
// correlation across the leader and the peer's own logs.
func newTraceID() string { return uuid.NewString() }
