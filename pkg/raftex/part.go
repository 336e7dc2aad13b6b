package raftex

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/host"
	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/snapshot"
	"github.com/cuemby/raftcore/pkg/statemachine"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/rs/zerolog"
)

// AppendAsyncResult is the outcome of one client append/atomic-op/
// command, delivered on the channel appendAsync et al. return.
type AppendAsyncResult struct {
	Code       raftpb.ErrorCode
	LogID      types.LogID
	Term       types.TermID
	LeaderAddr types.HostAddr
}

// AtomicOp is the closure a caller supplies to atomicOpAsync: it runs
// on the leader immediately before replication and either returns a
// substitute payload to append, or ok=false to abort the op without
// affecting other pending entries.
type AtomicOp func() (payload []byte, ok bool)

// Config is everything RaftPart needs at construction. Peers/Learners
// list the remote addresses of the other replicas; self is excluded
// from both. The peer list is supplied at construction; there is no
// bootstrap or discovery in this core.
type Config struct {
	Space types.GraphSpaceID
	Part  types.PartitionID
	Self  types.HostAddr

	Peers     []types.HostAddr
	Learners  []types.HostAddr
	IsLearner bool

	WALDir    string
	WALPolicy wal.Policy
	Flusher   *wal.Flusher

	StateMachine statemachine.StateMachine
	Transport    host.Transport
	Scanner      snapshot.Scanner

	RaftConfig config.RaftConfig
}

// RaftPart is the replication state machine for one partition: role
// and term management, log replication, and membership changes. All
// exported methods are safe for concurrent use.
type RaftPart struct {
	space types.GraphSpaceID
	part  types.PartitionID
	self  types.HostAddr

	wal      *wal.Wal
	tunables *config.TunableHolder
	sm       statemachine.StateMachine
	trans    host.Transport
	snapMgr  *snapshot.Manager
	cfg      config.RaftConfig
	logger   zerolog.Logger

	// mu guards every field below. Never held across an RPC or a
	// blocking disk write.
	mu sync.Mutex

	status        types.Status
	role          types.Role
	selfIsLearner bool

	term      types.TermID
	votedTerm types.TermID
	votedFor  types.HostAddr

	lastLogID   types.LogID
	lastLogTerm types.TermID

	committedLogID   types.LogID
	committedLogTerm types.TermID

	leaderAddr types.HostAddr

	peers    map[string]*host.Host // voting members, self excluded
	learners map[string]*host.Host // non-voting members
	quorum   int

	lastMsgRecvTime       time.Time
	lastMsgAcceptedTime   time.Time
	lastMsgAcceptedCostMs time.Duration

	commitInThisTerm bool
	leaderReadyFired types.TermID // term for which onLeaderReady already fired

	waitingSnapshotDeadline time.Time

	// snapshotCommittedLogID/Term pin the (committedLogId, committedLogTerm)
	// pair the first batch of an in-progress snapshot stream declared; every
	// subsequent batch in that stream must repeat it exactly.
	snapshotCommittedLogID   types.LogID
	snapshotCommittedLogTerm types.TermID

	// snapshotRecvCount/Size accumulate what the stream has delivered so
	// far; the final batch's declared totals must match before the new
	// position is installed.
	snapshotRecvCount int64
	snapshotRecvSize  int64

	rnd *rand.Rand

	// logsMu guards the pending client batch.
	logsMu      sync.Mutex
	logs        []pendingEntry
	current     *sharedPromise
	replicating bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a RaftPart and opens its WAL, recovering role/term
// information from the replayed log and state machine. The WAL is
// opened here (rather than handed in pre-opened) because its
// PreProcessFunc (membership.go's preProcessLog) is a RaftPart method:
// replay must be able to mutate p.peers/p.learners as it walks
// historical COMMAND entries, so p must exist first.
// RaftPart starts in STARTING status until Start is called.
func New(cfg Config) (*RaftPart, error) {
	space, part := cfg.Space, cfg.Part
	selfLbl := spacePartLabels(space, part)

	p := &RaftPart{
		space:         space,
		part:          part,
		self:          cfg.Self,
		sm:            cfg.StateMachine,
		trans:         cfg.Transport,
		cfg:           cfg.RaftConfig,
		logger:        log.WithPartition(int32(space), int32(part)),
		status:        types.StatusStarting,
		role:          types.RoleFollower,
		selfIsLearner: cfg.IsLearner,
		peers:         make(map[string]*host.Host),
		learners:      make(map[string]*host.Host),
		tunables:      config.NewTunableHolder(cfg.RaftConfig),
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(part))),
		stopCh:        make(chan struct{}),
	}
	if cfg.IsLearner {
		p.role = types.RoleLearner
	}

	p.snapMgr = snapshot.NewManager(space, part, cfg.Self, cfg.Transport, cfg.Scanner, cfg.RaftConfig)

	for _, addr := range cfg.Peers {
		p.peers[addr.String()] = p.newHost(addr, false)
	}
	for _, addr := range cfg.Learners {
		p.learners[addr.String()] = p.newHost(addr, true)
	}
	p.recomputeQuorumLocked()

	w, err := wal.Open(cfg.WALDir, cfg.WALPolicy, cfg.Flusher, p.preProcessLog)
	if err != nil {
		return nil, err
	}
	p.wal = w

	p.lastLogID = w.LastLogID()
	p.lastLogTerm = w.LastLogTerm()
	p.committedLogID, p.committedLogTerm = cfg.StateMachine.LastCommittedLogID()
	p.term = p.lastLogTerm

	metrics.Role.WithLabelValues(selfLbl.space, selfLbl.part).Set(float64(p.role))
	metrics.Term.WithLabelValues(selfLbl.space, selfLbl.part).Set(float64(p.term))
	return p, nil
}

type labels struct{ space, part string }

func spacePartLabels(space types.GraphSpaceID, part types.PartitionID) labels {
	return labels{strconv.Itoa(int(space)), strconv.Itoa(int(part))}
}

func (p *RaftPart) newHost(addr types.HostAddr, learner bool) *host.Host {
	return host.New(p.space, p.part, p.self, addr, learner, p.trans, walSource{p}, p.snapshotSender(), p.cfg)
}

// walSource adapts the partition's WAL to host.LogSource through the
// RaftPart pointer rather than the *wal.Wal itself: hosts are created
// during construction and during WAL replay of historical membership
// COMMANDs, both of which can run before p.wal is assigned. No Host
// issues a read until the partition has started, by which point the
// WAL is in place.
type walSource struct{ p *RaftPart }

func (s walSource) LastLogID() types.LogID                 { return s.p.wal.LastLogID() }
func (s walSource) LastLogTerm() types.TermID              { return s.p.wal.LastLogTerm() }
func (s walSource) GetLogTerm(id types.LogID) types.TermID { return s.p.wal.GetLogTerm(id) }
func (s walSource) Iterator(from types.LogID) *wal.LogIterator {
	return s.p.wal.Iterator(from)
}

// snapshotSender adapts Manager.SendSnapshot (which needs the current
// term/committed position) into the host.SnapshotSender shape (addr
// only), reading the current values under raftLock_ at call time.
func (p *RaftPart) snapshotSender() host.SnapshotSender {
	return func(ctx context.Context, addr types.HostAddr) (types.LogID, types.TermID, error) {
		p.mu.Lock()
		term := p.term
		committedID := p.committedLogID
		committedTerm := p.committedLogTerm
		p.mu.Unlock()
		return p.snapMgr.SendSnapshot(ctx, term, committedID, committedTerm, addr)
	}
}

// recomputeQuorumLocked sets quorum = floor(voting_members/2)+1,
// counting self as a voting member unless self is a learner. Caller
// holds p.mu.
func (p *RaftPart) recomputeQuorumLocked() {
	voting := len(p.peers)
	if !p.selfIsLearner {
		voting++
	}
	p.quorum = voting/2 + 1
}

// Start transitions the partition from STARTING to RUNNING and
// launches the status poller.
func (p *RaftPart) Start() {
	p.mu.Lock()
	p.status = types.StatusRunning
	p.lastMsgRecvTime = time.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.statusPollLoop()
}

// Stop marks the partition STOPPED and waits for every Host's
// in-flight RPC to finish.
func (p *RaftPart) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.status = types.StatusStopped
		hosts := p.allHostsLocked()
		p.mu.Unlock()

		close(p.stopCh)
		for _, h := range hosts {
			h.Stop()
		}
		for _, h := range hosts {
			h.WaitForStop()
		}
	})
	p.wg.Wait()
}

func (p *RaftPart) allHostsLocked() []*host.Host {
	hosts := make([]*host.Host, 0, len(p.peers)+len(p.learners))
	for _, h := range p.peers {
		hosts = append(hosts, h)
	}
	for _, h := range p.learners {
		hosts = append(hosts, h)
	}
	return hosts
}

// Accessors used by tests, admin RPCs, and the snapshot handler.

func (p *RaftPart) Role() types.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *RaftPart) Status() types.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *RaftPart) Term() types.TermID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term
}

func (p *RaftPart) CommittedLogID() types.LogID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committedLogID
}

func (p *RaftPart) CommittedLogTerm() types.TermID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committedLogTerm
}

func (p *RaftPart) LastLogID() types.LogID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLogID
}

func (p *RaftPart) LeaderAddr() types.HostAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderAddr
}

func (p *RaftPart) IsLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role == types.RoleLeader
}

// writeGate rejects a write up front: on a non-leader it returns
// E_LEADER_CHANGED with the known leader for redirection; during
// snapshot install it returns E_WAITING_SNAPSHOT; on a stopped
// partition it returns E_RAFT_STOPPED.
func (p *RaftPart) writeGate() (raftpb.ErrorCode, types.HostAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.status {
	case types.StatusStopped:
		return raftpb.ErrRaftStopped, types.HostAddr{}
	case types.StatusWaitingSnapshot:
		return raftpb.ErrWaitingSnapshot, types.HostAddr{}
	}
	if p.role != types.RoleLeader {
		return raftpb.ErrLeaderChanged, p.leaderAddr
	}
	return raftpb.Succeeded, types.HostAddr{}
}

// LeaseValid reports whether a leader may serve a linearizable read
// without a round-trip. Caller holds no lock.
func (p *RaftPart) LeaseValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role != types.RoleLeader || !p.commitInThisTerm {
		return false
	}
	deadline := p.lastMsgAcceptedTime.Add(p.tunables.HeartbeatInterval() - p.lastMsgAcceptedCostMs)
	return time.Now().Before(deadline)
}

// Tunables exposes the live-adjustable knobs, letting a test harness
// shrink the heartbeat interval without rebuilding the partition.
func (p *RaftPart) Tunables() *config.TunableHolder {
	return p.tunables
}

// WALFlushErr surfaces a fatal flusher error for health probes; the
// status poller stops the partition on the same signal.
func (p *RaftPart) WALFlushErr() error {
	return p.wal.LastFlushErr()
}
