package raftex

import (
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
)

// sharedPromise is a rolling shared promise: every NORMAL entry in
// one contiguous run subscribes to the same sharedPromise, so a
// single WAL-append-and-replicate round resolves them all at once.
type sharedPromise struct {
	waiters []chan AppendAsyncResult
}

func newSharedPromise() *sharedPromise { return &sharedPromise{} }

func (s *sharedPromise) subscribe() <-chan AppendAsyncResult {
	ch := make(chan AppendAsyncResult, 1)
	s.waiters = append(s.waiters, ch)
	return ch
}

func (s *sharedPromise) resolve(res AppendAsyncResult) {
	for _, ch := range s.waiters {
		ch <- res
		close(ch)
	}
}

// pendingEntry is one not-yet-appended client request, still sitting
// in logs_.
type pendingEntry struct {
	typ      types.LogType
	cluster  types.ClusterID
	payload  []byte
	atomicOp AtomicOp
	promise  *sharedPromise
}

// AppendAsync queues an ordinary application command. NORMAL entries
// in one contiguous run share a single promise; it is fresh on the
// first call and after any ATOMIC_OP or COMMAND rolls it.
func (p *RaftPart) AppendAsync(cluster types.ClusterID, payload []byte) <-chan AppendAsyncResult {
	return p.enqueue(types.LogNormal, cluster, payload, nil, true)
}

// AtomicOpAsync queues an ATOMIC_OP entry: op runs on the leader
// immediately before this round's WAL append. It always gets its own
// promise and rolls the shared run so the next NORMAL starts fresh.
func (p *RaftPart) AtomicOpAsync(op AtomicOp) <-chan AppendAsyncResult {
	return p.enqueue(types.LogAtomicOp, types.DefaultClusterID, nil, op, false)
}

// SendCommandAsync queues a COMMAND entry (membership change, leader
// transfer). It joins whatever shared promise is current, then rolls
// it so subsequent NORMALs wait for a new run.
func (p *RaftPart) SendCommandAsync(payload []byte) <-chan AppendAsyncResult {
	return p.enqueue(types.LogCommand, types.DefaultClusterID, payload, nil, true)
}

// enqueue implements the shared mechanics of the three client entry
// points. join controls whether the entry shares the current promise
// (true) or gets a fresh solo one (ATOMIC_OP); an ATOMIC_OP or COMMAND
// entry also retires the current promise once it is queued.
func (p *RaftPart) enqueue(typ types.LogType, cluster types.ClusterID, payload []byte, op AtomicOp, join bool) <-chan AppendAsyncResult {
	if code, leader := p.writeGate(); code != raftpb.Succeeded {
		ch := make(chan AppendAsyncResult, 1)
		ch <- AppendAsyncResult{Code: code, LeaderAddr: leader}
		close(ch)
		return ch
	}

	p.logsMu.Lock()

	if len(p.logs) >= p.cfg.MaxBatchSize {
		p.logsMu.Unlock()
		ch := make(chan AppendAsyncResult, 1)
		ch <- AppendAsyncResult{Code: raftpb.ErrBufferOverflow}
		close(ch)
		return ch
	}

	var promise *sharedPromise
	if join {
		if p.current == nil {
			p.current = newSharedPromise()
		}
		promise = p.current
	} else {
		promise = newSharedPromise()
	}

	p.logs = append(p.logs, pendingEntry{
		typ:      typ,
		cluster:  cluster,
		payload:  payload,
		atomicOp: op,
		promise:  promise,
	})

	ch := promise.subscribe()

	if typ == types.LogAtomicOp || typ == types.LogCommand {
		p.current = nil // roll: next NORMAL starts a fresh run
	}

	p.triggerReplicationLocked()
	p.logsMu.Unlock()
	return ch
}

// triggerReplicationLocked starts a replication round if none is in
// flight. Caller holds p.logsMu. The round honors the batching rules
// of the three entry kinds: an ATOMIC_OP is dispatched alone, and a
// COMMAND ends the round it appears in, so entries queued behind it
// stay pending until the COMMAND's round has committed.
func (p *RaftPart) triggerReplicationLocked() {
	if p.replicating || len(p.logs) == 0 {
		return
	}
	if p.Role() != types.RoleLeader {
		return
	}
	cut := len(p.logs)
	for i, e := range p.logs {
		if e.typ == types.LogAtomicOp {
			if i == 0 {
				cut = 1
			} else {
				cut = i
			}
			break
		}
		if e.typ == types.LogCommand {
			cut = i + 1
			break
		}
	}
	batch := p.logs[:cut]
	// The dispatched run's promise is resolved by this round, so NORMALs
	// queued from now on start a new run instead of joining it.
	if p.current != nil && batch[len(batch)-1].promise == p.current {
		p.current = nil
	}
	p.logs = p.logs[cut:]
	p.replicating = true
	go p.runReplicationRound(batch)
}

// replicationDone is called once a round (successful or not) finishes;
// it clears the in-flight flag and starts the next round if more
// entries accumulated meanwhile.
func (p *RaftPart) replicationDone() {
	p.logsMu.Lock()
	p.replicating = false
	p.triggerReplicationLocked()
	p.logsMu.Unlock()
}
