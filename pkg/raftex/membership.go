package raftex

import (
	"encoding/json"

	"github.com/cuemby/raftcore/pkg/types"
)

// MembershipKind distinguishes the four single-server membership
// actions carried in a COMMAND entry.
type MembershipKind int

const (
	KindAddLearner MembershipKind = iota
	KindAddPeer
	KindRemovePeer
	KindTransferLeader
)

// membershipMarker is a field only a MembershipCommand's JSON carries;
// it lets preProcess tell a membership COMMAND apart from an ordinary
// application payload during WAL replay, where the on-disk layout
// has discarded the in-memory LogType.
const membershipMarker = "raftex.membership/v1"

// MembershipCommand is the payload a COMMAND entry carries.
type MembershipCommand struct {
	Marker string         `json:"__raftex_command"`
	Kind   MembershipKind `json:"kind"`
	Addr   types.HostAddr `json:"addr"`
}

// EncodeMembershipCommand serializes cmd for SendCommandAsync.
func EncodeMembershipCommand(kind MembershipKind, addr types.HostAddr) []byte {
	b, _ := json.Marshal(MembershipCommand{Marker: membershipMarker, Kind: kind, Addr: addr})
	return b
}

func decodeMembershipCommand(payload []byte) (MembershipCommand, bool) {
	var cmd MembershipCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, false
	}
	if cmd.Marker != membershipMarker {
		return cmd, false
	}
	return cmd, true
}

// preProcessLog is wired as the WAL's PreProcessFunc: it runs on
// every successful leader-side append and on every replayed
// record, applying a membership action to the in-memory peer/learner
// set before the entry is ever eligible to commit.
// Locking: the hook fires from inside the WAL's append path, and every
// appender already serializes through p.mu — the leader's replication
// round and the follower's HandleAppendLog both hold it across
// AppendBatch, and replay during New runs before any concurrency
// exists. Taking p.mu here would self-deadlock, so the hook relies on
// the caller's lock instead.
func (p *RaftPart) preProcessLog(id types.LogID, term types.TermID, cluster types.ClusterID, payload []byte, typ types.LogType) {
	cmd, ok := decodeMembershipCommand(payload)
	if !ok {
		return
	}
	p.applyMembershipPreProcessLocked(cmd)
}

func (p *RaftPart) applyMembershipPreProcessLocked(cmd MembershipCommand) {
	switch cmd.Kind {
	case KindAddLearner:
		if _, exists := p.learners[cmd.Addr.String()]; !exists {
			p.learners[cmd.Addr.String()] = p.newHost(cmd.Addr, true)
		}
	case KindAddPeer:
		if h, wasLearner := p.learners[cmd.Addr.String()]; wasLearner {
			delete(p.learners, cmd.Addr.String())
			h.IsLearner = false
			p.peers[cmd.Addr.String()] = h
		} else if _, exists := p.peers[cmd.Addr.String()]; !exists {
			p.peers[cmd.Addr.String()] = p.newHost(cmd.Addr, false)
		}
		p.recomputeQuorumLocked()
	case KindRemovePeer:
		delete(p.peers, cmd.Addr.String())
		delete(p.learners, cmd.Addr.String())
		p.recomputeQuorumLocked()
	case KindTransferLeader:
		// No set mutation; handled on commit in finalizeCommittedCommandsLocked.
	}
}

// finalizeCommittedCommands is the replication-round entry point
// (caller holds no lock); it takes p.mu internally.
func (p *RaftPart) finalizeCommittedCommands(fromExclusive, toInclusive types.LogID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeCommittedCommandsLocked(fromExclusive, toInclusive)
}

// finalizeCommittedCommandsLocked runs the finalization step once a
// COMMAND's entries have actually committed: peer
// removal steps self down, a peer promotion recomputes quorum (already
// done in preProcess; this pass also handles self-step-down and
// transfer-leader), caller holds p.mu.
func (p *RaftPart) finalizeCommittedCommandsLocked(fromExclusive, toInclusive types.LogID) {
	if toInclusive <= fromExclusive {
		return
	}
	iter := p.wal.Iterator(fromExclusive + 1)
	for iter.Valid() && iter.LogID() <= toInclusive {
		cmd, ok := decodeMembershipCommand(iter.LogMsg())
		if ok {
			p.finalizeOneCommandLocked(cmd)
		}
		iter.Next()
	}
}

func (p *RaftPart) finalizeOneCommandLocked(cmd MembershipCommand) {
	switch cmd.Kind {
	case KindRemovePeer:
		if cmd.Addr.String() == p.self.String() {
			if p.role == types.RoleLeader {
				p.role = types.RoleFollower
				p.leaderAddr = types.HostAddr{}
			}
		}
	case KindTransferLeader:
		if cmd.Addr.String() == p.self.String() && p.role == types.RoleFollower {
			p.RunForLeaderNow()
		} else if p.role == types.RoleLeader && cmd.Addr.String() != p.self.String() {
			// Step down; triggerReplicationLocked's Role() check stops
			// this replica from driving further rounds. The named target
			// wins the next election via its own RunForLeaderNow branch.
			p.role = types.RoleFollower
			p.leaderAddr = types.HostAddr{}
		}
	}
}

// AddLearner queues an ADD_LEARNER COMMAND.
func (p *RaftPart) AddLearner(addr types.HostAddr) <-chan AppendAsyncResult {
	return p.SendCommandAsync(EncodeMembershipCommand(KindAddLearner, addr))
}

// AddPeer queues an ADD_PEER COMMAND, promoting an existing learner or
// admitting a brand-new voter.
func (p *RaftPart) AddPeer(addr types.HostAddr) <-chan AppendAsyncResult {
	return p.SendCommandAsync(EncodeMembershipCommand(KindAddPeer, addr))
}

// RemovePeer queues a REMOVE_PEER COMMAND.
func (p *RaftPart) RemovePeer(addr types.HostAddr) <-chan AppendAsyncResult {
	return p.SendCommandAsync(EncodeMembershipCommand(KindRemovePeer, addr))
}

// TransferLeader queues a TRANSFER_LEADER COMMAND naming target as the
// next leader.
func (p *RaftPart) TransferLeader(target types.HostAddr) <-chan AppendAsyncResult {
	return p.SendCommandAsync(EncodeMembershipCommand(KindTransferLeader, target))
}
