package raftex

import (
	"fmt"
	"sync"

	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
)

// partKey identifies one (space, part) pair hosted by this process.
type partKey struct {
	space types.GraphSpaceID
	part  types.PartitionID
}

// Service fans inbound RPCs out across every partition a process
// hosts, the way a single process answers for many graph partitions
// at once. An rw-lock guards the registry: lookups on every inbound
// RPC, writes only when a partition is added or removed.
type Service struct {
	mu    sync.RWMutex
	parts map[partKey]*RaftPart
}

// NewService returns an empty Service; partitions register themselves
// via AddPartition as they come online.
func NewService() *Service {
	return &Service{parts: make(map[partKey]*RaftPart)}
}

// AddPartition registers part for RPC dispatch and starts it.
func (s *Service) AddPartition(part *RaftPart) {
	s.mu.Lock()
	s.parts[partKey{part.space, part.part}] = part
	s.mu.Unlock()
	part.Start()
}

// RemovePartition unregisters and stops the partition, if present.
func (s *Service) RemovePartition(space types.GraphSpaceID, part types.PartitionID) {
	s.mu.Lock()
	p, ok := s.parts[partKey{space, part}]
	delete(s.parts, partKey{space, part})
	s.mu.Unlock()
	if ok {
		p.Stop()
	}
}

func (s *Service) findPart(space types.GraphSpaceID, part types.PartitionID) (*RaftPart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[partKey{space, part}]
	return p, ok
}

// Partition exposes a registered partition to in-process callers; it
// reports an unregistered (space, part) with false.
func (s *Service) Partition(space types.GraphSpaceID, part types.PartitionID) (*RaftPart, bool) {
	return s.findPart(space, part)
}

// StopAll stops every registered partition, used on process shutdown.
func (s *Service) StopAll() {
	s.mu.RLock()
	parts := make([]*RaftPart, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.mu.RUnlock()
	for _, p := range parts {
		p.Stop()
	}
}

func (s *Service) AskForVote(req *raftpb.AskForVoteRequest) *raftpb.AskForVoteResponse {
	p, ok := s.findPart(req.Space, req.Part)
	if !ok {
		return &raftpb.AskForVoteResponse{ErrorCode: raftpb.ErrUnknownPart}
	}
	return p.HandleAskForVote(req)
}

func (s *Service) AppendLog(req *raftpb.AppendLogRequest) *raftpb.AppendLogResponse {
	p, ok := s.findPart(req.Space, req.Part)
	if !ok {
		return &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrUnknownPart}
	}
	return p.HandleAppendLog(req)
}

func (s *Service) Heartbeat(req *raftpb.HeartbeatRequest) *raftpb.HeartbeatResponse {
	p, ok := s.findPart(req.Space, req.Part)
	if !ok {
		return &raftpb.HeartbeatResponse{ErrorCode: raftpb.ErrUnknownPart}
	}
	return p.HandleHeartbeat(req)
}

func (s *Service) SendSnapshot(req *raftpb.SendSnapshotRequest) *raftpb.SendSnapshotResponse {
	p, ok := s.findPart(req.Space, req.Part)
	if !ok {
		return &raftpb.SendSnapshotResponse{ErrorCode: raftpb.ErrUnknownPart}
	}
	return p.HandleSendSnapshot(req)
}

// ErrUnknownPart is the error value for an unregistered (space, part).
// No function in this package returns it: RPC paths encode the case in
// the response's ErrorCode field and Partition reports it with a bool.
var ErrUnknownPart = fmt.Errorf("raftex: unknown partition")
