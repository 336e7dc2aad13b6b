package raftex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/statemachine"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/stretchr/testify/require"
)

// clusterRouter is an in-process host.Transport that delivers RPCs
// straight into the receiving replica's Service, so multi-node
// scenarios run without sockets. setDown simulates a crashed or
// partitioned replica: every call toward it fails like a refused
// connection would.
type clusterRouter struct {
	mu       sync.Mutex
	services map[string]*Service
	down     map[string]bool
}

func newClusterRouter() *clusterRouter {
	return &clusterRouter{services: make(map[string]*Service), down: make(map[string]bool)}
}

func (r *clusterRouter) register(addr types.HostAddr, svc *Service) {
	r.mu.Lock()
	r.services[addr.String()] = svc
	r.mu.Unlock()
}

func (r *clusterRouter) setDown(addr types.HostAddr, down bool) {
	r.mu.Lock()
	r.down[addr.String()] = down
	r.mu.Unlock()
}

func (r *clusterRouter) target(addr types.HostAddr) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down[addr.String()] {
		return nil, fmt.Errorf("router: %s is unreachable", addr)
	}
	svc, ok := r.services[addr.String()]
	if !ok {
		return nil, fmt.Errorf("router: no replica at %s", addr)
	}
	return svc, nil
}

func (r *clusterRouter) AskForVote(ctx context.Context, addr types.HostAddr, req *raftpb.AskForVoteRequest) (*raftpb.AskForVoteResponse, error) {
	svc, err := r.target(addr)
	if err != nil {
		return nil, err
	}
	return svc.AskForVote(req), nil
}

func (r *clusterRouter) AppendLog(ctx context.Context, addr types.HostAddr, req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
	svc, err := r.target(addr)
	if err != nil {
		return nil, err
	}
	return svc.AppendLog(req), nil
}

func (r *clusterRouter) Heartbeat(ctx context.Context, addr types.HostAddr, req *raftpb.HeartbeatRequest) (*raftpb.HeartbeatResponse, error) {
	svc, err := r.target(addr)
	if err != nil {
		return nil, err
	}
	return svc.Heartbeat(req), nil
}

func (r *clusterRouter) SendSnapshot(ctx context.Context, addr types.HostAddr, req *raftpb.SendSnapshotRequest) (*raftpb.SendSnapshotResponse, error) {
	svc, err := r.target(addr)
	if err != nil {
		return nil, err
	}
	return svc.SendSnapshot(req), nil
}

type testNode struct {
	addr types.HostAddr
	part *RaftPart
	svc  *Service
	sm   *statemachine.BoltStateMachine
}

// harnessConfig keeps heartbeats far inside the election timeout: the
// status poller's jitter can delay a heartbeat by up to half a second,
// and an election timeout below that makes leadership churn instead of
// stick.
func harnessConfig() config.RaftConfig {
	cfg := config.Default()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.ElectionTimeoutMin = 1200 * time.Millisecond
	cfg.ElectionTimeoutMax = 1700 * time.Millisecond
	cfg.RaftRPCTimeout = time.Second
	return cfg
}

func startTestCluster(t *testing.T, n int) (*clusterRouter, []*testNode) {
	t.Helper()
	router := newClusterRouter()

	addrs := make([]types.HostAddr, n)
	for i := range addrs {
		addrs[i] = types.HostAddr{Host: "127.0.0.1", Port: uint16(9100 + i)}
	}

	nodes := make([]*testNode, n)
	for i, self := range addrs {
		peers := make([]types.HostAddr, 0, n-1)
		for j, a := range addrs {
			if j != i {
				peers = append(peers, a)
			}
		}

		sm, err := statemachine.NewBoltStateMachine(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { sm.Cleanup() })

		flusher := wal.NewFlusher()
		t.Cleanup(flusher.Stop)

		p, err := New(Config{
			Space:        1,
			Part:         1,
			Self:         self,
			Peers:        peers,
			WALDir:       t.TempDir(),
			WALPolicy:    wal.Policy{FileSize: 1 << 20, BufferSize: 1 << 20, NumBuffers: 4, Sync: false},
			Flusher:      flusher,
			StateMachine: sm,
			Transport:    router,
			Scanner:      sm,
			RaftConfig:   harnessConfig(),
		})
		require.NoError(t, err)

		svc := NewService()
		router.register(self, svc)
		svc.AddPartition(p)
		t.Cleanup(svc.StopAll)

		nodes[i] = &testNode{addr: self, part: p, svc: svc, sm: sm}
	}
	return router, nodes
}

// waitForLeader blocks until exactly one replica claims leadership, so
// every test also exercises the at-most-one-leader property on the
// way in.
func waitForLeader(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		var leaders []*testNode
		for _, n := range nodes {
			if n.part.IsLeader() {
				leaders = append(leaders, n)
			}
		}
		if len(leaders) != 1 {
			return false
		}
		leader = leaders[0]
		return true
	}, 15*time.Second, 10*time.Millisecond, "cluster never converged on a single leader")
	return leader
}

func walPayloads(t *testing.T, p *RaftPart) []string {
	t.Helper()
	var got []string
	iter := p.wal.Iterator(1)
	for iter.Valid() {
		got = append(got, string(iter.LogMsg()))
		iter.Next()
	}
	require.NoError(t, iter.Err())
	return got
}

func TestThreeNodeReplicationHappyPath(t *testing.T) {
	_, nodes := startTestCluster(t, 3)
	leader := waitForLeader(t, nodes)

	for _, payload := range []string{"a", "b", "c"} {
		res := <-leader.part.AppendAsync(types.DefaultClusterID, []byte(payload))
		require.Equal(t, raftpb.Succeeded, res.Code)
	}
	require.Equal(t, types.LogID(3), leader.part.CommittedLogID())

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool { return n.part.CommittedLogID() == 3 },
			10*time.Second, 10*time.Millisecond, "replica %s never advanced its commit index", n.addr)
		require.Equal(t, []string{"a", "b", "c"}, walPayloads(t, n.part))
	}
}

func TestThreeNodeFollowerCatchesUpAfterOutage(t *testing.T) {
	router, nodes := startTestCluster(t, 3)
	leader := waitForLeader(t, nodes)

	res := <-leader.part.AppendAsync(types.DefaultClusterID, []byte("before"))
	require.Equal(t, raftpb.Succeeded, res.Code)

	var follower *testNode
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	router.setDown(follower.addr, true)

	// A two-of-three quorum keeps committing through the outage.
	for _, payload := range []string{"down-1", "down-2"} {
		res := <-leader.part.AppendAsync(types.DefaultClusterID, []byte(payload))
		require.Equal(t, raftpb.Succeeded, res.Code)
	}
	require.Equal(t, types.LogID(3), leader.part.CommittedLogID())

	router.setDown(follower.addr, false)

	res = <-leader.part.AppendAsync(types.DefaultClusterID, []byte("after"))
	require.Equal(t, raftpb.Succeeded, res.Code)

	require.Eventually(t, func() bool { return follower.part.CommittedLogID() == 4 },
		10*time.Second, 10*time.Millisecond, "rejoined follower never caught up")
	require.Equal(t, []string{"before", "down-1", "down-2", "after"}, walPayloads(t, follower.part))
}

func TestLeaderFailoverElectsNewLeaderWithFullLog(t *testing.T) {
	router, nodes := startTestCluster(t, 3)
	leader := waitForLeader(t, nodes)

	res := <-leader.part.AppendAsync(types.DefaultClusterID, []byte("pre-failover"))
	require.Equal(t, raftpb.Succeeded, res.Code)

	router.setDown(leader.addr, true)
	leader.part.Stop()

	rest := make([]*testNode, 0, len(nodes)-1)
	for _, n := range nodes {
		if n != leader {
			rest = append(rest, n)
		}
	}
	newLeader := waitForLeader(t, rest)
	require.NotEqual(t, leader.addr, newLeader.addr)
	require.Greater(t, newLeader.part.Term(), leader.part.Term())

	res = <-newLeader.part.AppendAsync(types.DefaultClusterID, []byte("post-failover"))
	require.Equal(t, raftpb.Succeeded, res.Code)

	for _, n := range rest {
		n := n
		require.Eventually(t, func() bool { return n.part.CommittedLogID() == 2 },
			10*time.Second, 10*time.Millisecond)
		require.Equal(t, []string{"pre-failover", "post-failover"}, walPayloads(t, n.part))
	}
}
