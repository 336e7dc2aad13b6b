package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu         sync.Mutex
	appendFn   func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error)
	appendN    int
	heartbeatN int
	blockFn    chan struct{} // if non-nil, AppendLog blocks on this channel before replying
}

func (f *fakeTransport) AskForVote(ctx context.Context, addr types.HostAddr, req *raftpb.AskForVoteRequest) (*raftpb.AskForVoteResponse, error) {
	return &raftpb.AskForVoteResponse{ErrorCode: raftpb.Succeeded}, nil
}

func (f *fakeTransport) AppendLog(ctx context.Context, addr types.HostAddr, req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
	f.mu.Lock()
	f.appendN++
	f.mu.Unlock()
	if f.blockFn != nil {
		<-f.blockFn
	}
	return f.appendFn(req)
}

func (f *fakeTransport) Heartbeat(ctx context.Context, addr types.HostAddr, req *raftpb.HeartbeatRequest) (*raftpb.HeartbeatResponse, error) {
	f.mu.Lock()
	f.heartbeatN++
	f.mu.Unlock()
	return &raftpb.HeartbeatResponse{ErrorCode: raftpb.Succeeded, CurrentTerm: req.CurrentTerm, CommittedLogID: req.CommittedLogID}, nil
}

func (f *fakeTransport) SendSnapshot(ctx context.Context, addr types.HostAddr, req *raftpb.SendSnapshotRequest) (*raftpb.SendSnapshotResponse, error) {
	return &raftpb.SendSnapshotResponse{ErrorCode: raftpb.Succeeded}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendN
}

func (f *fakeTransport) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeatN
}

func testWal(t *testing.T) *wal.Wal {
	t.Helper()
	f := wal.NewFlusher()
	t.Cleanup(f.Stop)
	w, err := wal.Open(t.TempDir(), wal.Policy{FileSize: 1 << 20, BufferSize: 1 << 20, NumBuffers: 4, Sync: false}, f, nil)
	require.NoError(t, err)
	return w
}

func testCfg() config.RaftConfig {
	cfg := config.Default()
	cfg.RaftRPCTimeout = time.Second
	cfg.MaxOutstandingRequests = 4
	return cfg
}

func TestAppendLogsHappyPathMatchesTarget(t *testing.T) {
	w := testWal(t)
	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, []byte("a")))
	require.NoError(t, w.Append(2, 1, types.DefaultClusterID, []byte("b")))

	trans := &fakeTransport{appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
		return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded, LastMatchedLogID: req.LastLogID, LastMatchedTerm: 1, CommittedLogID: req.CommittedLogID}, nil
	}}

	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, nil, testCfg())

	res := <-h.AppendLogs(context.Background(), 1, 2, 0)
	require.Equal(t, raftpb.Succeeded, res.ErrorCode)
	require.Equal(t, types.LogID(2), res.LastMatchedLogID)
	require.Equal(t, 1, trans.callCount())
}

func TestAppendLogsCoalescesConcurrentRequests(t *testing.T) {
	w := testWal(t)
	for i := types.LogID(1); i <= 5; i++ {
		require.NoError(t, w.Append(i, 1, types.DefaultClusterID, []byte("x")))
	}

	block := make(chan struct{})
	trans := &fakeTransport{
		blockFn: block,
		appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
			return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded, LastMatchedLogID: req.LastLogID, LastMatchedTerm: 1, CommittedLogID: req.CommittedLogID}, nil
		},
	}

	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, nil, testCfg())

	ch1 := h.AppendLogs(context.Background(), 1, 3, 0)
	require.Eventually(t, func() bool { return trans.callCount() == 1 }, time.Second, time.Millisecond)

	// These two arrive while the first RPC is in flight; they must coalesce
	// into a single follow-up round targeting the latest logID requested.
	ch2 := h.AppendLogs(context.Background(), 1, 4, 0)
	ch3 := h.AppendLogs(context.Background(), 1, 5, 0)

	close(block)

	res1 := <-ch1
	res2 := <-ch2
	res3 := <-ch3
	require.Equal(t, raftpb.Succeeded, res1.ErrorCode)
	require.Equal(t, types.LogID(5), res2.LastMatchedLogID)
	require.Equal(t, types.LogID(5), res3.LastMatchedLogID)

	require.Eventually(t, func() bool { return trans.callCount() == 2 }, time.Second, time.Millisecond,
		"coalesced requests must produce exactly one follow-up RPC, not one per caller")
}

func TestSendHeartbeatToCaughtUpPeerUsesHeartbeatMethod(t *testing.T) {
	w := testWal(t)
	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, []byte("a")))

	trans := &fakeTransport{appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
		return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded, LastMatchedLogID: req.LastLogID, LastMatchedTerm: 1}, nil
	}}

	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, nil, testCfg())
	h.Reset(1, 1) // peer already holds everything the WAL does

	res := <-h.SendHeartbeat(context.Background(), 1, 1)
	require.Equal(t, raftpb.Succeeded, res.ErrorCode)
	require.Equal(t, types.LogID(1), res.LastMatchedLogID)
	require.Equal(t, 0, trans.callCount(), "a caught-up peer gets a heartbeat, not an append")
	require.Equal(t, 1, trans.heartbeatCount())
}

func TestAppendLogsRejectsWhenStopped(t *testing.T) {
	w := testWal(t)
	trans := &fakeTransport{appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
		return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded}, nil
	}}
	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, nil, testCfg())
	h.Stop()

	res := <-h.AppendLogs(context.Background(), 1, 0, 0)
	require.Equal(t, raftpb.ErrHostStopped, res.ErrorCode)
	h.WaitForStop()
}

func TestAppendLogsFallsBackToSnapshotOnLogGap(t *testing.T) {
	w := testWal(t)
	// WAL starts at log id 10: a peer asking for anything before that
	// can never be caught up incrementally.
	require.NoError(t, w.Append(10, 1, types.DefaultClusterID, []byte("x")))

	trans := &fakeTransport{appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
		return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded}, nil
	}}

	var snapCalled bool
	var mu sync.Mutex
	snapDone := make(chan struct{})
	snapshotFn := func(ctx context.Context, addr types.HostAddr) (types.LogID, types.TermID, error) {
		mu.Lock()
		snapCalled = true
		mu.Unlock()
		close(snapDone)
		return 10, 1, nil
	}

	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, snapshotFn, testCfg())

	res := <-h.AppendLogs(context.Background(), 1, 10, 0)
	require.Equal(t, raftpb.ErrWaitingSnapshot, res.ErrorCode)
	require.Equal(t, 0, trans.callCount(), "AppendLog must not be called when a snapshot is required")

	<-snapDone
	mu.Lock()
	require.True(t, snapCalled)
	mu.Unlock()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return !h.waitingForSnapshot
	}, time.Second, time.Millisecond)
}

func TestFailedSnapshotFallbackUnblocksThePipeline(t *testing.T) {
	w := testWal(t)
	require.NoError(t, w.Append(10, 1, types.DefaultClusterID, []byte("x")))

	trans := &fakeTransport{appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
		return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded}, nil
	}}

	snapshotFn := func(ctx context.Context, addr types.HostAddr) (types.LogID, types.TermID, error) {
		return 0, 0, context.DeadlineExceeded
	}

	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, snapshotFn, testCfg())

	res := <-h.AppendLogs(context.Background(), 1, 10, 0)
	require.Equal(t, raftpb.ErrWaitingSnapshot, res.ErrorCode)

	// The failed transfer must not wedge the Host: the flag clears so a
	// later append retries the fallback.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return !h.waitingForSnapshot
	}, time.Second, time.Millisecond)
}

func TestAppendLogsTooManyCoalescedRequestsOverflow(t *testing.T) {
	w := testWal(t)
	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, []byte("x")))

	block := make(chan struct{})
	trans := &fakeTransport{
		blockFn: block,
		appendFn: func(req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
			return &raftpb.AppendLogResponse{ErrorCode: raftpb.Succeeded, LastMatchedLogID: req.LastLogID, LastMatchedTerm: 1}, nil
		},
	}
	cfg := testCfg()
	cfg.MaxOutstandingRequests = 1

	h := New(1, 1, types.HostAddr{Host: "self", Port: 1}, types.HostAddr{Host: "peer", Port: 2}, false, trans, w, nil, cfg)

	ch1 := h.AppendLogs(context.Background(), 1, 1, 0)
	require.Eventually(t, func() bool { return trans.callCount() == 1 }, time.Second, time.Millisecond)

	ch2 := h.AppendLogs(context.Background(), 1, 1, 0) // fills the single coalesced slot
	ch3 := h.AppendLogs(context.Background(), 1, 1, 0) // overflow

	res3 := <-ch3
	require.Equal(t, raftpb.ErrTooManyRequests, res3.ErrorCode)

	close(block)
	<-ch1
	<-ch2
}
