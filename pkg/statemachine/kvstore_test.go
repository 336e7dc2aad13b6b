package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStateMachine {
	t.Helper()
	sm, err := NewBoltStateMachine(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sm.Cleanup() })
	return sm
}

func openTestWalFor(t *testing.T) *wal.Wal {
	t.Helper()
	f := wal.NewFlusher()
	t.Cleanup(f.Stop)
	w, err := wal.Open(t.TempDir(), wal.Policy{FileSize: 1 << 20, BufferSize: 1 << 20, NumBuffers: 4, Sync: false}, f, nil)
	require.NoError(t, err)
	return w
}

func encodeOp(t *testing.T, op Op) []byte {
	t.Helper()
	b, err := json.Marshal(op)
	require.NoError(t, err)
	return b
}

func TestCommitAppliesPutsInOrder(t *testing.T) {
	sm := openTestStore(t)
	w := openTestWalFor(t)

	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, encodeOp(t, Op{Key: "a", Value: []byte("1")})))
	require.NoError(t, w.Append(2, 1, types.DefaultClusterID, encodeOp(t, Op{Key: "b", Value: []byte("2")})))
	require.NoError(t, w.Append(3, 1, types.DefaultClusterID, encodeOp(t, Op{Key: "a", Value: []byte("3")})))

	iter := w.Iterator(1)
	code, id, term := sm.Commit(iter, true)
	require.Equal(t, raftpb.Succeeded, code)
	require.Equal(t, types.LogID(3), id)
	require.Equal(t, types.TermID(1), term)

	v, ok := sm.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)

	v, ok = sm.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	gotID, gotTerm := sm.LastCommittedLogID()
	require.Equal(t, types.LogID(3), gotID)
	require.Equal(t, types.TermID(1), gotTerm)
}

func TestCommitDelete(t *testing.T) {
	sm := openTestStore(t)
	w := openTestWalFor(t)

	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, encodeOp(t, Op{Key: "a", Value: []byte("1")})))
	require.NoError(t, w.Append(2, 1, types.DefaultClusterID, encodeOp(t, Op{Key: "a", Delete: true})))

	code, _, _ := sm.Commit(w.Iterator(1), true)
	require.Equal(t, raftpb.Succeeded, code)

	_, ok := sm.Get("a")
	require.False(t, ok)
}

func TestCommitOpaquePayloadAdvancesPositionWithoutWriting(t *testing.T) {
	sm := openTestStore(t)
	w := openTestWalFor(t)

	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, encodeOp(t, Op{Key: "a", Value: []byte("1")})))
	require.NoError(t, w.Append(2, 1, types.DefaultClusterID, []byte("not-json")))

	code, id, term := sm.Commit(w.Iterator(1), true)
	require.Equal(t, raftpb.Succeeded, code)
	require.Equal(t, types.LogID(2), id)
	require.Equal(t, types.TermID(1), term)

	v, ok := sm.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	gotID, _ := sm.LastCommittedLogID()
	require.Equal(t, types.LogID(2), gotID)
}

func TestCommitEmptyRangeIsNoop(t *testing.T) {
	sm := openTestStore(t)
	w := openTestWalFor(t)

	iter := w.Iterator(1)
	code, id, term := sm.Commit(iter, true)
	require.Equal(t, raftpb.Succeeded, code)
	require.Equal(t, types.LogID(0), id)
	require.Equal(t, types.TermID(0), term)
}

func TestScanRoundTripsThroughCommitSnapshot(t *testing.T) {
	src := openTestStore(t)
	w := openTestWalFor(t)

	for i := 1; i <= 5; i++ {
		op := Op{Key: string(rune('a' + i - 1)), Value: []byte{byte(i)}}
		require.NoError(t, w.Append(types.LogID(i), 1, types.DefaultClusterID, encodeOp(t, op)))
	}
	code, _, _ := src.Commit(w.Iterator(1), true)
	require.Equal(t, raftpb.Succeeded, code)

	var batches [][][]byte
	_, _, err := src.Scan(2, func(rows [][]byte) error {
		cp := make([][]byte, len(rows))
		copy(cp, rows)
		batches = append(batches, cp)
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, len(batches), 1, "batch size of 2 over 5 keys must split into multiple batches")

	dst := openTestStore(t)
	for i, rows := range batches {
		done := i == len(batches)-1
		code, _, _ := dst.CommitSnapshot(rows, 99, 7, done)
		require.Equal(t, raftpb.Succeeded, code)
	}

	for i := 1; i <= 5; i++ {
		key := string(rune('a' + i - 1))
		v, ok := dst.Get(key)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, v)
	}
	id, term := dst.LastCommittedLogID()
	require.Equal(t, types.LogID(99), id)
	require.Equal(t, types.TermID(7), term)
}
