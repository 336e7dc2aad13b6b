package wal

import (
	"testing"
	"time"

	"github.com/cuemby/raftcore/pkg/types"
	"github.com/stretchr/testify/require"
)

// waitFlushed polls until the Flusher goroutine has caught up with
// every buffer frozen so far, since Flusher.enqueue is asynchronous.
func waitFlushed(t *testing.T, w *Wal) {
	t.Helper()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, b := range w.buffers {
			if b.stateOf() != stateFlushed {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func appendN(t *testing.T, w *Wal, from, to int) {
	t.Helper()
	var records []Record
	for i := from; i <= to; i++ {
		records = append(records, Record{ID: types.LogID(i), Term: 1, Cluster: types.DefaultClusterID, Payload: []byte("v")})
	}
	require.NoError(t, w.AppendBatch(records))
}

func openTestWal(t *testing.T) *Wal {
	t.Helper()
	f := NewFlusher()
	t.Cleanup(f.Stop)
	w, err := Open(t.TempDir(), Policy{FileSize: 1 << 20, BufferSize: 64, NumBuffers: 4, Sync: false}, f, nil)
	require.NoError(t, err)
	return w
}

func TestAppendAndLastLogID(t *testing.T) {
	w := openTestWal(t)
	appendN(t, w, 1, 10)
	require.Equal(t, types.LogID(10), w.LastLogID())
	require.Equal(t, types.TermID(1), w.LastLogTerm())
	require.Equal(t, types.LogID(1), w.FirstLogID())
}

func TestAppendOutOfOrderPanics(t *testing.T) {
	w := openTestWal(t)
	appendN(t, w, 1, 1)
	require.Panics(t, func() {
		_ = w.Append(3, 1, types.DefaultClusterID, []byte("x"))
	})
}

func TestGetLogTermAcrossBuffersAndFiles(t *testing.T) {
	w := openTestWal(t)
	// small BufferSize forces rotation through frozen/flushed states
	appendN(t, w, 1, 50)
	w.FlushBuffer()
	waitFlushed(t, w)

	for i := types.LogID(1); i <= 50; i++ {
		require.Equal(t, types.TermID(1), w.GetLogTerm(i), "log id %d", i)
	}
	require.Equal(t, types.InvalidTerm, w.GetLogTerm(51))
}

func TestRecoveryReplaysExistingFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFlusher()
	w, err := Open(dir, Policy{FileSize: 1 << 20, BufferSize: 64, NumBuffers: 4, Sync: false}, f, nil)
	require.NoError(t, err)
	appendN(t, w, 1, 20)
	w.FlushBuffer()
	waitFlushed(t, w)
	require.NoError(t, w.Close())
	f.Stop()

	var seen []types.LogID
	f2 := NewFlusher()
	defer f2.Stop()
	w2, err := Open(dir, Policy{FileSize: 1 << 20, BufferSize: 64, NumBuffers: 4, Sync: false}, f2, func(id types.LogID, term types.TermID, cluster types.ClusterID, payload []byte, typ types.LogType) {
		seen = append(seen, id)
	})
	require.NoError(t, err)
	require.Equal(t, types.LogID(20), w2.LastLogID())
	require.Len(t, seen, 20)
}

func TestRollbackToLog(t *testing.T) {
	w := openTestWal(t)
	appendN(t, w, 1, 20)
	w.FlushBuffer()
	waitFlushed(t, w)

	require.NoError(t, w.RollbackToLog(12))
	require.Equal(t, types.LogID(12), w.LastLogID())
	require.Equal(t, types.InvalidTerm, w.GetLogTerm(13))

	// Appending resumes right after the rollback point.
	require.NoError(t, w.Append(13, 2, types.DefaultClusterID, []byte("v")))
	require.Equal(t, types.LogID(13), w.LastLogID())
	require.Equal(t, types.TermID(2), w.LastLogTerm())
}

func TestResetClearsEverything(t *testing.T) {
	w := openTestWal(t)
	appendN(t, w, 1, 5)
	w.FlushBuffer()
	waitFlushed(t, w)

	require.NoError(t, w.Reset())
	require.Equal(t, types.LogID(0), w.LastLogID())
	require.NoError(t, w.Append(1, 1, types.DefaultClusterID, []byte("v")))
}

func TestIteratorWalksBufferedAndFlushedEntries(t *testing.T) {
	w := openTestWal(t)
	appendN(t, w, 1, 30)
	w.FlushBuffer()
	waitFlushed(t, w)
	appendN(t, w, 31, 35) // stays buffered, never flushed

	it := w.Iterator(1)
	count := 0
	var lastID types.LogID
	for it.Valid() {
		count++
		lastID = it.LogID()
		it.Next()
	}
	require.NoError(t, it.Err())
	require.Equal(t, 35, count)
	require.Equal(t, types.LogID(35), lastID)
}
