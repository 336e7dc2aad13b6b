package wal

import (
	"sync/atomic"

	"github.com/cuemby/raftcore/pkg/types"
)

type bufferState int32

const (
	stateActive bufferState = iota
	stateFrozen
	stateFlushed
)

// entry is one record held in memory, mirroring the on-disk layout.
type entry struct {
	id      types.LogID
	term    types.TermID
	cluster types.ClusterID
	payload []byte
}

// Buffer accumulates entries until frozen, at which point the Flusher
// (and only the Flusher) writes it to the active file and marks it
// Flushed. Active buffers serve iteration reads without touching disk.
type Buffer struct {
	firstLogID types.LogID
	entries    []entry
	totalBytes int64
	state      atomic.Int32
}

func newBuffer(firstLogID types.LogID) *Buffer {
	b := &Buffer{firstLogID: firstLogID}
	b.state.Store(int32(stateActive))
	return b
}

func (b *Buffer) push(id types.LogID, term types.TermID, cluster types.ClusterID, payload []byte) {
	b.entries = append(b.entries, entry{id: id, term: term, cluster: cluster, payload: payload})
	b.totalBytes += int64(recordLen(payload))
}

func (b *Buffer) size() int64 {
	return b.totalBytes
}

func (b *Buffer) empty() bool {
	return len(b.entries) == 0
}

func (b *Buffer) stateOf() bufferState {
	return bufferState(b.state.Load())
}

func (b *Buffer) freeze() {
	b.state.CompareAndSwap(int32(stateActive), int32(stateFrozen))
}

func (b *Buffer) markFlushed() {
	b.state.Store(int32(stateFlushed))
}

// truncateTo keeps only the first keepN entries, recomputing
// totalBytes. Used by RollbackToLog on every buffer that straddles the
// rollback point, flushed or not; the on-disk copy of a flushed
// buffer is truncated separately with its file.
func (b *Buffer) truncateTo(keepN int) {
	if keepN < 0 {
		keepN = 0
	}
	if keepN >= len(b.entries) {
		return
	}
	b.entries = b.entries[:keepN]
	var total int64
	for _, e := range b.entries {
		total += int64(recordLen(e.payload))
	}
	b.totalBytes = total
}

// lastLogID is the highest log id this buffer holds, or firstLogID-1 if
// empty.
func (b *Buffer) lastLogID() types.LogID {
	if len(b.entries) == 0 {
		return b.firstLogID - 1
	}
	return b.entries[len(b.entries)-1].id
}

// termOf returns the term of id within this buffer, if present.
func (b *Buffer) termOf(id types.LogID) (types.TermID, bool) {
	if id < b.firstLogID || id > b.lastLogID() {
		return 0, false
	}
	idx := int(id - b.firstLogID)
	if idx < 0 || idx >= len(b.entries) {
		return 0, false
	}
	return b.entries[idx].term, true
}

// payloadOf returns the payload and cluster id of id within this
// buffer, if present. Buffers don't carry LogType, so no type is
// returned.
func (b *Buffer) payloadOf(id types.LogID) ([]byte, types.ClusterID, bool) {
	if id < b.firstLogID || id > b.lastLogID() {
		return nil, 0, false
	}
	idx := int(id - b.firstLogID)
	if idx < 0 || idx >= len(b.entries) {
		return nil, 0, false
	}
	e := b.entries[idx]
	return e.payload, e.cluster, true
}
