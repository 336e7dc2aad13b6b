package wal

import (
	"fmt"

	"github.com/cuemby/raftcore/pkg/types"
)

// LogIterator walks [firstLogID, lastLogID] forward, serving entries
// straight out of an in-memory buffer when possible and falling back to
// disk otherwise. It is a point-in-time snapshot: a
// Rollback or Reset on the owning Wal after the iterator is created
// invalidates it, and Valid returns false from that point on.
type LogIterator struct {
	w       *Wal
	cur     types.LogID
	lastID  types.LogID
	epoch   int64
	curRec  entry
	haveCur bool
	err     error
}

// Iterator returns a LogIterator over [from, w.LastLogID()] as of now.
func (w *Wal) Iterator(from types.LogID) *LogIterator {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &LogIterator{
		w:      w,
		cur:    from,
		lastID: w.lastLogID,
		epoch:  w.epoch,
	}
}

// Valid reports whether the iterator currently sits on a readable
// entry.
func (it *LogIterator) Valid() bool {
	if it.err != nil {
		return false
	}
	it.w.mu.Lock()
	defer it.w.mu.Unlock()
	if it.w.epoch != it.epoch {
		return false // invalidated by Rollback/Reset/CleanWAL
	}
	if it.cur > it.lastID || it.cur < it.w.firstLogID {
		return false
	}
	rec, err := it.w.lookupLocked(it.cur)
	if err != nil {
		it.err = err
		return false
	}
	it.curRec = rec
	it.haveCur = true
	return true
}

// LogID returns the current entry's id. Valid must be called first.
func (it *LogIterator) LogID() types.LogID { return it.curRec.id }

// LogTerm returns the current entry's term.
func (it *LogIterator) LogTerm() types.TermID { return it.curRec.term }

// LogMsg returns the current entry's payload.
func (it *LogIterator) LogMsg() []byte { return it.curRec.payload }

// Cluster returns the current entry's cluster id.
func (it *LogIterator) Cluster() types.ClusterID { return it.curRec.cluster }

// Next advances the cursor.
func (it *LogIterator) Next() {
	it.cur++
	it.haveCur = false
}

// Err returns the error, if any, that stopped the iterator early (as
// opposed to simple end-of-range).
func (it *LogIterator) Err() error { return it.err }

// lookupLocked resolves id from the buffer chain first, then disk.
// Caller holds w.mu.
func (w *Wal) lookupLocked(id types.LogID) (entry, error) {
	for i := len(w.buffers) - 1; i >= 0; i-- {
		if p, c, ok := w.buffers[i].payloadOf(id); ok {
			t, _ := w.buffers[i].termOf(id)
			return entry{id: id, term: t, cluster: c, payload: p}, nil
		}
	}
	rec, err := w.readFromFilesLocked(id)
	if err != nil {
		return entry{}, fmt.Errorf("wal: iterator: %w", err)
	}
	return rec, nil
}
