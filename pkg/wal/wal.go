// Package wal implements the file-based write-ahead log: an
// append-only, rotating sequence of files
// fronted by an in-memory buffer chain, with a dedicated Flusher thread
// draining frozen buffers to disk.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/rs/zerolog"
)

// Policy groups the WAL's tunables, grouped the way RaftConfig groups
// the rest of the core's tunables (see pkg/config).
type Policy struct {
	// FileSize is the rotation threshold in bytes. Default 128 MiB.
	FileSize int64
	// BufferSize is the per-buffer size threshold in bytes, at which an
	// active buffer is frozen. Default 8 MiB.
	BufferSize int64
	// NumBuffers bounds how many unflushed (active+frozen) buffers may
	// exist at once; an appender that needs a new buffer beyond it
	// blocks until the flusher catches up. Default 4.
	NumBuffers int
	// Sync controls whether the flusher calls fdatasync after writing a
	// buffer. Disabling it relies entirely on majority replication for
	// durability.
	Sync bool
}

// DefaultPolicy returns the stock production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		FileSize:   128 << 20,
		BufferSize: 8 << 20,
		NumBuffers: 4,
		Sync:       true,
	}
}

// PreProcessFunc is invoked on every successful append (leader side) and
// on every record replayed from disk during recovery. It must be pure
// with respect to the WAL: it inspects the entry (e.g. to detect a
// COMMAND describing a membership change) but never writes to it. typ
// is the real type only for leader-side appends; recovery and follower
// appends pass LogNormal, so a COMMAND is recognized from its payload.
type PreProcessFunc func(id types.LogID, term types.TermID, cluster types.ClusterID, payload []byte, typ types.LogType)

// Wal is one partition's durable log. Append and AppendBatch are not
// thread-safe; the caller (RaftPart) serializes all writers. Iterator
// reads are thread-safe with respect to concurrent appends and with
// respect to each other.
type Wal struct {
	dir        string
	policy     Policy
	preProcess PreProcessFunc
	logger     zerolog.Logger

	flusher *Flusher

	// mu guards the buffer chain and the file
	// index together, since the flusher (running on the Flusher
	// goroutine) and the iterator (running on arbitrary reader
	// goroutines) both touch them.
	mu         sync.Mutex
	cond       *sync.Cond
	buffers    []*Buffer
	files      []*fileInfo
	activeFile *os.File

	firstLogID types.LogID
	lastLogID  types.LogID
	lastTerm   types.TermID

	stopped  bool
	flushErr error

	// epoch increments on every Rollback/Reset/CleanWAL, invalidating any
	// LogIterator created before the change.
	epoch int64
}

type fileInfo struct {
	path       string
	firstLogID types.LogID
	lastLogID  types.LogID
	size       int64
}

// Open opens (or creates) a WAL directory, replaying existing files
// through preProcessLogFn, and returns a ready-to-append Wal attached to
// flusher. flusher may be shared across many Wal directories.
func Open(dir string, policy Policy, flusher *Flusher, preProcess PreProcessFunc) (*Wal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	w := &Wal{
		dir:        dir,
		policy:     policy,
		preProcess: preProcess,
		logger:     log.WithComponent("wal"),
		flusher:    flusher,
	}
	w.cond = sync.NewCond(&w.mu)

	if err := w.recover(); err != nil {
		return nil, err
	}
	flusher.register(w)
	return w, nil
}

// recover scans the directory for "<firstLogId>.wal" files, rebuilds the
// file index, and reopens the last file for append, truncating any
// partial trailing record.
func (w *Wal) recover() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("wal: read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".wal" {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return firstLogIDOfName(names[i]) < firstLogIDOfName(names[j])
	})

	for i, name := range names {
		path := filepath.Join(w.dir, name)
		isLast := i == len(names)-1
		fi, lastID, lastTerm, err := scanFile(path, isLast, w.preProcess)
		if err != nil {
			return fmt.Errorf("wal: scan %s: %w", name, err)
		}
		if fi.firstLogID == 0 {
			continue // empty file left over from a crash between create and first write
		}
		w.files = append(w.files, fi)
		w.lastLogID = lastID
		w.lastTerm = lastTerm
	}

	if len(w.files) == 0 {
		w.firstLogID = 1
		w.lastLogID = 0
		w.lastTerm = 0
		return nil
	}

	w.firstLogID = w.files[0].firstLogID
	last := w.files[len(w.files)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen active file: %w", err)
	}
	// truncate away any partial trailing record found during the scan
	if err := f.Truncate(last.size); err != nil {
		f.Close()
		return fmt.Errorf("wal: truncate active file: %w", err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return fmt.Errorf("wal: seek active file: %w", err)
	}
	w.activeFile = f
	return nil
}

func firstLogIDOfName(name string) types.LogID {
	var id int64
	fmt.Sscanf(name, "%d.wal", &id)
	return types.LogID(id)
}

// Append appends one entry. Not thread-safe; the caller serializes all
// writers.
func (w *Wal) Append(id types.LogID, term types.TermID, cluster types.ClusterID, payload []byte) error {
	return w.AppendBatch([]Record{{ID: id, Term: term, Cluster: cluster, Payload: payload}})
}

// Record is one in-memory log entry, carrying the LogType the on-disk
// layout omits.
type Record struct {
	ID      types.LogID
	Term    types.TermID
	Cluster types.ClusterID
	Payload []byte
	Type    types.LogType
}

// AppendBatch appends a contiguous run of records. Violating the
// log invariants (ids contiguous and increasing, terms non-decreasing)
// is a programmer error and aborts the process.
func (w *Wal) AppendBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALAppendDuration)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("wal: stopped")
	}

	for _, r := range records {
		if r.ID != w.lastLogID+1 {
			panic(fmt.Sprintf("wal: out-of-order append: got id %d, expected %d", r.ID, w.lastLogID+1))
		}
		if r.Term < w.lastTerm {
			panic(fmt.Sprintf("wal: term went backwards: got %d, have %d", r.Term, w.lastTerm))
		}

		buf := w.activeBufferLocked()
		buf.push(r.ID, r.Term, r.Cluster, r.Payload)
		w.lastLogID = r.ID
		w.lastTerm = r.Term
		if w.firstLogID == 0 {
			w.firstLogID = r.ID
		}

		if w.preProcess != nil {
			w.preProcess(r.ID, r.Term, r.Cluster, r.Payload, r.Type)
		}

		if buf.size() >= w.policy.BufferSize {
			w.freezeActiveLocked()
		}
	}
	return nil
}

// activeBufferLocked returns the active buffer, creating one (and
// blocking on the buffer-count cap) if necessary. Caller holds w.mu.
func (w *Wal) activeBufferLocked() *Buffer {
	for len(w.buffers) > 0 && w.buffers[len(w.buffers)-1].stateOf() == stateActive {
		return w.buffers[len(w.buffers)-1]
	}
	for w.countUnflushedLocked() >= w.policy.NumBuffers {
		w.cond.Wait()
	}
	b := newBuffer(w.lastLogID + 1)
	w.buffers = append(w.buffers, b)
	metrics.WALBuffersInUse.WithLabelValues("", "").Set(float64(len(w.buffers)))
	return b
}

// ownsBufferLocked reports whether buf is still part of the chain.
// Caller holds w.mu.
func (w *Wal) ownsBufferLocked(buf *Buffer) bool {
	for _, b := range w.buffers {
		if b == buf {
			return true
		}
	}
	return false
}

func (w *Wal) countUnflushedLocked() int {
	n := 0
	for _, b := range w.buffers {
		if b.stateOf() != stateFlushed {
			n++
		}
	}
	return n
}

// freezeActiveLocked closes the active buffer to further appends and
// hands it to the flusher. Caller holds w.mu.
func (w *Wal) freezeActiveLocked() {
	if len(w.buffers) == 0 {
		return
	}
	last := w.buffers[len(w.buffers)-1]
	if last.stateOf() != stateActive {
		return
	}
	last.freeze()
	w.flusher.enqueue(w, last)
}

// FlushBuffer forces the active buffer (if non-empty) to freeze,
// independent of the size threshold, so its entries reach disk without
// waiting for the buffer to fill. Nothing in the WAL calls it on a
// timer; callers invoke it explicitly.
func (w *Wal) FlushBuffer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.freezeActiveLocked()
}

// evictFlushedLocked drops the leading Flushed buffers as soon as they
// are flushed (always keeping at least one buffer in the chain), and
// wakes any appender blocked on the cap.
func (w *Wal) evictFlushedLocked() {
	for w.countUnflushedLocked() < w.policy.NumBuffers && len(w.buffers) > 0 && w.buffers[0].stateOf() == stateFlushed {
		if len(w.buffers) <= 1 {
			break
		}
		w.buffers = w.buffers[1:]
	}
	metrics.WALBuffersInUse.WithLabelValues("", "").Set(float64(len(w.buffers)))
	w.cond.Broadcast()
}

// LastLogID returns the highest log id present in the WAL.
func (w *Wal) LastLogID() types.LogID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLogID
}

// LastLogTerm returns the term of the highest log id present in the WAL.
func (w *Wal) LastLogTerm() types.TermID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTerm
}

// FirstLogID returns the lowest log id still present in the WAL.
func (w *Wal) FirstLogID() types.LogID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstLogID
}

// GetLogTerm looks up the term of a specific log id, or InvalidTerm if
// it is not present (either never written, or rolled back/cleaned).
func (w *Wal) GetLogTerm(id types.LogID) types.TermID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id < w.firstLogID || id > w.lastLogID {
		return types.InvalidTerm
	}
	for i := len(w.buffers) - 1; i >= 0; i-- {
		if t, ok := w.buffers[i].termOf(id); ok {
			return t
		}
	}
	rec, err := w.readFromFilesLocked(id)
	if err != nil {
		return types.InvalidTerm
	}
	return rec.term
}

// LastFlushErr returns the error (if any) that caused the flusher to
// give up on this WAL. RaftPart polls this to decide whether to stop
// the partition, since the flusher cannot call back into raft state
// directly.
func (w *Wal) LastFlushErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushErr
}

// Close stops the WAL from accepting new appends. It does not close the
// flusher, which may be shared.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.activeFile != nil {
		return w.activeFile.Close()
	}
	return nil
}
