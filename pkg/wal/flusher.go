package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/rs/zerolog"
)

// Flusher is the single long-lived goroutine per process
// that drains frozen buffers from every registered Wal, writes them to
// the active file, optionally fsyncs, and rotates files past the size
// threshold. A write failure here is fatal to the owning partition; the
// caller observes it through Wal.LastFlushErr and stops the partition.
type Flusher struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []flushJob
	stopped bool
	done    chan struct{}
}

type flushJob struct {
	w   *Wal
	buf *Buffer
}

// NewFlusher starts the flusher goroutine. One Flusher may be shared by
// every Wal in a process.
func NewFlusher() *Flusher {
	f := &Flusher{
		logger: log.WithComponent("wal-flusher"),
		done:   make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.loop()
	return f
}

// register is a no-op hook point for future per-Wal bookkeeping (e.g. a
// registry the Flusher could drain deterministically on Stop); kept so
// Wal.Open has a single place to announce itself.
func (f *Flusher) register(w *Wal) {}

func (f *Flusher) enqueue(w *Wal, buf *Buffer) {
	f.mu.Lock()
	f.queue = append(f.queue, flushJob{w: w, buf: buf})
	f.cond.Signal()
	f.mu.Unlock()
}

// Stop drains the remaining queue and stops the flusher goroutine. It
// blocks until every already-enqueued buffer has been flushed.
func (f *Flusher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.cond.Broadcast()
	f.mu.Unlock()
	<-f.done
}

func (f *Flusher) loop() {
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.stopped {
			f.cond.Wait()
		}
		if f.stopped && len(f.queue) == 0 {
			f.mu.Unlock()
			close(f.done)
			return
		}
		job := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		if err := f.process(job); err != nil {
			f.logger.Error().Err(err).Str("dir", job.w.dir).Msg("flush failed, partition must stop")
			job.w.mu.Lock()
			job.w.flushErr = err
			job.w.mu.Unlock()
		}
	}
}

// process writes one frozen buffer to its Wal's active file, rotating
// if the file has grown past the policy threshold.
func (f *Flusher) process(job flushJob) error {
	w := job.w
	buf := job.buf
	if buf.empty() {
		buf.markFlushed()
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALFlushDuration)

	w.mu.Lock()
	defer w.mu.Unlock()

	// A Reset (or a rollback that dropped this buffer's whole range) may
	// have detached the buffer from the chain while it sat in the queue;
	// writing it now would resurrect discarded entries.
	if !w.ownsBufferLocked(buf) {
		buf.markFlushed()
		return nil
	}

	if w.activeFile == nil {
		if err := w.openNewActiveFileLocked(buf.firstLogID); err != nil {
			return err
		}
	}

	cur := w.files[len(w.files)-1]
	for _, e := range buf.entries {
		data := encodeRecord(e)
		if _, err := w.activeFile.Write(data); err != nil {
			return fmt.Errorf("wal: write record %d: %w", e.id, err)
		}
		cur.lastLogID = e.id
		cur.size += int64(len(data))
	}

	if w.policy.Sync {
		if err := w.activeFile.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
	}

	buf.markFlushed()
	w.evictFlushedLocked()

	if cur.size >= w.policy.FileSize {
		if err := w.rotateLocked(cur); err != nil {
			return err
		}
	}
	return nil
}

// openNewActiveFileLocked creates "<firstLogID>.wal" and makes it the
// active file. Caller holds w.mu.
func (w *Wal) openNewActiveFileLocked(firstLogID types.LogID) error {
	path := filepath.Join(w.dir, fmt.Sprintf("%d.wal", firstLogID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create %s: %w", path, err)
	}
	w.activeFile = f
	w.files = append(w.files, &fileInfo{
		path:       path,
		firstLogID: firstLogID,
		lastLogID:  firstLogID - 1,
	})
	return nil
}

// rotateLocked closes the current file, leaving activeFile nil so the
// next flush opens "<lastLogID+1>.wal" as the new active file. Caller
// holds w.mu.
func (w *Wal) rotateLocked(cur *fileInfo) error {
	if err := w.activeFile.Close(); err != nil {
		return fmt.Errorf("wal: close rotated file: %w", err)
	}
	w.activeFile = nil
	metrics.WALRotationsTotal.Inc()
	return nil
}
