package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/raftcore/pkg/types"
)

// RollbackToLog discards every entry beyond id, both in memory and
// on disk. A follower's HandleAppendLog calls this on its own WAL when
// its log has diverged from the leader's, before appending the
// leader's entries from the common point.
func (w *Wal) RollbackToLog(id types.LogID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id >= w.lastLogID {
		return nil
	}
	if id < w.firstLogID-1 {
		return fmt.Errorf("wal: rollback target %d precedes first log id %d", id, w.firstLogID)
	}
	if w.activeFile != nil {
		if err := w.activeFile.Close(); err != nil {
			return fmt.Errorf("wal: rollback: close active file: %w", err)
		}
		w.activeFile = nil
	}

	kept := w.buffers[:0]
	for _, b := range w.buffers {
		if b.firstLogID > id {
			continue
		}
		if b.lastLogID() > id {
			b.truncateTo(int(id - b.firstLogID + 1))
		}
		kept = append(kept, b)
	}
	w.buffers = kept

	for len(w.files) > 0 {
		fi := w.files[len(w.files)-1]
		if fi.firstLogID > id {
			if err := os.Remove(fi.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: rollback: remove %s: %w", fi.path, err)
			}
			w.files = w.files[:len(w.files)-1]
			continue
		}
		if fi.lastLogID > id {
			newSize, err := truncateFileToLogID(fi.path, id)
			if err != nil {
				return fmt.Errorf("wal: rollback: truncate %s: %w", fi.path, err)
			}
			fi.lastLogID = id
			fi.size = newSize
			f, err := os.OpenFile(fi.path, os.O_RDWR|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("wal: rollback: reopen %s: %w", fi.path, err)
			}
			w.activeFile = f
		}
		break
	}

	if id == w.firstLogID-1 {
		w.firstLogID = 0 // log is now empty; next Append establishes a fresh firstLogID
	}
	w.lastLogID = id
	if id == 0 {
		w.lastTerm = types.InvalidTerm
	} else if rec, err := w.lookupLocked(id); err == nil {
		w.lastTerm = rec.term
	}
	w.epoch++
	return nil
}

// truncateFileToLogID rewrites a file so it ends immediately after the
// record for targetID, returning the new size.
func truncateFileToLogID(path string, targetID types.LogID) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size()

	var offset int64
	for offset < size {
		rec, n, err := decodeRecordAt(f, offset, size)
		if err != nil {
			return 0, err
		}
		offset += n
		if rec.id == targetID {
			break
		}
	}
	if err := f.Truncate(offset); err != nil {
		return 0, err
	}
	return offset, nil
}

// Reset discards the entire log: every file and buffer is dropped and
// the next Append starts a fresh log from id 1. Used when a follower
// installs a snapshot that supersedes its whole history.
func (w *Wal) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeFile != nil {
		w.activeFile.Close()
		w.activeFile = nil
	}
	for _, fi := range w.files {
		if err := os.Remove(fi.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: reset: remove %s: %w", fi.path, err)
		}
	}
	w.files = nil
	w.buffers = nil
	w.firstLogID = 0
	w.lastLogID = 0
	w.lastTerm = types.InvalidTerm
	w.epoch++
	w.cond.Broadcast()
	return nil
}

// CleanWAL removes files entirely below belowID, typically called after
// a snapshot has made that prefix of the log unnecessary for recovery.
// It never touches the file that still straddles belowID, since that
// file also holds entries at or above it.
func (w *Wal) CleanWAL(belowID types.LogID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.files[:0]
	for _, fi := range w.files {
		if fi.lastLogID < belowID {
			if err := os.Remove(fi.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: clean: remove %s: %w", fi.path, err)
			}
			continue
		}
		kept = append(kept, fi)
	}
	w.files = kept
	if len(w.files) > 0 {
		w.firstLogID = w.files[0].firstLogID
	} else if w.activeFile == nil {
		w.firstLogID = 0
	}
	w.epoch++
	return nil
}

// LinkCurrentWAL hard-links every file currently in the log into
// destDir, for a snapshot-time backup. The active file is rotated first
// so the hard-linked copy never receives bytes written after the link
// is taken: later appends go to a new file, not to the linked inode.
func (w *Wal) LinkCurrentWAL(destDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("wal: link: create %s: %w", destDir, err)
	}
	if w.activeFile != nil && len(w.files) > 0 {
		if err := w.rotateLocked(w.files[len(w.files)-1]); err != nil {
			return fmt.Errorf("wal: link: rotate before link: %w", err)
		}
	}
	for _, fi := range w.files {
		dst := filepath.Join(destDir, filepath.Base(fi.path))
		if err := os.Link(fi.path, dst); err != nil && !os.IsExist(err) {
			return fmt.Errorf("wal: link: %s -> %s: %w", fi.path, dst, err)
		}
	}
	return nil
}
