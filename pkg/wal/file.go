package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/raftcore/pkg/types"
)

// recordHeaderLen is the fixed portion of the on-disk layout: LogID(8) + TermID(8) + ClusterID(4) + payload_length(4).
const recordHeaderLen = 24

// trailerLen is the trailing total_record_length field used for
// backward scanning.
const trailerLen = 4

// recordLen returns the number of bytes a record with this payload
// occupies on disk, header and trailer included.
func recordLen(payload []byte) int {
	return recordHeaderLen + len(payload) + trailerLen
}

func encodeRecord(e entry) []byte {
	n := len(e.payload)
	buf := make([]byte, recordHeaderLen+n+trailerLen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.id))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.term))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.cluster))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(n))
	copy(buf[24:24+n], e.payload)
	binary.LittleEndian.PutUint32(buf[24+n:24+n+4], uint32(recordHeaderLen+n))
	return buf
}

// decodeRecordAt decodes one record starting at offset within r, which
// must support ReadAt. It returns the record, the number of bytes it
// occupies on disk, and io.EOF (or a truncation-shaped error) when a
// full record is not available — the caller truncates there.
func decodeRecordAt(r io.ReaderAt, offset int64, limit int64) (entry, int64, error) {
	if offset+recordHeaderLen > limit {
		return entry{}, 0, io.EOF
	}
	header := make([]byte, recordHeaderLen)
	if _, err := r.ReadAt(header, offset); err != nil {
		return entry{}, 0, io.EOF
	}
	id := types.LogID(binary.LittleEndian.Uint64(header[0:8]))
	term := types.TermID(binary.LittleEndian.Uint64(header[8:16]))
	cluster := types.ClusterID(binary.LittleEndian.Uint32(header[16:20]))
	n := int64(binary.LittleEndian.Uint32(header[20:24]))

	total := recordHeaderLen + n + trailerLen
	if offset+total > limit {
		return entry{}, 0, io.EOF
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := r.ReadAt(payload, offset+recordHeaderLen); err != nil {
			return entry{}, 0, io.EOF
		}
	}
	trailer := make([]byte, trailerLen)
	if _, err := r.ReadAt(trailer, offset+recordHeaderLen+n); err != nil {
		return entry{}, 0, io.EOF
	}
	if int64(binary.LittleEndian.Uint32(trailer)) != recordHeaderLen+n {
		return entry{}, 0, fmt.Errorf("wal: corrupt trailer at offset %d", offset)
	}
	return entry{id: id, term: term, cluster: cluster, payload: payload}, total, nil
}

// scanFile reads every record of a WAL file sequentially, calling
// preProcess on each. If isLast, a trailing partial record (one
// that doesn't fit within the file) is silently truncated away rather
// than treated as corruption; an interrupted append must not stop
// recovery.
func scanFile(path string, isLast bool, preProcess PreProcessFunc) (*fileInfo, types.LogID, types.TermID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, 0, err
	}
	size := st.Size()

	fi := &fileInfo{path: path}
	var lastID types.LogID
	var lastTerm types.TermID
	var offset int64
	for offset < size {
		rec, n, err := decodeRecordAt(f, offset, size)
		if err != nil {
			if err == io.EOF && isLast {
				break // partial trailing record; truncate to offset
			}
			return nil, 0, 0, fmt.Errorf("wal: scan %s at offset %d: %w", path, offset, err)
		}
		if fi.firstLogID == 0 {
			fi.firstLogID = rec.id
		}
		lastID = rec.id
		lastTerm = rec.term
		if preProcess != nil {
			// The on-disk layout carries no LogType field;
			// recovery passes LogNormal and relies on the payload
			// self-describing a membership/transfer COMMAND (the
			// leader-side call passes the real type as a shortcut).
			preProcess(rec.id, rec.term, rec.cluster, rec.payload, types.LogNormal)
		}
		offset += n
	}
	fi.lastLogID = lastID
	fi.size = offset
	return fi, lastID, lastTerm, nil
}

// readFromFilesLocked locates and decodes a single record by id via
// binary search over the file index followed by a linear scan within
// the matched file. Caller holds w.mu.
func (w *Wal) readFromFilesLocked(id types.LogID) (entry, error) {
	fi := w.findFileLocked(id)
	if fi == nil {
		return entry{}, fmt.Errorf("wal: log %d not found", id)
	}
	f, err := os.Open(fi.path)
	if err != nil {
		return entry{}, err
	}
	defer f.Close()

	var offset int64
	for offset < fi.size {
		rec, n, err := decodeRecordAt(f, offset, fi.size)
		if err != nil {
			return entry{}, err
		}
		if rec.id == id {
			return rec, nil
		}
		offset += n
	}
	return entry{}, fmt.Errorf("wal: log %d not found in %s", id, fi.path)
}

// findFileLocked returns the file whose range contains id, via binary
// search over the (sorted) file index. Caller holds w.mu.
func (w *Wal) findFileLocked(id types.LogID) *fileInfo {
	lo, hi := 0, len(w.files)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		fi := w.files[mid]
		switch {
		case id < fi.firstLogID:
			hi = mid - 1
		case id > fi.lastLogID:
			lo = mid + 1
		default:
			return fi
		}
	}
	return nil
}
