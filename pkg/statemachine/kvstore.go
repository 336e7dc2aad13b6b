package statemachine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV   = []byte("kv")
	bucketMeta = []byte("meta")
)

var (
	metaKeyLogID   = []byte("committed_log_id")
	metaKeyLogTerm = []byte("committed_log_term")
)

// Op is the payload shape a client's appendAsync call encodes; it's
// the only thing BoltStateMachine knows how to apply. Payloads that
// aren't Ops — raft-internal COMMAND entries, opaque byte blobs — pass
// through Commit as position-only no-ops.
type Op struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// BoltStateMachine is the example StateMachine implementation: a flat
// key/value store backed by bbolt, one db.Update closure per applied
// batch and JSON-encoded values.
type BoltStateMachine struct {
	db     *bolt.DB
	logger zerolog.Logger

	mu        sync.Mutex
	snapCount int64
	snapSize  int64
}

// NewBoltStateMachine opens (creating if absent) a bbolt database under
// dataDir for one partition's applied state.
func NewBoltStateMachine(dataDir string) (*BoltStateMachine, error) {
	path := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("statemachine: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("statemachine: create buckets: %w", err)
	}
	return &BoltStateMachine{db: db, logger: log.WithComponent("statemachine")}, nil
}

func (s *BoltStateMachine) Commit(iter *wal.LogIterator, wait bool) (raftpb.ErrorCode, types.LogID, types.TermID) {
	var lastID types.LogID
	var lastTerm types.TermID
	var applied bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for iter.Valid() {
			// Entries that don't decode as an Op (raft-internal COMMANDs,
			// opaque test payloads) still advance the committed position;
			// they just have no key/value effect here.
			var op Op
			if err := json.Unmarshal(iter.LogMsg(), &op); err == nil && op.Key != "" {
				if op.Delete {
					if err := b.Delete([]byte(op.Key)); err != nil {
						return err
					}
				} else if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return err
				}
			}
			lastID = iter.LogID()
			lastTerm = iter.LogTerm()
			applied = true
			iter.Next()
		}
		if iter.Err() != nil {
			return iter.Err()
		}
		if applied {
			return putCommitted(tx, lastID, lastTerm)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("commit failed")
		if !wait {
			return raftpb.ErrWriteBlocked, 0, 0
		}
		return raftpb.ErrRaftWALFail, 0, 0
	}
	return raftpb.Succeeded, lastID, lastTerm
}

func (s *BoltStateMachine) CommitSnapshot(rows [][]byte, committedLogID types.LogID, committedLogTerm types.TermID, done bool) (raftpb.ErrorCode, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		for _, row := range rows {
			var op Op
			if err := json.Unmarshal(row, &op); err != nil {
				return fmt.Errorf("decode snapshot row: %w", err)
			}
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
			} else if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
			s.snapCount++
			s.snapSize += int64(len(row))
		}
		if done {
			return putCommitted(tx, committedLogID, committedLogTerm)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("commit snapshot failed")
		return raftpb.ErrPersistSnapshotFailed, s.snapCount, s.snapSize
	}
	count, size := s.snapCount, s.snapSize
	if done {
		s.snapCount, s.snapSize = 0, 0
	}
	return raftpb.Succeeded, count, size
}

func (s *BoltStateMachine) LastCommittedLogID() (types.LogID, types.TermID) {
	var id types.LogID
	var term types.TermID
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		id = decodeLogID(b.Get(metaKeyLogID))
		term = decodeTermID(b.Get(metaKeyLogTerm))
		return nil
	})
	return id, term
}

func (s *BoltStateMachine) Cleanup() raftpb.ErrorCode {
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close failed")
		return raftpb.ErrRaftWALFail
	}
	return raftpb.Succeeded
}

func (s *BoltStateMachine) OnLeaderReady(term types.TermID) {
	s.logger.Info().Int64("term", int64(term)).Msg("leader ready")
}

func (s *BoltStateMachine) OnElected(term types.TermID) {
	s.logger.Info().Int64("term", int64(term)).Msg("elected leader")
}

func (s *BoltStateMachine) OnLostLeadership(term types.TermID) {
	s.logger.Info().Int64("term", int64(term)).Msg("lost leadership")
}

func (s *BoltStateMachine) OnDiscoverNewLeader(addr types.HostAddr) {
	s.logger.Info().Str("leader", addr.String()).Msg("discovered new leader")
}

// Scan streams every key/value pair in batches of at most batchSize,
// JSON-encoded the same way CommitSnapshot expects to decode them, so
// pkg/snapshot can drive a full state transfer without knowing this
// store's encoding.
func (s *BoltStateMachine) Scan(batchSize int, fn func(rows [][]byte) error) (int64, int64, error) {
	var count, size int64
	var batch [][]byte

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		return b.ForEach(func(k, v []byte) error {
			row, err := json.Marshal(Op{Key: string(k), Value: append([]byte(nil), v...)})
			if err != nil {
				return err
			}
			batch = append(batch, row)
			count++
			size += int64(len(row))
			if len(batch) >= batchSize {
				return flush()
			}
			return nil
		})
	})
	if err != nil {
		return count, size, err
	}
	if err := flush(); err != nil {
		return count, size, err
	}
	return count, size, nil
}

// Get is a convenience read used by tests; it is not part of the
// StateMachine contract.
func (s *BoltStateMachine) Get(key string) ([]byte, bool) {
	var val []byte
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		v := b.Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return val, val != nil
}

func putCommitted(tx *bolt.Tx, id types.LogID, term types.TermID) error {
	b := tx.Bucket(bucketMeta)
	if err := b.Put(metaKeyLogID, encodeInt64(int64(id))); err != nil {
		return err
	}
	return b.Put(metaKeyLogTerm, encodeInt64(int64(term)))
}

func decodeLogID(data []byte) types.LogID {
	if data == nil {
		return types.InvalidLogID
	}
	return types.LogID(decodeInt64(data))
}

func decodeTermID(data []byte) types.TermID {
	if data == nil {
		return types.InvalidTerm
	}
	return types.TermID(decodeInt64(data))
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt64(data []byte) int64 {
	return int64(binary.BigEndian.Uint64(data))
}
