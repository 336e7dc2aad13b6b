package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/rs/zerolog"
)

// Transport is the narrow shuttle Manager drives; pkg/transport
// provides the gRPC-backed implementation, tests substitute an
// in-process fake.
type Transport interface {
	SendSnapshot(ctx context.Context, addr types.HostAddr, req *raftpb.SendSnapshotRequest) (*raftpb.SendSnapshotResponse, error)
}

// Scanner exposes the leader's committed state as a sequence of
// opaque row batches. BoltStateMachine implements this directly from
// its bbolt bucket cursor.
type Scanner interface {
	Scan(batchSize int, fn func(rows [][]byte) error) (count int64, size int64, err error)
}

// Manager streams a full state transfer to one lagging peer. One
// Manager is shared by every Host in a partition; SendSnapshot may
// run concurrently for distinct peers.
type Manager struct {
	space     types.GraphSpaceID
	part      types.PartitionID
	selfAddr  types.HostAddr
	transport Transport
	scanner   Scanner
	cfg       config.RaftConfig
	logger    zerolog.Logger
}

// NewManager builds a Manager for one partition.
func NewManager(space types.GraphSpaceID, part types.PartitionID, selfAddr types.HostAddr, transport Transport, scanner Scanner, cfg config.RaftConfig) *Manager {
	return &Manager{
		space:     space,
		part:      part,
		selfAddr:  selfAddr,
		transport: transport,
		scanner:   scanner,
		cfg:       cfg,
		logger:    log.WithComponent("snapshot"),
	}
}

// SendSnapshot streams the state machine to dst as of (committedLogID,
// committedLogTerm), in batches bounded by the configured append batch
// size, retrying each batch up to SnapshotSendRetryTimes. It returns
// the (committedLogID, committedLogTerm) the peer should adopt once
// every batch, including the final done=true one, has been
// acknowledged.
func (m *Manager) SendSnapshot(ctx context.Context, term types.TermID, committedLogID types.LogID, committedLogTerm types.TermID, dst types.HostAddr) (types.LogID, types.TermID, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RaftSnapshotTimeout)
	defer cancel()

	var totalCount, totalSize int64
	var batches [][][]byte
	_, _, err := m.scanner.Scan(m.cfg.MaxAppendLogBatchSize, func(rows [][]byte) error {
		batches = append(batches, rows)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot: scan state machine: %w", err)
	}
	for _, rows := range batches {
		totalCount += int64(len(rows))
		for _, r := range rows {
			totalSize += int64(len(r))
		}
	}
	if len(batches) == 0 {
		batches = [][][]byte{nil} // still send one (empty, done) batch so the peer installs the position
	}

	spaceLbl := fmt.Sprintf("%d", m.space)
	partLbl := fmt.Sprintf("%d", m.part)

	for i, rows := range batches {
		done := i == len(batches)-1
		req := &raftpb.SendSnapshotRequest{
			Space:            m.space,
			Part:             m.part,
			CurrentTerm:      term,
			CommittedLogID:   committedLogID,
			CommittedLogTerm: committedLogTerm,
			LeaderAddr:       m.selfAddr.Host,
			LeaderPort:       m.selfAddr.Port,
			Rows:             rows,
			TotalSize:        totalSize,
			TotalCount:       totalCount,
			Done:             done,
		}
		if err := m.sendBatchWithRetry(ctx, dst, req); err != nil {
			return 0, 0, err
		}
		metrics.SnapshotBatchesSent.WithLabelValues(spaceLbl, partLbl).Inc()
		var batchBytes int
		for _, r := range rows {
			batchBytes += len(r)
		}
		metrics.SnapshotBytesSent.WithLabelValues(spaceLbl, partLbl).Add(float64(batchBytes))
	}

	m.logger.Info().Str("peer", dst.String()).Int64("count", totalCount).Int64("size", totalSize).Msg("snapshot transfer complete")
	return committedLogID, committedLogTerm, nil
}

func (m *Manager) sendBatchWithRetry(ctx context.Context, dst types.HostAddr, req *raftpb.SendSnapshotRequest) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.SnapshotSendRetryTimes; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, m.cfg.RaftRPCTimeout)
		resp, err := m.transport.SendSnapshot(rpcCtx, dst, req)
		cancel()
		if err == nil && resp.ErrorCode == raftpb.Succeeded {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("snapshot: peer rejected batch: %s", resp.ErrorCode)
		}
		m.logger.Warn().Err(lastErr).Str("peer", dst.String()).Int("attempt", attempt+1).Msg("snapshot batch failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("snapshot: %w: %v", raftpb.ErrRetryExhausted, lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 100 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}
