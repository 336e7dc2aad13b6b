// Package config holds the tunables shared by a RaftPart, its Hosts,
// and its WAL. Most values are immutable once a RaftConfig is built;
// the handful that may change under a running test harness live in
// TunableHolder behind atomic.Value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RaftConfig groups every tunable named in the Design Notes' "Global
// mutable state" discussion. Build one with Default() or Load() and
// treat it as read-only from then on.
type RaftConfig struct {
	// HeartbeatInterval paces the status poller, which runs every third
	// of it plus a random delay of up to 500ms; a leader heartbeats its
	// peers on each poll. It also sets the leader's read-lease window.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ElectionTimeoutMin/Max bound the randomized timeout a follower
	// waits without hearing from a leader before starting an election.
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`

	// MaxBatchSize caps how many client requests appendAsync coalesces
	// into a single log entry batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxAppendLogBatchSize caps how many log entries a single
	// AppendLog RPC carries to one peer.
	MaxAppendLogBatchSize int `yaml:"max_appendlog_batch_size"`

	// MaxOutstandingRequests bounds how many AppendLogs calls may wait
	// coalesced behind one Host's in-flight AppendLog RPC before
	// ErrTooManyRequests is returned.
	MaxOutstandingRequests int `yaml:"max_outstanding_requests"`

	// WALBufferSize and WALNumBuffers size the in-memory buffer chain
	// chain; WALFileSize is the on-disk rotation threshold.
	WALBufferSize int64 `yaml:"wal_buffer_size"`
	WALNumBuffers int   `yaml:"wal_num_buffers"`
	WALFileSize   int64 `yaml:"wal_file_size"`
	WALSync       bool  `yaml:"wal_sync"`

	// RaftRPCTimeout bounds a single AskForVote/AppendLog/Heartbeat RPC.
	RaftRPCTimeout time.Duration `yaml:"raft_rpc_timeout"`

	// SnapshotSendRetryTimes bounds retries of one snapshot batch before
	// SnapshotManager gives up on a peer.
	SnapshotSendRetryTimes int `yaml:"snapshot_send_retry_times"`

	// RaftSnapshotTimeout bounds the whole sendSnapshot operation.
	RaftSnapshotTimeout time.Duration `yaml:"raft_snapshot_timeout"`
}

// Default returns the typical production settings. The election
// timeout is randomized in [heartbeat, heartbeat+1500ms]: long enough
// that a single delayed heartbeat doesn't trigger an election, short
// enough that a dead leader is replaced within a couple of seconds.
func Default() RaftConfig {
	return RaftConfig{
		HeartbeatInterval:      1500 * time.Millisecond,
		ElectionTimeoutMin:     1500 * time.Millisecond,
		ElectionTimeoutMax:     3 * time.Second,
		MaxBatchSize:           256,
		MaxAppendLogBatchSize:  256,
		MaxOutstandingRequests: 1024,
		WALBufferSize:          8 << 20,
		WALNumBuffers:          4,
		WALFileSize:            128 << 20,
		WALSync:                true,
		RaftRPCTimeout:         5 * time.Second,
		SnapshotSendRetryTimes: 3,
		RaftSnapshotTimeout:    60 * time.Second,
	}
}

// Load reads a YAML file on top of Default(), matching the
// apply-a-file-then-use-it pattern cmd/raftcored's serve subcommand
// shares with the rest of the CLI.
func Load(path string) (RaftConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first tunable that makes no sense, so a bad
// config file fails at startup rather than mid-election.
func (c RaftConfig) Validate() error {
	if c.ElectionTimeoutMin < c.HeartbeatInterval {
		return fmt.Errorf("config: election_timeout_min must be at least heartbeat_interval")
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("config: election_timeout_max must be >= election_timeout_min")
	}
	if c.MaxBatchSize <= 0 || c.MaxAppendLogBatchSize <= 0 {
		return fmt.Errorf("config: batch sizes must be positive")
	}
	if c.WALNumBuffers <= 0 {
		return fmt.Errorf("config: wal_num_buffers must be positive")
	}
	return nil
}
