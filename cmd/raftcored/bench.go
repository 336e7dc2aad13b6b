package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/raftex"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/statemachine"
	"github.com/cuemby/raftcore/pkg/transport"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive appendAsync in a local, single-process partition to measure commit latency",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().String("data-dir", "", "Directory for the WAL and state machine (defaults to a temp dir)")
	benchCmd.Flags().Int("count", 1000, "Number of entries to append")
	benchCmd.Flags().Int("payload-bytes", 64, "Payload size per entry")
}

func runBench(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	count, _ := cmd.Flags().GetInt("count")
	payloadBytes, _ := cmd.Flags().GetInt("payload-bytes")
	if dataDir == "" {
		d, err := os.MkdirTemp("", "raftcored-bench-*")
		if err != nil {
			return err
		}
		dataDir = d
	}

	self := types.HostAddr{Host: "127.0.0.1", Port: 19200}
	sm, err := statemachine.NewBoltStateMachine(dataDir + "/statemachine")
	if err != nil {
		return fmt.Errorf("open state machine: %w", err)
	}
	defer sm.Cleanup()

	flusher := wal.NewFlusher()
	defer flusher.Stop()

	raftCfg := config.Default()
	part, err := raftex.New(raftex.Config{
		Space:        types.GraphSpaceID(1),
		Part:         types.PartitionID(1),
		Self:         self,
		WALDir:       dataDir + "/wal",
		WALPolicy:    wal.DefaultPolicy(),
		Flusher:      flusher,
		StateMachine: sm,
		Transport:    transport.NewClient(),
		Scanner:      sm,
		RaftConfig:   raftCfg,
	})
	if err != nil {
		return fmt.Errorf("construct partition: %w", err)
	}
	part.Start()
	defer part.Stop()

	// A single-node partition (no peers) has quorum 1, so it becomes
	// its own leader as soon as its first election timeout fires.
	deadline := time.Now().Add(raftCfg.ElectionTimeoutMax + time.Second)
	for !part.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if !part.IsLeader() {
		return fmt.Errorf("bench: partition never became leader")
	}

	payload := make([]byte, payloadBytes)
	start := time.Now()
	for i := 0; i < count; i++ {
		res := <-part.AppendAsync(types.DefaultClusterID, payload)
		if res.Code != raftpb.Succeeded {
			fmt.Printf("bench: append failed: %s\n", res.Code)
			break
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("appended %d entries in %s (%.1f/s)\n", count, elapsed, float64(count)/elapsed.Seconds())
	return nil
}
