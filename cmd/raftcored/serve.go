package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raftex"
	"github.com/cuemby/raftcore/pkg/statemachine"
	"github.com/cuemby/raftcore/pkg/transport"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/cuemby/raftcore/pkg/wal"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a single replica hosting one partition",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "./data", "Directory for the WAL and state machine")
	serveCmd.Flags().String("bind", "127.0.0.1:9200", "Address to bind the gRPC transport on")
	serveCmd.Flags().String("metrics-bind", "127.0.0.1:9201", "Address to serve /metrics on")
	serveCmd.Flags().Int32("space", 1, "Graph space id")
	serveCmd.Flags().Int32("part", 1, "Partition id")
	serveCmd.Flags().StringSlice("peers", nil, "host:port of every voting peer (self excluded)")
	serveCmd.Flags().StringSlice("learners", nil, "host:port of every learner (self excluded)")
	serveCmd.Flags().Bool("learner", false, "Start this replica as a non-voting learner")
	serveCmd.Flags().String("config", "", "Optional YAML RaftConfig file")
}

func parseHostAddr(s string) (types.HostAddr, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return types.HostAddr{}, fmt.Errorf("invalid address %q, want host:port", s)
	}
	port, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil {
		return types.HostAddr{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return types.HostAddr{Host: s[:idx], Port: uint16(port)}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bind, _ := cmd.Flags().GetString("bind")
	metricsBind, _ := cmd.Flags().GetString("metrics-bind")
	space, _ := cmd.Flags().GetInt32("space")
	part, _ := cmd.Flags().GetInt32("part")
	peerStrs, _ := cmd.Flags().GetStringSlice("peers")
	learnerStrs, _ := cmd.Flags().GetStringSlice("learners")
	isLearner, _ := cmd.Flags().GetBool("learner")
	configPath, _ := cmd.Flags().GetString("config")

	self, err := parseHostAddr(bind)
	if err != nil {
		return err
	}
	peers, err := parseHostAddrs(peerStrs)
	if err != nil {
		return err
	}
	learners, err := parseHostAddrs(learnerStrs)
	if err != nil {
		return err
	}

	raftCfg := config.Default()
	if configPath != "" {
		raftCfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := raftCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sm, err := statemachine.NewBoltStateMachine(dataDir + "/statemachine")
	if err != nil {
		return fmt.Errorf("open state machine: %w", err)
	}
	defer sm.Cleanup()

	client := transport.NewClient()
	defer client.Close()

	flusher := wal.NewFlusher()
	defer flusher.Stop()

	part1, err := raftex.New(raftex.Config{
		Space:     types.GraphSpaceID(space),
		Part:      types.PartitionID(part),
		Self:      self,
		Peers:     peers,
		Learners:  learners,
		IsLearner: isLearner,
		WALDir:    dataDir + "/wal",
		WALPolicy: wal.Policy{
			FileSize:   raftCfg.WALFileSize,
			BufferSize: raftCfg.WALBufferSize,
			NumBuffers: raftCfg.WALNumBuffers,
			Sync:       raftCfg.WALSync,
		},
		Flusher:      flusher,
		StateMachine: sm,
		Transport:    client,
		Scanner:      sm,
		RaftConfig:   raftCfg,
	})
	if err != nil {
		return fmt.Errorf("construct partition: %w", err)
	}

	svc := raftex.NewService()
	svc.AddPartition(part1)
	defer svc.StopAll()

	server := transport.NewServer(svc)
	var serving atomic.Bool
	go func() {
		serving.Store(true)
		if err := server.ListenAndServe(self.String()); err != nil {
			serving.Store(false)
			log.Errorf("transport server stopped", err)
		}
	}()
	defer server.Stop()

	metrics.RegisterProbe("raftex", true, func() (bool, string) {
		status := part1.Status()
		if status == types.StatusStopped {
			return false, "partition stopped"
		}
		leader := part1.LeaderAddr()
		if leader.IsZero() {
			return true, status.String() + ", electing"
		}
		return true, fmt.Sprintf("%s, leader %s, committed %d", status, leader, part1.CommittedLogID())
	})
	metrics.RegisterProbe("wal", true, func() (bool, string) {
		if err := part1.WALFlushErr(); err != nil {
			return false, err.Error()
		}
		return true, ""
	})
	metrics.RegisterProbe("transport", true, func() (bool, string) {
		if !serving.Load() {
			return false, "not listening"
		}
		return true, "listening on " + self.String()
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		mux.Handle("/livez", metrics.LivenessHandler())
		log.Info(fmt.Sprintf("metrics/health listening on %s", metricsBind))
		if err := http.ListenAndServe(metricsBind, mux); err != nil {
			log.Errorf("metrics server stopped", err)
		}
	}()

	log.Info(fmt.Sprintf("raftcored serving space=%d part=%d self=%s", space, part, self))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

func parseHostAddrs(strs []string) ([]types.HostAddr, error) {
	addrs := make([]types.HostAddr, 0, len(strs))
	for _, s := range strs {
		a, err := parseHostAddr(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
