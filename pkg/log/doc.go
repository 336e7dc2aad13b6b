/*
Package log provides structured logging for the raft core using zerolog.

The log package wraps zerolog to provide JSON or console-formatted
logging with component-specific child loggers, a configurable level, and
helper functions for the fields every raft log line tends to carry.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│  Global Logger (zerolog.Logger)                           │
	│    - Initialized once via log.Init(Config)                │
	│    - Thread-safe for concurrent use across partitions     │
	│                                                            │
	│  Child loggers                                             │
	│    - WithComponent("wal"), WithComponent("host")          │
	│    - WithPartition(space, part)                            │
	│    - WithPeer(addr)                                        │
	│    - WithTerm(logger, term)                                 │
	│                                                            │
	│  Output: JSON (production) or zerolog.ConsoleWriter (dev) │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("raftex").
		With().Int32("space", 0).Int32("part", 1).Logger()
	logger.Info().Msg("became leader")

# See Also

  - pkg/raftex, pkg/host, pkg/wal — the packages that call WithComponent
  - pkg/metrics for the numeric counterpart to these log lines
*/
package log
