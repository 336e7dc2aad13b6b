// Package snapshot implements the snapshot manager: streaming a
// lagging peer's state machine from scratch when a Host discovers the
// WAL no longer holds the entry the peer needs next.
package snapshot
