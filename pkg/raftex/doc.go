// Package raftex implements RaftPart, the per-partition replication
// state machine: role and term management, pre-vote plus formal
// election, the client append pipeline, follower AppendEntries
// handling, single-server membership change, and the read lease.
// Service (service.go) dispatches inbound RPCs across every partition
// a process hosts, behind a single rw-locked registry keyed by
// (space, part).
package raftex
