/*
Package statemachine defines what a RaftPart applies once entries
commit, and provides BoltStateMachine, a flat key/value store backed by
go.etcd.io/bbolt, as a ready-to-run example.

Entries are JSON-encoded Op{Key, Value, Delete} values. Payloads that
decode as anything else (raft-internal membership commands, opaque
blobs) advance the committed position without touching the store.

See Also: pkg/raftex for the caller, pkg/wal.LogIterator for the
sequence Commit consumes.
*/
package statemachine
