/*
Package host drives replication to one remote replica.

A Host owns the single outstanding AppendEntries RPC to its peer. Calls
that arrive while an RPC is in flight coalesce into pendingCoalesced
rather than queuing a second RPC; once the in-flight round settles, the
coalesced target becomes the next round automatically.

	ch := h.AppendLogs(ctx, term, lastLogID, committedLogID)
	res := <-ch

When the peer has fallen further behind than the WAL can replay from,
AppendLogs reports E_WAITING_SNAPSHOT and a SnapshotSender is invoked in
the background; InstallSnapshotComplete resumes the pipeline once it
finishes.

See Also: pkg/raftex for the RaftPart that owns one Host per peer,
pkg/wal for LogSource, pkg/transport for the gRPC Transport
implementation.
*/
package host
