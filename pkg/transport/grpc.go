package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName        = "raftex.RaftexService"
	methodAskForVote   = "/" + serviceName + "/AskForVote"
	methodAppendLog    = "/" + serviceName + "/AppendLog"
	methodHeartbeat    = "/" + serviceName + "/Heartbeat"
	methodSendSnapshot = "/" + serviceName + "/SendSnapshot"
)

// Client dials every peer lazily and caches the resulting
// *grpc.ClientConn, implementing host.Transport and snapshot.Transport
// without any .proto-generated stub (see codec.go).
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient returns a Client with no connections yet established.
func NewClient() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(addr types.HostAddr) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr.String()]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c.conns[addr.String()] = conn
	return conn, nil
}

// AskForVote implements host.Transport.
func (c *Client) AskForVote(ctx context.Context, addr types.HostAddr, req *raftpb.AskForVoteRequest) (*raftpb.AskForVoteResponse, error) {
	conn, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.AskForVoteResponse)
	if err := conn.Invoke(ctx, methodAskForVote, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AppendLog implements host.Transport.
func (c *Client) AppendLog(ctx context.Context, addr types.HostAddr, req *raftpb.AppendLogRequest) (*raftpb.AppendLogResponse, error) {
	conn, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.AppendLogResponse)
	if err := conn.Invoke(ctx, methodAppendLog, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Heartbeat carries an AppendLogRequest-shaped message with no
// entries; a Host sends it whenever the peer is already caught up, and
// the status subcommand uses it as a read-only probe.
func (c *Client) Heartbeat(ctx context.Context, addr types.HostAddr, req *raftpb.HeartbeatRequest) (*raftpb.HeartbeatResponse, error) {
	conn, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.HeartbeatResponse)
	if err := conn.Invoke(ctx, methodHeartbeat, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendSnapshot implements snapshot.Transport.
func (c *Client) SendSnapshot(ctx context.Context, addr types.HostAddr, req *raftpb.SendSnapshotRequest) (*raftpb.SendSnapshotResponse, error) {
	conn, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.SendSnapshotResponse)
	if err := conn.Invoke(ctx, methodSendSnapshot, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}
