package transport

import (
	"context"
	"net"

	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/raftpb"
	"google.golang.org/grpc"
)

// Dispatcher is the subset of *raftex.Service the server forwards
// decoded RPCs to; kept as an interface so pkg/transport never imports
// pkg/raftex (the dependency runs the other way: raftex's callers wire
// a *Client into raftex.Config.Transport).
type Dispatcher interface {
	AskForVote(req *raftpb.AskForVoteRequest) *raftpb.AskForVoteResponse
	AppendLog(req *raftpb.AppendLogRequest) *raftpb.AppendLogResponse
	Heartbeat(req *raftpb.HeartbeatRequest) *raftpb.HeartbeatResponse
	SendSnapshot(req *raftpb.SendSnapshotRequest) *raftpb.SendSnapshotResponse
}

// Server hosts a *grpc.Server answering the hand-wired RaftexService
// description below.
type Server struct {
	grpcServer *grpc.Server
	dispatcher Dispatcher
}

// NewServer builds a Server that forwards every decoded RPC to d.
func NewServer(d Dispatcher) *Server {
	s := &Server{dispatcher: d}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve blocks accepting connections on lis until the server is
// stopped.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// ListenAndServe is a convenience wrapper used by cmd/raftcored.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("transport: listening on " + addr)
	return s.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// unaryCall decodes req via dec, runs fn (with any registered
// interceptor wrapped around it per protoc-gen-go-grpc convention),
// and returns fn's result.
func unaryCall(ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor, fullMethod string, req interface{}, fn func(context.Context, interface{}) (interface{}, error)) (interface{}, error) {
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return fn(ctx, req)
	}
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod}
	return interceptor(ctx, req, info, fn)
}

func askForVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryCall(ctx, dec, interceptor, methodAskForVote, new(raftpb.AskForVoteRequest), func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).dispatcher.AskForVote(req.(*raftpb.AskForVoteRequest)), nil
	})
}

func appendLogHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryCall(ctx, dec, interceptor, methodAppendLog, new(raftpb.AppendLogRequest), func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).dispatcher.AppendLog(req.(*raftpb.AppendLogRequest)), nil
	})
}

func heartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryCall(ctx, dec, interceptor, methodHeartbeat, new(raftpb.HeartbeatRequest), func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).dispatcher.Heartbeat(req.(*raftpb.HeartbeatRequest)), nil
	})
}

func sendSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryCall(ctx, dec, interceptor, methodSendSnapshot, new(raftpb.SendSnapshotRequest), func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).dispatcher.SendSnapshot(req.(*raftpb.SendSnapshotRequest)), nil
	})
}

// serviceDesc is the hand-written grpc.ServiceDesc a protoc-generated
// *_grpc.pb.go file would normally provide (see codec.go's doc
// comment for why none ships in this repo).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Dispatcher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AskForVote", Handler: askForVoteHandler},
		{MethodName: "AppendLog", Handler: appendLogHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "SendSnapshot", Handler: sendSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{},
}
