// Package transport carries the wire messages of pkg/raftpb between
// replicas over gRPC. The service is wired by hand rather than
// generated from a .proto file: a grpc.ServiceDesc with unary
// handlers, and a JSON codec registered under
// google.golang.org/grpc/encoding, so ordinary *grpc.Server and
// *grpc.ClientConn values carry plain Go structs.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec. Any RPC
// made with grpc.CallContentSubtype(codecName) is marshaled this way;
// the handlers NewServer registers (serviceDesc) run through the same
// codec on the server side because the content-subtype travels in the
// RPC's content-type header.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }
