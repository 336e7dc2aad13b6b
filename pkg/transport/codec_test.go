package transport

import (
	"testing"

	"github.com/cuemby/raftcore/pkg/raftpb"
	"github.com/cuemby/raftcore/pkg/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRoundTripsAppendLogRequest(t *testing.T) {
	codec := encoding.GetCodec(codecName)
	require.NotNil(t, codec, "jsonCodec must be registered via init()")
	require.Equal(t, "json", codec.Name())

	req := &raftpb.AppendLogRequest{
		Space:          1,
		Part:           2,
		LeaderAddr:     "10.0.0.1",
		LeaderPort:     9200,
		CurrentTerm:    3,
		LastLogID:      42,
		CommittedLogID: 40,
		LogStrList: []raftpb.LogEntry{
			{Cluster: types.DefaultClusterID, LogStr: []byte("payload")},
		},
	}

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var got raftpb.AppendLogRequest
	require.NoError(t, codec.Unmarshal(data, &got))
	require.Equal(t, req.Space, got.Space)
	require.Equal(t, req.LastLogID, got.LastLogID)
	require.Equal(t, req.LeaderAddr, got.LeaderAddr)
	require.Len(t, got.LogStrList, 1)
	require.Equal(t, "payload", string(got.LogStrList[0].LogStr))
}

func TestJSONCodecRoundTripsErrorCode(t *testing.T) {
	codec := encoding.GetCodec(codecName)
	require.NotNil(t, codec)

	resp := &raftpb.AppendLogResponse{ErrorCode: raftpb.ErrLogGap, CurrentTerm: 5}
	data, err := codec.Marshal(resp)
	require.NoError(t, err)

	var got raftpb.AppendLogResponse
	require.NoError(t, codec.Unmarshal(data, &got))
	require.Equal(t, raftpb.ErrLogGap, got.ErrorCode)
	require.Equal(t, types.TermID(5), got.CurrentTerm)
}
