package transport

import (
	"bytes"
	"testing"

	"meshfs/pkg/replica"
	"meshfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestObjectPayloadIsNotInflated(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1<<20)
	raw, err := wireCodec{}.Marshal(&FetchObjectResponse{Data: data})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), len(data)+8)

	var out FetchObjectResponse
	require.NoError(t, wireCodec{}.Unmarshal(raw, &out))
	assert.Equal(t, data, out.Data)

	// The decoded payload must not alias the receive buffer.
	raw[len(raw)-1] = 0
	assert.Equal(t, byte(0xAB), out.Data[len(out.Data)-1])
}

func TestSummaryCrossesTheWire(t *testing.T) {
	key, err := types.GenerateKeypair()
	require.NoError(t, err)
	in := &SummaryResponse{Summary: replica.Summary{
		Replica: types.NewReplicaID(),
		Entries: 7,
		Authors: []replica.AuthorSummary{{
			Author:       key.Public(),
			Count:        7,
			MaxSeq:       9,
			MaxTimestamp: replica.Timestamp{Wall: 1_760_000_000_000_000, Logical: 3},
			Digest:       replica.EntryID{1, 2, 3},
		}},
	}}
	var out SummaryResponse
	require.NoError(t, wireCodec{}.Unmarshal(in.MarshalWire(), &out))
	assert.Equal(t, in.Summary, out.Summary)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	id := types.NewReplicaID()
	raw := (&PushEntriesRequest{Replica: id, Origin: "10.0.0.2:7400", Entries: [][]byte{{1}, {2}}}).MarshalWire()
	raw = protowire.AppendTag(raw, 99, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 42)
	raw = protowire.AppendTag(raw, 98, protowire.Fixed64Type)
	raw = protowire.AppendFixed64(raw, 1)

	var out PushEntriesRequest
	require.NoError(t, out.UnmarshalWire(raw))
	assert.Equal(t, id, out.Replica)
	assert.Equal(t, "10.0.0.2:7400", out.Origin)
	assert.Equal(t, [][]byte{{1}, {2}}, out.Entries)
}

func TestMalformedEnvelopes(t *testing.T) {
	full := (&EntryIDsResponse{IDs: []replica.EntryID{{1}, {2}}}).MarshalWire()

	tests := []struct {
		name string
		raw  []byte
		into WireMessage
	}{
		{"Truncated", full[:len(full)-4], &EntryIDsResponse{}},
		{"Short entry id", appendBytesField(nil, 1, []byte{1, 2}), &EntryIDsResponse{}},
		{"Short replica id", appendBytesField(nil, 1, []byte{1}), &SummaryRequest{}},
		{"Short address", appendBytesField(nil, 1, make([]byte, 5)), &FetchObjectRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, wireCodec{}.Unmarshal(tt.raw, tt.into))
		})
	}

	_, err := wireCodec{}.Marshal(struct{}{})
	assert.Error(t, err)
}
