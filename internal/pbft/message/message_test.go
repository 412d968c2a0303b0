package message

import (
	"encoding/json"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundDigest_Deterministic(t *testing.T) {
	req := &ClientRequest{Operation: "set x=1", Timestamp: 1000, Client: peer.ID("c1")}

	d1, err := BoundDigest(req)
	require.NoError(t, err)
	d2, err := BoundDigest(req)
	require.NoError(t, err)

	assert.Equal(t, d1, d2, "same request must bind to the same digest")
	assert.False(t, d1.IsZero())
}

func TestBoundDigest_DiffersOnAnyField(t *testing.T) {
	base := &ClientRequest{Operation: "set x=1", Timestamp: 1000, Client: peer.ID("c1")}
	variants := []*ClientRequest{
		{Operation: "set x=2", Timestamp: 1000, Client: peer.ID("c1")},
		{Operation: "set x=1", Timestamp: 1001, Client: peer.ID("c1")},
		{Operation: "set x=1", Timestamp: 1000, Client: peer.ID("c2")},
	}

	baseDigest, err := BoundDigest(base)
	require.NoError(t, err)

	for _, v := range variants {
		d, err := BoundDigest(v)
		require.NoError(t, err)
		assert.NotEqual(t, baseDigest, d)
	}
}

func TestEnvelope_EncodeRoundTrip(t *testing.T) {
	pp := &PrePrepare{View: 0, Sequence: 1, Digest: Digest{1, 2, 3}}

	env, err := Encode(KindPrePrepare, pp)
	require.NoError(t, err)
	assert.Equal(t, KindPrePrepare, env.Kind)

	var decoded PrePrepare
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, pp.Sequence, decoded.Sequence)
	assert.Equal(t, pp.Digest, decoded.Digest)
}
