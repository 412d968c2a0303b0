package replica

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerera/internal/pbft/message"
	"github.com/cerera/internal/pbft/replicalog"
)

func newTestReplica(self peer.ID, isPrimary bool, n int, broadcast func(message.Kind, interface{}) error) *Replica {
	return New(Config{
		Self:          self,
		IsPrimary:     isPrimary,
		N:             n,
		WatermarkLow:  0,
		WatermarkHigh: 1000,
		Broadcast:     broadcast,
	})
}

func TestPrepared_RequiresTwoFMatchingPrepares(t *testing.T) {
	// n=4, f=1: the primary's own logged prepare counts, so one matching
	// backup prepare reaches 2f=2.
	r := newTestReplica(peer.ID("primary"), true, 4, func(message.Kind, interface{}) error { return nil })

	req := &message.ClientRequest{Operation: "op", Timestamp: 1, Client: peer.ID("c1")}
	require.NoError(t, r.OnClientRequest(req))

	key := replicalog.Key{View: 0, Sequence: 1}
	digest, _ := message.BoundDigest(req)

	assert.False(t, r.prepared(key, digest), "one short of 2f with only the primary's implicit vote")

	require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: 1, Digest: digest, Replica: peer.ID("b1")}, peer.ID("b1"), nil))
	assert.True(t, r.prepared(key, digest), "the primary's prepare plus b1's reach 2f")

	require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: 1, Digest: digest, Replica: peer.ID("b2")}, peer.ID("b2"), nil))
	assert.True(t, r.prepared(key, digest), "a further matching prepare keeps the slot prepared")
}

func TestCommittedLocal_RequiresTwoFPlusOneCommits(t *testing.T) {
	r := newTestReplica(peer.ID("primary"), true, 4, func(message.Kind, interface{}) error { return nil })
	req := &message.ClientRequest{Operation: "op", Timestamp: 1, Client: peer.ID("c1")}
	require.NoError(t, r.OnClientRequest(req))
	digest, _ := message.BoundDigest(req)
	key := replicalog.Key{View: 0, Sequence: 1}

	require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: 1, Digest: digest, Replica: peer.ID("b1")}, peer.ID("b1"), nil))
	require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: 1, Digest: digest, Replica: peer.ID("b2")}, peer.ID("b2"), nil))
	require.True(t, r.prepared(key, digest))

	// committedLocal needs 2f+1=3; the primary's commit was auto-emitted
	// once prepared, so 2 more are required.
	require.NoError(t, r.OnCommit(message.Commit{View: 0, Sequence: 1, Digest: digest, Replica: peer.ID("b1")}, peer.ID("b1"), nil))
	assert.False(t, r.committedLocal(key, digest), "one short of 2f+1")

	require.NoError(t, r.OnCommit(message.Commit{View: 0, Sequence: 1, Digest: digest, Replica: peer.ID("b2")}, peer.ID("b2"), nil))
	assert.True(t, r.committedLocal(key, digest))
}

func TestGapClosingExecution_ExecutesInOrderAcrossGaps(t *testing.T) {
	r := newTestReplica(peer.ID("primary"), true, 4, func(message.Kind, interface{}) error { return nil })

	reqs := []*message.ClientRequest{
		{Operation: "op1", Timestamp: 1, Client: peer.ID("c1")},
		{Operation: "op2", Timestamp: 1, Client: peer.ID("c2")},
		{Operation: "op3", Timestamp: 1, Client: peer.ID("c3")},
	}
	digests := make([]message.Digest, len(reqs))
	for i, req := range reqs {
		require.NoError(t, r.OnClientRequest(req))
		digests[i], _ = message.BoundDigest(req)
	}

	quorumPrepareCommit := func(seq int64, digest message.Digest) {
		for _, rep := range []peer.ID{"b1", "b2"} {
			require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: seq, Digest: digest, Replica: rep}, rep, nil))
		}
		for _, rep := range []peer.ID{"b1", "b2"} {
			require.NoError(t, r.OnCommit(message.Commit{View: 0, Sequence: seq, Digest: digest, Replica: rep}, rep, nil))
		}
	}

	// Close sequence 3 and 2 first; nothing should execute yet because 1
	// isn't committed-local (gap-closing, not immediate execution).
	quorumPrepareCommit(3, digests[2])
	quorumPrepareCommit(2, digests[1])
	assert.Equal(t, int64(0), r.LastExecuted())

	// Closing 1 must execute 1, 2, and 3 in order in a single step.
	quorumPrepareCommit(1, digests[0])
	assert.Equal(t, int64(3), r.LastExecuted())
}

func TestOnPrePrepare_RejectsViewMismatch(t *testing.T) {
	r := newTestReplica(peer.ID("backup"), false, 4, func(message.Kind, interface{}) error { return nil })
	pp := &message.PrePrepare{View: 1, Sequence: 1, Request: &message.ClientRequest{Operation: "x"}}
	pp.Digest, _ = message.BoundDigest(pp.Request)

	err := r.OnPrePrepare(pp, peer.ID("primary"), nil)
	assert.Error(t, err)
}

func TestOnPrePrepare_RejectsBadDigest(t *testing.T) {
	r := newTestReplica(peer.ID("backup"), false, 4, func(message.Kind, interface{}) error { return nil })
	pp := &message.PrePrepare{View: 0, Sequence: 1, Request: &message.ClientRequest{Operation: "x"}, Digest: message.Digest{0xFF}}

	err := r.OnPrePrepare(pp, peer.ID("primary"), nil)
	assert.Error(t, err)
}

func TestOnClientRequest_Backup_RelaysInsteadOfMinting(t *testing.T) {
	relayed := false
	r := newTestReplica(peer.ID("backup"), false, 4, func(message.Kind, interface{}) error { return nil })
	r.relay = func(req *message.ClientRequest) error {
		relayed = true
		return nil
	}

	req := &message.ClientRequest{Operation: "op", Timestamp: 1, Client: peer.ID("c1")}
	require.NoError(t, r.OnClientRequest(req))
	assert.True(t, relayed)
}

func TestDuplicateClientRequest_SuppressedAtExecution(t *testing.T) {
	r := newTestReplica(peer.ID("primary"), true, 4, func(message.Kind, interface{}) error { return nil })
	var replyCount int
	var gotReply message.ClientReply
	r.sendTo = func(_ peer.ID, kind message.Kind, payload interface{}) error {
		if kind == message.KindClientReply {
			replyCount++
			gotReply = payload.(message.ClientReply)
		}
		return nil
	}

	req := &message.ClientRequest{Operation: "op", Timestamp: 5, Client: peer.ID("c1")}
	require.NoError(t, r.OnClientRequest(req))
	digest, _ := message.BoundDigest(req)
	for _, rep := range []peer.ID{"b1", "b2"} {
		require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: 1, Digest: digest, Replica: rep}, rep, nil))
	}
	for _, rep := range []peer.ID{"b1", "b2"} {
		require.NoError(t, r.OnCommit(message.Commit{View: 0, Sequence: 1, Digest: digest, Replica: rep}, rep, nil))
	}
	require.Equal(t, "OK", gotReply.Result)
	require.Equal(t, 1, replyCount)

	// Resubmitting the same (or older) timestamp still takes a full round
	// under a new sequence number, but execution suppresses the reply and
	// leaves the stored reply timestamp untouched.
	dup := &message.ClientRequest{Operation: "op", Timestamp: 5, Client: peer.ID("c1")}
	require.NoError(t, r.OnClientRequest(dup))
	dupDigest, _ := message.BoundDigest(dup)
	for _, rep := range []peer.ID{"b1", "b2"} {
		require.NoError(t, r.OnPrepare(message.Prepare{View: 0, Sequence: 2, Digest: dupDigest, Replica: rep}, rep, nil))
	}
	for _, rep := range []peer.ID{"b1", "b2"} {
		require.NoError(t, r.OnCommit(message.Commit{View: 0, Sequence: 2, Digest: dupDigest, Replica: rep}, rep, nil))
	}

	require.Equal(t, int64(2), r.LastExecuted(), "the duplicate round still advances the log")
	require.Equal(t, 1, replyCount, "no reply is sent for a suppressed duplicate")
}
