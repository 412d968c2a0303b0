package replicalog

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerera/internal/pbft/message"
	"github.com/cerera/internal/pbft/perrors"
)

func TestInsertPrePrepare_RejectsConflictingDigest(t *testing.T) {
	l := New()
	d1 := message.Digest{1}
	d2 := message.Digest{2}

	require.NoError(t, l.InsertPrePrepare(&message.PrePrepare{View: 0, Sequence: 1, Digest: d1}))
	// same digest again: idempotent
	require.NoError(t, l.InsertPrePrepare(&message.PrePrepare{View: 0, Sequence: 1, Digest: d1}))

	err := l.InsertPrePrepare(&message.PrePrepare{View: 0, Sequence: 1, Digest: d2})
	assert.ErrorIs(t, err, perrors.ErrConflictingDigest)
}

func TestCountPrepares_CountsDistinctRepliasMatchingDigest(t *testing.T) {
	l := New()
	d := message.Digest{9}
	other := message.Digest{8}

	l.InsertPrepare(message.Prepare{View: 0, Sequence: 1, Digest: d, Replica: peer.ID("r1")})
	l.InsertPrepare(message.Prepare{View: 0, Sequence: 1, Digest: d, Replica: peer.ID("r2")})
	// retransmission from r1 must not double count
	l.InsertPrepare(message.Prepare{View: 0, Sequence: 1, Digest: d, Replica: peer.ID("r1")})
	// non-matching digest must not count
	l.InsertPrepare(message.Prepare{View: 0, Sequence: 1, Digest: other, Replica: peer.ID("r3")})

	assert.Equal(t, 2, l.CountPrepares(0, 1, d))
}

func TestCountCommits_CountsDistinctRepliasMatchingDigest(t *testing.T) {
	l := New()
	d := message.Digest{9}

	l.InsertCommit(message.Commit{View: 0, Sequence: 1, Digest: d, Replica: peer.ID("r1")})
	l.InsertCommit(message.Commit{View: 0, Sequence: 1, Digest: d, Replica: peer.ID("r2")})
	l.InsertCommit(message.Commit{View: 0, Sequence: 1, Digest: d, Replica: peer.ID("r2")})

	assert.Equal(t, 2, l.CountCommits(0, 1, d))
}

func TestGetPrePrepare_MissingReturnsFalse(t *testing.T) {
	l := New()
	_, ok := l.GetPrePrepare(0, 1)
	assert.False(t, ok)
}

func TestSequenceAllocator_WatermarkExceeded(t *testing.T) {
	a := NewSequenceAllocator(0, 2)

	seq, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	_, err = a.Next()
	assert.ErrorIs(t, err, perrors.ErrWatermarkExceeded)
}

func TestSequenceAllocator_InWindow(t *testing.T) {
	a := NewSequenceAllocator(10, 20)
	assert.False(t, a.InWindow(10))
	assert.True(t, a.InWindow(11))
	assert.True(t, a.InWindow(20))
	assert.False(t, a.InWindow(21))
}
