package peers

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManagerWithPeer(id peer.ID) *Manager {
	m := &Manager{
		peers:  make(map[peer.ID]*PeerInfo),
		banned: make(map[peer.ID]time.Time),
	}
	m.peers[id] = &PeerInfo{ID: id, Score: InitialScore}
	return m
}

func TestScorer_RecordValidPrePrepareIncreasesScore(t *testing.T) {
	id := peer.ID("replica-a")
	m := newTestManagerWithPeer(id)
	s := NewScorer(m)

	got := s.RecordValidPrePrepare(id)
	assert.Equal(t, InitialScore+ScoreValidPrePrepare, got)
	assert.Equal(t, got, s.GetScore(id))
}

func TestScorer_RecordInvalidVoteDecreasesScore(t *testing.T) {
	id := peer.ID("replica-b")
	m := newTestManagerWithPeer(id)
	s := NewScorer(m)

	got := s.RecordInvalidVote(id)
	assert.Equal(t, InitialScore+ScoreInvalidVote, got)
}

func TestScorer_RepeatedMisbehaviorTriggersBan(t *testing.T) {
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h.Close()

	id := peer.ID("replica-c")
	m := newTestManagerWithPeer(id)
	m.host = h
	s := NewScorer(m)

	var banned peer.ID
	s.SetOnBan(func(p peer.ID, _ ScoreReason) { banned = p })

	for i := 0; i < 20 && !m.IsBanned(id); i++ {
		s.RecordMisbehavior(id)
	}

	require.True(t, m.IsBanned(id))
	require.Eventually(t, func() bool { return banned == id }, time.Second, time.Millisecond, "onBan callback runs asynchronously")
	assert.Nil(t, m.GetPeer(id), "a banned peer is removed from the active set")
}

func TestScorer_HistoryRecordsEachChange(t *testing.T) {
	id := peer.ID("replica-d")
	m := newTestManagerWithPeer(id)
	s := NewScorer(m)

	s.RecordValidVote(id)
	s.RecordTimeout(id)

	history := s.GetScoreHistory(id)
	require.Len(t, history, 2)
	assert.Equal(t, ReasonValidVote, history[0].Reason)
	assert.Equal(t, ReasonTimeout, history[1].Reason)
}

func TestScorer_GetTopPeersOrdersByScore(t *testing.T) {
	m := &Manager{peers: make(map[peer.ID]*PeerInfo), banned: make(map[peer.ID]time.Time)}
	m.peers["low"] = &PeerInfo{ID: "low", Score: 20}
	m.peers["high"] = &PeerInfo{ID: "high", Score: 150}
	s := NewScorer(m)

	top := s.GetTopPeers(1)
	require.Len(t, top, 1)
	assert.Equal(t, peer.ID("high"), top[0].ID)
}
