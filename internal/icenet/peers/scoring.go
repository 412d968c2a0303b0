package peers

import (
	"math"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// InitialScore is the starting score for new peers
	InitialScore = 100.0
	// MaxScore is the maximum peer score
	MaxScore = 200.0
	// MinScore is the minimum peer score; scores are clamped to it (banning
	// happens earlier, at BanThreshold)
	MinScore = 0.0
	// BanThreshold is the score threshold for banning
	BanThreshold = 10.0
	// BanDuration is the default ban duration
	BanDuration = 24 * time.Hour

	// Score adjustments, re-themed from blockchain relay behavior to
	// consensus-protocol behavior.
	ScoreValidPrePrepare   = 5.0   // Valid, accepted pre-prepare
	ScoreInvalidPrePrepare = -20.0 // Conflicting digest / failed validation
	ScoreValidVote         = 1.0   // Valid prepare or commit vote
	ScoreInvalidVote       = -5.0  // Malformed or unauthenticated vote
	ScoreTimeout           = -3.0  // Request timeout
	ScoreMisbehavior       = -15.0 // Protocol misbehavior (equivocation, etc.)
	ScoreGoodLatency       = 2.0   // Good ping latency (< 100ms)
	ScoreBadLatency        = -1.0  // Bad ping latency (> 500ms)
	ScoreDisconnect        = -2.0  // Unexpected disconnect
	ScoreQuorumHelp        = 3.0   // Vote contributed to reaching quorum
	ScoreQuorumMissed      = -10.0 // Failed to contribute before quorum / timeout
)

// ScoreReason represents the reason for a score change
type ScoreReason string

const (
	ReasonValidPrePrepare   ScoreReason = "valid_pre_prepare"
	ReasonInvalidPrePrepare ScoreReason = "invalid_pre_prepare"
	ReasonValidVote         ScoreReason = "valid_vote"
	ReasonInvalidVote       ScoreReason = "invalid_vote"
	ReasonTimeout           ScoreReason = "timeout"
	ReasonMisbehavior       ScoreReason = "misbehavior"
	ReasonGoodLatency       ScoreReason = "good_latency"
	ReasonBadLatency        ScoreReason = "bad_latency"
	ReasonDisconnect        ScoreReason = "disconnect"
	ReasonQuorumHelp        ScoreReason = "quorum_help"
	ReasonQuorumMissed      ScoreReason = "quorum_missed"
)

// ScoreChange represents a change in peer score
type ScoreChange struct {
	PeerID    peer.ID
	OldScore  float64
	NewScore  float64
	Change    float64
	Reason    ScoreReason
	Timestamp time.Time
}

// Scorer manages peer scoring
type Scorer struct {
	manager    *Manager
	mu         sync.RWMutex
	history    map[peer.ID][]ScoreChange
	maxHistory int

	// Callbacks
	onScoreChange func(ScoreChange)
	onBan         func(peer.ID, ScoreReason)
}

// NewScorer creates a new peer scorer
func NewScorer(manager *Manager) *Scorer {
	return &Scorer{
		manager:    manager,
		history:    make(map[peer.ID][]ScoreChange),
		maxHistory: 100, // Keep last 100 changes per peer
	}
}

// AdjustScore adjusts a peer's score by the given delta
func (s *Scorer) AdjustScore(peerID peer.ID, delta float64, reason ScoreReason) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.manager.GetPeer(peerID)
	if info == nil {
		return 0
	}

	oldScore := info.Score
	newScore := math.Max(MinScore, math.Min(MaxScore, oldScore+delta))

	s.manager.mu.Lock()
	if peerInfo, exists := s.manager.peers[peerID]; exists {
		peerInfo.Score = newScore
	}
	s.manager.mu.Unlock()

	change := ScoreChange{
		PeerID:    peerID,
		OldScore:  oldScore,
		NewScore:  newScore,
		Change:    delta,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	if s.history[peerID] == nil {
		s.history[peerID] = make([]ScoreChange, 0, s.maxHistory)
	}
	s.history[peerID] = append(s.history[peerID], change)

	if len(s.history[peerID]) > s.maxHistory {
		s.history[peerID] = s.history[peerID][len(s.history[peerID])-s.maxHistory:]
	}

	if s.onScoreChange != nil {
		go s.onScoreChange(change)
	}

	if newScore <= BanThreshold {
		s.banPeer(peerID, reason)
	}

	peersLogger().Debugw("score adjusted",
		"peer", peerID,
		"oldScore", oldScore,
		"newScore", newScore,
		"delta", delta,
		"reason", reason,
	)

	return newScore
}

func (s *Scorer) banPeer(peerID peer.ID, reason ScoreReason) {
	s.manager.BanPeer(peerID, BanDuration, string(reason))

	if s.onBan != nil {
		go s.onBan(peerID, reason)
	}
}

// RecordValidPrePrepare records that a peer sent a valid, accepted pre-prepare
func (s *Scorer) RecordValidPrePrepare(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreValidPrePrepare, ReasonValidPrePrepare)
}

// RecordInvalidPrePrepare records that a peer sent a pre-prepare that failed validation
func (s *Scorer) RecordInvalidPrePrepare(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreInvalidPrePrepare, ReasonInvalidPrePrepare)
}

// RecordValidVote records that a peer sent a valid prepare or commit vote
func (s *Scorer) RecordValidVote(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreValidVote, ReasonValidVote)
}

// RecordInvalidVote records that a peer sent a malformed or unauthenticated vote
func (s *Scorer) RecordInvalidVote(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreInvalidVote, ReasonInvalidVote)
}

// RecordTimeout records that a request to a peer timed out
func (s *Scorer) RecordTimeout(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreTimeout, ReasonTimeout)
}

// RecordMisbehavior records that a peer misbehaved (e.g. equivocation)
func (s *Scorer) RecordMisbehavior(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreMisbehavior, ReasonMisbehavior)
}

// RecordLatency records the latency of a peer
func (s *Scorer) RecordLatency(peerID peer.ID, latency time.Duration) float64 {
	if latency < 100*time.Millisecond {
		return s.AdjustScore(peerID, ScoreGoodLatency, ReasonGoodLatency)
	} else if latency > 500*time.Millisecond {
		return s.AdjustScore(peerID, ScoreBadLatency, ReasonBadLatency)
	}
	return s.GetScore(peerID)
}

// RecordDisconnect records that a peer disconnected unexpectedly
func (s *Scorer) RecordDisconnect(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreDisconnect, ReasonDisconnect)
}

// RecordQuorumHelp records that a peer's vote contributed to reaching quorum
func (s *Scorer) RecordQuorumHelp(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreQuorumHelp, ReasonQuorumHelp)
}

// RecordQuorumMissed records that a peer failed to vote before quorum/timeout
func (s *Scorer) RecordQuorumMissed(peerID peer.ID) float64 {
	return s.AdjustScore(peerID, ScoreQuorumMissed, ReasonQuorumMissed)
}

// GetScore returns the current score of a peer
func (s *Scorer) GetScore(peerID peer.ID) float64 {
	info := s.manager.GetPeer(peerID)
	if info == nil {
		return 0
	}
	return info.Score
}

// GetScoreHistory returns the score history for a peer
func (s *Scorer) GetScoreHistory(peerID peer.ID) []ScoreChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.history[peerID]
	if !exists {
		return nil
	}

	result := make([]ScoreChange, len(history))
	copy(result, history)
	return result
}

// SetOnScoreChange sets the callback for score changes
func (s *Scorer) SetOnScoreChange(callback func(ScoreChange)) {
	s.onScoreChange = callback
}

// SetOnBan sets the callback for peer bans
func (s *Scorer) SetOnBan(callback func(peer.ID, ScoreReason)) {
	s.onBan = callback
}

// GetTopPeers returns the top N peers by score
func (s *Scorer) GetTopPeers(n int) []*PeerInfo {
	peers := s.manager.GetPeers()

	for i := 0; i < len(peers)-1; i++ {
		for j := i + 1; j < len(peers); j++ {
			if peers[j].Score > peers[i].Score {
				peers[i], peers[j] = peers[j], peers[i]
			}
		}
	}

	if n > len(peers) {
		n = len(peers)
	}

	return peers[:n]
}

// GetPeersAboveScore returns peers with score at or above the threshold
func (s *Scorer) GetPeersAboveScore(threshold float64) []*PeerInfo {
	peers := s.manager.GetPeers()
	result := make([]*PeerInfo, 0)

	for _, p := range peers {
		if p.Score >= threshold {
			result = append(result, p)
		}
	}

	return result
}
