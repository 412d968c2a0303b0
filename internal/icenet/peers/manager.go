package peers

import (
	"context"
	"sync"
	"time"

	"github.com/cerera/internal/cerera/logger"
	"github.com/cerera/internal/icenet/metrics"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

const (
	// DefaultMaxPeers is the default maximum number of replicas a node
	// tracks a connection for.
	DefaultMaxPeers = 50
	// DefaultMinPeers is the minimum replica set size a node tries to stay
	// connected to before it can safely participate in quorum voting.
	DefaultMinPeers = 3
	// PeerCleanupInterval is the interval for cleaning up inactive peers
	PeerCleanupInterval = 5 * time.Minute
	// PeerInactiveTimeout is the timeout for considering a peer inactive
	PeerInactiveTimeout = 10 * time.Minute
)

func peersLogger() *zap.SugaredLogger {
	return logger.Named("peers")
}

// PeerInfo contains what the transport adapter knows about one replica.
type PeerInfo struct {
	ID           peer.ID       `json:"id"`
	FirstSeen    time.Time     `json:"firstSeen"`
	LastSeen     time.Time     `json:"lastSeen"`
	LastPingTime time.Duration `json:"lastPingTime,omitempty"`
	Score        float64       `json:"score"`
	Direction    string        `json:"direction"` // "inbound" or "outbound"
}

// Manager tracks the replica set's peer connections: who's connected, who's
// banned, and notifies the consensus layer of connect/disconnect events.
type Manager struct {
	host     host.Host
	mu       sync.RWMutex
	peers    map[peer.ID]*PeerInfo
	banned   map[peer.ID]time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	maxPeers int
	minPeers int

	// Callbacks
	onPeerConnected    func(peer.ID)
	onPeerDisconnected func(peer.ID)

	scorer *Scorer
}

// SetScorer attaches the scorer used to penalize peers for disconnecting
// unexpectedly. The transport adapter owns score adjustments for
// validation outcomes (valid/invalid pre-prepares and votes); the
// disconnect penalty is the one score event the peer manager itself can
// observe, since it is the side that gets the libp2p connect/disconnect
// notifications.
func (m *Manager) SetScorer(s *Scorer) {
	m.scorer = s
}

// NewManager creates a new peer manager
func NewManager(ctx context.Context, h host.Host, maxPeers int) *Manager {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}

	ctx, cancel := context.WithCancel(ctx)

	m := &Manager{
		host:     h,
		peers:    make(map[peer.ID]*PeerInfo),
		banned:   make(map[peer.ID]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		maxPeers: maxPeers,
		minPeers: DefaultMinPeers,
	}

	// Setup connection notifier
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    m.handleConnect,
		DisconnectedF: m.handleDisconnect,
	})

	return m
}

// Start starts the peer manager
func (m *Manager) Start() {
	go m.cleanupLoop()
	peersLogger().Infow("Peer manager started", "maxPeers", m.maxPeers)
}

// Stop stops the peer manager
func (m *Manager) Stop() {
	m.cancel()
	peersLogger().Infow("Peer manager stopped")
}

// handleConnect handles new peer connections
func (m *Manager) handleConnect(n network.Network, conn network.Conn) {
	peerID := conn.RemotePeer()

	// Check if banned
	m.mu.RLock()
	banTime, isBanned := m.banned[peerID]
	m.mu.RUnlock()

	if isBanned && time.Now().Before(banTime) {
		peersLogger().Warnw("Banned peer tried to connect, disconnecting",
			"peer", peerID,
			"banExpires", banTime,
		)
		conn.Close()
		return
	}

	// Check peer limit
	m.mu.RLock()
	peerCount := len(m.peers)
	m.mu.RUnlock()

	if peerCount >= m.maxPeers {
		peersLogger().Warnw("Max peers reached, rejecting connection",
			"peer", peerID,
			"maxPeers", m.maxPeers,
		)
		conn.Close()
		return
	}

	// Determine direction
	direction := "inbound"
	if conn.Stat().Direction == network.DirOutbound {
		direction = "outbound"
	}

	// Add peer
	m.mu.Lock()
	if _, exists := m.peers[peerID]; !exists {
		m.peers[peerID] = &PeerInfo{
			ID:        peerID,
			FirstSeen: time.Now(),
			LastSeen:  time.Now(),
			Score:     InitialScore,
			Direction: direction,
		}
	}
	m.mu.Unlock()

	metrics.RecordPeerConnected()
	peersLogger().Infow("[PEERS MANAGER] Peer connected",
		"peer", peerID,
		"direction", direction,
		"totalPeers", m.GetPeerCount(),
	)

	// Call callback
	if m.onPeerConnected != nil {
		go m.onPeerConnected(peerID)
	}
}

// handleDisconnect handles peer disconnections
func (m *Manager) handleDisconnect(n network.Network, conn network.Conn) {
	peerID := conn.RemotePeer()

	if m.scorer != nil {
		// Must run before the peer entry is deleted below: AdjustScore
		// looks the peer up by ID and is a no-op once it's gone.
		m.scorer.RecordDisconnect(peerID)
	}

	m.mu.Lock()
	delete(m.peers, peerID)
	m.mu.Unlock()

	metrics.RecordPeerDisconnected()
	peersLogger().Infow("[PEERSMANAGER] Peer disconnected",
		"peer", peerID,
		"totalPeers", m.GetPeerCount(),
	)

	// Call callback
	if m.onPeerDisconnected != nil {
		go m.onPeerDisconnected(peerID)
	}
}

// cleanupLoop periodically cleans up inactive peers and expired bans
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(PeerCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup removes inactive peers and expired bans
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	// Clean up inactive peers
	for peerID, info := range m.peers {
		if now.Sub(info.LastSeen) > PeerInactiveTimeout {
			// Check if actually disconnected
			if m.host.Network().Connectedness(peerID) != network.Connected {
				delete(m.peers, peerID)
				peersLogger().Debugw("Removed inactive peer", "peer", peerID)
			}
		}
	}

	// Clean up expired bans
	for peerID, banTime := range m.banned {
		if now.After(banTime) {
			delete(m.banned, peerID)
			peersLogger().Debugw("Ban expired", "peer", peerID)
		}
	}
}

// UpdatePeerPing updates the last ping time for a peer
func (m *Manager) UpdatePeerPing(peerID peer.ID, pingTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, exists := m.peers[peerID]; exists {
		info.LastPingTime = pingTime
		info.LastSeen = time.Now()
	}
}

// GetPeer returns information about a peer
func (m *Manager) GetPeer(peerID peer.ID) *PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if info, exists := m.peers[peerID]; exists {
		// Return a copy
		copy := *info
		return &copy
	}
	return nil
}

// GetPeers returns all connected peers
func (m *Manager) GetPeers() []*PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*PeerInfo, 0, len(m.peers))
	for _, info := range m.peers {
		copy := *info
		peers = append(peers, &copy)
	}
	return peers
}

// GetPeerIDs returns all connected peer IDs
func (m *Manager) GetPeerIDs() []peer.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]peer.ID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// GetPeerCount returns the number of connected peers
func (m *Manager) GetPeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// BanPeer bans a peer for the specified duration
func (m *Manager) BanPeer(peerID peer.ID, duration time.Duration, reason string) {
	m.mu.Lock()
	m.banned[peerID] = time.Now().Add(duration)
	delete(m.peers, peerID)
	m.mu.Unlock()

	// Disconnect the peer
	if err := m.host.Network().ClosePeer(peerID); err != nil {
		peersLogger().Warnw("Failed to disconnect banned peer", "peer", peerID, "error", err)
	}

	metrics.RecordPeerBanned()
	peersLogger().Warnw("Peer banned",
		"peer", peerID,
		"duration", duration,
		"reason", reason,
	)
}

// UnbanPeer removes a ban from a peer
func (m *Manager) UnbanPeer(peerID peer.ID) {
	m.mu.Lock()
	delete(m.banned, peerID)
	m.mu.Unlock()

	peersLogger().Infow("Peer unbanned", "peer", peerID)
}

// IsBanned checks if a peer is banned
func (m *Manager) IsBanned(peerID peer.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	banTime, exists := m.banned[peerID]
	return exists && time.Now().Before(banTime)
}

// SetOnPeerConnected sets the callback for peer connections
func (m *Manager) SetOnPeerConnected(callback func(peer.ID)) {
	m.onPeerConnected = callback
}

// SetOnPeerDisconnected sets the callback for peer disconnections
func (m *Manager) SetOnPeerDisconnected(callback func(peer.ID)) {
	m.onPeerDisconnected = callback
}

// NeedMorePeers returns true if the peer count is below minimum
func (m *Manager) NeedMorePeers() bool {
	return m.GetPeerCount() < m.minPeers
}

// CanAcceptPeer returns true if we can accept more peers
func (m *Manager) CanAcceptPeer() bool {
	return m.GetPeerCount() < m.maxPeers
}
