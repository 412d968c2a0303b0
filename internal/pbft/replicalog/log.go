// Package replicalog stores the PrePrepare/Prepare/Commit records a
// replica has accepted, indexed by (view, sequence), and issues the
// sequence numbers a primary binds to new requests.
package replicalog

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cerera/internal/pbft/message"
	"github.com/cerera/internal/pbft/perrors"
)

// Key identifies one log slot.
type Key struct {
	View     int64
	Sequence int64
}

// Slot holds everything logged for a single (view, sequence) pair. Votes
// are keyed by replica so a retransmitted Prepare or Commit from the same
// replica is counted once (P2).
type Slot struct {
	PrePrepare *message.PrePrepare
	Prepares   map[peer.ID]message.Prepare
	Commits    map[peer.ID]message.Commit
}

func newSlot() *Slot {
	return &Slot{
		Prepares: make(map[peer.ID]message.Prepare),
		Commits:  make(map[peer.ID]message.Commit),
	}
}

// Log is the replica's append-mostly record of protocol messages. It never
// removes entries (no compaction, P3) and is safe for concurrent use,
// though in this design only the replica event-loop goroutine ever calls
// its mutating methods.
type Log struct {
	mu    sync.RWMutex
	slots map[Key]*Slot
}

// New returns an empty Log.
func New() *Log {
	return &Log{slots: make(map[Key]*Slot)}
}

// InsertPrePrepare records pp at (view, sequence). A second PrePrepare at an
// already-occupied key with a different digest is rejected (P1, V5); the
// same digest arriving twice is accepted idempotently (a retransmission).
func (l *Log) InsertPrePrepare(pp *message.PrePrepare) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{View: pp.View, Sequence: pp.Sequence}
	slot, ok := l.slots[key]
	if !ok {
		slot = newSlot()
		l.slots[key] = slot
	}

	if slot.PrePrepare != nil && slot.PrePrepare.Digest != pp.Digest {
		return perrors.ErrConflictingDigest
	}
	slot.PrePrepare = pp
	return nil
}

// GetPrePrepare returns the PrePrepare logged at (view, sequence), if any.
func (l *Log) GetPrePrepare(view, sequence int64) (*message.PrePrepare, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	slot, ok := l.slots[Key{View: view, Sequence: sequence}]
	if !ok || slot.PrePrepare == nil {
		return nil, false
	}
	return slot.PrePrepare, true
}

// InsertPrepare records a Prepare vote from p.Replica, creating the slot if
// it doesn't exist yet (a Prepare MAY arrive before its PrePrepare).
func (l *Log) InsertPrepare(p message.Prepare) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{View: p.View, Sequence: p.Sequence}
	slot, ok := l.slots[key]
	if !ok {
		slot = newSlot()
		l.slots[key] = slot
	}
	slot.Prepares[p.Replica] = p
}

// InsertCommit records a Commit vote from c.Replica, creating the slot if
// it doesn't exist yet.
func (l *Log) InsertCommit(c message.Commit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{View: c.View, Sequence: c.Sequence}
	slot, ok := l.slots[key]
	if !ok {
		slot = newSlot()
		l.slots[key] = slot
	}
	slot.Commits[c.Replica] = c
}

// CountPrepares returns the number of distinct replicas whose logged
// Prepare at (view, sequence) matches digest.
func (l *Log) CountPrepares(view, sequence int64, digest message.Digest) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	slot, ok := l.slots[Key{View: view, Sequence: sequence}]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range slot.Prepares {
		if p.Digest == digest {
			n++
		}
	}
	return n
}

// CountCommits returns the number of distinct replicas whose logged Commit
// at (view, sequence) matches digest.
func (l *Log) CountCommits(view, sequence int64, digest message.Digest) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	slot, ok := l.slots[Key{View: view, Sequence: sequence}]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range slot.Commits {
		if c.Digest == digest {
			n++
		}
	}
	return n
}

// Prepares returns a copy of the Prepare votes logged at (view, sequence).
func (l *Log) Prepares(view, sequence int64) []message.Prepare {
	l.mu.RLock()
	defer l.mu.RUnlock()

	slot, ok := l.slots[Key{View: view, Sequence: sequence}]
	if !ok {
		return nil
	}
	out := make([]message.Prepare, 0, len(slot.Prepares))
	for _, p := range slot.Prepares {
		out = append(out, p)
	}
	return out
}

// Commits returns a copy of the Commit votes logged at (view, sequence).
func (l *Log) Commits(view, sequence int64) []message.Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	slot, ok := l.slots[Key{View: view, Sequence: sequence}]
	if !ok {
		return nil
	}
	out := make([]message.Commit, 0, len(slot.Commits))
	for _, c := range slot.Commits {
		out = append(out, c)
	}
	return out
}

// HasPrePrepare reports whether a PrePrepare is logged at (view, sequence).
func (l *Log) HasPrePrepare(view, sequence int64) bool {
	_, ok := l.GetPrePrepare(view, sequence)
	return ok
}
