package replicalog

import (
	"sync"

	"github.com/cerera/internal/pbft/perrors"
)

// SequenceAllocator hands out the monotonically increasing sequence
// numbers a primary binds new requests to, bounded by a low/high
// watermark window. Advance moves the window forward — the hook a future
// checkpoint subsystem would call; this core never calls it itself.
type SequenceAllocator struct {
	mu   sync.Mutex
	next int64
	low  int64
	high int64
}

// NewSequenceAllocator returns an allocator starting at sequence low+1 and
// issuing up to high, i.e. within the watermark window (low, high].
func NewSequenceAllocator(low, high int64) *SequenceAllocator {
	return &SequenceAllocator{next: low + 1, low: low, high: high}
}

// Next returns the next sequence number and advances the counter. It fails
// once the next value would exceed the high watermark (W1).
func (a *SequenceAllocator) Next() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next > a.high {
		return 0, perrors.ErrWatermarkExceeded
	}
	seq := a.next
	a.next++
	return seq, nil
}

// Advance moves the watermark window to [low, high]. Reserved for a future
// checkpoint subsystem.
func (a *SequenceAllocator) Advance(low, high int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.low = low
	a.high = high
	if a.next <= low {
		a.next = low + 1
	}
}

// Window returns the current [low, high] watermark.
func (a *SequenceAllocator) Window() (low, high int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.low, a.high
}

// InWindow reports whether seq falls within the open-low/closed-high
// watermark range required of an incoming PrePrepare (V3): low < seq <= high.
func (a *SequenceAllocator) InWindow(seq int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return seq > a.low && seq <= a.high
}
