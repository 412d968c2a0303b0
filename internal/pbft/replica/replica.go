// Package replica implements the PBFT replica state machine: validation of
// incoming protocol events, quorum predicates, and gap-closing ordered
// execution of client requests.
package replica

import (
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cerera/internal/cerera/logger"
	"github.com/cerera/internal/icenet/metrics"
	"github.com/cerera/internal/pbft/message"
	"github.com/cerera/internal/pbft/perrors"
	"github.com/cerera/internal/pbft/replicalog"
)

func replicaLoggerSafe() *zap.SugaredLogger {
	return logger.Named("replica")
}

// Authenticator validates that a message purporting to come from a replica
// actually did. It stands in for real message signing (out of scope for
// this core) — a production deployment plugs in
// a libp2p peer-identity/signature checker here.
type Authenticator interface {
	Verify(replica peer.ID, payload []byte, proof []byte) bool
}

// AllowAll is an Authenticator that accepts every message. It exists so the
// replica can run (and be tested) without wiring a real signing scheme.
type AllowAll struct{}

// Verify always returns true.
func (AllowAll) Verify(peer.ID, []byte, []byte) bool { return true }

// Executor applies a committed operation and returns the result string
// reported back to the client. The core treats operations as opaque.
type Executor interface {
	Execute(op string) string
}

// EchoExecutor is the default Executor: it acknowledges every operation
// with "OK", matching the wire-level contract described for clients.
type EchoExecutor struct{}

// Execute always returns "OK".
func (EchoExecutor) Execute(string) string { return "OK" }

// SlotState is a log slot's position in its lifecycle. Transitions are
// monotonic; a slot never regresses.
type SlotState int

const (
	StateEmpty SlotState = iota
	StatePrePrepared
	StatePrepared
	StateCommitted
	StateExecuted
)

// Replica is the event-driven PBFT state machine for one node. Every
// exported method takes the internal mutex, so the On* handlers run one at
// a time even when called from different goroutines, and the read-only
// status accessors (GetView, IsPrimary, F, LastExecuted) are safe to call
// from anywhere.
type Replica struct {
	mu sync.Mutex

	self      peer.ID
	isPrimary bool
	view      int64
	n         int // replica set size including self
	f         int

	log   *replicalog.Log
	seq   *replicalog.SequenceAllocator
	auth  Authenticator
	exec  Executor

	slotState map[replicalog.Key]SlotState
	lastExecuted int64

	lastReplyTimestamp map[peer.ID]int64

	broadcast func(message.Kind, interface{}) error
	sendTo    func(peer.ID, message.Kind, interface{}) error
	relay     func(*message.ClientRequest) error
}

// Config supplies everything needed to construct a Replica.
type Config struct {
	Self          peer.ID
	IsPrimary     bool
	N             int
	WatermarkLow  int64
	WatermarkHigh int64
	Auth          Authenticator
	Exec          Executor

	// Broadcast sends a message to every other replica. SendTo sends a
	// message to a single destination; the replica uses it only for
	// client replies, addressed to the requesting client. Relay fans a client request a backup
	// cannot itself order out over the GossipSub relay topic rather than
	// the per-peer stream fanout Broadcast uses.
	Broadcast func(message.Kind, interface{}) error
	SendTo    func(peer.ID, message.Kind, interface{}) error
	Relay     func(*message.ClientRequest) error
}

// New constructs a Replica for n total replicas, computing f = (n-1)/3.
func New(cfg Config) *Replica {
	auth := cfg.Auth
	if auth == nil {
		auth = AllowAll{}
	}
	exec := cfg.Exec
	if exec == nil {
		exec = EchoExecutor{}
	}
	return &Replica{
		self:                cfg.Self,
		isPrimary:           cfg.IsPrimary,
		n:                   cfg.N,
		f:                   (cfg.N - 1) / 3,
		log:                 replicalog.New(),
		seq:                 replicalog.NewSequenceAllocator(cfg.WatermarkLow, cfg.WatermarkHigh),
		auth:                auth,
		exec:                exec,
		slotState:           make(map[replicalog.Key]SlotState),
		lastReplyTimestamp:  make(map[peer.ID]int64),
		broadcast:           cfg.Broadcast,
		sendTo:              cfg.SendTo,
		relay:               cfg.Relay,
	}
}

// F returns the tolerated number of Byzantine replicas for this replica's
// current membership size.
func (r *Replica) F() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f
}

// GetView returns the replica's current view.
func (r *Replica) GetView() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// IsPrimary reports whether this replica believes it is the primary for
// its current view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrimary
}

func (r *Replica) stateOf(key replicalog.Key) SlotState {
	return r.slotState[key]
}

func (r *Replica) setState(key replicalog.Key, s SlotState) {
	if cur := r.slotState[key]; s > cur {
		r.slotState[key] = s
	}
}

// OnClientRequest handles a client request received directly (W1-W2). A
// backup does not mint a PrePrepare for it; it hands the request to the
// Relay hook (transport's relay topic) so the primary can pick it up and
// returns the hook's result. A backup with no Relay hook returns
// ErrNotPrimary.
func (r *Replica) OnClientRequest(req *message.ClientRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Duplicates are not caught here: a resubmitted request still takes a
	// full PrePrepare/Prepare/Commit round. Suppression happens at
	// execute(), which skips the reply and timestamp update but still
	// advances the log, so ordering is unaffected by a client retry.

	if !r.isPrimary {
		if r.relay != nil {
			return r.relay(req)
		}
		return perrors.ErrNotPrimary
	}

	digest, err := message.BoundDigest(req)
	if err != nil {
		return fmt.Errorf("bind digest: %w", err)
	}

	seq, err := r.seq.Next()
	if err != nil {
		replicaLoggerSafe().Warnw("sequence watermark exceeded", "error", err)
		return err
	}

	pp := &message.PrePrepare{View: r.view, Sequence: seq, Digest: digest, Request: req}
	if err := r.log.InsertPrePrepare(pp); err != nil {
		return err
	}
	key := replicalog.Key{View: r.view, Sequence: seq}
	r.setState(key, StatePrePrepared)

	// Primary emits its own Prepare implicitly: it is logged locally but
	// never sent over the wire, since the PrePrepare itself already
	// carries the same digest to every backup.
	r.log.InsertPrepare(message.Prepare{View: r.view, Sequence: seq, Digest: digest, Replica: r.self})

	metrics.RecordRoundStarted()
	replicaLoggerSafe().Infow("minted pre-prepare", "view", r.view, "sequence", seq)

	if r.broadcast != nil {
		if err := r.broadcast(message.KindPrePrepare, pp); err != nil {
			return fmt.Errorf("%w: broadcast pre-prepare", err)
		}
	}

	r.evaluatePrepared(key)
	r.tryAdvance(key)
	return nil
}

// OnPrePrepare handles an inbound PrePrepare (V1-V5). On success it logs
// the PrePrepare, logs the receiving replica's own Prepare, and broadcasts
// that Prepare to the rest of the set.
func (r *Replica) OnPrePrepare(pp *message.PrePrepare, from peer.ID, proof []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.auth.Verify(from, ppSignBytes(pp), proof) { // V1
		return perrors.ErrUnauthenticated
	}
	if pp.View != r.view { // V2
		return perrors.ErrViewMismatch
	}
	if !r.seq.InWindow(pp.Sequence) { // V3
		return perrors.ErrOutOfWatermark
	}
	if pp.Request == nil {
		return perrors.ErrInvalidMessage
	}
	want, err := message.BoundDigest(pp.Request)
	if err != nil {
		return fmt.Errorf("bind digest: %w", err)
	}
	if want != pp.Digest { // V4
		return perrors.ErrInvalidMessage
	}

	if err := r.log.InsertPrePrepare(pp); err != nil { // V5
		replicaLoggerSafe().Warnw("conflicting pre-prepare rejected", "view", pp.View, "sequence", pp.Sequence)
		return err
	}

	key := replicalog.Key{View: pp.View, Sequence: pp.Sequence}
	r.setState(key, StatePrePrepared)

	prepare := message.Prepare{View: pp.View, Sequence: pp.Sequence, Digest: pp.Digest, Replica: r.self}
	r.log.InsertPrepare(prepare)

	metrics.RecordRoundStarted()
	replicaLoggerSafe().Infow("accepted pre-prepare", "view", pp.View, "sequence", pp.Sequence, "from", from)

	if r.broadcast != nil {
		if err := r.broadcast(message.KindPrepare, prepare); err != nil {
			return fmt.Errorf("%w: broadcast prepare", err)
		}
	}

	r.evaluatePrepared(key)
	r.tryAdvance(key)
	return nil
}

// OnPrepare handles an inbound Prepare (X1-X3). A Prepare for a
// (view, sequence) with no PrePrepare logged yet is reported with
// ErrNoMatchingPrePrepare but still buffered by virtue of
// replicalog.Log.InsertPrepare creating an empty slot — it is not
// discarded, tolerating out-of-order arrival.
func (r *Replica) OnPrepare(p message.Prepare, from peer.ID, proof []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.auth.Verify(from, prepareSignBytes(p), proof) { // X1
		return perrors.ErrUnauthenticated
	}
	if p.View != r.view { // X3
		return perrors.ErrViewMismatch
	}

	r.log.InsertPrepare(p)
	key := replicalog.Key{View: p.View, Sequence: p.Sequence}

	if !r.log.HasPrePrepare(p.View, p.Sequence) { // X2: buffered, not yet actionable
		return perrors.ErrNoMatchingPrePrepare
	}

	r.evaluatePrepared(key)
	r.tryAdvance(key)
	return nil
}

// OnCommit handles an inbound Commit (X1-X3), mirroring OnPrepare.
func (r *Replica) OnCommit(c message.Commit, from peer.ID, proof []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.auth.Verify(from, commitSignBytes(c), proof) {
		return perrors.ErrUnauthenticated
	}
	if c.View != r.view {
		return perrors.ErrViewMismatch
	}

	r.log.InsertCommit(c)
	key := replicalog.Key{View: c.View, Sequence: c.Sequence}

	if !r.log.HasPrePrepare(c.View, c.Sequence) {
		return perrors.ErrNoMatchingPrePrepare
	}

	r.tryAdvance(key)
	return nil
}

// evaluatePrepared checks the prepared predicate for key and, once it
// holds, broadcasts this replica's own Commit (once).
func (r *Replica) evaluatePrepared(key replicalog.Key) {
	if r.stateOf(key) >= StatePrepared {
		return
	}
	pp, ok := r.log.GetPrePrepare(key.View, key.Sequence)
	if !ok {
		return
	}
	if !r.prepared(key, pp.Digest) {
		return
	}
	r.setState(key, StatePrepared)

	commit := message.Commit{View: key.View, Sequence: key.Sequence, Digest: pp.Digest, Replica: r.self}
	r.log.InsertCommit(commit)

	metrics.SetPrepareVotes(r.log.CountPrepares(key.View, key.Sequence, pp.Digest))
	replicaLoggerSafe().Infow("prepared", "view", key.View, "sequence", key.Sequence)

	if r.broadcast != nil {
		_ = r.broadcast(message.KindCommit, commit)
	}
}

// prepared is the prepared predicate: a logged PrePrepare plus at least 2f
// matching Prepares from distinct replicas. The count includes this
// replica's own logged Prepare (for the primary, the one it logs when
// minting the PrePrepare), so with n=4 the primary is prepared once one
// backup's matching Prepare arrives.
func (r *Replica) prepared(key replicalog.Key, digest message.Digest) bool {
	count := r.log.CountPrepares(key.View, key.Sequence, digest)
	return count >= 2*r.f
}

// committedLocal is the committed-local predicate: prepared, plus at least
// 2f+1 matching Commits.
func (r *Replica) committedLocal(key replicalog.Key, digest message.Digest) bool {
	if !r.prepared(key, digest) {
		return false
	}
	count := r.log.CountCommits(key.View, key.Sequence, digest)
	return count >= 2*r.f+1
}

// tryAdvance marks key committed if committedLocal now holds, then walks
// the contiguous run of committed slots starting at lastExecuted+1,
// executing each in order and stopping at the first gap (the gap-closing
// execution rule: a later commit that closes a gap executes everything
// newly contiguous, not just itself).
func (r *Replica) tryAdvance(key replicalog.Key) {
	pp, ok := r.log.GetPrePrepare(key.View, key.Sequence)
	if ok && r.stateOf(key) < StateCommitted && r.committedLocal(key, pp.Digest) {
		r.setState(key, StateCommitted)
		metrics.SetCommitVotes(r.log.CountCommits(key.View, key.Sequence, pp.Digest))
		replicaLoggerSafe().Infow("committed-local", "view", key.View, "sequence", key.Sequence)
	}

	for {
		nextSeq := r.lastExecuted + 1
		nextKey := replicalog.Key{View: r.view, Sequence: nextSeq}
		if r.stateOf(nextKey) != StateCommitted {
			return
		}
		r.execute(nextKey)
	}
}

func (r *Replica) execute(key replicalog.Key) {
	pp, ok := r.log.GetPrePrepare(key.View, key.Sequence)
	if !ok || pp.Request == nil {
		return
	}

	r.lastExecuted = key.Sequence
	r.setState(key, StateExecuted)

	if last, seen := r.lastReplyTimestamp[pp.Request.Client]; seen && pp.Request.Timestamp <= last {
		// Already answered this client at or past this timestamp: the log
		// still advances (ordering can't skip a slot) but the duplicate
		// request is not re-executed and no reply goes out.
		metrics.RecordRoundExecuted(key.Sequence)
		replicaLoggerSafe().Infow("suppressed duplicate execution", "view", key.View, "sequence", key.Sequence, "client", pp.Request.Client)
		return
	}

	result := r.exec.Execute(pp.Request.Operation)
	reply := message.ClientReply{
		View:      key.View,
		Timestamp: pp.Request.Timestamp,
		Client:    pp.Request.Client,
		Replica:   r.self,
		Result:    result,
	}

	r.lastReplyTimestamp[pp.Request.Client] = pp.Request.Timestamp

	metrics.RecordRoundExecuted(key.Sequence)
	replicaLoggerSafe().Infow("executed", "view", key.View, "sequence", key.Sequence, "client", pp.Request.Client)

	if r.sendTo != nil {
		_ = r.sendTo(pp.Request.Client, message.KindClientReply, reply)
	}
}

// RequestViewChange records a proposed new view. Full view-change state
// transfer is not implemented — this only advances the local view marker,
// the reserved hook a future checkpoint/view-change subsystem would build
// on.
func (r *Replica) RequestViewChange(newView int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newView <= r.view {
		return fmt.Errorf("new view must be greater than current view %d", r.view)
	}
	r.view = newView
	metrics.RecordViewChange()
	if r.broadcast != nil {
		_ = r.broadcast(message.KindViewChange, message.ViewChange{NewView: newView, Replica: r.self})
	}
	return nil
}

// LastExecuted returns the highest contiguously executed sequence number.
func (r *Replica) LastExecuted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastExecuted
}

func ppSignBytes(pp *message.PrePrepare) []byte {
	return []byte(fmt.Sprintf("pp|%d|%d|%x", pp.View, pp.Sequence, pp.Digest))
}

func prepareSignBytes(p message.Prepare) []byte {
	return []byte(fmt.Sprintf("p|%d|%d|%x", p.View, p.Sequence, p.Digest))
}

func commitSignBytes(c message.Commit) []byte {
	return []byte(fmt.Sprintf("c|%d|%d|%x", c.View, c.Sequence, c.Digest))
}
