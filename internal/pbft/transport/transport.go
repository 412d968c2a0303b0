// Package transport adapts the replica state machine's Broadcast/SendTo
// hooks onto a libp2p host: one outbound FIFO per peer, drained by a
// per-peer goroutine, writing framed envelopes over the
// "/ackintosh/pbft/1.0.0" stream protocol.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-varint"

	"github.com/cerera/internal/cerera/logger"
	"github.com/cerera/internal/icenet/metrics"
	"github.com/cerera/internal/icenet/peers"
	"github.com/cerera/internal/pbft/message"
	"github.com/cerera/internal/pbft/perrors"
)

// ProtocolID is the libp2p stream protocol this adapter speaks.
const ProtocolID = "/ackintosh/pbft/1.0.0"

const (
	defaultQueueSize  = 256
	prePrepareRetries = 5
	prePrepareBackoff = 50 * time.Millisecond
)

func transportLogger() logger2 { return logger.Named("transport") }

type logger2 = interface {
	Infow(string, ...interface{})
	Warnw(string, ...interface{})
	Errorw(string, ...interface{})
	Debugw(string, ...interface{})
}

// Dispatcher is the set of replica entry points the Transport routes
// inbound envelopes to.
type Dispatcher interface {
	OnClientRequest(req *message.ClientRequest) error
	OnPrePrepare(pp *message.PrePrepare, from peer.ID, proof []byte) error
	OnPrepare(p message.Prepare, from peer.ID, proof []byte) error
	OnCommit(c message.Commit, from peer.ID, proof []byte) error
}

type outboundPeer struct {
	id    peer.ID
	queue chan message.Envelope
	done  chan struct{}
}

// Transport is the Transport Adapter: PeerSet plus per-peer outbound FIFOs
// and inbound stream dispatch.
type Transport struct {
	host       host.Host
	peerSet    *peers.Manager
	dispatcher Dispatcher
	scorer     *peers.Scorer

	mu        sync.RWMutex
	outbound  map[peer.ID]*outboundPeer
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Transport bound to h, using peerSet as the replica set's
// address book and dispatching inbound messages to d.
func New(ctx context.Context, h host.Host, peerSet *peers.Manager, d Dispatcher) *Transport {
	ctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		host:       h,
		peerSet:    peerSet,
		dispatcher: d,
		scorer:     peers.NewScorer(peerSet),
		outbound:   make(map[peer.ID]*outboundPeer),
		queueSize:  defaultQueueSize,
		ctx:        ctx,
		cancel:     cancel,
	}
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t
}

// Scorer returns the peer scorer this transport feeds from validation
// outcomes, so the rest of the node (e.g. the peer manager's disconnect
// handler) can share it rather than keeping a second one.
func (t *Transport) Scorer() *peers.Scorer {
	return t.scorer
}

// Stop tears down every outbound worker goroutine.
func (t *Transport) Stop() {
	t.cancel()
}

// handleStream reads a continuous sequence of varint-length-prefixed
// Envelopes from an inbound stream and dispatches each to the replica.
func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	r := bufio.NewReader(s)

	for {
		frameLen, err := varint.ReadUvarint(r)
		if err != nil {
			return
		}
		buf := make([]byte, frameLen)
		if _, err := fullRead(r, buf); err != nil {
			transportLogger().Warnw("read frame", "peer", remote, "error", err)
			return
		}

		var env message.Envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			transportLogger().Warnw("decode envelope", "peer", remote, "error", err)
			continue
		}
		metrics.RecordMessageReceived(string(env.Kind))
		if err := t.dispatch(env, remote); err != nil {
			transportLogger().Warnw("dispatch envelope", "peer", remote, "kind", env.Kind, "error", err)
		}
	}
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *Transport) dispatch(env message.Envelope, from peer.ID) error {
	switch env.Kind {
	case message.KindClientRequest:
		var req message.ClientRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return t.dispatcher.OnClientRequest(&req)
	case message.KindPrePrepare:
		var pp message.PrePrepare
		if err := json.Unmarshal(env.Payload, &pp); err != nil {
			return err
		}
		err := t.dispatcher.OnPrePrepare(&pp, from, nil)
		t.scorePrePrepare(from, err)
		return err
	case message.KindPrepare:
		var p message.Prepare
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		err := t.dispatcher.OnPrepare(p, from, nil)
		t.scoreVote(from, err)
		return err
	case message.KindCommit:
		var c message.Commit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return err
		}
		err := t.dispatcher.OnCommit(c, from, nil)
		t.scoreVote(from, err)
		return err
	default:
		return fmt.Errorf("%w: unhandled kind %s", perrors.ErrInvalidMessage, env.Kind)
	}
}

// scorePrePrepare adjusts from's peer score based on whether its
// PrePrepare was accepted or rejected (any V1-V5 validation failure in the
// replica's OnPrePrepare counts as a rejection).
func (t *Transport) scorePrePrepare(from peer.ID, err error) {
	if t.scorer == nil {
		return
	}
	if err != nil {
		t.scorer.RecordInvalidPrePrepare(from)
		return
	}
	t.scorer.RecordValidPrePrepare(from)
}

// scoreVote adjusts from's peer score based on whether its Prepare/Commit
// vote was accepted or rejected (unauthenticated signer, view mismatch,
// or no matching pre-prepare logged yet).
func (t *Transport) scoreVote(from peer.ID, err error) {
	if t.scorer == nil {
		return
	}
	if err != nil {
		t.scorer.RecordInvalidVote(from)
		return
	}
	t.scorer.RecordValidVote(from)
}

func (t *Transport) peerWorker(op *outboundPeer) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-op.done:
			return
		case env := <-op.queue:
			if err := t.writeEnvelope(op.id, env); err != nil {
				transportLogger().Warnw("write envelope", "peer", op.id, "kind", env.Kind, "error", err)
			}
		}
	}
}

func (t *Transport) writeEnvelope(id peer.ID, env message.Envelope) error {
	s, err := t.host.NewStream(t.ctx, id, ProtocolID)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", perrors.ErrTransport, err)
	}
	defer s.Close()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	lenBuf := varint.ToUvarint(uint64(len(raw)))
	if _, err := s.Write(lenBuf); err != nil {
		return fmt.Errorf("%w: write frame length: %v", perrors.ErrTransport, err)
	}
	if _, err := s.Write(raw); err != nil {
		return fmt.Errorf("%w: write frame body: %v", perrors.ErrTransport, err)
	}
	return nil
}

func (t *Transport) peerOutbound(id peer.ID) *outboundPeer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if op, ok := t.outbound[id]; ok {
		return op
	}
	op := &outboundPeer{id: id, queue: make(chan message.Envelope, t.queueSize), done: make(chan struct{})}
	t.outbound[id] = op
	go t.peerWorker(op)
	return op
}

// Send enqueues env for delivery to a single peer. Ordinary (Prepare,
// Commit, ClientReply) traffic uses the bounded, drop-on-overflow path: a
// full queue returns ErrTransport rather than blocking the caller.
func (t *Transport) Send(id peer.ID, kind message.Kind, payload interface{}) error {
	env, err := message.Encode(kind, payload)
	if err != nil {
		return err
	}
	op := t.peerOutbound(id)

	select {
	case op.queue <- env:
		metrics.RecordMessageSent(string(kind))
		return nil
	default:
		metrics.RecordMessageDropped(string(kind))
		transportLogger().Warnw("outbound queue full, dropping", "peer", id, "kind", kind)
		return fmt.Errorf("%w: outbound queue full for peer %s", perrors.ErrTransport, id)
	}
}

// Broadcast fans out env to every known peer except self. PrePrepare
// messages MUST NOT be dropped — losing one stalls an entire sequence slot
// for every replica — so they use sendMustDeliver's bounded retry instead
// of the drop-on-overflow path every other kind uses.
func (t *Transport) Broadcast(kind message.Kind, payload interface{}) error {
	env, err := message.Encode(kind, payload)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range t.peerSet.GetPeerIDs() {
		op := t.peerOutbound(id)
		if kind == message.KindPrePrepare {
			if err := t.sendMustDeliver(op, env); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		select {
		case op.queue <- env:
			metrics.RecordMessageSent(string(kind))
		default:
			metrics.RecordMessageDropped(string(kind))
			transportLogger().Warnw("outbound queue full, dropping broadcast", "peer", id, "kind", kind)
		}
	}
	return firstErr
}

// sendMustDeliver retries enqueueing onto a peer's outbound queue with a
// short backoff rather than dropping, per the PrePrepare no-drop rule.
func (t *Transport) sendMustDeliver(op *outboundPeer, env message.Envelope) error {
	for attempt := 0; attempt < prePrepareRetries; attempt++ {
		select {
		case op.queue <- env:
			metrics.RecordMessageSent(string(message.KindPrePrepare))
			return nil
		default:
			transportLogger().Warnw("pre-prepare queue full, retrying", "peer", op.id, "attempt", attempt)
			time.Sleep(prePrepareBackoff)
		}
	}
	return fmt.Errorf("%w: could not deliver pre-prepare to peer %s after retries", perrors.ErrTransport, op.id)
}
