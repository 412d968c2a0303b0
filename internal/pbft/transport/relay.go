package transport

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/cerera/internal/pbft/message"
)

// RelayTopic is the GossipSub topic a backup publishes a client request to
// when it cannot mint a pre-prepare itself. Every replica subscribes, so
// the primary (and any other backup still holding a stale view of who the
// primary is) receives it without the sender needing to address it by ID.
const RelayTopic = "pbft-client-requests"

func relayMsgID(m *pb.Message) string {
	h := sha256.Sum256(m.Data)
	return fmt.Sprintf("%x", h)
}

// Relay wraps a GossipSub topic carrying relayed client requests.
type Relay struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  host.Host
}

// NewRelay joins and subscribes to RelayTopic on h.
func NewRelay(ctx context.Context, h host.Host) (*Relay, error) {
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageIdFn(relayMsgID))
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(RelayTopic)
	if err != nil {
		return nil, fmt.Errorf("join relay topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe relay topic: %w", err)
	}
	return &Relay{topic: topic, sub: sub, self: h}, nil
}

// Publish relays req to the rest of the replica set over GossipSub.
func (r *Relay) Publish(ctx context.Context, req *message.ClientRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode relayed request: %w", err)
	}
	return r.topic.Publish(ctx, raw)
}

// Serve delivers every relayed client request not originated by this host
// to handle, until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context, handle func(*message.ClientRequest)) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == r.self.ID() {
			continue
		}
		var req message.ClientRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			transportLogger().Warnw("decode relayed request", "error", err)
			continue
		}
		handle(&req)
	}
}

// Close cancels the subscription and closes the topic.
func (r *Relay) Close() {
	r.sub.Cancel()
	r.topic.Close()
}
