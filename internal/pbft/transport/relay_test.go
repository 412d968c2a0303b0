package transport

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/stretchr/testify/require"

	"github.com/cerera/internal/pbft/message"
)

func TestRelay_PublishDeliversToOtherHost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostA, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostA.Close()
	hostB, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostB.Close()

	hostA.Peerstore().AddAddrs(hostB.ID(), hostB.Addrs(), time.Hour)
	require.NoError(t, hostA.Connect(ctx, hostA.Peerstore().PeerInfo(hostB.ID())))

	relayA, err := NewRelay(ctx, hostA)
	require.NoError(t, err)
	defer relayA.Close()
	relayB, err := NewRelay(ctx, hostB)
	require.NoError(t, err)
	defer relayB.Close()

	received := make(chan *message.ClientRequest, 1)
	go relayB.Serve(ctx, func(req *message.ClientRequest) {
		received <- req
	})

	req := &message.ClientRequest{Operation: "op", Timestamp: 1, Client: hostA.ID()}

	// GossipSub needs a moment to form the mesh between the two peers
	// before a publish is guaranteed to reach a subscriber; retry the
	// publish until it does or the test times out.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("expected relayed request to be delivered")
		default:
		}

		if err := relayA.Publish(ctx, req); err != nil {
			t.Fatalf("publish: %v", err)
		}

		select {
		case got := <-received:
			require.Equal(t, "op", got.Operation)
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func TestRelay_IgnoresOwnMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h.Close()

	relay, err := NewRelay(ctx, h)
	require.NoError(t, err)
	defer relay.Close()

	received := make(chan *message.ClientRequest, 1)
	go relay.Serve(ctx, func(req *message.ClientRequest) {
		received <- req
	})

	req := &message.ClientRequest{Operation: "self", Timestamp: 1, Client: h.ID()}
	require.NoError(t, relay.Publish(ctx, req))

	select {
	case <-received:
		t.Fatal("a host's own relayed message must not be delivered back to it")
	case <-time.After(500 * time.Millisecond):
	}
}
