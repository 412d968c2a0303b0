package transport

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/cerera/internal/icenet/peers"
	"github.com/cerera/internal/pbft/message"
)

type recordingDispatcher struct {
	prePrepares chan *message.PrePrepare
}

func (d *recordingDispatcher) OnClientRequest(*message.ClientRequest) error { return nil }
func (d *recordingDispatcher) OnPrePrepare(pp *message.PrePrepare, _ peer.ID, _ []byte) error {
	d.prePrepares <- pp
	return nil
}
func (d *recordingDispatcher) OnPrepare(message.Prepare, peer.ID, []byte) error { return nil }
func (d *recordingDispatcher) OnCommit(message.Commit, peer.ID, []byte) error   { return nil }

func TestTransport_SendDeliversEnvelope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostA, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostA.Close()
	hostB, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer hostB.Close()

	hostA.Peerstore().AddAddrs(hostB.ID(), hostB.Addrs(), time.Hour)

	disp := &recordingDispatcher{prePrepares: make(chan *message.PrePrepare, 1)}
	pm := peers.NewManager(ctx, hostB, 10)
	trB := New(ctx, hostB, pm, disp)
	defer trB.Stop()

	pmA := peers.NewManager(ctx, hostA, 10)
	trA := New(ctx, hostA, pmA, &recordingDispatcher{prePrepares: make(chan *message.PrePrepare, 1)})
	defer trA.Stop()

	pp := &message.PrePrepare{View: 0, Sequence: 1, Digest: message.Digest{7}}
	err = trA.Send(hostB.ID(), message.KindPrePrepare, pp)
	require.NoError(t, err)

	select {
	case got := <-disp.prePrepares:
		require.Equal(t, int64(1), got.Sequence)
	case <-time.After(3 * time.Second):
		t.Fatal("expected pre-prepare to be dispatched")
	}
}
