package icenet

import (
	"context"
	"fmt"

	"github.com/cerera/internal/cerera/config"
	"github.com/cerera/internal/icenet/nat"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

// HostConfig contains configuration for creating a libp2p host
type HostConfig struct {
	Port           string
	BootstrapNodes []string
	RelayNodes     []string
	EnableRelay    bool
	EnableNAT      bool
	MaxPeers       int
}

type CereraHost interface {
	host.Host
}

// NewHost creates and configures a new libp2p host identified by the
// node's configured key. It returns an error if the config carries no
// decodable key; it does not generate one.
func NewHost(ctx context.Context, cfg *config.Config, port string) (CereraHost, error) {
	iceLogger().Infow("Creating libp2p host", "port", port)

	privKey, err := cfg.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("load node identity: %w", err)
	}

	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%s", port),
		fmt.Sprintf("/ip6/::/tcp/%s", port),
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.Identity(privKey),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.DefaultMuxers,
		libp2p.DefaultPeerstore,
	}

	opts = append(opts, nat.GetNATOptions(cfg)...)

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	hostInfo := peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
	iceLogger().Infow("Host created successfully",
		"peerID", h.ID().String(),
		"addresses", hostInfo.Addrs,
	)

	return h, nil
}

// GetHostAddresses returns all multiaddresses for the host
func GetHostAddresses(h host.Host) []multiaddr.Multiaddr {
	return h.Addrs()
}

// GetHostPeerID returns the peer ID of the host
func GetHostPeerID(h host.Host) peer.ID {
	return h.ID()
}

// GetFullAddresses returns full multiaddresses including peer ID
func GetFullAddresses(h host.Host) []string {
	hostAddr, _ := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s", h.ID().String()))

	addrs := make([]string, 0, len(h.Addrs()))
	for _, addr := range h.Addrs() {
		fullAddr := addr.Encapsulate(hostAddr)
		addrs = append(addrs, fullAddr.String())
	}
	return addrs
}

// CloseHost gracefully closes the libp2p host
func CloseHost(h host.Host) error {
	if h == nil {
		return nil
	}
	return h.Close()
}
