// Package nat assembles the libp2p host options that handle NAT traversal:
// port mapping, autonat, hole punching and circuit relay.
package nat

import (
	"github.com/cerera/internal/cerera/config"
	"github.com/libp2p/go-libp2p"
)

// GetNATOptions returns the libp2p host options needed for a replica behind
// NAT to stay reachable by the rest of the set.
func GetNATOptions(cfg *config.Config) []libp2p.Option {
	opts := []libp2p.Option{
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
		libp2p.EnableRelayService(),
		libp2p.EnableRelay(),
	}
	return opts
}
