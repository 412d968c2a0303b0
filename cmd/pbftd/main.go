package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cerera/internal/cerera/config"
	"github.com/cerera/internal/cerera/logger"
	"github.com/cerera/internal/icenet"
	"github.com/cerera/internal/icenet/peers"
	"github.com/cerera/internal/pbft/clientio"
	"github.com/cerera/internal/pbft/message"
	"github.com/cerera/internal/pbft/replica"
	"github.com/cerera/internal/pbft/transport"
)

// determineIsPrimary mirrors the reference node's single positional
// argument: no argument means backup, "primary" means primary, anything
// else is a usage error.
func determineIsPrimary(args []string) (bool, error) {
	switch len(args) {
	case 0:
		return false, nil
	case 1:
		if args[0] == "primary" {
			return true, nil
		}
		return false, fmt.Errorf("invalid node type %q, expected \"primary\" or no argument", args[0])
	default:
		return false, fmt.Errorf("usage: pbftd [primary]")
	}
}

func main() {
	flag.Parse()

	isPrimary, err := determineIsPrimary(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := config.GenerageConfig()

	if _, err := logger.Init(logger.Config{
		Path:    cfg.Log.Path,
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Named("pbftd")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := icenet.NewHost(ctx, cfg, fmt.Sprintf("%d", cfg.NetCfg.P2P))
	if err != nil {
		log.Fatalw("create host", "error", err)
	}
	defer icenet.CloseHost(h)

	pm := peers.NewManager(ctx, h, peers.DefaultMaxPeers)
	pm.Start()
	defer pm.Stop()

	disc, err := icenet.NewDiscovery(ctx, h, cfg)
	if err != nil {
		log.Fatalw("create discovery", "error", err)
	}
	if err := disc.Start(); err != nil {
		log.Warnw("start discovery", "error", err)
	}
	defer disc.Stop()

	relay, err := transport.NewRelay(ctx, h)
	if err != nil {
		log.Fatalw("create relay", "error", err)
	}
	defer relay.Close()

	// ClientReply never travels over the libp2p stream transport: the
	// client that submitted it is a plain TCP connection, not necessarily
	// a dialable peer at all. It goes onto replyQueue instead, where the
	// Responder drains it back to whichever connection is still waiting.
	replyQueue := clientio.NewReplyQueue(256)
	responder := clientio.NewResponder(replyQueue)
	go responder.Serve(ctx)

	var tr *transport.Transport
	rep := replica.New(replica.Config{
		Self:          h.ID(),
		IsPrimary:     isPrimary,
		N:             cfg.Replica.N,
		WatermarkLow:  cfg.Replica.WatermarkLow,
		WatermarkHigh: cfg.Replica.WatermarkHigh,
		Broadcast: func(kind message.Kind, payload interface{}) error {
			return tr.Broadcast(kind, payload)
		},
		SendTo: func(id peer.ID, kind message.Kind, payload interface{}) error {
			if kind != message.KindClientReply {
				return tr.Send(id, kind, payload)
			}
			return replyQueue.Enqueue(ctx, payload.(message.ClientReply))
		},
		Relay: func(req *message.ClientRequest) error {
			return relay.Publish(ctx, req)
		},
	})
	tr = transport.New(ctx, h, pm, rep)
	defer tr.Stop()
	pm.SetScorer(tr.Scorer())

	// Every replica relays, in case a client connects to a backup; only
	// the primary actually acts on what arrives over the relay topic.
	go relay.Serve(ctx, func(req *message.ClientRequest) {
		if !rep.IsPrimary() {
			return
		}
		if err := rep.OnClientRequest(req); err != nil {
			log.Warnw("handle relayed client request", "error", err)
		}
	})

	requestQueue := clientio.NewRequestQueue(256)
	listener := clientio.NewListener(fmt.Sprintf("127.0.0.1:%d", cfg.NetCfg.ClientPort), requestQueue, responder)
	go func() {
		if err := listener.Serve(); err != nil {
			log.Warnw("client listener stopped", "error", err)
		}
	}()

	go func() {
		for {
			req, err := requestQueue.Dequeue(ctx)
			if err != nil {
				return
			}
			if err := rep.OnClientRequest(req); err != nil {
				log.Warnw("handle client request", "error", err)
			}
		}
	}()

	log.Infow("pbftd started",
		"peerID", h.ID().String(),
		"primary", isPrimary,
		"n", cfg.Replica.N,
		"f", rep.F(),
	)

	<-ctx.Done()
	log.Infow("shutting down")
}
