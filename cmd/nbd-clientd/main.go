// Command nbd-clientd is the Client Engine process (spec.md §4.5): it
// loads its startup configuration and brings up the request-slot pool and
// TCP transport that every imported NDev rides on; sessions, device
// binds, and I/O are driven externally through the Engine API via the
// control plane, not by this process's own main loop.
//
// Grounded on the same daemon shape as cmd/nbd-serverd (construct, wire
// logging, run until signaled), adapted to the client role's lack of a
// listen address.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/exanodes/nbd/pkg/client"
	"github.com/exanodes/nbd/pkg/config"
	"github.com/exanodes/nbd/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the client startup configuration (ini)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger).WithField("component", "nbd-clientd")

	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	engine := client.New(client.Options{
		MaxRequests: cfg.MaxRequests,
		Logger:      log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	defer engine.Stop()

	log.WithField("node_id", cfg.NodeID).Info("client engine started")

	// Open a session to every statically-configured server (spec.md §6.4,
	// §11.3's fixed peer list). A peer that is not yet reachable only logs
	// a warning, since the control plane can retry OpenSession later for a
	// server that bootstraps after this client does.
	for _, peer := range cfg.Peers {
		id := transport.NodeID(peer.NodeID)
		if err := engine.OpenSession(ctx, id, peer.IP); err != nil {
			log.WithError(err).WithField("peer", id).Warn("failed to open session with configured peer")
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.WithField("signal", sig.String()).Info("shutting down")
}
