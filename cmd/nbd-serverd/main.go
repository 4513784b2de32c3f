// Command nbd-serverd is the Server Daemon process (spec.md §4.4): it
// loads its startup configuration, brings up the TCP transport and the
// exported-disk table, and serves until asked to stop.
//
// Grounded on the teacher's daemon shape (examples/master/main.go,
// examples/basic/main.go: construct, wire logging, run) generalized with
// graceful shutdown on SIGINT/SIGTERM and a Prometheus metrics endpoint,
// the way a long-lived server process in this corpus (NVIDIA/aistore)
// exposes client_golang counters.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/exanodes/nbd/pkg/config"
	"github.com/exanodes/nbd/pkg/server"
	"github.com/exanodes/nbd/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the server startup configuration (ini)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables it")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger).WithField("component", "nbd-serverd")

	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	registry := prometheus.NewRegistry()

	srv := server.New(server.Options{
		ListenAddr:        cfg.ListenAddr,
		NumReceiveHeaders: cfg.MaxRequests,
		BufferSize:        cfg.BufferSize,
		Logger:            log,
		Registerer:        registry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start server daemon")
	}
	defer srv.Stop()

	// Register every statically-configured peer so the transport's accept
	// loop recognizes its inbound connection (spec.md §6.4, §11.3's fixed
	// peer list); clients dial in, so the server only needs the IP on file.
	for _, peer := range cfg.Peers {
		id := transport.NodeID(peer.NodeID)
		if err := srv.AddClient(id, peer.IP); err != nil {
			log.WithError(err).WithField("peer", id).Fatal("failed to register configured peer")
		}
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving metrics")
	}

	log.WithField("listen_addr", cfg.ListenAddr).Info("server daemon started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.WithField("signal", sig.String()).Info("shutting down")
}
