package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadlab/dhtnode/config"
	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/logging"
	"github.com/kadlab/dhtnode/node"
	"github.com/kadlab/dhtnode/routing"
	"github.com/kadlab/dhtnode/rpc"
)

func main() {
	port := flag.Int("port", 6881, "UDP port to listen on for DHT traffic")
	httpPort := flag.Int("http", 6880, "HTTP port for the status endpoint")
	bootstrap := flag.String("bootstrap", "", "comma-separated list of bootstrap node addresses (ip:port)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.SetLevel(*logLevel)
	log := logging.For("main")

	cfg := config.Get()

	kp, err := identity.LoadOrGenerateKeypair(cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to load or generate identity")
	}
	log.WithField("node_id", kp.ID.String()).Info("identity ready")

	transport, err := rpc.NewUDPTransport(*port, cfg.MaxDatagramSize)
	if err != nil {
		log.WithError(err).Fatal("failed to start udp transport")
	}
	defer transport.Close()

	self := routing.NewContact(kp.ID, net.IPv4(0, 0, 0, 0), *port)
	n, err := node.New(self, transport, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to construct node")
	}

	if err := n.LoadRoutingTable(cfg.DataDir); err != nil {
		log.WithError(err).Warn("failed to load persisted routing table")
	}

	n.Start()
	defer n.Stop()

	httpServer := node.NewHTTPServer(n, *httpPort)
	go func() {
		if err := httpServer.Start(); err != nil {
			log.WithError(err).Error("status http server stopped")
		}
	}()

	if *bootstrap != "" {
		seeds, err := parseSeeds(*bootstrap)
		if err != nil {
			log.WithError(err).Fatal("invalid bootstrap address")
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout*time.Duration(len(seeds)+1))
		if err := n.Bootstrap(ctx, seeds); err != nil {
			log.WithError(err).Warn("bootstrap did not complete")
		}
		cancel()
	} else {
		log.Info("no bootstrap address given, starting as a seed node")
	}

	log.WithField("port", *port).WithField("http_port", *httpPort).Info("dht node running")
	waitForShutdown(log)

	if err := n.SaveRoutingTable(cfg.DataDir); err != nil {
		log.WithError(err).Warn("failed to persist routing table on shutdown")
	}
}

func parseSeeds(raw string) ([]*net.UDPAddr, error) {
	var addrs []*net.UDPAddr
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			part := raw[start:i]
			start = i + 1
			if part == "" {
				continue
			}
			addr, err := net.ResolveUDPAddr("udp", part)
			if err != nil {
				return nil, fmt.Errorf("cmd/dhtnode: invalid bootstrap address %q: %w", part, err)
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func waitForShutdown(log interface{ Info(args ...interface{}) }) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}
