// Package node wires the routing table, RPC engine, token manager and
// task engine into a running DHT participant: it answers inbound
// queries (the rpc engine's QueryHandler), drives outbound lookups
// through the task engine, and exposes the routing table persistence
// and peer-discovery hooks the CLI entrypoint needs.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/kadlab/dhtnode/config"
	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/logging"
	"github.com/kadlab/dhtnode/protocol"
	"github.com/kadlab/dhtnode/routing"
	"github.com/kadlab/dhtnode/rpc"
	"github.com/kadlab/dhtnode/task"
	"github.com/kadlab/dhtnode/token"
)

var log = logging.For("node")

// PeerFoundFunc is the "peers found" host hook: called with every peer
// record that a remote get_peers response returned for an info hash
// this node searched for. Records in this node's own peer store are
// not reported through it.
type PeerFoundFunc func(infoHash identity.ID, peer protocol.PeerAddr)

// Node is a single DHT participant: identity, routing table, RPC
// engine, token manager, task engine and local peer-announcement
// store, wired together.
type Node struct {
	self   identity.ID
	cfg    *config.Config
	table  *routing.RoutingTable
	rpc    *rpc.Engine
	tokens *token.Manager
	tasks  *task.Engine
	peers  *peerStore

	onPeerFound PeerFoundFunc

	sweepStop chan struct{}
}

// New builds a Node bound to self (this node's own contact, including
// its bind address) and transport. Start must be called to begin
// serving and sweeping.
func New(self routing.Contact, transport rpc.Transport, cfg *config.Config) (*Node, error) {
	table := routing.NewRoutingTable(self, cfg.K)
	tokens, err := token.NewManager(cfg.TokenRotationInterval)
	if err != nil {
		return nil, fmt.Errorf("node: failed to start token manager: %w", err)
	}

	n := &Node{
		self:      self.ID,
		cfg:       cfg,
		table:     table,
		tokens:    tokens,
		peers:     newPeerStore(),
		sweepStop: make(chan struct{}),
	}
	n.rpc = rpc.New(transport, n, cfg)
	n.tasks = task.New(n.rpc, table, cfg)
	return n, nil
}

// OnPeerFound registers the host hook invoked whenever this node
// learns of a peer for an info hash it searched for.
func (n *Node) OnPeerFound(fn PeerFoundFunc) { n.onPeerFound = fn }

// RoutingTable exposes the routing table for status reporting and
// persistence by the caller.
func (n *Node) RoutingTable() *routing.RoutingTable { return n.table }

// Self returns this node's own ID.
func (n *Node) Self() identity.ID { return n.self }

// Start begins serving inbound RPCs and the background housekeeping
// loops (peer-record expiry, bucket freshness).
func (n *Node) Start() {
	n.rpc.Start()
	go n.sweepLoop()
}

// Stop halts the RPC engine, the token rotation loop and the
// housekeeping loop.
func (n *Node) Stop() {
	close(n.sweepStop)
	n.rpc.Stop()
	n.tokens.Stop()
}

func (n *Node) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.sweepStop:
			return
		case <-ticker.C:
			n.peers.Sweep()
			n.refreshStaleBuckets()
		}
	}
}

// refreshStaleBuckets runs the ping-to-evict / replacement-resolution
// flow against every bucket that currently has a pending replacement
// candidate waiting on its least-recently-seen contact.
func (n *Node) refreshStaleBuckets() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()
	for _, b := range n.table.Buckets() {
		if _, ok := b.Replacement(); ok {
			n.tasks.Replace(ctx, b)
		}
	}
}

// Bootstrap seeds the routing table from well-known addresses.
func (n *Node) Bootstrap(ctx context.Context, seeds []*net.UDPAddr) error {
	return n.tasks.Bootstrap(ctx, seeds)
}

// FindNode runs an iterative find_node lookup for target.
func (n *Node) FindNode(ctx context.Context, target identity.ID) []routing.Contact {
	return n.tasks.FindNode(ctx, target)
}

// GetPeers runs an iterative get_peers lookup for infoHash, reporting
// any peers found through the registered PeerFoundFunc hook in
// addition to returning them.
func (n *Node) GetPeers(ctx context.Context, infoHash identity.ID) []protocol.PeerAddr {
	result := n.tasks.GetPeers(ctx, infoHash)
	if n.onPeerFound != nil {
		for _, p := range result.Peers {
			n.onPeerFound(infoHash, p)
		}
	}
	return result.Peers
}

// Announce runs a get_peers lookup followed by announce_peer to the
// token-bearing responders, and records the announcement locally too
// (this node is itself a valid responder for infoHash from now on).
func (n *Node) Announce(ctx context.Context, infoHash identity.ID, port int, impliedPort bool) error {
	if err := n.tasks.Announce(ctx, infoHash, port, impliedPort); err != nil {
		return err
	}
	selfContact := n.table.Self()
	effectivePort := port
	if impliedPort {
		effectivePort = selfContact.Port
	}
	n.peers.Put(infoHash, protocol.PeerAddr{IP: selfContact.IP, Port: effectivePort})
	return nil
}

// SaveRoutingTable persists the routing table to dataDir/routing_table,
// creating the directory if needed.
func (n *Node) SaveRoutingTable(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("node: failed to create data dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dataDir, "routing_table"))
	if err != nil {
		return fmt.Errorf("node: failed to create routing table file: %w", err)
	}
	defer f.Close()
	return n.table.Save(f)
}

// LoadRoutingTable restores a previously persisted routing table, if
// one exists; a missing file is not an error.
func (n *Node) LoadRoutingTable(dataDir string) error {
	f, err := os.Open(filepath.Join(dataDir, "routing_table"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("node: failed to open routing table file: %w", err)
	}
	defer f.Close()
	if err := n.table.Load(f); err != nil {
		return fmt.Errorf("node: failed to load routing table: %w", err)
	}
	log.WithField("nodes", n.table.CountNodes()).Info("restored persisted routing table")
	return nil
}
