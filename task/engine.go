package task

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/kadlab/dhtnode/config"
	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/protocol"
	"github.com/kadlab/dhtnode/routing"
	"github.com/kadlab/dhtnode/rpc"
)

// Caller is the subset of *rpc.Engine the task engine depends on. The
// narrow interface keeps this package testable against a fake without
// spinning up a real transport.
type Caller interface {
	Call(ctx context.Context, dst rpc.Endpoint, kind protocol.QueryKind, payload interface{}) (interface{}, error)
}

// Engine drives the iterative lookups, bootstrap, announce and
// ping-to-evict flows on top of a routing table and an RPC caller.
type Engine struct {
	rpc   Caller
	table *routing.RoutingTable
	self  identity.ID
	k     int
	alpha int
}

// New builds a task Engine bound to the given routing table and RPC
// caller.
func New(caller Caller, table *routing.RoutingTable, cfg *config.Config) *Engine {
	return &Engine{
		rpc:   caller,
		table: table,
		self:  table.Self().ID,
		k:     cfg.K,
		alpha: cfg.Alpha,
	}
}

// touch records a successful reply from c: if it's already in the
// table, its bucket's own Add/Touch path resets its failure count; if
// it's new, it's inserted fresh via the routing table's normal Add.
func (e *Engine) touch(c routing.Contact) {
	e.table.Add(c)
}

// recordFailure increments c's consecutive-failure counter in place,
// without resetting its last-seen timestamp (that's Touch's job, and
// would undo the very failure being recorded).
func (e *Engine) recordFailure(c routing.Contact) {
	e.table.BucketContaining(c.ID).Fail(c.ID)
}

// FindNode performs the iterative find_node lookup for target and
// returns up to K contacts ordered by ascending distance to it.
func (e *Engine) FindNode(ctx context.Context, target identity.ID) []routing.Contact {
	seed := e.table.GetClosest(target, e.k)
	results, _ := runLookup(ctx, target, seed, e.k, e.alpha, func(ctx context.Context, c routing.Contact) ([]routing.Contact, interface{}, error) {
		resp, err := e.rpc.Call(ctx, c.UDPAddr(), protocol.FindNode, protocol.FindNodeQuery{ID: e.self, Target: target})
		if err != nil {
			e.recordFailure(c)
			return nil, nil, err
		}
		fr, ok := resp.(*protocol.FindNodeResponse)
		if !ok {
			return nil, nil, fmt.Errorf("task: unexpected find_node response type %T", resp)
		}
		e.touch(c)
		return fr.Nodes, nil, nil
	})
	return results
}

// PeerResult is one get_peers lookup's outcome: the discovered peers
// for the info hash, and the K closest responders with the token each
// handed back (the set a subsequent Announce targets).
type PeerResult struct {
	Peers     []protocol.PeerAddr
	Responded []TokenedContact
}

// TokenedContact pairs a contact with the token it returned from
// get_peers, the credential needed to announce_peer back to it.
type TokenedContact struct {
	Contact routing.Contact
	Token   []byte
}

// GetPeers performs the iterative get_peers lookup for infoHash.
func (e *Engine) GetPeers(ctx context.Context, infoHash identity.ID) PeerResult {
	seed := e.table.GetClosest(infoHash, e.k)

	type getPeersExtra struct {
		contact routing.Contact
		token   []byte
		peers   []protocol.PeerAddr
	}

	_, extras := runLookup(ctx, infoHash, seed, e.k, e.alpha, func(ctx context.Context, c routing.Contact) ([]routing.Contact, interface{}, error) {
		resp, err := e.rpc.Call(ctx, c.UDPAddr(), protocol.GetPeers, protocol.GetPeersQuery{ID: e.self, InfoHash: infoHash})
		if err != nil {
			e.recordFailure(c)
			return nil, nil, err
		}
		gr, ok := resp.(*protocol.GetPeersResponse)
		if !ok {
			return nil, nil, fmt.Errorf("task: unexpected get_peers response type %T", resp)
		}
		e.touch(c)

		var withToken *getPeersExtra
		if len(gr.Token) > 0 {
			withToken = &getPeersExtra{contact: c, token: gr.Token, peers: gr.Values}
		}
		var suggested []routing.Contact
		if len(gr.Values) == 0 {
			suggested = gr.Nodes
		}
		if withToken != nil {
			return suggested, withToken, nil
		}
		return suggested, nil, nil
	})

	var result PeerResult
	for _, raw := range extras {
		ex, ok := raw.(*getPeersExtra)
		if !ok {
			continue
		}
		result.Peers = append(result.Peers, ex.peers...)
		result.Responded = append(result.Responded, TokenedContact{Contact: ex.contact, Token: ex.token})
	}
	sort.Slice(result.Responded, func(i, j int) bool {
		di := result.Responded[i].Contact.ID.Xor(infoHash)
		dj := result.Responded[j].Contact.ID.Xor(infoHash)
		return di.Less(dj)
	})
	if len(result.Responded) > e.k {
		result.Responded = result.Responded[:e.k]
	}
	return result
}

// Announce performs a get_peers lookup followed by a parallel
// announce_peer to every responder in the K closest set that handed
// back a token.
func (e *Engine) Announce(ctx context.Context, infoHash identity.ID, port int, impliedPort bool) error {
	found := e.GetPeers(ctx, infoHash)
	if len(found.Responded) == 0 {
		return fmt.Errorf("task: no token-bearing responders found for announce")
	}

	type outcome struct {
		contact routing.Contact
		err     error
	}
	results := make(chan outcome, len(found.Responded))
	for _, tc := range found.Responded {
		go func(tc TokenedContact) {
			_, err := e.rpc.Call(ctx, tc.Contact.UDPAddr(), protocol.AnnouncePeer, protocol.AnnouncePeerQuery{
				ID:          e.self,
				InfoHash:    infoHash,
				Port:        port,
				Token:       tc.Token,
				ImpliedPort: impliedPort,
			})
			results <- outcome{contact: tc.Contact, err: err}
		}(tc)
	}

	var firstErr error
	succeeded := 0
	for range found.Responded {
		o := <-results
		if o.err != nil {
			e.recordFailure(o.contact)
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		e.touch(o.contact)
		succeeded++
	}
	if succeeded == 0 {
		return fmt.Errorf("task: all announce_peer attempts failed: %w", firstErr)
	}
	return nil
}

// Bootstrap seeds the routing table from a set of well-known
// addresses by pinging each (to learn its ID) and then running a
// find_node lookup for the local ID, the standard way a fresh table
// fills out its near buckets.
func (e *Engine) Bootstrap(ctx context.Context, seeds []*net.UDPAddr) error {
	type pinged struct {
		addr *net.UDPAddr
		id   identity.ID
		err  error
	}
	results := make(chan pinged, len(seeds))
	for _, addr := range seeds {
		go func(addr *net.UDPAddr) {
			resp, err := e.rpc.Call(ctx, addr, protocol.Ping, protocol.PingQuery{ID: e.self})
			if err != nil {
				results <- pinged{addr: addr, err: err}
				return
			}
			pr, ok := resp.(*protocol.PingResponse)
			if !ok {
				results <- pinged{addr: addr, err: fmt.Errorf("task: unexpected ping response type %T", resp)}
				return
			}
			results <- pinged{addr: addr, id: pr.ID}
		}(addr)
	}

	reached := 0
	for range seeds {
		p := <-results
		if p.err != nil {
			log.WithField("addr", p.addr.String()).WithError(p.err).Debug("bootstrap seed unreachable")
			continue
		}
		e.table.Add(routing.NewContact(p.id, p.addr.IP, p.addr.Port))
		reached++
	}
	if reached == 0 {
		return fmt.Errorf("task: bootstrap failed, no seed node answered")
	}

	e.FindNode(ctx, e.self)
	return nil
}

// Replace resolves a bucket's pending eviction: it pings the least
// recently seen live contact, and when that ping fails (a timeout or
// any other Call error) promotes the stashed replacement into its
// place; on a live response it touches the contact and discards the
// replacement instead.
func (e *Engine) Replace(ctx context.Context, b *routing.Bucket) {
	least, ok := b.Least()
	if !ok {
		return
	}
	resp, err := e.rpc.Call(ctx, least.UDPAddr(), protocol.Ping, protocol.PingQuery{ID: e.self})
	if err != nil {
		if b.PromoteReplacement(least.ID) {
			log.WithField("node", least.ID.String()).Info("evicted unresponsive contact for its replacement")
		}
		return
	}
	if _, ok := resp.(*protocol.PingResponse); ok {
		b.Add(least)
		b.DiscardReplacement()
	}
}
