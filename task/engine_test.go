package task

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/kadlab/dhtnode/config"
	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/protocol"
	"github.com/kadlab/dhtnode/routing"
	"github.com/kadlab/dhtnode/rpc"
	"github.com/stretchr/testify/require"
)

// fakeNode is one simulated remote in the fake network: an ID plus a
// table of other contacts it would hand back from find_node/get_peers,
// mirroring the teacher's GlobalNetwork-backed MockNetwork.
type fakeNode struct {
	id        identity.ID
	neighbors []routing.Contact
	peers     []protocol.PeerAddr
	token     []byte
	fail      bool
}

type fakeCaller struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode // keyed by addr.String()
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{nodes: make(map[string]*fakeNode)}
}

func (f *fakeCaller) register(addr *net.UDPAddr, n *fakeNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[addr.String()] = n
}

func (f *fakeCaller) Call(ctx context.Context, dst rpc.Endpoint, kind protocol.QueryKind, payload interface{}) (interface{}, error) {
	f.mu.Lock()
	n, ok := f.nodes[dst.String()]
	f.mu.Unlock()
	if !ok || n.fail {
		return nil, fmt.Errorf("task test: unreachable %s", dst.String())
	}

	switch kind {
	case protocol.Ping:
		return &protocol.PingResponse{ID: n.id}, nil
	case protocol.FindNode:
		return &protocol.FindNodeResponse{ID: n.id, Nodes: n.neighbors}, nil
	case protocol.GetPeers:
		return &protocol.GetPeersResponse{ID: n.id, Token: n.token, Values: n.peers, Nodes: n.neighbors}, nil
	case protocol.AnnouncePeer:
		return &protocol.AnnouncePeerResponse{ID: n.id}, nil
	default:
		return nil, fmt.Errorf("task test: unsupported kind %q", kind)
	}
}

func newID(t *testing.T) identity.ID {
	t.Helper()
	id, err := identity.Random()
	require.NoError(t, err)
	return id
}

func newEngine(t *testing.T, caller Caller) (*Engine, identity.ID) {
	t.Helper()
	selfID := newID(t)
	self := routing.NewContact(selfID, net.ParseIP("127.0.0.1"), 6881)
	table := routing.NewRoutingTable(self, 8)
	cfg := config.Default()
	cfg.Alpha = 3
	return New(caller, table, cfg), selfID
}

func TestFindNodeReturnsClosestKnown(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	target := newID(t)
	seedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 7000}
	seedID := newID(t)
	caller.register(seedAddr, &fakeNode{id: seedID})
	e.table.Add(routing.NewContact(seedID, seedAddr.IP, seedAddr.Port))

	results := e.FindNode(context.Background(), target)
	require.NotEmpty(t, results)
	require.Equal(t, seedID, results[0].ID)
}

func TestFindNodeFollowsSuggestedNeighbors(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	target := newID(t)

	farAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.3"), Port: 7001}
	farID := newID(t)

	seedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 7000}
	seedID := newID(t)
	caller.register(seedAddr, &fakeNode{
		id:        seedID,
		neighbors: []routing.Contact{routing.NewContact(farID, farAddr.IP, farAddr.Port)},
	})
	caller.register(farAddr, &fakeNode{id: farID})
	e.table.Add(routing.NewContact(seedID, seedAddr.IP, seedAddr.Port))

	results := e.FindNode(context.Background(), target)

	var sawFar bool
	for _, c := range results {
		if c.ID == farID {
			sawFar = true
		}
	}
	require.True(t, sawFar, "lookup should have followed the suggested neighbor")
}

func TestGetPeersCollectsValuesAndTokens(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	infoHash := newID(t)
	seedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 7000}
	seedID := newID(t)
	caller.register(seedAddr, &fakeNode{
		id:    seedID,
		token: []byte("tok-1"),
		peers: []protocol.PeerAddr{{IP: net.ParseIP("10.0.0.5"), Port: 9999}},
	})
	e.table.Add(routing.NewContact(seedID, seedAddr.IP, seedAddr.Port))

	result := e.GetPeers(context.Background(), infoHash)
	require.Len(t, result.Peers, 1)
	require.Equal(t, 9999, result.Peers[0].Port)
	require.Len(t, result.Responded, 1)
	require.Equal(t, []byte("tok-1"), result.Responded[0].Token)
}

func TestAnnounceFailsWithNoResponders(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	err := e.Announce(context.Background(), newID(t), 6881, false)
	require.Error(t, err)
}

func TestAnnounceSucceedsAfterGetPeers(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	infoHash := newID(t)
	seedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 7000}
	seedID := newID(t)
	caller.register(seedAddr, &fakeNode{id: seedID, token: []byte("tok-1")})
	e.table.Add(routing.NewContact(seedID, seedAddr.IP, seedAddr.Port))

	err := e.Announce(context.Background(), infoHash, 6881, false)
	require.NoError(t, err)
}

func TestBootstrapPopulatesTableFromSeeds(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	seedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 7000}
	seedID := newID(t)
	caller.register(seedAddr, &fakeNode{id: seedID})

	err := e.Bootstrap(context.Background(), []*net.UDPAddr{seedAddr})
	require.NoError(t, err)

	_, ok := e.table.FindNode(seedID)
	require.True(t, ok)
}

func TestBootstrapFailsWhenNoSeedAnswers(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	seedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.2"), Port: 7000}
	err := e.Bootstrap(context.Background(), []*net.UDPAddr{seedAddr})
	require.Error(t, err)
}

// fillBucketToCapacityThenStash adds a 9th contact directly via
// Bucket.Add (bypassing RoutingTable.Add's split logic) so the bucket
// reaches Full and stashes it as the pending replacement, exactly the
// state Replace() is meant to resolve.
func fillBucketToCapacityThenStash(t *testing.T, b *routing.Bucket, first routing.Contact) routing.Contact {
	t.Helper()
	require.Equal(t, routing.Added, b.Add(first))
	for i := 0; i < 7; i++ {
		require.Equal(t, routing.Added, b.Add(routing.NewContact(
			newID(t), net.ParseIP("127.0.0.1"), 8000+i,
		)))
	}
	replacement := routing.NewContact(newID(t), net.ParseIP("127.0.0.10"), 7778)
	require.Equal(t, routing.Full, b.Add(replacement))
	return replacement
}

func TestReplacePromotesReplacementOnTimeout(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	leastID := newID(t)
	least := routing.NewContact(leastID, net.ParseIP("127.0.0.9"), 7777)
	b := e.table.BucketContaining(leastID)
	replacement := fillBucketToCapacityThenStash(t, b, least)

	e.Replace(context.Background(), b) // least was never registered with caller -> unreachable

	_, ok := b.Replacement()
	require.False(t, ok)
	found := b.Contacts()
	var sawReplacement, sawLeast bool
	for _, c := range found {
		if c.ID == replacement.ID {
			sawReplacement = true
		}
		if c.ID == leastID {
			sawLeast = true
		}
	}
	require.True(t, sawReplacement, "replacement should have been promoted")
	require.False(t, sawLeast, "unresponsive contact should have been evicted")
}

func TestReplaceDiscardsReplacementOnLiveResponse(t *testing.T) {
	caller := newFakeCaller()
	e, _ := newEngine(t, caller)

	leastID := newID(t)
	leastAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.9"), Port: 7777}
	caller.register(leastAddr, &fakeNode{id: leastID})
	least := routing.NewContact(leastID, leastAddr.IP, leastAddr.Port)
	b := e.table.BucketContaining(leastID)
	fillBucketToCapacityThenStash(t, b, least)

	e.Replace(context.Background(), b)

	_, ok := b.Replacement()
	require.False(t, ok, "replacement should have been discarded after a live response")
	var sawLeast bool
	for _, c := range b.Contacts() {
		if c.ID == leastID {
			sawLeast = true
		}
	}
	require.True(t, sawLeast, "contact that answered the eviction ping should remain")
}
