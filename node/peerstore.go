package node

import (
	"sync"
	"time"

	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/protocol"
)

// peerTTL is how long an announced peer record is served before it is
// considered stale and dropped, the usual BEP-5 lifetime for an
// announce_peer record absent a re-announce.
const peerTTL = 30 * time.Minute

type peerRecord struct {
	addr    protocol.PeerAddr
	expires time.Time
}

// peerStore holds the announce_peer records this node is responsible
// for serving back out of get_peers, keyed by info hash. This is the
// generalization of the teacher's Storage/StorageMux map-plus-mutex
// shape to a per-infohash list of expiring peer records instead of a
// single opaque value.
type peerStore struct {
	mu   sync.RWMutex
	byID map[identity.ID][]peerRecord
}

func newPeerStore() *peerStore {
	return &peerStore{byID: make(map[identity.ID][]peerRecord)}
}

// Put records that a peer at addr is available for infoHash, replacing
// any existing record for the same address.
func (s *peerStore) Put(infoHash identity.ID, addr protocol.PeerAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.byID[infoHash]
	now := time.Now()
	for i := range records {
		if records[i].addr.IP.Equal(addr.IP) && records[i].addr.Port == addr.Port {
			records[i].expires = now.Add(peerTTL)
			return
		}
	}
	s.byID[infoHash] = append(records, peerRecord{addr: addr, expires: now.Add(peerTTL)})
}

// Get returns the live (non-expired) peers announced for infoHash.
func (s *peerStore) Get(infoHash identity.ID) []protocol.PeerAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []protocol.PeerAddr
	for _, r := range s.byID[infoHash] {
		if r.expires.After(now) {
			out = append(out, r.addr)
		}
	}
	return out
}

// Sweep drops every expired record across all info hashes; callers run
// it periodically so the store doesn't grow without bound.
func (s *peerStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, records := range s.byID {
		live := records[:0]
		for _, r := range records {
			if r.expires.After(now) {
				live = append(live, r)
			}
		}
		if len(live) == 0 {
			delete(s.byID, id)
		} else {
			s.byID[id] = live
		}
	}
}

// Count returns the total number of live peer records, across all
// info hashes, for status reporting.
func (s *peerStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	total := 0
	for _, records := range s.byID {
		for _, r := range records {
			if r.expires.After(now) {
				total++
			}
		}
	}
	return total
}
