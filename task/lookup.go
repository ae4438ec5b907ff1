// Package task implements the iterative operations built on top of the
// routing table and RPC engine: the FindNode/GetPeers lookups, table
// bootstrap, peer announcement and the ping-to-evict flow that resolves
// a full bucket's replacement candidate.
package task

import (
	"context"
	"sort"
	"sync"

	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/logging"
	"github.com/kadlab/dhtnode/routing"
)

var log = logging.For("task")

// shortlistCap bounds how many candidates a lookup carries at once, so
// a lookup against a large, chatty network doesn't grow without limit.
const shortlistCap = 64

// lookupState is the generalization of the teacher's blocking,
// alpha=1 LookupState: the same shortlist/contacted bookkeeping, but
// pickBatch hands back up to alpha uncontacted candidates at once so
// the caller can fire them concurrently.
type lookupState struct {
	target identity.ID

	mu        sync.Mutex
	shortlist []routing.Contact
	contacted map[identity.ID]bool
	inflight  map[identity.ID]bool
}

func newLookupState(target identity.ID, seed []routing.Contact) *lookupState {
	ls := &lookupState{
		target:    target,
		contacted: make(map[identity.ID]bool),
		inflight:  make(map[identity.ID]bool),
	}
	ls.merge(seed)
	return ls
}

func (ls *lookupState) merge(contacts []routing.Contact) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	seen := make(map[identity.ID]bool, len(ls.shortlist))
	for _, c := range ls.shortlist {
		seen[c.ID] = true
	}
	for _, c := range contacts {
		if c.ID == ls.target || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		ls.shortlist = append(ls.shortlist, c)
	}
	sortByDistance(ls.shortlist, ls.target)
	if len(ls.shortlist) > shortlistCap {
		ls.shortlist = ls.shortlist[:shortlistCap]
	}
}

// pickBatch returns up to n uncontacted, not-already-inflight
// candidates, marking them inflight.
func (ls *lookupState) pickBatch(n int) []routing.Contact {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var batch []routing.Contact
	for _, c := range ls.shortlist {
		if len(batch) == n {
			break
		}
		if ls.contacted[c.ID] || ls.inflight[c.ID] {
			continue
		}
		ls.inflight[c.ID] = true
		batch = append(batch, c)
	}
	return batch
}

func (ls *lookupState) markDone(id identity.ID) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.inflight, id)
	ls.contacted[id] = true
}

// converged reports whether every candidate in the current K-window of
// the shortlist has already been contacted, the standard termination
// condition for an iterative Kademlia lookup.
func (ls *lookupState) converged(k int) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	window := ls.shortlist
	if len(window) > k {
		window = window[:k]
	}
	for _, c := range window {
		if !ls.contacted[c.ID] {
			return false
		}
	}
	return true
}

func (ls *lookupState) results(k int) []routing.Contact {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]routing.Contact, len(ls.shortlist))
	copy(out, ls.shortlist)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sortByDistance(contacts []routing.Contact, target identity.ID) {
	sort.Slice(contacts, func(i, j int) bool {
		di := contacts[i].ID.Xor(target)
		dj := contacts[j].ID.Xor(target)
		if cmp := di.Compare(dj); cmp != 0 {
			return cmp < 0
		}
		return contacts[i].ID.Less(contacts[j].ID)
	})
}

// queryFunc issues one RPC to a candidate and reports the nodes it
// suggests plus whatever lookup-specific extra it returned (a
// get_peers token/values pair, for instance). A non-nil error simply
// ends that candidate's participation; it is not fatal to the lookup.
type queryFunc func(ctx context.Context, c routing.Contact) (suggested []routing.Contact, extra interface{}, err error)

// runLookup drives the alpha-wide iterative search shared by FindNode
// and GetPeers. extras are collected in the order their queries
// succeeded, not in shortlist order.
func runLookup(ctx context.Context, target identity.ID, seed []routing.Contact, k, alpha int, query queryFunc) ([]routing.Contact, []interface{}) {
	state := newLookupState(target, seed)

	var extrasMu sync.Mutex
	var extras []interface{}

	for {
		if ctx.Err() != nil {
			break
		}
		batch := state.pickBatch(alpha)
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c routing.Contact) {
				defer wg.Done()
				defer state.markDone(c.ID)

				suggested, extra, err := query(ctx, c)
				if err != nil {
					log.WithField("node", c.ID.String()).WithError(err).Debug("lookup query failed")
					return
				}
				state.merge(suggested)
				if extra != nil {
					extrasMu.Lock()
					extras = append(extras, extra)
					extrasMu.Unlock()
				}
			}(c)
		}
		wg.Wait()

		if state.converged(k) {
			break
		}
	}

	return state.results(k), extras
}
