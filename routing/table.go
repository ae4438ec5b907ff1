package routing

import (
	"math/big"
	"sort"
	"sync"

	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/logging"
)

var log = logging.For("routing")

// RoutingTable owns the local node's own contact and an ordered sequence
// of Buckets tiling the full [0, 2^160) key space. Exactly one bucket
// contains the local node's ID at all times.
type RoutingTable struct {
	self Contact
	k    int

	mu      sync.RWMutex
	buckets []*Bucket

	subMu       sync.Mutex
	subscribers []chan Contact
}

// NewRoutingTable creates a table for the given local contact with one
// bucket spanning the full ID space.
func NewRoutingTable(self Contact, k int) *RoutingTable {
	var max identity.ID
	for i := range max {
		max[i] = 0xff
	}
	// The all-ones ID is itself a valid, in-range node id; the bucket's
	// upper bound must be exclusive and strictly above it, so we track
	// it conceptually as "2^160" rather than identity.ID's max value.
	return &RoutingTable{
		self:    self,
		k:       k,
		buckets: []*Bucket{newFullRangeBucket(k)},
	}
}

// newFullRangeBucket builds a bucket whose upper bound is the implicit
// 2^160, one past the largest representable identity.ID; its Max field
// is unused, and CanContain treats "< max" as always true for it via
// the isFullRange flag.
func newFullRangeBucket(k int) *Bucket {
	b := NewBucket(identity.Zero, identity.Zero, k)
	b.isFullRange = true
	return b
}

// Self returns the local node's own contact.
func (rt *RoutingTable) Self() Contact { return rt.self }

// bucketIndexLocked returns the index of the bucket covering id. Callers
// must hold rt.mu.
func (rt *RoutingTable) bucketIndexLocked(id identity.ID) int {
	for i, b := range rt.buckets {
		if b.CanContain(id) {
			return i
		}
	}
	// Every tiling covers the whole space; this should be unreachable.
	return len(rt.buckets) - 1
}

// Add inserts or refreshes a contact, splitting the covering bucket when
// it is full, still contains the local node, and has room to split.
func (rt *RoutingTable) Add(c Contact) AddResult {
	if c.ID == rt.self.ID {
		return Updated
	}

	rt.mu.Lock()
	idx := rt.bucketIndexLocked(c.ID)
	result := rt.buckets[idx].Add(c)

	if result == Full && rt.buckets[idx].CanContain(rt.self.ID) {
		if rt.splitLocked(idx) {
			idx = rt.bucketIndexLocked(c.ID)
			result = rt.buckets[idx].Add(c)
		}
	}
	rt.mu.Unlock()

	if result == Added {
		rt.notify(c)
	}
	return result
}

// splitLocked splits the bucket at idx in place. Callers must hold
// rt.mu. Returns false (refusing to split) if the bucket's span is
// already below the minimum needed to make two useful halves.
func (rt *RoutingTable) splitLocked(idx int) bool {
	b := rt.buckets[idx]

	span := bucketSpan(b)
	if span.Cmp(big.NewInt(int64(rt.k))) < 0 {
		log.WithField("bucket", idx).Debug("refusing to split: span below minimum")
		return false
	}

	mid := identity.Midpoint(b.Min, effectiveMax(b))
	if mid == b.Min {
		return false
	}

	left := NewBucket(b.Min, mid, rt.k)
	var right *Bucket
	if b.isFullRange {
		right = newFullRangeBucket(rt.k)
		right.Min = mid
	} else {
		right = NewBucket(mid, b.Max, rt.k)
	}

	for _, c := range b.Contacts() {
		if left.CanContain(c.ID) {
			left.Add(c)
		} else {
			right.Add(c)
		}
	}
	if rep, ok := b.Replacement(); ok {
		if left.CanContain(rep.ID) {
			left.replacement = &rep
		} else {
			right.replacement = &rep
		}
	}

	rt.buckets[idx] = left
	rt.buckets = append(rt.buckets, nil)
	copy(rt.buckets[idx+2:], rt.buckets[idx+1:])
	rt.buckets[idx+1] = right

	sort.Slice(rt.buckets, func(i, j int) bool {
		return rt.buckets[i].Min.Less(rt.buckets[j].Min)
	})
	return true
}

// effectiveMax returns b.Max, or for the full-range bucket the largest
// representable identity.ID (2^160 - 1), so a split of that bucket puts
// its midpoint at (min + 2^160 - 1) >> 1 rather than (min + 2^160) >> 1.
func effectiveMax(b *Bucket) identity.ID {
	if b.isFullRange {
		var max identity.ID
		for i := range max {
			max[i] = 0xff
		}
		return max
	}
	return b.Max
}

// bucketSpan returns max-min as an unsigned integer, using 2^160 for the
// full-range bucket's implicit upper bound.
func bucketSpan(b *Bucket) *big.Int {
	if b.isFullRange {
		span := new(big.Int).Lsh(big.NewInt(1), 160)
		return span.Sub(span, b.Min.BigInt())
	}
	return new(big.Int).Sub(b.Max.BigInt(), b.Min.BigInt())
}

// Remove drops a contact from its covering bucket.
func (rt *RoutingTable) Remove(id identity.ID) bool {
	rt.mu.RLock()
	idx := rt.bucketIndexLocked(id)
	b := rt.buckets[idx]
	rt.mu.RUnlock()
	return b.Remove(id)
}

// FindNode returns the contact with the given ID, if the table knows it.
func (rt *RoutingTable) FindNode(id identity.ID) (Contact, bool) {
	rt.mu.RLock()
	idx := rt.bucketIndexLocked(id)
	b := rt.buckets[idx]
	rt.mu.RUnlock()
	for _, c := range b.Contacts() {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}

// GetClosest returns up to k contacts ordered by ascending XOR distance
// to target, with ties broken by ascending NodeID.
func (rt *RoutingTable) GetClosest(target identity.ID, k int) []Contact {
	rt.mu.RLock()
	buckets := make([]*Bucket, len(rt.buckets))
	copy(buckets, rt.buckets)
	rt.mu.RUnlock()

	var all []Contact
	for _, b := range buckets {
		all = append(all, b.Contacts()...)
	}

	sort.Slice(all, func(i, j int) bool {
		di := all[i].ID.Xor(target)
		dj := all[j].ID.Xor(target)
		cmp := di.Compare(dj)
		if cmp != 0 {
			return cmp < 0
		}
		return all[i].ID.Less(all[j].ID)
	})

	if len(all) > k {
		all = all[:k]
	}
	return all
}

// CountNodes returns the total number of live contacts across all buckets.
func (rt *RoutingTable) CountNodes() int {
	rt.mu.RLock()
	buckets := make([]*Bucket, len(rt.buckets))
	copy(buckets, rt.buckets)
	rt.mu.RUnlock()

	total := 0
	for _, b := range buckets {
		total += b.Len()
	}
	return total
}

// BucketCount returns how many buckets currently tile the key space, so
// callers (the status endpoint, tests) can observe that the table has grown beyond
// its initial single bucket.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// BucketContaining returns the bucket covering id, for callers that need
// to drive the ping-to-evict flow (task engine) directly.
func (rt *RoutingTable) BucketContaining(id identity.ID) *Bucket {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	idx := rt.bucketIndexLocked(id)
	return rt.buckets[idx]
}

// Buckets returns a snapshot of the current bucket slice, for callers
// (the node's housekeeping sweep, the status endpoint) that need to scan
// all of them, e.g. for a pending replacement.
func (rt *RoutingTable) Buckets() []*Bucket {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Bucket, len(rt.buckets))
	copy(out, rt.buckets)
	return out
}

// Clear resets the table to a single bucket spanning the full key space.
func (rt *RoutingTable) Clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets = []*Bucket{newFullRangeBucket(rt.k)}
}

// Subscribe registers a NodeAdded subscriber with the given channel
// buffer size. Delivery is at-most-once per add and unordered across
// subscribers; a full subscriber channel drops the notification rather
// than blocking the table.
func (rt *RoutingTable) Subscribe(buffer int) <-chan Contact {
	ch := make(chan Contact, buffer)
	rt.subMu.Lock()
	rt.subscribers = append(rt.subscribers, ch)
	rt.subMu.Unlock()
	return ch
}

func (rt *RoutingTable) notify(c Contact) {
	rt.subMu.Lock()
	defer rt.subMu.Unlock()
	for _, ch := range rt.subscribers {
		select {
		case ch <- c:
		default:
			log.WithField("node", c.ID.String()).Warn("NodeAdded subscriber channel full, dropping notification")
		}
	}
}
