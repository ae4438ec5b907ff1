package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/kadlab/dhtnode/identity"
)

// AddResult reports what Bucket.Add actually did, so the routing table
// knows whether to split, ping-to-evict, or simply move on.
type AddResult int

const (
	// Updated means the contact was already present; its last-seen
	// timestamp was refreshed.
	Updated AddResult = iota
	// Added means the contact was newly inserted; the bucket had room.
	Added
	// Replaced means a bad contact was evicted to make room for the new one.
	Replaced
	// Full means the bucket has K live contacts, none of them bad; the
	// new contact was stashed as the pending replacement.
	Full
)

// Bucket covers a half-open NodeID interval [Min, Max) and holds up to K
// live contacts ordered by ascending last-seen, plus at most one pending
// replacement candidate.
type Bucket struct {
	Min, Max identity.ID
	// isFullRange marks the (at most one) bucket whose upper bound is
	// the implicit 2^160 rather than a representable identity.ID; every
	// freshly created RoutingTable starts with exactly one such bucket.
	isFullRange bool
	k           int
	mu          sync.Mutex
	contacts    []Contact
	replacement *Contact
	lastChanged time.Time
}

// NewBucket creates an empty bucket covering [min, max) with capacity k.
func NewBucket(min, max identity.ID, k int) *Bucket {
	return &Bucket{Min: min, Max: max, k: k, lastChanged: time.Now()}
}

// CanContain reports whether id falls in this bucket's range.
func (b *Bucket) CanContain(id identity.ID) bool {
	if b.isFullRange {
		return !id.Less(b.Min)
	}
	return !id.Less(b.Min) && id.Less(b.Max)
}

// Len returns the number of live contacts currently held.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// LastChanged returns when this bucket's contents last changed: a contact
// added, touched, replaced, removed or promoted, or a replacement stashed.
func (b *Bucket) LastChanged() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastChanged
}

// Contacts returns a snapshot copy of the live contacts, ascending by last-seen.
func (b *Bucket) Contacts() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	return out
}

// Replacement returns a copy of the pending replacement candidate, if any.
func (b *Bucket) Replacement() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replacement == nil {
		return Contact{}, false
	}
	return *b.replacement, true
}

// Add implements the bucket insertion policy from the routing table spec:
// touch-if-present, append-if-room, evict-a-bad-one-if-full, or stash as
// replacement if the bucket is full of good contacts.
func (b *Bucket) Add(c Contact) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for i := range b.contacts {
		if b.contacts[i].ID == c.ID {
			b.contacts[i].Touch(now)
			if len(c.Token) > 0 {
				b.contacts[i].Token = c.Token
			}
			b.lastChanged = now
			return Updated
		}
	}

	if len(b.contacts) < b.k {
		c.LastSeen = now
		b.contacts = append(b.contacts, c)
		b.lastChanged = now
		return Added
	}

	if worst := b.worstBadIndex(now); worst >= 0 {
		c.LastSeen = now
		b.contacts = append(b.contacts[:worst], b.contacts[worst+1:]...)
		b.contacts = append(b.contacts, c)
		b.lastChanged = now
		return Replaced
	}

	rc := c
	b.replacement = &rc
	b.lastChanged = now
	return Full
}

// worstBadIndex returns the index of the bad contact with the oldest
// last-seen timestamp, or -1 if none is bad.
func (b *Bucket) worstBadIndex(now time.Time) int {
	worst := -1
	for i := range b.contacts {
		if !b.contacts[i].IsBad() {
			continue
		}
		if worst == -1 || b.contacts[i].LastSeen.Before(b.contacts[worst].LastSeen) {
			worst = i
		}
	}
	return worst
}

// Fail records a failed query against the contact with the given ID,
// without disturbing its last-seen timestamp the way Touch would.
// Reports whether the contact was found.
func (b *Bucket) Fail(id identity.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.contacts {
		if b.contacts[i].ID == id {
			b.contacts[i].RecordFailure()
			return true
		}
	}
	return false
}

// Remove drops a contact by ID, if present. Reports whether it was found.
func (b *Bucket) Remove(id identity.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.contacts {
		if b.contacts[i].ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.lastChanged = time.Now()
			return true
		}
	}
	return false
}

// SortByLastSeen stably reorders the live contacts ascending by last-seen.
func (b *Bucket) SortByLastSeen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	sort.SliceStable(b.contacts, func(i, j int) bool {
		return b.contacts[i].LastSeen.Before(b.contacts[j].LastSeen)
	})
}

// Least returns the least-recently-seen live contact, used by the task
// engine's ping-to-evict flow.
func (b *Bucket) Least() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	least := b.contacts[0]
	for _, c := range b.contacts[1:] {
		if c.LastSeen.Before(least.LastSeen) {
			least = c
		}
	}
	return least, true
}

// PromoteReplacement evicts the named contact (normally the one that just
// failed to respond to a ping) and installs the pending replacement in
// its place, clearing the replacement slot. Reports whether a promotion
// happened.
func (b *Bucket) PromoteReplacement(evictID identity.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replacement == nil {
		return false
	}
	for i := range b.contacts {
		if b.contacts[i].ID == evictID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			break
		}
	}
	b.contacts = append(b.contacts, *b.replacement)
	b.replacement = nil
	b.lastChanged = time.Now()
	return true
}

// DiscardReplacement clears the pending replacement slot, used when the
// least-recently-seen contact answers its eviction ping.
func (b *Bucket) DiscardReplacement() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replacement = nil
}
