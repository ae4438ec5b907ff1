package routing

import (
	"fmt"
	"io"

	"github.com/kadlab/dhtnode/bencode"
)

// Save writes the routing table as a bencoded dictionary
// {"nodes": <compact contacts>, "self": <node id>}.
func (rt *RoutingTable) Save(w io.Writer) error {
	rt.mu.RLock()
	buckets := make([]*Bucket, len(rt.buckets))
	copy(buckets, rt.buckets)
	self := rt.self
	rt.mu.RUnlock()

	var all []Contact
	for _, b := range buckets {
		all = append(all, b.Contacts()...)
	}

	compact, err := EncodeCompactContactList(all)
	if err != nil {
		return fmt.Errorf("routing: failed to encode persisted table: %w", err)
	}

	dict := bencode.NewDict(map[string]bencode.Value{
		"nodes": bencode.NewString(compact),
		"self":  bencode.NewString(self.ID[:]),
	})
	return dict.Encode(w)
}

// Load reads a persisted routing table and inserts every contact into rt
// via Add, without emitting NodeAdded notifications (this is a bulk
// restore, not new discovery).
func (rt *RoutingTable) Load(r io.Reader) error {
	v, err := bencode.Decode(r, false)
	if err != nil {
		return fmt.Errorf("routing: failed to decode persisted table: %w", err)
	}

	nodesVal, ok := v.DictGet("nodes")
	if !ok {
		return fmt.Errorf("routing: persisted table missing %q", "nodes")
	}
	raw, ok := nodesVal.Bytes()
	if !ok {
		return fmt.Errorf("routing: persisted table %q is not a byte string", "nodes")
	}

	contacts, err := DecodeCompactContactList(raw)
	if err != nil {
		return err
	}

	for _, c := range contacts {
		rt.addQuiet(c)
	}
	return nil
}

// addQuiet is Add without the NodeAdded fan-out, for bulk restores.
func (rt *RoutingTable) addQuiet(c Contact) AddResult {
	if c.ID == rt.self.ID {
		return Updated
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndexLocked(c.ID)
	result := rt.buckets[idx].Add(c)
	if result == Full && rt.buckets[idx].CanContain(rt.self.ID) {
		if rt.splitLocked(idx) {
			idx = rt.bucketIndexLocked(c.ID)
			result = rt.buckets[idx].Add(c)
		}
	}
	return result
}
