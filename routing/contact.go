// Package routing implements the XOR-metric k-bucket routing table: the
// Contact/Bucket container with its eviction policy, and the
// RoutingTable tree of buckets that tiles the 160-bit key space.
package routing

import (
	"fmt"
	"net"
	"time"

	"github.com/kadlab/dhtnode/identity"
)

// QuestionableAfter is how long a contact may go unseen before it is
// considered questionable rather than good.
const QuestionableAfter = 15 * time.Minute

// BadAfterFailures is the number of consecutive unanswered queries after
// which a contact is considered bad and becomes a replacement candidate.
const BadAfterFailures = 2

// Contact is a remote node as tracked by the routing table: its ID, its
// IPv4 endpoint, when it was last seen, how many consecutive queries to
// it went unanswered, and the most recent token it handed us during a
// get_peers exchange (used to announce_peer back to it).
type Contact struct {
	ID       identity.ID
	IP       net.IP
	Port     int
	LastSeen time.Time
	Failures int
	Token    []byte
}

// NewContact builds a Contact seen right now.
func NewContact(id identity.ID, ip net.IP, port int) Contact {
	return Contact{ID: id, IP: ip.To4(), Port: port, LastSeen: time.Now()}
}

// Touch marks the contact as freshly seen and clears its failure count,
// per the invariant that failed-query counter resets on any success.
func (c *Contact) Touch(now time.Time) {
	if now.After(c.LastSeen) {
		c.LastSeen = now
	}
	c.Failures = 0
}

// RecordFailure increments the consecutive-failure counter, e.g. after
// an RPC timeout.
func (c *Contact) RecordFailure() {
	c.Failures++
}

// IsQuestionable reports whether the contact has been silent for more
// than QuestionableAfter.
func (c Contact) IsQuestionable(now time.Time) bool {
	return now.Sub(c.LastSeen) > QuestionableAfter
}

// IsBad reports whether the contact has failed BadAfterFailures or more
// consecutive queries.
func (c Contact) IsBad() bool {
	return c.Failures >= BadAfterFailures
}

// Endpoint formats the contact's network address as "ip:port".
func (c Contact) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.IP.String(), c.Port)
}

// UDPAddr returns the contact's address as a *net.UDPAddr.
func (c Contact) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.IP, Port: c.Port}
}
