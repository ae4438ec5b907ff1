// Package protocol implements the message layer: typed queries,
// responses and errors, and their serialization to and from bencoded
// dictionaries per BEP-5. This is the only package that knows the wire
// field names ("t", "y", "q", "a", "r", "e").
package protocol

import (
	"fmt"
	"net"

	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/routing"
)

// Class is the top-level message kind carried in the "y" field.
type Class string

const (
	ClassQuery    Class = "q"
	ClassResponse Class = "r"
	ClassError    Class = "e"
)

// QueryKind names the four supported query methods.
type QueryKind string

const (
	Ping         QueryKind = "ping"
	FindNode     QueryKind = "find_node"
	GetPeers     QueryKind = "get_peers"
	AnnouncePeer QueryKind = "announce_peer"
)

// Error codes from §6 of the protocol this layer serializes.
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// ProtocolError is a well-formed message that violates the schema for
// its kind, or an "e" message received from a remote.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: error %d: %s", e.Code, e.Message)
}

// PeerAddr is a single compact peer address returned by get_peers.
type PeerAddr struct {
	IP   net.IP
	Port int
}

// Query payloads, one struct per method.

type PingQuery struct{ ID identity.ID }

type FindNodeQuery struct {
	ID     identity.ID
	Target identity.ID
}

type GetPeersQuery struct {
	ID       identity.ID
	InfoHash identity.ID
}

type AnnouncePeerQuery struct {
	ID          identity.ID
	InfoHash    identity.ID
	Port        int
	Token       []byte
	ImpliedPort bool
}

// Response payloads, one struct per method.

type PingResponse struct{ ID identity.ID }

type FindNodeResponse struct {
	ID    identity.ID
	Nodes []routing.Contact
}

// GetPeersResponse carries exactly one of Values or Nodes, per spec §4.E.
type GetPeersResponse struct {
	ID     identity.ID
	Token  []byte
	Values []PeerAddr
	Nodes  []routing.Contact
}

type AnnouncePeerResponse struct{ ID identity.ID }

// Message is the fully-resolved envelope shared by queries, responses
// and errors: a transaction ID, a class, an optional version string,
// and exactly one of a query/response/error payload. DecodeMessage does
// not build a Message: it returns a Decoded, whose query payload is
// already typed (the method name rides on the wire) but whose response
// is the raw "r" dictionary. A typed response needs the caller (the rpc
// layer) to match the transaction ID against its pending-request map
// and call ParseResponse with the recovered query kind.
type Message struct {
	TransactionID []byte
	Class         Class
	Version       []byte

	Query        QueryKind
	QueryPayload interface{} // *PingQuery, *FindNodeQuery, *GetPeersQuery, *AnnouncePeerQuery

	ResponsePayload interface{} // *PingResponse, *FindNodeResponse, *GetPeersResponse, *AnnouncePeerResponse

	Err *ProtocolError
}
