package rpc

import "github.com/kadlab/dhtnode/protocol"

// QueryHandler answers inbound queries synchronously. Implementations
// consult the routing table and token manager and must not block on
// further RPCs of their own; a slow handler stalls the receive loop
// for every other in-flight transaction.
type QueryHandler interface {
	HandleQuery(from Endpoint, kind protocol.QueryKind, txID []byte, payload interface{}) (interface{}, *protocol.ProtocolError)
}
