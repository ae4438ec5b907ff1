// Package rpc implements the transaction layer above the message
// codec: matching outbound queries to their responses by transaction
// ID, enforcing per-request timeouts, and dispatching inbound queries
// to a local handler. The engine knows nothing about sockets: Transport
// is its only boundary to the outside world, so it can run against a
// real UDP socket (UDPTransport) or an in-memory fake identically.
package rpc

// Endpoint is an address a Transport can send to or receive from. Its
// concrete shape (host:port string, net.UDPAddr, in-memory peer id) is
// up to the Transport implementation; the engine only compares
// endpoints for equality and logs them.
type Endpoint interface {
	String() string
}

// Transport is the only place this package touches the outside world.
// A real implementation wraps a UDP socket; a test implementation can
// be an in-memory registry, mirroring the teacher's MockNetwork.
type Transport interface {
	// Send writes payload to dst. Implementations should not block
	// waiting for a reply; Send is fire-and-forget at this layer.
	Send(dst Endpoint, payload []byte) error

	// Packets returns the channel of inbound datagrams. The engine
	// owns reading from it for the lifetime of the transport.
	Packets() <-chan Packet
}

// Packet is one inbound datagram paired with the endpoint it arrived
// from, as produced by a Transport implementation's read loop.
type Packet struct {
	From    Endpoint
	Payload []byte
}
