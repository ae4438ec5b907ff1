package node

import (
	"net"

	"github.com/kadlab/dhtnode/protocol"
	"github.com/kadlab/dhtnode/routing"
	"github.com/kadlab/dhtnode/rpc"
)

// HandleQuery answers an inbound q message, implementing rpc.QueryHandler.
// Every well-formed ping, find_node, get_peers, and validly tokened
// announce_peer query also passively refreshes the routing table with
// the sender's contact, per spec §4.F's receive-path note that any
// successful exchange (query or response) counts as a sighting.
func (n *Node) HandleQuery(from rpc.Endpoint, kind protocol.QueryKind, txID []byte, payload interface{}) (interface{}, *protocol.ProtocolError) {
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return nil, &protocol.ProtocolError{Code: protocol.ErrServer, Message: "unsupported transport endpoint"}
	}

	switch kind {
	case protocol.Ping:
		q, ok := payload.(*protocol.PingQuery)
		if !ok {
			return nil, malformedArgs("ping")
		}
		n.table.Add(routing.NewContact(q.ID, udpAddr.IP, udpAddr.Port))
		return protocol.PingResponse{ID: n.self}, nil

	case protocol.FindNode:
		q, ok := payload.(*protocol.FindNodeQuery)
		if !ok {
			return nil, malformedArgs("find_node")
		}
		n.table.Add(routing.NewContact(q.ID, udpAddr.IP, udpAddr.Port))
		closest := n.table.GetClosest(q.Target, n.cfg.K)
		return protocol.FindNodeResponse{ID: n.self, Nodes: closest}, nil

	case protocol.GetPeers:
		q, ok := payload.(*protocol.GetPeersQuery)
		if !ok {
			return nil, malformedArgs("get_peers")
		}
		n.table.Add(routing.NewContact(q.ID, udpAddr.IP, udpAddr.Port))

		tok, err := n.tokens.Generate(udpAddr.IP)
		if err != nil {
			return nil, &protocol.ProtocolError{Code: protocol.ErrServer, Message: err.Error()}
		}

		resp := protocol.GetPeersResponse{ID: n.self, Token: tok}
		if peers := n.peers.Get(q.InfoHash); len(peers) > 0 {
			resp.Values = peers
		} else {
			resp.Nodes = n.table.GetClosest(q.InfoHash, n.cfg.K)
		}
		return resp, nil

	case protocol.AnnouncePeer:
		q, ok := payload.(*protocol.AnnouncePeerQuery)
		if !ok {
			return nil, malformedArgs("announce_peer")
		}
		if !n.tokens.Verify(udpAddr.IP, q.Token) {
			return nil, &protocol.ProtocolError{Code: protocol.ErrProtocol, Message: "invalid or expired token"}
		}
		n.table.Add(routing.NewContact(q.ID, udpAddr.IP, udpAddr.Port))

		port := q.Port
		if q.ImpliedPort {
			port = udpAddr.Port
		}
		n.peers.Put(q.InfoHash, protocol.PeerAddr{IP: udpAddr.IP, Port: port})
		return protocol.AnnouncePeerResponse{ID: n.self}, nil

	default:
		return nil, &protocol.ProtocolError{Code: protocol.ErrMethodUnknown, Message: "unknown method"}
	}
}

func malformedArgs(method string) *protocol.ProtocolError {
	return &protocol.ProtocolError{Code: protocol.ErrProtocol, Message: "malformed arguments for " + method}
}
