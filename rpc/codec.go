package rpc

import (
	"fmt"

	"github.com/kadlab/dhtnode/protocol"
)

func encodeQuery(txID []byte, kind protocol.QueryKind, payload interface{}) ([]byte, error) {
	switch kind {
	case protocol.Ping:
		p, ok := payload.(protocol.PingQuery)
		if !ok {
			return nil, fmt.Errorf("rpc: ping query payload has wrong type %T", payload)
		}
		return protocol.EncodePingQuery(txID, p), nil

	case protocol.FindNode:
		p, ok := payload.(protocol.FindNodeQuery)
		if !ok {
			return nil, fmt.Errorf("rpc: find_node query payload has wrong type %T", payload)
		}
		return protocol.EncodeFindNodeQuery(txID, p), nil

	case protocol.GetPeers:
		p, ok := payload.(protocol.GetPeersQuery)
		if !ok {
			return nil, fmt.Errorf("rpc: get_peers query payload has wrong type %T", payload)
		}
		return protocol.EncodeGetPeersQuery(txID, p), nil

	case protocol.AnnouncePeer:
		p, ok := payload.(protocol.AnnouncePeerQuery)
		if !ok {
			return nil, fmt.Errorf("rpc: announce_peer query payload has wrong type %T", payload)
		}
		return protocol.EncodeAnnouncePeerQuery(txID, p), nil

	default:
		return nil, fmt.Errorf("rpc: unknown query kind %q", kind)
	}
}

func encodeResponse(txID []byte, kind protocol.QueryKind, payload interface{}) ([]byte, error) {
	switch kind {
	case protocol.Ping:
		p, ok := payload.(protocol.PingResponse)
		if !ok {
			return nil, fmt.Errorf("rpc: ping response payload has wrong type %T", payload)
		}
		return protocol.EncodePingResponse(txID, p), nil

	case protocol.AnnouncePeer:
		p, ok := payload.(protocol.AnnouncePeerResponse)
		if !ok {
			return nil, fmt.Errorf("rpc: announce_peer response payload has wrong type %T", payload)
		}
		return protocol.EncodeAnnouncePeerResponse(txID, p), nil

	case protocol.FindNode:
		p, ok := payload.(protocol.FindNodeResponse)
		if !ok {
			return nil, fmt.Errorf("rpc: find_node response payload has wrong type %T", payload)
		}
		return protocol.EncodeFindNodeResponse(txID, p)

	case protocol.GetPeers:
		p, ok := payload.(protocol.GetPeersResponse)
		if !ok {
			return nil, fmt.Errorf("rpc: get_peers response payload has wrong type %T", payload)
		}
		return protocol.EncodeGetPeersResponse(txID, p)

	default:
		return nil, fmt.Errorf("rpc: unknown query kind %q", kind)
	}
}
