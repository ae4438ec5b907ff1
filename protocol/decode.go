package protocol

import (
	"bytes"
	"fmt"

	"github.com/kadlab/dhtnode/bencode"
	"github.com/kadlab/dhtnode/identity"
	"github.com/kadlab/dhtnode/routing"
)

// Decoded is the envelope produced by decoding one inbound datagram.
// Queries are fully typed immediately, since the "q" field names their
// shape. Responses cannot be typed without knowing which query they
// answer, so RawResponse is handed to ParseResponse once the caller has
// looked up the original query kind from its pending-request map.
type Decoded struct {
	TransactionID []byte
	Class         Class
	Version       []byte

	Query        QueryKind
	QueryPayload interface{}

	RawResponse bencode.Value

	Err *ProtocolError
}

func requireBytesField(v bencode.Value, key string) ([]byte, error) {
	field, ok := v.DictGet(key)
	if !ok {
		return nil, &bencode.DecodingError{Reason: fmt.Sprintf("missing field %q", key)}
	}
	b, ok := field.Bytes()
	if !ok {
		return nil, &bencode.DecodingError{Reason: fmt.Sprintf("field %q is not a byte string", key)}
	}
	return b, nil
}

func requireID(v bencode.Value, key string) (identity.ID, error) {
	b, err := requireBytesField(v, key)
	if err != nil {
		return identity.ID{}, err
	}
	id, err := identity.FromBytes(b)
	if err != nil {
		return identity.ID{}, &ProtocolError{Code: ErrProtocol, Message: fmt.Sprintf("field %q: %v", key, err)}
	}
	return id, nil
}

// DecodeMessage parses one bencoded dictionary into its envelope. The
// caller is responsible for rejecting datagrams above the configured
// size cap before calling this.
func DecodeMessage(raw []byte) (*Decoded, error) {
	v, err := bencode.Decode(bytes.NewReader(raw), false)
	if err != nil {
		return nil, err
	}
	if v.Kind() != bencode.KindDict {
		return nil, &bencode.DecodingError{Reason: "top-level value is not a dictionary"}
	}

	txID, err := requireBytesField(v, "t")
	if err != nil {
		return nil, err
	}
	classRaw, err := requireBytesField(v, "y")
	if err != nil {
		return nil, err
	}

	d := &Decoded{TransactionID: txID, Class: Class(classRaw)}
	if ver, ok := v.DictGet("v"); ok {
		if b, ok := ver.Bytes(); ok {
			d.Version = b
		}
	}

	switch d.Class {
	case ClassQuery:
		qNameRaw, err := requireBytesField(v, "q")
		if err != nil {
			return nil, err
		}
		args, ok := v.DictGet("a")
		if !ok {
			return nil, &bencode.DecodingError{Reason: "query missing \"a\""}
		}
		d.Query = QueryKind(qNameRaw)
		payload, err := decodeQueryArgs(d.Query, args)
		if err != nil {
			return nil, err
		}
		d.QueryPayload = payload

	case ClassResponse:
		r, ok := v.DictGet("r")
		if !ok {
			return nil, &bencode.DecodingError{Reason: "response missing \"r\""}
		}
		d.RawResponse = r

	case ClassError:
		e, ok := v.DictGet("e")
		if !ok {
			return nil, &bencode.DecodingError{Reason: "error message missing \"e\""}
		}
		items, ok := e.List()
		if !ok || len(items) != 2 {
			return nil, &bencode.DecodingError{Reason: "\"e\" is not a [code, message] pair"}
		}
		codeBig, ok := items[0].Int()
		if !ok {
			return nil, &bencode.DecodingError{Reason: "error code is not an integer"}
		}
		msgBytes, ok := items[1].Bytes()
		if !ok {
			return nil, &bencode.DecodingError{Reason: "error message is not a byte string"}
		}
		d.Err = &ProtocolError{Code: int(codeBig.Int64()), Message: string(msgBytes)}

	default:
		return nil, &bencode.DecodingError{Reason: fmt.Sprintf("unknown message class %q", classRaw)}
	}

	return d, nil
}

func decodeQueryArgs(kind QueryKind, args bencode.Value) (interface{}, error) {
	switch kind {
	case Ping:
		id, err := requireID(args, "id")
		if err != nil {
			return nil, err
		}
		return &PingQuery{ID: id}, nil

	case FindNode:
		id, err := requireID(args, "id")
		if err != nil {
			return nil, err
		}
		target, err := requireID(args, "target")
		if err != nil {
			return nil, err
		}
		return &FindNodeQuery{ID: id, Target: target}, nil

	case GetPeers:
		id, err := requireID(args, "id")
		if err != nil {
			return nil, err
		}
		infoHash, err := requireID(args, "info_hash")
		if err != nil {
			return nil, err
		}
		return &GetPeersQuery{ID: id, InfoHash: infoHash}, nil

	case AnnouncePeer:
		id, err := requireID(args, "id")
		if err != nil {
			return nil, err
		}
		infoHash, err := requireID(args, "info_hash")
		if err != nil {
			return nil, err
		}
		portVal, ok := args.DictGet("port")
		if !ok {
			return nil, &bencode.DecodingError{Reason: "announce_peer missing \"port\""}
		}
		portBig, ok := portVal.Int()
		if !ok {
			return nil, &bencode.DecodingError{Reason: "announce_peer \"port\" is not an integer"}
		}
		token, err := requireBytesField(args, "token")
		if err != nil {
			return nil, err
		}
		impliedPort := false
		if ipVal, ok := args.DictGet("implied_port"); ok {
			if n, ok := ipVal.Int(); ok && n.Int64() == 1 {
				impliedPort = true
			}
		}
		return &AnnouncePeerQuery{
			ID:          id,
			InfoHash:    infoHash,
			Port:        int(portBig.Int64()),
			Token:       token,
			ImpliedPort: impliedPort,
		}, nil

	default:
		return nil, &ProtocolError{Code: ErrMethodUnknown, Message: fmt.Sprintf("unknown method %q", kind)}
	}
}

// ParseResponse interprets a raw "r" dictionary according to the query
// kind it answers, which the caller knows from its pending-request
// record (the wire response carries no method name).
func ParseResponse(kind QueryKind, r bencode.Value) (interface{}, error) {
	switch kind {
	case Ping, AnnouncePeer:
		id, err := requireID(r, "id")
		if err != nil {
			return nil, err
		}
		if kind == AnnouncePeer {
			return &AnnouncePeerResponse{ID: id}, nil
		}
		return &PingResponse{ID: id}, nil

	case FindNode:
		id, err := requireID(r, "id")
		if err != nil {
			return nil, err
		}
		nodesRaw, err := requireBytesField(r, "nodes")
		if err != nil {
			return nil, err
		}
		nodes, err := routing.DecodeCompactContactList(nodesRaw)
		if err != nil {
			return nil, &ProtocolError{Code: ErrProtocol, Message: err.Error()}
		}
		return &FindNodeResponse{ID: id, Nodes: nodes}, nil

	case GetPeers:
		id, err := requireID(r, "id")
		if err != nil {
			return nil, err
		}
		token, _ := requireBytesField(r, "token")
		resp := &GetPeersResponse{ID: id, Token: token}

		hasValues := false
		if valuesVal, ok := r.DictGet("values"); ok {
			items, ok := valuesVal.List()
			if !ok {
				return nil, &ProtocolError{Code: ErrProtocol, Message: "get_peers \"values\" is not a list"}
			}
			hasValues = true
			for _, item := range items {
				raw, ok := item.Bytes()
				if !ok {
					return nil, &ProtocolError{Code: ErrProtocol, Message: "get_peers value is not a byte string"}
				}
				ip, port, err := routing.DecodeCompactPeer(raw)
				if err != nil {
					return nil, &ProtocolError{Code: ErrProtocol, Message: err.Error()}
				}
				resp.Values = append(resp.Values, PeerAddr{IP: ip, Port: port})
			}
		}
		if nodesVal, ok := r.DictGet("nodes"); ok {
			raw, ok := nodesVal.Bytes()
			if !ok {
				return nil, &ProtocolError{Code: ErrProtocol, Message: "get_peers \"nodes\" is not a byte string"}
			}
			nodes, err := routing.DecodeCompactContactList(raw)
			if err != nil {
				return nil, &ProtocolError{Code: ErrProtocol, Message: err.Error()}
			}
			resp.Nodes = nodes
		} else if !hasValues {
			return nil, &ProtocolError{Code: ErrProtocol, Message: "get_peers response has neither \"values\" nor \"nodes\""}
		}
		return resp, nil

	default:
		return nil, &ProtocolError{Code: ErrMethodUnknown, Message: fmt.Sprintf("cannot parse response for unknown method %q", kind)}
	}
}
