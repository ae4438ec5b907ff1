package protocol

import (
	"fmt"

	"github.com/kadlab/dhtnode/bencode"
	"github.com/kadlab/dhtnode/routing"
)

func envelope(txID []byte, class Class, extra map[string]bencode.Value) bencode.Value {
	dict := map[string]bencode.Value{
		"t": bencode.NewString(txID),
		"y": bencode.NewString([]byte(class)),
	}
	for k, v := range extra {
		dict[k] = v
	}
	return bencode.NewDict(dict)
}

// EncodePingQuery serializes a ping query.
func EncodePingQuery(txID []byte, q PingQuery) []byte {
	args := bencode.NewDict(map[string]bencode.Value{"id": bencode.NewString(q.ID[:])})
	v := envelope(txID, ClassQuery, map[string]bencode.Value{
		"q": bencode.NewString([]byte(Ping)),
		"a": args,
	})
	return bencode.Marshal(v)
}

// EncodeFindNodeQuery serializes a find_node query.
func EncodeFindNodeQuery(txID []byte, q FindNodeQuery) []byte {
	args := bencode.NewDict(map[string]bencode.Value{
		"id":     bencode.NewString(q.ID[:]),
		"target": bencode.NewString(q.Target[:]),
	})
	v := envelope(txID, ClassQuery, map[string]bencode.Value{
		"q": bencode.NewString([]byte(FindNode)),
		"a": args,
	})
	return bencode.Marshal(v)
}

// EncodeGetPeersQuery serializes a get_peers query.
func EncodeGetPeersQuery(txID []byte, q GetPeersQuery) []byte {
	args := bencode.NewDict(map[string]bencode.Value{
		"id":        bencode.NewString(q.ID[:]),
		"info_hash": bencode.NewString(q.InfoHash[:]),
	})
	v := envelope(txID, ClassQuery, map[string]bencode.Value{
		"q": bencode.NewString([]byte(GetPeers)),
		"a": args,
	})
	return bencode.Marshal(v)
}

// EncodeAnnouncePeerQuery serializes an announce_peer query.
func EncodeAnnouncePeerQuery(txID []byte, q AnnouncePeerQuery) []byte {
	fields := map[string]bencode.Value{
		"id":        bencode.NewString(q.ID[:]),
		"info_hash": bencode.NewString(q.InfoHash[:]),
		"port":      bencode.NewInt(int64(q.Port)),
		"token":     bencode.NewString(q.Token),
	}
	if q.ImpliedPort {
		fields["implied_port"] = bencode.NewInt(1)
	}
	args := bencode.NewDict(fields)
	v := envelope(txID, ClassQuery, map[string]bencode.Value{
		"q": bencode.NewString([]byte(AnnouncePeer)),
		"a": args,
	})
	return bencode.Marshal(v)
}

// EncodePingResponse serializes a ping/announce_peer-shaped response
// (both return just {id}).
func EncodePingResponse(txID []byte, r PingResponse) []byte {
	ret := bencode.NewDict(map[string]bencode.Value{"id": bencode.NewString(r.ID[:])})
	v := envelope(txID, ClassResponse, map[string]bencode.Value{"r": ret})
	return bencode.Marshal(v)
}

// EncodeAnnouncePeerResponse serializes an announce_peer response ({id}).
func EncodeAnnouncePeerResponse(txID []byte, r AnnouncePeerResponse) []byte {
	return EncodePingResponse(txID, PingResponse{ID: r.ID})
}

// EncodeFindNodeResponse serializes a find_node response.
func EncodeFindNodeResponse(txID []byte, r FindNodeResponse) ([]byte, error) {
	compact, err := routing.EncodeCompactContactList(r.Nodes)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to encode find_node response: %w", err)
	}
	ret := bencode.NewDict(map[string]bencode.Value{
		"id":    bencode.NewString(r.ID[:]),
		"nodes": bencode.NewString(compact),
	})
	v := envelope(txID, ClassResponse, map[string]bencode.Value{"r": ret})
	return bencode.Marshal(v), nil
}

// EncodeGetPeersResponse serializes a get_peers response. Exactly one of
// r.Values or r.Nodes should be set, per spec §4.E.
func EncodeGetPeersResponse(txID []byte, r GetPeersResponse) ([]byte, error) {
	fields := map[string]bencode.Value{
		"id":    bencode.NewString(r.ID[:]),
		"token": bencode.NewString(r.Token),
	}
	if len(r.Values) > 0 {
		items := make([]bencode.Value, 0, len(r.Values))
		for _, p := range r.Values {
			enc, err := routing.EncodeCompactPeer(p.IP, p.Port)
			if err != nil {
				return nil, fmt.Errorf("protocol: failed to encode get_peers values: %w", err)
			}
			items = append(items, bencode.NewString(enc))
		}
		fields["values"] = bencode.NewList(items)
	} else {
		compact, err := routing.EncodeCompactContactList(r.Nodes)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to encode get_peers nodes: %w", err)
		}
		fields["nodes"] = bencode.NewString(compact)
	}
	ret := bencode.NewDict(fields)
	v := envelope(txID, ClassResponse, map[string]bencode.Value{"r": ret})
	return bencode.Marshal(v), nil
}

// EncodeError serializes an "e" message: e = [code, message].
func EncodeError(txID []byte, code int, message string) []byte {
	e := bencode.NewList([]bencode.Value{
		bencode.NewInt(int64(code)),
		bencode.NewString([]byte(message)),
	})
	v := envelope(txID, ClassError, map[string]bencode.Value{"e": e})
	return bencode.Marshal(v)
}
