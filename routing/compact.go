package routing

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/kadlab/dhtnode/identity"
)

// CompactContactLen is the wire size of one compact contact record: a
// 20-byte NodeID, a 4-byte IPv4 address and a 2-byte port, all in
// network byte order.
const CompactContactLen = identity.Size + 4 + 2

// CompactPeerLen is the wire size of one compact peer record: a 4-byte
// IPv4 address and a 2-byte port, with no NodeID.
const CompactPeerLen = 4 + 2

// EncodeCompactContact serializes a single contact to its 26-byte wire form.
func EncodeCompactContact(c Contact) ([]byte, error) {
	ip4 := c.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("routing: contact %s has no IPv4 address", c.ID)
	}
	if c.Port < 0 || c.Port > 0xffff {
		return nil, fmt.Errorf("routing: contact %s has invalid port %d", c.ID, c.Port)
	}
	buf := make([]byte, CompactContactLen)
	copy(buf[:identity.Size], c.ID[:])
	copy(buf[identity.Size:identity.Size+4], ip4)
	binary.BigEndian.PutUint16(buf[identity.Size+4:], uint16(c.Port))
	return buf, nil
}

// EncodeCompactContactList concatenates the compact form of every contact.
func EncodeCompactContactList(contacts []Contact) ([]byte, error) {
	buf := make([]byte, 0, len(contacts)*CompactContactLen)
	for _, c := range contacts {
		enc, err := EncodeCompactContact(c)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

// DecodeCompactContactList parses a concatenation of 26-byte contact records.
func DecodeCompactContactList(raw []byte) ([]Contact, error) {
	if len(raw)%CompactContactLen != 0 {
		return nil, fmt.Errorf("routing: compact contact list length %d not a multiple of %d", len(raw), CompactContactLen)
	}
	n := len(raw) / CompactContactLen
	contacts := make([]Contact, 0, n)
	for i := 0; i < n; i++ {
		rec := raw[i*CompactContactLen : (i+1)*CompactContactLen]
		id, err := identity.FromBytes(rec[:identity.Size])
		if err != nil {
			return nil, err
		}
		ip := net.IP(append([]byte(nil), rec[identity.Size:identity.Size+4]...))
		port := int(binary.BigEndian.Uint16(rec[identity.Size+4:]))
		contacts = append(contacts, Contact{ID: id, IP: ip, Port: port})
	}
	return contacts, nil
}

// EncodeCompactPeer serializes a peer's 6-byte compact address (no NodeID).
func EncodeCompactPeer(ip net.IP, port int) ([]byte, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("routing: peer address %s is not IPv4", ip)
	}
	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("routing: invalid peer port %d", port)
	}
	buf := make([]byte, CompactPeerLen)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(port))
	return buf, nil
}

// DecodeCompactPeer parses a single 6-byte compact peer address.
func DecodeCompactPeer(raw []byte) (net.IP, int, error) {
	if len(raw) != CompactPeerLen {
		return nil, 0, fmt.Errorf("routing: compact peer must be %d bytes, got %d", CompactPeerLen, len(raw))
	}
	ip := net.IP(append([]byte(nil), raw[:4]...))
	port := int(binary.BigEndian.Uint16(raw[4:]))
	return ip, port, nil
}
