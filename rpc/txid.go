package rpc

import (
	"crypto/rand"
	"fmt"
)

// newTransactionID draws a short random transaction ID. Two bytes give
// 65536 values in flight at once, comfortably above the busy ceiling,
// so a collision against the live pending set is the only thing that
// needs checking (not cryptographic uniqueness).
func newTransactionID() ([]byte, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("rpc: failed to generate transaction id: %w", err)
	}
	return buf[:], nil
}

// txKey turns a transaction ID into a pending-map key.
func txKey(id []byte) string { return string(id) }
