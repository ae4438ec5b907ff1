// Package token implements the get_peers/announce_peer authorization
// tokens: a value a querier must echo back from a prior get_peers
// reply before announce_peer is honored, proving it can receive
// traffic at the address it claims.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	secretSize = 32
	tokenSize  = 20
)

// Manager issues and verifies tokens derived from a rotating secret.
// A token stays valid across one rotation boundary (current or
// previous secret), so a querier that receives a token just before a
// rotation isn't immediately locked out.
type Manager struct {
	interval time.Duration

	mu       sync.RWMutex
	current  []byte
	previous []byte

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a Manager with a freshly generated secret and
// starts its rotation loop.
func NewManager(interval time.Duration) (*Manager, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		interval: interval,
		current:  secret,
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.rotateLoop()
	return m, nil
}

// Stop halts the rotation loop. The manager can still be used to
// generate and verify tokens afterward against its frozen secrets.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) rotateLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Rotate()
		}
	}
}

// Rotate replaces the previous secret with the current one and draws
// a fresh current secret. Tokens issued against the old previous
// secret stop verifying once this runs.
func (m *Manager) Rotate() {
	secret, err := randomSecret()
	if err != nil {
		// A failed rand.Read here would be a system-level problem;
		// keep serving the existing secret pair rather than losing
		// the ability to issue tokens.
		return
	}
	m.mu.Lock()
	m.previous = m.current
	m.current = secret
	m.mu.Unlock()
}

// Generate returns a token for remote, stable for the IP address alone
// (the port is deliberately excluded, per BEP-5) within the current
// epoch.
func (m *Manager) Generate(remote net.IP) ([]byte, error) {
	m.mu.RLock()
	secret := m.current
	m.mu.RUnlock()
	return deriveToken(secret, remote)
}

// Verify reports whether token is valid for remote against either the
// current or the immediately previous secret.
func (m *Manager) Verify(remote net.IP, candidate []byte) bool {
	m.mu.RLock()
	current, previous := m.current, m.previous
	m.mu.RUnlock()

	if tok, err := deriveToken(current, remote); err == nil && hmac.Equal(tok, candidate) {
		return true
	}
	if previous != nil {
		if tok, err := deriveToken(previous, remote); err == nil && hmac.Equal(tok, candidate) {
			return true
		}
	}
	return false
}

func deriveToken(secret []byte, remote net.IP) ([]byte, error) {
	ip4 := remote.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("token: only IPv4 endpoints are supported, got %s", remote)
	}
	h := hkdf.New(sha256.New, secret, nil, ip4)
	out := make([]byte, tokenSize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("token: failed to derive token: %w", err)
	}
	return out, nil
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, secretSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("token: failed to generate secret: %w", err)
	}
	return buf, nil
}
