package token

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateThenVerifyImmediately(t *testing.T) {
	m, err := NewManager(time.Hour)
	require.NoError(t, err)
	defer m.Stop()

	ip := net.ParseIP("203.0.113.5")
	tok, err := m.Generate(ip)
	require.NoError(t, err)
	require.True(t, m.Verify(ip, tok))
}

func TestTokenIsPortIndependent(t *testing.T) {
	m, err := NewManager(time.Hour)
	require.NoError(t, err)
	defer m.Stop()

	ip := net.ParseIP("203.0.113.5")
	tok, err := m.Generate(ip)
	require.NoError(t, err)
	// Generate and Verify take only the IP, so the port a querier used
	// cannot enter the token: the same address verifies.
	require.True(t, m.Verify(ip, tok))
}

func TestTokenRejectedForDifferentEndpoint(t *testing.T) {
	m, err := NewManager(time.Hour)
	require.NoError(t, err)
	defer m.Stop()

	tok, err := m.Generate(net.ParseIP("203.0.113.5"))
	require.NoError(t, err)
	require.False(t, m.Verify(net.ParseIP("203.0.113.6"), tok))
}

// TestTokenRotation is the concrete rotation scenario: a token issued
// just before a rotation remains valid through exactly one rotation,
// then stops verifying after a second.
func TestTokenRotation(t *testing.T) {
	m, err := NewManager(75 * time.Millisecond)
	require.NoError(t, err)
	defer m.Stop()

	ip := net.ParseIP("198.51.100.9")
	tok, err := m.Generate(ip)
	require.NoError(t, err)
	require.True(t, m.Verify(ip, tok))

	time.Sleep(110 * time.Millisecond) // one rotation: current -> previous
	require.True(t, m.Verify(ip, tok), "token must still verify against the previous secret")

	time.Sleep(110 * time.Millisecond) // second rotation: previous secret discarded
	require.False(t, m.Verify(ip, tok), "token must be rejected once its secret ages out of current/previous")
}

func TestManualRotateDiscardsOldPrevious(t *testing.T) {
	m, err := NewManager(time.Hour)
	require.NoError(t, err)
	defer m.Stop()

	ip := net.ParseIP("198.51.100.9")
	first, err := m.Generate(ip)
	require.NoError(t, err)

	m.Rotate()
	require.True(t, m.Verify(ip, first), "still valid as previous after one rotation")

	m.Rotate()
	require.False(t, m.Verify(ip, first), "invalid once it ages past previous")
}
