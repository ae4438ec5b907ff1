package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

var curve = elliptic.P256()

// Keypair is the long-lived identity a node presents to the network. Its
// NodeID is derived from the public key, so a node can prove ownership
// of its own ID instead of merely asserting a random 160-bit value.
type Keypair struct {
	Private *ecdsa.PrivateKey
	ID      ID
}

// GenerateKeypair creates a fresh ECDSA (P-256) identity and derives its
// NodeID from the public key.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate key: %w", err)
	}
	return &Keypair{Private: priv, ID: deriveNodeID(&priv.PublicKey)}, nil
}

// deriveNodeID hashes the marshaled public key down to the 160-bit
// NodeID space with SHA-1, the same width BitTorrent node IDs use.
func deriveNodeID(pub *ecdsa.PublicKey) ID {
	raw := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	sum := sha1.Sum(raw)
	var id ID
	copy(id[:], sum[:])
	return id
}

// SaveKeypair persists the private key as a PEM-encoded EC private key
// under dataDir/identity.pem.
func SaveKeypair(kp *Keypair, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("identity: failed to create data dir: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("identity: failed to marshal private key: %w", err)
	}
	path := filepath.Join(dataDir, "identity.pem")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("identity: failed to create %s: %w", path, err)
	}
	defer f.Close()

	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("identity: failed to write %s: %w", path, err)
	}
	return nil
}

// LoadKeypair reads a previously saved identity from dataDir/identity.pem.
func LoadKeypair(dataDir string) (*Keypair, error) {
	path := filepath.Join(dataDir, "identity.pem")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("identity: %s is not valid PEM", path)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to parse private key: %w", err)
	}
	return &Keypair{Private: priv, ID: deriveNodeID(&priv.PublicKey)}, nil
}

// LoadOrGenerateKeypair loads the persisted identity under dataDir, or
// generates and saves a fresh one if none exists yet.
func LoadOrGenerateKeypair(dataDir string) (*Keypair, error) {
	path := filepath.Join(dataDir, "identity.pem")
	if _, err := os.Stat(path); err == nil {
		return LoadKeypair(dataDir)
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeypair(kp, dataDir); err != nil {
		return nil, err
	}
	return kp, nil
}
