package cryptoutils

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"

	"github.com/dropmesh/dropmesh/interfaces"
)

// GenerateNodeKeypair creates a fresh Curve25519 keypair for a mesh node
// identity. Identities are ephemeral: nodes rotate keypairs between
// discovery windows to prevent long-term linkability.
func GenerateNodeKeypair() (interfaces.NodeKey, interfaces.NodePrivateKey, error) {
	var priv interfaces.NodePrivateKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	pub, err := PublicKey(priv)
	if err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, err
	}
	return pub, priv, nil
}

// PublicKey derives the Curve25519 public key for a private scalar.
func PublicKey(priv interfaces.NodePrivateKey) (interfaces.NodeKey, error) {
	raw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return interfaces.NodeKey{}, fmt.Errorf("failed to derive public key: %w", err)
	}

	var pub interfaces.NodeKey
	copy(pub[:], raw)
	return pub, nil
}

// sharedSecret performs the X25519 Diffie-Hellman agreement.
func sharedSecret(priv interfaces.NodePrivateKey, pub interfaces.NodeKey) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return shared, nil
}

// DeriveOwnerKey derives the owner's root key from a passphrase using
// Argon2id. The daemon uses it to unlock the owner keypair file; the
// parameters follow the RFC 9106 second recommended option.
func DeriveOwnerKey(passphrase, salt []byte) []byte {
	// Parameters: time=1, memory=64MiB, threads=4, keyLen=32
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// WipeBytes zeroes sensitive material in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
