package cryptoutils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dropmesh/dropmesh/interfaces"
)

// keyFile is the on-disk owner keypair. With a passphrase the private
// scalar is encrypted under an Argon2id-derived key; without one it is
// stored bare for development setups.
type keyFile struct {
	PublicKey string `json:"public_key"`

	PrivateKey string `json:"private_key,omitempty"`

	Salt      string `json:"salt,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Encrypted string `json:"encrypted_key,omitempty"`
}

// SaveOwnerKey writes an owner keypair file. A non-empty passphrase
// encrypts the private key at rest.
func SaveOwnerKey(path string, pub interfaces.NodeKey, priv interfaces.NodePrivateKey, passphrase []byte) error {
	kf := keyFile{PublicKey: pub.String()}

	if len(passphrase) == 0 {
		kf.PrivateKey = hex.EncodeToString(priv[:])
	} else {
		salt := make([]byte, 16)
		if err := ReadRandom(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		key := DeriveOwnerKey(passphrase, salt)
		defer WipeBytes(key)

		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return fmt.Errorf("failed to create AEAD: %w", err)
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		if err := ReadRandom(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}

		kf.Salt = hex.EncodeToString(salt)
		kf.Nonce = hex.EncodeToString(nonce)
		kf.Encrypted = hex.EncodeToString(aead.Seal(nil, nonce, priv[:], nil))
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// PublicKeyFromFile extracts the public key from raw key file contents
// without touching the private half.
func PublicKeyFromFile(data []byte) (interfaces.NodeKey, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return interfaces.NodeKey{}, fmt.Errorf("failed to parse key file: %w", err)
	}
	return interfaces.NewNodeKeyFromHex(kf.PublicKey)
}

// LoadOwnerKey reads an owner keypair file, decrypting the private key
// when a passphrase protects it.
func LoadOwnerKey(path string, passphrase []byte) (interfaces.NodeKey, interfaces.NodePrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("failed to read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("failed to parse key file: %w", err)
	}

	pub, err := interfaces.NewNodeKeyFromHex(kf.PublicKey)
	if err != nil {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, err
	}

	var privRaw []byte
	switch {
	case kf.PrivateKey != "":
		privRaw, err = hex.DecodeString(kf.PrivateKey)
		if err != nil {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("invalid private key encoding: %w", err)
		}

	case kf.Encrypted != "":
		if len(passphrase) == 0 {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("key file is passphrase protected")
		}
		salt, err := hex.DecodeString(kf.Salt)
		if err != nil {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("invalid salt encoding: %w", err)
		}
		nonce, err := hex.DecodeString(kf.Nonce)
		if err != nil || len(nonce) != chacha20poly1305.NonceSize {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("invalid nonce encoding")
		}
		ciphertext, err := hex.DecodeString(kf.Encrypted)
		if err != nil {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("invalid ciphertext encoding: %w", err)
		}

		key := DeriveOwnerKey(passphrase, salt)
		defer WipeBytes(key)
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, err
		}
		privRaw, err = aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, interfaces.ErrAuthenticationFailed
		}

	default:
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("key file carries no private key")
	}

	if len(privRaw) != 32 {
		return interfaces.NodeKey{}, interfaces.NodePrivateKey{}, fmt.Errorf("invalid private key length %d", len(privRaw))
	}
	var priv interfaces.NodePrivateKey
	copy(priv[:], privRaw)
	WipeBytes(privRaw)
	return pub, priv, nil
}
