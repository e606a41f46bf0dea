package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dropmesh/dropmesh/interfaces"
)

const (
	fragmentKeyInfo   = "dropmesh/fragment-key/v1"
	fragmentNonceInfo = "dropmesh/fragment-nonce/v1"
)

// Fragment is a Share sealed to a specific carrier: ephemeral-key ECDH,
// HKDF-SHA256 keyed to the drop and share index, ChaCha20-Poly1305. The
// Poly1305 tag is appended to Ciphertext. The share's expiry timestamp
// travels inside the authenticated plaintext, so a holder can neither be
// fooled by a requester's clock claim nor strip the expiry unnoticed.
type Fragment struct {
	DropID     interfaces.DropID  `json:"drop_id"`
	Index      uint8              `json:"index"`
	TargetKey  interfaces.NodeKey `json:"target_key"`
	Ephemeral  interfaces.NodeKey `json:"ephemeral"`
	Nonce      []byte             `json:"nonce"`
	Ciphertext []byte             `json:"ciphertext"`
	HopCount   int                `json:"hop_count"`
	CreatedAt  time.Time          `json:"created_at"`
}

// SealFragment encrypts a share for the target node. counter is the
// per-share transfer counter; together with the drop ID and share index
// it makes the derived nonce unique across every seal of this share.
func SealFragment(share interfaces.Share, dropID interfaces.DropID, expiry time.Time, counter uint64, target interfaces.NodeKey) (*Fragment, error) {
	if len(share.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty share payload", interfaces.ErrInvalidParameters)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("%w: zero target key", interfaces.ErrInvalidParameters)
	}

	ephPub, ephPriv, err := GenerateNodeKeypair()
	if err != nil {
		return nil, err
	}
	defer WipeBytes(ephPriv[:])

	shared, err := sharedSecret(ephPriv, target)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(shared)

	key, err := fragmentKey(shared, dropID, share.Index)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	// Expiry inside the authenticated payload, drop binding in the AAD.
	plaintext := make([]byte, 8+len(share.Payload))
	binary.BigEndian.PutUint64(plaintext[:8], uint64(expiry.Unix()))
	copy(plaintext[8:], share.Payload)
	defer WipeBytes(plaintext)

	nonce := fragmentNonce(dropID, share.Index, counter)
	ciphertext := aead.Seal(nil, nonce, plaintext, fragmentAAD(dropID, share.Index))

	return &Fragment{
		DropID:     dropID,
		Index:      share.Index,
		TargetKey:  target,
		Ephemeral:  ephPub,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// OpenFragment decrypts a fragment with the holder's private key.
// Returns ErrAuthenticationFailed on tag mismatch and ErrExpiredFragment
// when the embedded expiry has passed at the supplied evaluation time.
func OpenFragment(frag *Fragment, holderPriv interfaces.NodePrivateKey, now time.Time) (interfaces.Share, error) {
	shared, err := sharedSecret(holderPriv, frag.Ephemeral)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer WipeBytes(shared)

	key, err := fragmentKey(shared, frag.DropID, frag.Index)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("failed to create AEAD: %w", err)
	}

	if len(frag.Nonce) != chacha20poly1305.NonceSize {
		return interfaces.Share{}, interfaces.ErrAuthenticationFailed
	}

	plaintext, err := aead.Open(nil, frag.Nonce, frag.Ciphertext, fragmentAAD(frag.DropID, frag.Index))
	if err != nil {
		return interfaces.Share{}, interfaces.ErrAuthenticationFailed
	}

	if len(plaintext) < 9 {
		return interfaces.Share{}, interfaces.ErrAuthenticationFailed
	}

	expiry := time.Unix(int64(binary.BigEndian.Uint64(plaintext[:8])), 0)
	if now.After(expiry) {
		WipeBytes(plaintext)
		return interfaces.Share{}, interfaces.ErrExpiredFragment
	}

	return interfaces.Share{Index: frag.Index, Payload: plaintext[8:]}, nil
}

// Expiry authenticates and returns the embedded expiry timestamp without
// releasing the share. Holders use it to expire stored fragments.
func Expiry(frag *Fragment, holderPriv interfaces.NodePrivateKey) (time.Time, error) {
	shared, err := sharedSecret(holderPriv, frag.Ephemeral)
	if err != nil {
		return time.Time{}, err
	}
	defer WipeBytes(shared)

	key, err := fragmentKey(shared, frag.DropID, frag.Index)
	if err != nil {
		return time.Time{}, err
	}
	defer WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return time.Time{}, err
	}
	if len(frag.Nonce) != chacha20poly1305.NonceSize {
		return time.Time{}, interfaces.ErrAuthenticationFailed
	}
	plaintext, err := aead.Open(nil, frag.Nonce, frag.Ciphertext, fragmentAAD(frag.DropID, frag.Index))
	if err != nil || len(plaintext) < 9 {
		return time.Time{}, interfaces.ErrAuthenticationFailed
	}
	defer WipeBytes(plaintext)

	return time.Unix(int64(binary.BigEndian.Uint64(plaintext[:8])), 0), nil
}

// Encode serializes the fragment for transfer.
func (f *Fragment) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFragment parses a fragment received over a transfer session.
func DecodeFragment(data []byte) (*Fragment, error) {
	var frag Fragment
	if err := json.Unmarshal(data, &frag); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedTransfer, err)
	}
	return &frag, nil
}

// fragmentKey derives the AEAD key from the DH shared secret, bound to
// the drop ID and share index so a key never crosses drops or indices.
func fragmentKey(shared []byte, dropID interfaces.DropID, index uint8) ([]byte, error) {
	salt := append(append([]byte(nil), dropID[:]...), index)
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(fragmentKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// fragmentNonce derives a deterministic, never-reused nonce from the
// drop ID, share index and transfer counter. The ephemeral key is fresh
// per seal, so even a repeated (drop, index, counter) triple would pair
// a nonce with a different key.
func fragmentNonce(dropID interfaces.DropID, index uint8, counter uint64) []byte {
	h := sha256.New()
	h.Write([]byte(fragmentNonceInfo))
	h.Write(dropID[:])
	h.Write([]byte{index})
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	h.Write(c[:])
	return h.Sum(nil)[:chacha20poly1305.NonceSize]
}

func fragmentAAD(dropID interfaces.DropID, index uint8) []byte {
	return append(append([]byte(nil), dropID[:]...), index)
}

// ReadRandom fills buf from the system entropy source.
func ReadRandom(buf []byte) error {
	_, err := io.ReadFull(rand.Reader, buf)
	return err
}
