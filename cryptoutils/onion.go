package cryptoutils

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dropmesh/dropmesh/interfaces"
)

const relayLayerInfo = "dropmesh/relay-layer/v1"

// RelayCommand tells a relay what to do with a peeled layer.
type RelayCommand string

const (
	// RelayForward instructs the relay to pass the inner blob to the
	// next hop.
	RelayForward RelayCommand = "forward"
	// RelayStore instructs the relay that it is the final carrier and
	// should store the inner blob as a fragment.
	RelayStore RelayCommand = "store"
)

// RouteHop is one relay on a multi-hop delivery path.
type RouteHop struct {
	// Relay is the hop's ephemeral public key.
	Relay interfaces.NodeKey
	// Next is the opaque transport handle of the following hop. Empty
	// for the final hop, which stores instead of forwarding.
	Next string
}

// relayLayer is the plaintext a relay sees after peeling its layer: the
// command, at most one next-hop handle, and the still-encrypted inner
// blob. A relay never learns the fragment contents or the owner.
type relayLayer struct {
	Cmd   RelayCommand `json:"cmd"`
	Next  string       `json:"next,omitempty"`
	Inner []byte       `json:"inner"`
}

// WrapRoute wraps an encoded fragment in one encryption layer per hop,
// innermost (final carrier) first. The layers form an explicit ordered
// stack; each is peeled by exactly one relay.
func WrapRoute(fragment []byte, hops []RouteHop) ([]byte, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: route needs at least one hop", interfaces.ErrInvalidParameters)
	}

	blob := fragment
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]

		cmd := RelayForward
		if i == len(hops)-1 {
			cmd = RelayStore
		}
		if cmd == RelayForward && hops[i].Next == "" {
			return nil, fmt.Errorf("%w: forwarding hop %d has no next handle", interfaces.ErrInvalidParameters, i)
		}

		layer, err := json.Marshal(relayLayer{Cmd: cmd, Next: hop.Next, Inner: blob})
		if err != nil {
			return nil, fmt.Errorf("failed to encode relay layer: %w", err)
		}

		sealed, err := SealToKey(hop.Relay, layer)
		if err != nil {
			return nil, err
		}
		blob = sealed
	}
	return blob, nil
}

// PeelLayer removes the single layer addressed to this relay. Returns
// the command, the next-hop handle (forward only) and the inner blob.
func PeelLayer(blob []byte, relayPriv interfaces.NodePrivateKey) (RelayCommand, string, []byte, error) {
	plaintext, err := OpenFromKey(blob, relayPriv)
	if err != nil {
		return "", "", nil, err
	}

	var layer relayLayer
	if err := json.Unmarshal(plaintext, &layer); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedTransfer, err)
	}

	switch layer.Cmd {
	case RelayForward, RelayStore:
	default:
		return "", "", nil, fmt.Errorf("%w: unknown relay command %q", interfaces.ErrMalformedTransfer, layer.Cmd)
	}
	return layer.Cmd, layer.Next, layer.Inner, nil
}

// SealToKey encrypts plaintext to a public key with a fresh ephemeral
// keypair and random nonce. Envelope: ephemeral pub (32) || nonce (12)
// || ciphertext+tag.
func SealToKey(target interfaces.NodeKey, plaintext []byte) ([]byte, error) {
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

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, target[:], []byte(relayLayerInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if err := ReadRandom(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 32+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephPub[:]...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// OpenFromKey reverses SealToKey with the recipient's private key.
func OpenFromKey(blob []byte, priv interfaces.NodePrivateKey) ([]byte, error) {
	if len(blob) < 32+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, interfaces.ErrAuthenticationFailed
	}

	var ephPub interfaces.NodeKey
	copy(ephPub[:], blob[:32])
	nonce := blob[32 : 32+chacha20poly1305.NonceSize]
	ciphertext := blob[32+chacha20poly1305.NonceSize:]

	shared, err := sharedSecret(priv, ephPub)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(shared)

	selfPub, err := PublicKey(priv)
	if err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, selfPub[:], []byte(relayLayerInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailed
	}
	return plaintext, nil
}
