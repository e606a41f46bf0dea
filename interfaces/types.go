package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DropID uniquely identifies one dead drop (one secret-sharing instance).
type DropID [16]byte

// NewDropID generates a random drop identifier.
func NewDropID() DropID {
	return DropID(uuid.New())
}

// NewDropIDFromString parses a drop ID from its hex representation.
func NewDropIDFromString(source string) (DropID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 32 {
		return DropID{}, errors.New("invalid drop ID length: hex string must be 32 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return DropID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id DropID
	copy(id[:], raw)
	return id, nil
}

// String returns hex representation.
func (id DropID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte identifier.
func (id DropID) Bytes() []byte {
	return id[:]
}

// Equal compares two drop IDs.
func (id DropID) Equal(other DropID) bool {
	return bytes.Equal(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler for JSON map keys and fields.
func (id DropID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DropID) UnmarshalText(text []byte) error {
	parsed, err := NewDropIDFromString(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NodeKey is an ephemeral Curve25519 public key identifying a mesh peer.
// Peers carry no durable name; the key is rotated between discovery windows.
type NodeKey [32]byte

// NewNodeKeyFromHex parses a node key from hex.
func NewNodeKeyFromHex(source string) (NodeKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(source, "0x"))
	if err != nil {
		return NodeKey{}, fmt.Errorf("invalid hex format: %w", err)
	}
	if len(raw) != 32 {
		return NodeKey{}, errors.New("invalid node key length: expected 32 bytes")
	}

	var key NodeKey
	copy(key[:], raw)
	return key, nil
}

// String returns hex representation.
func (k NodeKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns the raw 32-byte key.
func (k NodeKey) Bytes() []byte {
	return k[:]
}

// IsZero reports whether the key is unset.
func (k NodeKey) IsZero() bool {
	return k == NodeKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (k NodeKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *NodeKey) UnmarshalText(text []byte) error {
	parsed, err := NewNodeKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NodePrivateKey is the Curve25519 scalar matching a NodeKey.
type NodePrivateKey [32]byte

// Share is one threshold-cryptography fragment of a secret, pre-encryption.
// Any k distinct shares of a split reconstruct the secret exactly; any k-1
// carry no information about it.
type Share struct {
	Index   uint8  `json:"index"`
	Payload []byte `json:"payload"`
}

// DropStatus tracks the lifecycle of a dead drop.
type DropStatus int

const (
	// DropActive means fragments are being dispatched or held below quorum.
	DropActive DropStatus = iota
	// DropReconstructable means at least k fragments are confirmed stored.
	DropReconstructable
	// DropExpired means the TTL has passed; holders must refuse release.
	DropExpired
	// DropRevoked means the owner invalidated the drop before TTL.
	DropRevoked
)

// String returns the status name.
func (s DropStatus) String() string {
	switch s {
	case DropActive:
		return "active"
	case DropReconstructable:
		return "reconstructable"
	case DropExpired:
		return "expired"
	case DropRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// FragmentStatus tracks delivery of a single encrypted fragment.
type FragmentStatus int

const (
	// FragmentPending means not yet assigned to a transfer session.
	FragmentPending FragmentStatus = iota
	// FragmentInTransit means a session currently owns the fragment.
	FragmentInTransit
	// FragmentStored means the peer acknowledged storage but the final
	// integrity confirmation is outstanding.
	FragmentStored
	// FragmentConfirmed means the holder confirmed custody.
	FragmentConfirmed
	// FragmentLost means dispatch was abandoned after exhausting retries.
	FragmentLost
	// FragmentExpired means the embedded expiry timestamp has passed.
	FragmentExpired
)

// String returns the status name.
func (s FragmentStatus) String() string {
	switch s {
	case FragmentPending:
		return "pending"
	case FragmentInTransit:
		return "in-transit"
	case FragmentStored:
		return "stored"
	case FragmentConfirmed:
		return "confirmed"
	case FragmentLost:
		return "lost"
	case FragmentExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SessionState tracks one protocol exchange between two nodes.
type SessionState int

const (
	SessionAdvertising SessionState = iota
	SessionHandshaking
	SessionTransferring
	SessionComplete
	SessionAborted
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionAdvertising:
		return "advertising"
	case SessionHandshaking:
		return "handshaking"
	case SessionTransferring:
		return "transferring"
	case SessionComplete:
		return "complete"
	case SessionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MeshNode is a peer observed during discovery. Identity is the ephemeral
// public key for the session's lifetime only.
type MeshNode struct {
	Key      NodeKey       `json:"key"`
	LastSeen time.Time     `json:"last_seen"`
	Capacity int           `json:"capacity"`
	Latency  time.Duration `json:"latency"`
}
