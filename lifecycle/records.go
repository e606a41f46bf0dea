package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/location"
)

// DropRecord is the persisted state of one dead drop.
type DropRecord struct {
	ID        interfaces.DropID     `json:"id"`
	Owner     string                `json:"owner"`
	K         int                   `json:"k"`
	N         int                   `json:"n"`
	CreatedAt time.Time             `json:"created_at"`
	Expiry    time.Time             `json:"expiry"`
	Status    interfaces.DropStatus `json:"status"`
	Challenge *location.Challenge   `json:"challenge,omitempty"`

	// ReserveSealed holds the undispatched reserve shares, each sealed
	// to the owner key. They never touch the store in plaintext.
	ReserveSealed [][]byte `json:"reserve_sealed,omitempty"`
}

// DropKey builds the store key for a drop record.
func DropKey(id interfaces.DropID) string {
	return "drop/" + id.String()
}

// Closed reports whether the drop no longer accepts dispatch or
// retrieval.
func (r *DropRecord) Closed() bool {
	return r.Status == interfaces.DropExpired || r.Status == interfaces.DropRevoked
}

// Encode serializes the record for the store.
func (r *DropRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeDropRecord parses a stored drop record.
func DecodeDropRecord(data []byte) (*DropRecord, error) {
	var rec DropRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode drop record: %w", err)
	}
	return &rec, nil
}
