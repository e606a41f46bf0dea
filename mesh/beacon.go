package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/location"
)

// BeaconKind distinguishes the two advertisement payloads.
type BeaconKind string

const (
	// BeaconCapacity announces a node willing to store fragments.
	BeaconCapacity BeaconKind = "capacity"
	// BeaconCollect announces a collector gathering fragments of one
	// drop.
	BeaconCollect BeaconKind = "collect"
)

// Beacon is the advertisement payload. Capacity beacons carry nothing
// identity-revealing beyond the ephemeral key and free capacity.
// Collect beacons additionally name the drop and carry the collector's
// location context for challenge evaluation by holders.
type Beacon struct {
	Kind     BeaconKind         `json:"kind"`
	Key      interfaces.NodeKey `json:"key"`
	Capacity int                `json:"capacity,omitempty"`

	DropID  *interfaces.DropID `json:"drop_id,omitempty"`
	Context *location.Context  `json:"context,omitempty"`
}

// EncodeBeacon serializes a beacon payload.
func EncodeBeacon(b Beacon) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode beacon: %w", err)
	}
	return data, nil
}

// DecodeBeacon parses a scanned beacon payload. Malformed beacons are
// dropped by the scanner, not surfaced as session errors.
func DecodeBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return Beacon{}, fmt.Errorf("malformed beacon: %w", err)
	}

	switch b.Kind {
	case BeaconCapacity:
		if b.Key.IsZero() {
			return Beacon{}, fmt.Errorf("malformed beacon: zero key")
		}
	case BeaconCollect:
		if b.Key.IsZero() || b.DropID == nil {
			return Beacon{}, fmt.Errorf("malformed beacon: collect intent missing key or drop")
		}
	default:
		return Beacon{}, fmt.Errorf("malformed beacon: unknown kind %q", b.Kind)
	}
	return b, nil
}
