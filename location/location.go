// Package location evaluates release predicates for dead-drop retrieval.
//
// The verifier is a pure policy function: it never acquires location
// data itself, it judges caller-supplied context. Evaluation is
// deterministic for identical inputs and fail-closed: missing or
// malformed context is Unsatisfied, never an ambiguous partial success.
package location

import (
	"crypto/ed25519"
	"fmt"
	"math"

	"github.com/dropmesh/dropmesh/interfaces"
)

// ChallengeType names a release predicate.
type ChallengeType string

const (
	// TypeGeofence requires the requester's reading to fall inside a
	// circular geofence.
	TypeGeofence ChallengeType = "geofence"
	// TypeWitness requires signatures from a quorum of designated
	// trusted witness keys.
	TypeWitness ChallengeType = "witness"
)

// Challenge is the owner-configured predicate attached to a drop.
type Challenge struct {
	Type ChallengeType `json:"type"`

	// Geofence parameters
	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	RadiusMeters float64 `json:"radius_meters,omitempty"`

	// Witness parameters: ed25519 public keys and the minimum number
	// that must sign.
	WitnessKeys  [][]byte `json:"witness_keys,omitempty"`
	MinWitnesses int      `json:"min_witnesses,omitempty"`
}

// Context is the requester-supplied evidence evaluated against a
// challenge.
type Context struct {
	// Geolocation reading
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// Witness evidence: signatures over dropID || nonce.
	Nonce             []byte   `json:"nonce,omitempty"`
	WitnessSignatures [][]byte `json:"witness_signatures,omitempty"`
}

// earthRadiusMeters is the mean Earth radius used for haversine.
const earthRadiusMeters = 6371000.0

// Evaluate returns whether the context satisfies the challenge for the
// given drop. A nil challenge is trivially satisfied. Malformed or
// missing context returns (false, nil); an error is returned only for a
// challenge the verifier does not understand.
func Evaluate(ch *Challenge, dropID interfaces.DropID, ctx *Context) (bool, error) {
	if ch == nil {
		return true, nil
	}
	if ctx == nil {
		return false, nil
	}

	switch ch.Type {
	case TypeGeofence:
		return evaluateGeofence(ch, ctx), nil
	case TypeWitness:
		return evaluateWitness(ch, dropID, ctx), nil
	default:
		return false, fmt.Errorf("%w: unknown challenge type %q", interfaces.ErrInvalidParameters, ch.Type)
	}
}

func evaluateGeofence(ch *Challenge, ctx *Context) bool {
	if ctx.Latitude == nil || ctx.Longitude == nil {
		return false
	}
	if ch.RadiusMeters <= 0 {
		return false
	}
	if math.Abs(*ctx.Latitude) > 90 || math.Abs(*ctx.Longitude) > 180 {
		return false
	}

	dist := haversine(ch.Latitude, ch.Longitude, *ctx.Latitude, *ctx.Longitude)
	return dist <= ch.RadiusMeters
}

func evaluateWitness(ch *Challenge, dropID interfaces.DropID, ctx *Context) bool {
	if ch.MinWitnesses < 1 || len(ch.WitnessKeys) < ch.MinWitnesses {
		return false
	}
	if len(ctx.Nonce) == 0 || len(ctx.WitnessSignatures) == 0 {
		return false
	}

	message := append(append([]byte(nil), dropID[:]...), ctx.Nonce...)

	// Count distinct registered keys with at least one valid signature.
	// A witness signing twice counts once.
	satisfied := make(map[int]struct{})
	for _, sig := range ctx.WitnessSignatures {
		if len(sig) != ed25519.SignatureSize {
			continue
		}
		for i, keyBytes := range ch.WitnessKeys {
			if len(keyBytes) != ed25519.PublicKeySize {
				continue
			}
			if ed25519.Verify(ed25519.PublicKey(keyBytes), message, sig) {
				satisfied[i] = struct{}{}
				break
			}
		}
	}
	return len(satisfied) >= ch.MinWitnesses
}

// haversine returns the great-circle distance in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
