package splitter

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/hkdf"

	"github.com/dropmesh/dropmesh/interfaces"
)

// checksumSize is the length of the keyed integrity tag appended to the
// secret before splitting.
const checksumSize = sha256.Size

// integrityInfo domain-separates the checksum key from any other use of
// the secret bytes.
const integrityInfo = "dropmesh/split-integrity/v1"

// maxShares is the GF(256) field limit on total shares per split.
const maxShares = 255

// Split divides a secret into n shares such that any k reconstruct it
// exactly and any k-1 are information-theoretically independent of it.
// Each call uses fresh randomness: two splits of the same secret share
// nothing observable.
func Split(secret []byte, k, n int) ([]interfaces.Share, error) {
	return SplitWithReserve(secret, k, n, 0)
}

// SplitWithReserve cuts n+reserve shares in a single split. The first n
// are intended for immediate dispatch; the reserve stays with the owner
// so reconciliation can dispatch replacements that remain compatible
// with the original split. A later split could not produce compatible
// shares, so the reserve is cut up front.
func SplitWithReserve(secret []byte, k, n, reserve int) ([]interfaces.Share, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: threshold %d below 1", interfaces.ErrInvalidParameters, k)
	}
	if k > n {
		return nil, fmt.Errorf("%w: threshold %d exceeds share count %d", interfaces.ErrInvalidParameters, k, n)
	}
	if reserve < 0 {
		return nil, fmt.Errorf("%w: negative reserve", interfaces.ErrInvalidParameters)
	}
	if n+reserve > maxShares {
		return nil, fmt.Errorf("%w: %d shares exceeds field limit %d", interfaces.ErrInvalidParameters, n+reserve, maxShares)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", interfaces.ErrInvalidParameters)
	}

	payload := appendChecksum(secret)
	total := n + reserve

	// The GF(256) scheme needs a polynomial of degree >= 1. A 1-of-n
	// split degenerates to every share carrying the payload verbatim.
	if k == 1 {
		shares := make([]interfaces.Share, total)
		for i := range shares {
			shares[i] = interfaces.Share{Index: uint8(i + 1), Payload: append([]byte(nil), payload...)}
		}
		return shares, nil
	}

	raw, err := shamir.Split(payload, total, k)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]interfaces.Share, total)
	for i, part := range raw {
		shares[i] = interfaces.Share{Index: uint8(i + 1), Payload: part}
	}
	return shares, nil
}

// Reconstruct recovers the original secret from at least k distinct
// shares. Shares that combine but fail the embedded checksum (corruption
// or a mix of splits) yield ErrIntegrityMismatch, never garbage bytes.
func Reconstruct(shares []interfaces.Share, k int) ([]byte, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: threshold %d below 1", interfaces.ErrInvalidParameters, k)
	}

	distinct := dedupeShares(shares)
	if len(distinct) < k {
		return nil, fmt.Errorf("%w: have %d distinct shares, need %d", interfaces.ErrInsufficientShares, len(distinct), k)
	}

	var payload []byte
	if k == 1 {
		payload = distinct[0].Payload
	} else {
		parts := make([][]byte, 0, k)
		for _, share := range distinct[:k] {
			parts = append(parts, share.Payload)
		}

		combined, err := shamir.Combine(parts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrIntegrityMismatch, err)
		}
		payload = combined
	}

	secret, err := verifyChecksum(payload)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// appendChecksum binds a keyed checksum of the secret into the split so
// reconstruction from inconsistent shares is detectable.
func appendChecksum(secret []byte) []byte {
	tag := integrityTag(secret)
	payload := make([]byte, 0, len(secret)+checksumSize)
	payload = append(payload, secret...)
	return append(payload, tag...)
}

func verifyChecksum(payload []byte) ([]byte, error) {
	if len(payload) <= checksumSize {
		return nil, fmt.Errorf("%w: combined payload too short", interfaces.ErrIntegrityMismatch)
	}

	secret := payload[:len(payload)-checksumSize]
	tag := payload[len(payload)-checksumSize:]
	if !hmac.Equal(tag, integrityTag(secret)) {
		return nil, interfaces.ErrIntegrityMismatch
	}
	return secret, nil
}

// integrityTag computes HMAC-SHA256 over the secret with a key derived
// from the secret itself. Anyone holding k shares can verify; fewer than
// k learn nothing, since the tag is inside the split payload.
func integrityTag(secret []byte) []byte {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(integrityInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(secret)
	return mac.Sum(nil)
}

// dedupeShares drops shares with repeated indices, keeping first
// occurrence. The GF(256) combine rejects duplicate x-coordinates, and
// callers may legitimately collect the same fragment twice.
func dedupeShares(shares []interfaces.Share) []interfaces.Share {
	seen := make(map[uint8]struct{}, len(shares))
	out := make([]interfaces.Share, 0, len(shares))
	for _, share := range shares {
		if _, ok := seen[share.Index]; ok {
			continue
		}
		seen[share.Index] = struct{}{}
		out = append(out, share)
	}
	return out
}

// Wipe zeroes share payloads after use. Reconstruction callers should
// wipe collected shares once the secret is recovered.
func Wipe(shares []interfaces.Share) {
	for i := range shares {
		for j := range shares[i].Payload {
			shares[i].Payload[j] = 0
		}
	}
}
