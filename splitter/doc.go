// Package splitter implements threshold splitting and reconstruction of
// secrets for dead drops.
//
// The scheme is Shamir's Secret Sharing over GF(256) (polynomial
// interpolation, via hashicorp/vault's implementation): any k of n
// shares reconstruct the secret exactly, and any k-1 shares are
// information-theoretically independent of it.
//
// # Integrity Binding
//
// A keyed checksum of the secret (HMAC-SHA256 under an HKDF-derived key)
// is appended to the payload before splitting. Reconstruction verifies
// it after combining, so corrupted shares or shares mixed from two
// different splits surface as ErrIntegrityMismatch instead of silently
// returning garbage.
//
// # Reserve Shares
//
// The GF(256) scheme cannot extend an existing split with new shares, so
// SplitWithReserve over-provisions: it cuts n+reserve shares at once and
// the caller keeps the reserve for later re-dispatch. Replacement
// fragments dispatched during reconciliation therefore stay compatible
// with fragments already in the field.
package splitter
