// Package cryptoutils implements the fragment encryption layer: sealing
// shares to carrier nodes, peeling multi-hop relay layers, and key
// material helpers.
//
// # Sealing
//
// Each fragment is sealed with an ephemeral Curve25519 key agreement
// against the target's public key, HKDF-SHA256 key derivation bound to
// the drop ID and share index (domain separation prevents cross-drop key
// reuse), and ChaCha20-Poly1305 authenticated encryption. Nonces are
// derived deterministically from drop ID, share index and a transfer
// counter and are never reused under the same key. The share's expiry
// timestamp is carried inside the authenticated plaintext; holders
// enforce it from there, never from requester claims.
//
// # Relay Layers
//
// When direct proximity to the carrier is unavailable, WrapRoute builds
// a fixed-depth stack of authenticated layers, one per relay hop,
// innermost first. Each relay peels exactly one layer and learns only
// "forward to this handle" or "store"; neither the fragment plaintext
// nor the owner identity is visible to a relay.
package cryptoutils
