// Package interfaces defines the core types and collaborator contracts of
// the dead-drop secret distribution engine, separating interface
// definitions from implementations.
//
// # Data Model
//
// DropID: 16-byte identifier of one secret-sharing instance.
//
// NodeKey: ephemeral Curve25519 public key naming a mesh peer for the
// lifetime of a discovery window. Peers have no durable identity.
//
// Share: one threshold-cryptography fragment of a secret, pre-encryption.
//
// MeshNode: a peer observed during discovery, with capacity and latency
// estimates used for dispatch candidate ranking.
//
// # External Collaborators
//
// Transport: the short-range radio abstraction
// (advertise/scan/connect/send/recv/close). The engine never depends on a
// particular radio stack; BLE adapters and in-process loopbacks both fit.
//
// RecordStore: durable keyed persistence for drop and fragment metadata
// with prefix scans, backed by memory, file, S3 or Vault.
//
// # Error Taxonomy
//
// Sentinel errors cover the protocol and cryptographic failure modes:
// parameter misuse (ErrInvalidParameters), reconstruction failures
// (ErrInsufficientShares, ErrIntegrityMismatch), sealing failures
// (ErrAuthenticationFailed, ErrExpiredFragment), transfer violations
// (ErrMalformedTransfer, ErrSessionTimeout), and degraded reconciliation
// (ErrQuorumUnreachable). Protocol-level failures are recovered locally;
// cryptographic and parameter failures surface immediately.
package interfaces
