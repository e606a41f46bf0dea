package interfaces

import "errors"

var (
	// ErrInvalidParameters is returned for a bad threshold, share count,
	// or empty secret. Indicates caller misuse, never retried.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInsufficientShares is returned when reconstruction is attempted
	// with fewer than threshold distinct shares.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrIntegrityMismatch is returned when enough shares combine but the
	// embedded checksum does not match: corrupted shares or shares from a
	// different split. The reconstructed bytes are never returned.
	ErrIntegrityMismatch = errors.New("share integrity mismatch")

	// ErrAuthenticationFailed is returned on AEAD tag mismatch when
	// opening a fragment: tampered ciphertext or wrong key.
	ErrAuthenticationFailed = errors.New("fragment authentication failed")

	// ErrExpiredFragment is returned when the expiry timestamp inside a
	// fragment's authenticated payload has passed. The embedded timestamp
	// is authoritative; holder-reported status is never trusted over it.
	ErrExpiredFragment = errors.New("fragment expired")

	// ErrMalformedTransfer is returned on chunk sequencing violations:
	// gaps, duplicates, or a reassembly hash mismatch.
	ErrMalformedTransfer = errors.New("malformed transfer")

	// ErrSessionTimeout is returned when a drop session makes no progress
	// within its bounded interval.
	ErrSessionTimeout = errors.New("session timeout")

	// ErrLocationChallengeUnsatisfied is returned when a configured
	// location challenge evaluates unsatisfied during retrieval.
	ErrLocationChallengeUnsatisfied = errors.New("location challenge unsatisfied")

	// ErrQuorumUnreachable is reported by reconciliation when too few
	// candidate nodes exist to restore the confirmed-fragment margin.
	// Degraded state, not fatal: reconciliation keeps retrying until TTL.
	ErrQuorumUnreachable = errors.New("quorum unreachable")

	// ErrDropNotFound is returned for operations on an unknown drop ID.
	ErrDropNotFound = errors.New("drop not found")

	// ErrDropClosed is returned for retrieval or dispatch against an
	// expired or revoked drop.
	ErrDropClosed = errors.New("drop expired or revoked")
)

var (
	// ErrRecordNotFound is returned when a requested record does not
	// exist in the backing store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible: network issues, authentication failures, or outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or names an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
