// Package lifecycle tracks fragment delivery state and keeps dead drops
// healthy until their TTL.
//
// # Fragment Table
//
// The FragmentTable is the single shared mutable structure in the
// system. Sessions claim a fragment with Acquire before transferring it
// (single-writer-per-fragment), and release or confirm it exactly once.
// Expiry transitions follow the timestamp embedded in each fragment's
// authenticated payload and commute with every other transition, so
// readers tolerate eventually-consistent snapshots.
//
// # Reconciliation
//
// Manager.Reconcile is a pure maintenance pass designed to be invoked by
// an external scheduler: it expires stale fragments, flips the drop to
// reconstructable at quorum and to expired at TTL, and re-dispatches
// owner-held reserve shares while the viable fragment supply sits below
// k+margin. Every transition is idempotent; running reconciliation
// twice, or on a stale view, converges to the same state.
package lifecycle
