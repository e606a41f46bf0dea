// Package engine is the owner-facing surface of the node: it splits
// secrets into threshold shares, hands them to the mesh for dispatch,
// reconstructs them at retrieval and drives periodic reconciliation.
package engine
