// Package mesh implements the discovery and transfer protocol between
// nodes.
//
// Discovery runs on capability beacons: each node advertises an
// ephemeral public key and its free capacity, and collects the beacons
// it observes into a TTL-bound node table. Identities rotate between
// discovery windows, so nodes are never linkable across sessions.
//
// A transfer is one DropSession: proposal and ack, a chunk stream with
// per-chunk acknowledgements in strict sequence order, and a final
// reassembly check against the hash committed in the proposal. A
// session carries exactly one fragment and aborts on any stall or
// protocol violation, returning the fragment to the pending pool.
//
// Retrieval reverses the flow: a collector advertises a collect intent
// naming the drop, and holders that can satisfy the drop's location
// challenge re-seal their share to the collector's key and deliver it
// back over a regular session.
//
// The transport under all of this is abstract; LoopbackHub provides the
// in-process implementation used by tests and single-machine setups.
package mesh
