package interfaces

import "context"

// ScanResult is one observation delivered by a transport scan: the
// advertising peer's ephemeral key and its raw beacon payload.
type ScanResult struct {
	Peer    NodeKey
	Payload []byte
}

// Channel is one open point-to-point link to a peer. Messages are
// delivered whole and in order within a channel.
type Channel interface {
	// Send transmits one message. Blocks until accepted by the radio
	// layer or the context expires.
	Send(ctx context.Context, data []byte) error

	// Recv blocks for the next inbound message or context expiry.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the transport handle. Safe to call twice.
	Close() error
}

// Transport abstracts the short-range radio layer. The engine never
// assumes a specific technology; BLE, loopback and test doubles all
// satisfy this interface.
type Transport interface {
	// Advertise broadcasts a beacon payload to nearby scanners. The
	// payload replaces any previous advertisement.
	Advertise(ctx context.Context, payload []byte) error

	// Scan streams beacons observed from nearby peers until the context
	// is cancelled.
	Scan(ctx context.Context) (<-chan ScanResult, error)

	// Connect opens a channel to a previously observed peer.
	Connect(ctx context.Context, peer NodeKey) (Channel, error)

	// Accept blocks for the next inbound connection.
	Accept(ctx context.Context) (Channel, NodeKey, error)
}
