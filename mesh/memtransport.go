package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/dropmesh/dropmesh/interfaces"
)

// LoopbackHub wires LoopbackTransport instances together in-process.
// It stands in for the radio layer in tests and single-machine runs:
// advertisements fan out to every scanner, connections are paired
// channels.
type LoopbackHub struct {
	mu         sync.Mutex
	transports []*LoopbackTransport
	byKey      map[interfaces.NodeKey]*LoopbackTransport
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{byKey: make(map[interfaces.NodeKey]*LoopbackTransport)}
}

// NewTransport attaches a node to the hub.
func (h *LoopbackHub) NewTransport() *LoopbackTransport {
	t := &LoopbackTransport{
		hub:    h,
		accept: make(chan inboundConn, 16),
	}
	h.mu.Lock()
	h.transports = append(h.transports, t)
	h.mu.Unlock()
	return t
}

// advertise records which transport answers to the advertised key and
// fans the payload out to every other node's scanners.
func (h *LoopbackHub) advertise(from *LoopbackTransport, payload []byte) {
	// The hub learns the key from the beacon the way a radio layer
	// learns a peer handle from the advertisement frame.
	beacon, err := DecodeBeacon(payload)

	h.mu.Lock()
	if err == nil {
		h.byKey[beacon.Key] = from
		from.localKey = beacon.Key
	}
	targets := make([]*LoopbackTransport, 0, len(h.transports))
	for _, t := range h.transports {
		if t != from {
			targets = append(targets, t)
		}
	}
	h.mu.Unlock()

	if err != nil {
		return
	}
	result := interfaces.ScanResult{Peer: beacon.Key, Payload: payload}
	for _, t := range targets {
		t.deliverScan(result)
	}
}

func (h *LoopbackHub) connect(from *LoopbackTransport, peer interfaces.NodeKey) (interfaces.Channel, error) {
	h.mu.Lock()
	target, ok := h.byKey[peer]
	localKey := from.localKey
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no transport advertising key %s", peer)
	}

	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	shared := &loopState{closed: make(chan struct{})}

	initiator := &loopChannel{send: a2b, recv: b2a, state: shared}
	responder := &loopChannel{send: b2a, recv: a2b, state: shared}

	select {
	case target.accept <- inboundConn{ch: responder, peer: localKey}:
		return initiator, nil
	default:
		return nil, fmt.Errorf("peer %s accept queue full", peer)
	}
}

type inboundConn struct {
	ch   interfaces.Channel
	peer interfaces.NodeKey
}

// LoopbackTransport is the in-process interfaces.Transport.
type LoopbackTransport struct {
	hub      *LoopbackHub
	localKey interfaces.NodeKey

	mu       sync.Mutex
	scanners []chan interfaces.ScanResult
	accept   chan inboundConn
}

// Advertise broadcasts a beacon to every other node on the hub.
func (t *LoopbackTransport) Advertise(ctx context.Context, payload []byte) error {
	t.hub.advertise(t, payload)
	return nil
}

// Scan streams beacons from other nodes until the context ends.
func (t *LoopbackTransport) Scan(ctx context.Context) (<-chan interfaces.ScanResult, error) {
	ch := make(chan interfaces.ScanResult, 64)
	t.mu.Lock()
	t.scanners = append(t.scanners, ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		for i, sc := range t.scanners {
			if sc == ch {
				t.scanners = append(t.scanners[:i], t.scanners[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (t *LoopbackTransport) deliverScan(result interfaces.ScanResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sc := range t.scanners {
		select {
		case sc <- result:
		default:
		}
	}
}

// Connect opens a channel to a peer by its advertised key.
func (t *LoopbackTransport) Connect(ctx context.Context, peer interfaces.NodeKey) (interfaces.Channel, error) {
	return t.hub.connect(t, peer)
}

// Accept blocks for the next inbound connection.
func (t *LoopbackTransport) Accept(ctx context.Context) (interfaces.Channel, interfaces.NodeKey, error) {
	select {
	case <-ctx.Done():
		return nil, interfaces.NodeKey{}, ctx.Err()
	case conn := <-t.accept:
		return conn.ch, conn.peer, nil
	}
}

// loopState is the teardown flag shared by both ends of a pair.
type loopState struct {
	closed chan struct{}
	once   sync.Once
}

// loopChannel is one end of a paired in-memory channel.
type loopChannel struct {
	send  chan []byte
	recv  chan []byte
	state *loopState
}

// Send queues one message for the peer.
func (c *loopChannel) Send(ctx context.Context, data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.state.closed:
		return fmt.Errorf("channel closed")
	case c.send <- msg:
		return nil
	}
}

// Recv blocks for the next message from the peer. Messages queued
// before teardown are still delivered, matching a radio layer that
// buffers frames in flight.
func (c *loopChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.state.closed:
		select {
		case data := <-c.recv:
			return data, nil
		default:
			return nil, fmt.Errorf("channel closed")
		}
	case data := <-c.recv:
		return data, nil
	}
}

// Close tears down both directions. Safe to call twice.
func (c *loopChannel) Close() error {
	c.state.once.Do(func() { close(c.state.closed) })
	return nil
}
