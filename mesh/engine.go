package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"

	"github.com/dropmesh/dropmesh/common"
	"github.com/dropmesh/dropmesh/cryptoutils"
	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/lifecycle"
	"github.com/dropmesh/dropmesh/location"
	"github.com/dropmesh/dropmesh/metrics"
)

const (
	// DefaultBeaconInterval is how often the capacity beacon is
	// re-advertised.
	DefaultBeaconInterval = 5 * time.Second

	// DefaultIdentityWindow is how long one ephemeral identity stays in
	// use before rotation.
	DefaultIdentityWindow = 10 * time.Minute

	// identityRetention keeps rotated-out private keys available to open
	// fragments sealed while the key was advertised.
	identityRetention = time.Hour

	// DefaultDispatchAttempts bounds how many candidates one dispatch
	// tries before giving up on the fragment for this pass.
	DefaultDispatchAttempts = 3

	// DefaultCollectTimeout bounds a retrieval collection whose caller
	// supplied no deadline. A collection never waits unboundedly.
	DefaultCollectTimeout = 2 * time.Minute

	heldPrefix = "held/"
)

// EngineConfig wires an Engine's collaborators and tuning knobs.
type EngineConfig struct {
	Transport interfaces.Transport
	Table     *lifecycle.FragmentTable
	Store     interfaces.RecordStore
	Nodes     *NodeTable
	Clock     common.Clock
	Log       *slog.Logger
	Metrics   *metrics.Metrics

	// OwnerPub/OwnerPriv is the durable owner keypair. Fragment blobs
	// rest in the table sealed to it; reserve shares in drop records are
	// sealed to it.
	OwnerPub  interfaces.NodeKey
	OwnerPriv interfaces.NodePrivateKey

	// Capacity is how many fragments this node offers to hold.
	Capacity int

	// RelayHops routes each dispatched fragment through this many
	// relays before its holder. Zero dispatches directly.
	RelayHops int

	MaxPayload       int
	SessionTimeout   time.Duration
	BeaconInterval   time.Duration
	IdentityWindow   time.Duration
	DispatchAttempts int
	CollectTimeout   time.Duration
}

// Engine runs the mesh protocol for one node: discovery beacons,
// inbound sessions, fragment dispatch and retrieval collection. Every
// session runs on its own goroutine; the fragment table's single-writer
// rule is the only cross-session coordination.
type Engine struct {
	cfg       EngineConfig
	transport interfaces.Transport
	table     *lifecycle.FragmentTable
	store     interfaces.RecordStore
	nodes     *NodeTable
	clock     common.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics

	// Rotating ephemeral identity. Retired keys stay in identities so
	// in-flight fragments sealed to them can still be opened.
	idMu       sync.Mutex
	idPub      interfaces.NodeKey
	idPriv     interfaces.NodePrivateKey
	idRotated  time.Time
	identities *gocache.Cache

	heldCount atomic.Int64
	counter   atomic.Uint64
	draining  atomic.Bool

	// Active retrieval collections by drop ID.
	collectMu sync.Mutex
	collects  map[string]chan interfaces.Share

	// Recently served collector keys, to avoid re-delivering the same
	// fragment while a collect beacon keeps repeating.
	delivered *gocache.Cache
}

// NewEngine creates a mesh engine. The first identity is generated
// immediately.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Transport == nil || cfg.Table == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: engine requires transport, table and store", interfaces.ErrInvalidParameters)
	}
	if cfg.Nodes == nil {
		cfg.Nodes = NewNodeTable(0, 0)
	}
	if cfg.Clock == nil {
		cfg.Clock = common.SystemClock{}
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.IdentityWindow <= 0 {
		cfg.IdentityWindow = DefaultIdentityWindow
	}
	if cfg.DispatchAttempts <= 0 {
		cfg.DispatchAttempts = DefaultDispatchAttempts
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = DefaultCollectTimeout
	}

	e := &Engine{
		cfg:        cfg,
		transport:  cfg.Transport,
		table:      cfg.Table,
		store:      cfg.Store,
		nodes:      cfg.Nodes,
		clock:      cfg.Clock,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		identities: gocache.New(identityRetention, identityRetention),
		collects:   make(map[string]chan interfaces.Share),
		delivered:  gocache.New(DefaultDemoteWindow, DefaultDemoteWindow),
	}
	if err := e.rotateIdentity(); err != nil {
		return nil, err
	}
	return e, nil
}

// Identity returns the current ephemeral public key.
func (e *Engine) Identity() interfaces.NodeKey {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.idPub
}

// HeldCount returns how many fragments this node currently holds.
func (e *Engine) HeldCount() int {
	return int(e.heldCount.Load())
}

// SetDraining stops the engine from accepting new custody while
// existing held fragments stay served.
func (e *Engine) SetDraining(v bool) {
	e.draining.Store(v)
}

// rotateIdentity issues a fresh keypair and retires the old one into
// the identity table.
func (e *Engine) rotateIdentity() error {
	pub, priv, err := cryptoutils.GenerateNodeKeypair()
	if err != nil {
		return fmt.Errorf("identity rotation failed: %w", err)
	}

	e.idMu.Lock()
	e.idPub = pub
	e.idPriv = priv
	e.idRotated = e.clock.Now()
	e.idMu.Unlock()

	e.identities.SetDefault(pub.String(), priv)
	e.log.Debug("Rotated node identity", slog.String("key", pub.String()))
	return nil
}

// privateKeyFor looks up the private scalar for one of this node's
// current or recently retired identities.
func (e *Engine) privateKeyFor(pub interfaces.NodeKey) (interfaces.NodePrivateKey, bool) {
	v, ok := e.identities.Get(pub.String())
	if !ok {
		return interfaces.NodePrivateKey{}, false
	}
	return v.(interfaces.NodePrivateKey), true
}

// Run drives the engine loops until the context is cancelled: beacon
// advertisement with identity rotation, discovery scanning and inbound
// session accept.
func (e *Engine) Run(ctx context.Context) error {
	scanCh, err := e.transport.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to start discovery scan: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		e.beaconLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.scanLoop(ctx, scanCh)
	}()
	go func() {
		defer wg.Done()
		e.acceptLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (e *Engine) beaconLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		if err := e.advertiseCapacity(ctx); err != nil {
			e.log.Warn("Beacon advertisement failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.idMu.Lock()
		due := e.clock.Now().Sub(e.idRotated) >= e.cfg.IdentityWindow
		e.idMu.Unlock()
		if due {
			if err := e.rotateIdentity(); err != nil {
				e.log.Error("Identity rotation failed", "err", err)
			}
		}
	}
}

func (e *Engine) advertiseCapacity(ctx context.Context) error {
	free := e.cfg.Capacity - int(e.heldCount.Load())
	if e.draining.Load() {
		free = 0
	}
	if free < 0 {
		free = 0
	}

	payload, err := EncodeBeacon(Beacon{
		Kind:     BeaconCapacity,
		Key:      e.Identity(),
		Capacity: free,
	})
	if err != nil {
		return err
	}
	return e.transport.Advertise(ctx, payload)
}

func (e *Engine) scanLoop(ctx context.Context, scanCh <-chan interfaces.ScanResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-scanCh:
			if !ok {
				return
			}
			e.handleBeacon(ctx, result)
		}
	}
}

func (e *Engine) handleBeacon(ctx context.Context, result interfaces.ScanResult) {
	beacon, err := DecodeBeacon(result.Payload)
	if err != nil {
		e.log.Debug("Dropping malformed beacon", "err", err)
		return
	}

	switch beacon.Kind {
	case BeaconCapacity:
		if e.metrics != nil {
			e.metrics.BeaconsObserved.Inc()
		}
		if beacon.Capacity <= 0 {
			return
		}
		e.nodes.Observe(interfaces.MeshNode{
			Key:      beacon.Key,
			LastSeen: e.clock.Now(),
			Capacity: beacon.Capacity,
		})

	case BeaconCollect:
		go e.serveCollect(ctx, beacon)
	}
}

func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		ch, peer, err := e.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("Accept failed", "err", err)
			continue
		}
		go e.handleInbound(ctx, ch, peer)
	}
}

// handleInbound runs the responder side of one session: taking custody
// of a fragment, receiving a delivery for an active collection, or
// relaying an onion-wrapped blob. The commit callback runs before the
// receipt goes out, so the initiator only sees success once this node
// has actually acted on the blob.
func (e *Engine) handleInbound(ctx context.Context, ch interfaces.Channel, peer interfaces.NodeKey) {
	sess := NewSession(peer, e.log)

	accept := func(p Proposal) error {
		switch p.Kind {
		case ProposalStore:
			if e.draining.Load() {
				return fmt.Errorf("draining, not accepting custody")
			}
			if int(e.heldCount.Load()) >= e.cfg.Capacity {
				return fmt.Errorf("no free capacity")
			}
			return nil
		case ProposalDeliver:
			if !e.collectActive(p.DropID) {
				return fmt.Errorf("no active collection for drop %s", p.DropID)
			}
			return nil
		case ProposalRelay:
			if e.draining.Load() {
				return fmt.Errorf("draining, not relaying")
			}
			return nil
		default:
			return fmt.Errorf("unknown proposal kind %q", p.Kind)
		}
	}

	commit := func(p Proposal, blob []byte) error {
		switch p.Kind {
		case ProposalStore:
			return e.commitHeld(ctx, p, blob)
		case ProposalDeliver:
			return e.acceptDelivery(p, blob)
		case ProposalRelay:
			return e.relayForward(ctx, p, blob)
		default:
			return fmt.Errorf("unknown proposal kind %q", p.Kind)
		}
	}

	_, _, err := sess.Receive(ctx, ch, e.cfg.MaxPayload, e.cfg.SessionTimeout, accept, commit)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SessionsAborted.Inc()
		}
		e.log.Debug("Inbound session failed", slog.String("state", sess.State().String()), "err", err)
		return
	}
	if e.metrics != nil {
		e.metrics.SessionsCompleted.Inc()
	}
}

// heldFragment is the holder-side persisted custody record. The sealed
// fragment stays encrypted at rest; the identity scalar it was sealed
// to rides along because identities rotate faster than custody lasts.
type heldFragment struct {
	Blob      []byte              `json:"blob"`
	Challenge *location.Challenge `json:"challenge,omitempty"`
	Priv      []byte              `json:"priv"`
	StoredAt  time.Time           `json:"stored_at"`
}

func heldKey(dropID interfaces.DropID, index uint8) string {
	return fmt.Sprintf("%s%s/%d", heldPrefix, dropID, index)
}

// commitHeld takes custody of a fragment: authenticate, check the
// embedded expiry, persist. The returned error becomes a negative
// receipt, so the dispatcher never confirms custody this node did not
// actually take.
func (e *Engine) commitHeld(ctx context.Context, proposal Proposal, blob []byte) error {
	frag, err := cryptoutils.DecodeFragment(blob)
	if err != nil {
		return fmt.Errorf("undecodable fragment: %w", err)
	}

	priv, ok := e.privateKeyFor(frag.TargetKey)
	if !ok {
		return fmt.Errorf("fragment sealed to unknown identity %s", frag.TargetKey)
	}

	// Relay-delivered fragments skip the accept-time capacity check.
	if int(e.heldCount.Load()) >= e.cfg.Capacity {
		return fmt.Errorf("no free capacity")
	}

	// Custody is only worth keeping when the fragment authenticates and
	// has not already expired.
	expiry, err := cryptoutils.Expiry(frag, priv)
	if err != nil {
		return fmt.Errorf("fragment failed authentication: %w", err)
	}
	if e.clock.Now().After(expiry) {
		return fmt.Errorf("%w: refusing custody past embedded expiry", interfaces.ErrExpiredFragment)
	}

	rec := heldFragment{
		Blob:      blob,
		Challenge: proposal.Challenge,
		Priv:      priv[:],
		StoredAt:  e.clock.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode held fragment: %w", err)
	}
	if err := e.store.Put(ctx, heldKey(frag.DropID, frag.Index), data); err != nil {
		return fmt.Errorf("failed to persist held fragment: %w", err)
	}

	e.heldCount.Inc()
	if e.metrics != nil {
		e.metrics.FragmentsHeld.Set(float64(e.heldCount.Load()))
	}
	e.log.Info("Took custody of fragment",
		slog.String("drop", frag.DropID.String()), slog.Int("index", int(frag.Index)),
		slog.Int("hops", frag.HopCount))
	return nil
}

// relayForward peels this node's layer off an onion-wrapped blob and
// acts on the command: forward the inner blob to the next hop or take
// custody of it. The forward session waits for the next hop's receipt,
// so receipts cascade back to the dispatcher end to end.
func (e *Engine) relayForward(ctx context.Context, proposal Proposal, blob []byte) error {
	cmd, next, inner, err := e.peelRelayLayer(blob)
	if err != nil {
		return fmt.Errorf("relay layer not addressed to this node: %w", err)
	}

	switch cmd {
	case cryptoutils.RelayStore:
		store := proposal
		store.Kind = ProposalStore
		return e.commitHeld(ctx, store, inner)

	case cryptoutils.RelayForward:
		nextKey, err := interfaces.NewNodeKeyFromHex(next)
		if err != nil {
			return fmt.Errorf("%w: bad next-hop handle: %v", interfaces.ErrMalformedTransfer, err)
		}
		ch, err := e.transport.Connect(ctx, nextKey)
		if err != nil {
			return fmt.Errorf("connect to next hop failed: %w", err)
		}
		sess := NewSession(nextKey, e.log)
		e.log.Debug("Forwarding relay layer", slog.String("next", nextKey.String()))
		return sess.Dispatch(ctx, ch, Proposal{
			Kind:      ProposalRelay,
			Challenge: proposal.Challenge,
		}, inner, e.cfg.SessionTimeout, nil)

	default:
		return fmt.Errorf("%w: unknown relay command %q", interfaces.ErrMalformedTransfer, cmd)
	}
}

// peelRelayLayer tries every current and recently retired identity; the
// layer's AEAD tag only verifies under the key it was sealed to.
func (e *Engine) peelRelayLayer(blob []byte) (cryptoutils.RelayCommand, string, []byte, error) {
	for _, item := range e.identities.Items() {
		priv, ok := item.Object.(interfaces.NodePrivateKey)
		if !ok {
			continue
		}
		cmd, next, inner, err := cryptoutils.PeelLayer(blob, priv)
		if err == nil {
			return cmd, next, inner, nil
		}
	}
	return "", "", nil, interfaces.ErrAuthenticationFailed
}

// SweepHeld expires held fragments whose embedded expiry has passed.
// Returns how many were removed.
func (e *Engine) SweepHeld(ctx context.Context) int {
	records, err := e.store.Scan(ctx, heldPrefix)
	if err != nil {
		e.log.Warn("Held fragment sweep failed", "err", err)
		return 0
	}

	removed := 0
	now := e.clock.Now()
	for key, data := range records {
		var rec heldFragment
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		frag, err := cryptoutils.DecodeFragment(rec.Blob)
		if err != nil {
			continue
		}
		var priv interfaces.NodePrivateKey
		copy(priv[:], rec.Priv)

		expiry, err := cryptoutils.Expiry(frag, priv)
		if err != nil || now.After(expiry) {
			if err := e.store.Delete(ctx, key); err == nil {
				e.heldCount.Dec()
				removed++
			}
		}
	}
	if removed > 0 {
		if e.metrics != nil {
			e.metrics.FragmentsHeld.Set(float64(e.heldCount.Load()))
		}
		e.log.Info("Swept expired held fragments", slog.Int("removed", removed))
	}
	return removed
}

// RegisterShare seals a share to the owner key and registers it in the
// fragment table, ready for dispatch. The plaintext share never rests
// in the table.
func (e *Engine) RegisterShare(drop *lifecycle.DropRecord, share interfaces.Share) error {
	payload, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to encode share: %w", err)
	}
	sealed, err := cryptoutils.SealToKey(e.cfg.OwnerPub, payload)
	cryptoutils.WipeBytes(payload)
	if err != nil {
		return err
	}

	return e.table.Add(&lifecycle.FragmentRecord{
		DropID:    drop.ID,
		Index:     share.Index,
		CreatedAt: e.clock.Now(),
		Expiry:    drop.Expiry,
		Blob:      sealed,
	})
}

// openOwnerShare reverses RegisterShare's sealing.
func (e *Engine) openOwnerShare(sealed []byte) (interfaces.Share, error) {
	payload, err := cryptoutils.OpenFromKey(sealed, e.cfg.OwnerPriv)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer cryptoutils.WipeBytes(payload)

	var share interfaces.Share
	if err := json.Unmarshal(payload, &share); err != nil {
		return interfaces.Share{}, fmt.Errorf("failed to decode share: %w", err)
	}
	return share, nil
}

// OpenReserve unseals an owner-sealed reserve share. Used as the
// lifecycle manager's ReserveOpener.
func (e *Engine) OpenReserve(sealed []byte) (interfaces.Share, error) {
	return e.openOwnerShare(sealed)
}

// DispatchPending dispatches every pending fragment of a drop, each to
// the best available candidate. Returns how many reached custody.
func (e *Engine) DispatchPending(ctx context.Context, drop *lifecycle.DropRecord) (int, error) {
	dispatched := 0
	attempted := make(map[uint8]bool)
	for {
		rec, ok := e.nextUnattempted(drop.ID, attempted)
		if !ok {
			break
		}
		attempted[rec.Index] = true
		if err := e.dispatchOne(ctx, drop, rec.Index); err != nil {
			e.log.Warn("Fragment dispatch failed",
				slog.String("drop", drop.ID.String()), slog.Int("index", int(rec.Index)), "err", err)
			if errors.Is(err, interfaces.ErrQuorumUnreachable) {
				return dispatched, err
			}
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// nextUnattempted finds a pending fragment this pass has not tried yet,
// so a fragment released back to pending by an abort is not retried in
// the same pass.
func (e *Engine) nextUnattempted(dropID interfaces.DropID, attempted map[uint8]bool) (lifecycle.FragmentRecord, bool) {
	for _, rec := range e.table.ForDrop(dropID) {
		if rec.Status == interfaces.FragmentPending && !attempted[rec.Index] {
			return rec, true
		}
	}
	return lifecycle.FragmentRecord{}, false
}

// dispatchOne claims a pending fragment, seals it to a candidate and
// runs the transfer session. On abort the fragment reverts to pending
// and the candidate is demoted; up to DispatchAttempts candidates are
// tried.
func (e *Engine) dispatchOne(ctx context.Context, drop *lifecycle.DropRecord, index uint8) error {
	candidates := e.candidatesFor(drop)
	if len(candidates) == 0 {
		return interfaces.ErrQuorumUnreachable
	}
	if len(candidates) > e.cfg.DispatchAttempts {
		candidates = candidates[:e.cfg.DispatchAttempts]
	}

	var lastErr error
	for _, cand := range candidates {
		sess := NewSession(cand.Key, e.log)

		sealed, err := e.table.Acquire(drop.ID, index, sess.ID, cand.Key)
		if err != nil {
			// Another path claimed it; nothing left to do here.
			return err
		}

		err = e.runDispatchSession(ctx, sess, drop, index, sealed, cand.Key)
		if err == nil {
			if e.metrics != nil {
				e.metrics.FragmentsDispatched.Inc()
				e.metrics.SessionsCompleted.Inc()
			}
			return nil
		}

		lastErr = err
		e.table.ReleaseAborted(drop.ID, index, sess.ID)
		e.nodes.Demote(cand.Key)
		if e.metrics != nil {
			e.metrics.SessionsAborted.Inc()
		}
		e.log.Debug("Dispatch session aborted",
			slog.String("drop", drop.ID.String()), slog.Int("index", int(index)),
			slog.String("peer", cand.Key.String()), "err", err)
	}
	return fmt.Errorf("all candidates failed: %w", lastErr)
}

func (e *Engine) runDispatchSession(ctx context.Context, sess *Session, drop *lifecycle.DropRecord, index uint8, ownerSealed []byte, target interfaces.NodeKey) error {
	share, err := e.openOwnerShare(ownerSealed)
	if err != nil {
		return err
	}
	defer cryptoutils.WipeBytes(share.Payload)

	route := e.relayRoute(target)

	frag, err := cryptoutils.SealFragment(share, drop.ID, drop.Expiry, e.counter.Inc(), target)
	if err != nil {
		return err
	}
	frag.HopCount = len(route) - 1
	blob, err := frag.Encode()
	if err != nil {
		return err
	}

	proposal := Proposal{
		Kind:      ProposalStore,
		DropID:    drop.ID,
		Index:     index,
		Challenge: drop.Challenge,
	}
	first := target
	if len(route) > 1 {
		// Onion-wrap for the relay chain; the first relay sees only the
		// next hop, never the drop.
		blob, err = cryptoutils.WrapRoute(blob, route)
		if err != nil {
			return err
		}
		first = route[0].Relay
		proposal = Proposal{Kind: ProposalRelay, Challenge: drop.Challenge}
	}

	ch, err := e.transport.Connect(ctx, first)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	// Stored on transfer ack, confirmed only on the custody receipt.
	// With relays the receipt cascades back from the final carrier.
	err = sess.Dispatch(ctx, ch, proposal, blob, e.cfg.SessionTimeout, func() {
		e.table.MarkStored(drop.ID, index, sess.ID)
	})
	if err != nil {
		return err
	}

	e.table.RecordRoute(drop.ID, index, sess.ID, len(route)-1)
	e.table.MarkConfirmed(drop.ID, index, sess.ID)
	return nil
}

// relayRoute plans the delivery path to a target: up to RelayHops
// relays drawn from the node table, then the target itself as the
// storing hop. Falls back to fewer hops, or direct, when the table is
// short.
func (e *Engine) relayRoute(target interfaces.NodeKey) []cryptoutils.RouteHop {
	var hops []cryptoutils.RouteHop
	if e.cfg.RelayHops > 0 {
		self := e.Identity()
		relays := make([]interfaces.NodeKey, 0, e.cfg.RelayHops)
		for _, node := range e.nodes.Candidates() {
			if len(relays) == e.cfg.RelayHops {
				break
			}
			if node.Key == target || node.Key == self {
				continue
			}
			relays = append(relays, node.Key)
		}
		for i, key := range relays {
			next := target.String()
			if i+1 < len(relays) {
				next = relays[i+1].String()
			}
			hops = append(hops, cryptoutils.RouteHop{Relay: key, Next: next})
		}
	}
	return append(hops, cryptoutils.RouteHop{Relay: target})
}

// candidatesFor ranks candidates, excluding nodes already targeted by a
// live or confirmed fragment of the drop. One node never holds two
// fragments of the same drop.
func (e *Engine) candidatesFor(drop *lifecycle.DropRecord) []interfaces.MeshNode {
	taken := make(map[interfaces.NodeKey]bool)
	for _, rec := range e.table.ForDrop(drop.ID) {
		switch rec.Status {
		case interfaces.FragmentInTransit, interfaces.FragmentStored, interfaces.FragmentConfirmed:
			taken[rec.Target] = true
		}
	}

	all := e.nodes.Candidates()
	out := make([]interfaces.MeshNode, 0, len(all))
	for _, node := range all {
		if !taken[node.Key] && node.Key != e.Identity() {
			out = append(out, node)
		}
	}
	return out
}

// DispatchReplacement seals a reserve share to a fresh candidate and
// registers it. Implements lifecycle.Dispatcher.
func (e *Engine) DispatchReplacement(ctx context.Context, drop *lifecycle.DropRecord, share interfaces.Share) (interfaces.NodeKey, error) {
	candidates := e.candidatesFor(drop)
	if len(candidates) == 0 {
		return interfaces.NodeKey{}, interfaces.ErrQuorumUnreachable
	}

	if err := e.RegisterShare(drop, share); err != nil {
		return interfaces.NodeKey{}, err
	}
	if err := e.dispatchOne(ctx, drop, share.Index); err != nil {
		// The fragment stays pending; a later pass retries it without a
		// fresh reserve share.
		e.log.Warn("Replacement dispatch did not reach custody, fragment stays pending",
			slog.String("drop", drop.ID.String()), slog.Int("index", int(share.Index)), "err", err)
	}

	if e.metrics != nil {
		e.metrics.ReconcileRedispatch.Inc()
	}
	rec, ok := e.table.Get(drop.ID, share.Index)
	if !ok {
		return interfaces.NodeKey{}, fmt.Errorf("replacement fragment vanished from table")
	}
	return rec.Target, nil
}

// collectActive reports whether a retrieval collection is running for
// the drop.
func (e *Engine) collectActive(dropID interfaces.DropID) bool {
	e.collectMu.Lock()
	defer e.collectMu.Unlock()
	_, ok := e.collects[dropID.String()]
	return ok
}

// acceptDelivery routes a delivered fragment into the active
// collection. The returned error becomes a negative receipt, so a
// holder only marks a fragment delivered when the collector could use
// it.
func (e *Engine) acceptDelivery(proposal Proposal, blob []byte) error {
	frag, err := cryptoutils.DecodeFragment(blob)
	if err != nil {
		return fmt.Errorf("undecodable delivery: %w", err)
	}

	priv, ok := e.privateKeyFor(frag.TargetKey)
	if !ok {
		return fmt.Errorf("delivery sealed to unknown identity %s", frag.TargetKey)
	}

	share, err := cryptoutils.OpenFragment(frag, priv, e.clock.Now())
	if err != nil {
		return fmt.Errorf("delivery failed to open: %w", err)
	}

	e.collectMu.Lock()
	ch, active := e.collects[proposal.DropID.String()]
	e.collectMu.Unlock()
	if !active {
		return fmt.Errorf("no active collection for drop %s", proposal.DropID)
	}

	select {
	case ch <- share:
		if e.metrics != nil {
			e.metrics.SharesCollected.Inc()
		}
	default:
		// The collection buffer is full; the share is surplus.
	}
	return nil
}

// Collect advertises a collect intent for a drop and gathers re-sealed
// shares from holders until k distinct indices arrive or the context
// expires. Fewer than k by the deadline is ErrQuorumUnreachable.
func (e *Engine) Collect(ctx context.Context, dropID interfaces.DropID, locCtx *location.Context, k int) ([]interfaces.Share, error) {
	// A caller without a deadline still gets a bounded wait.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CollectTimeout)
		defer cancel()
	}

	deliveries := make(chan interfaces.Share, 64)

	e.collectMu.Lock()
	if _, exists := e.collects[dropID.String()]; exists {
		e.collectMu.Unlock()
		return nil, fmt.Errorf("collection already running for drop %s", dropID)
	}
	e.collects[dropID.String()] = deliveries
	e.collectMu.Unlock()

	defer func() {
		e.collectMu.Lock()
		delete(e.collects, dropID.String())
		e.collectMu.Unlock()
	}()

	payload, err := EncodeBeacon(Beacon{
		Kind:    BeaconCollect,
		Key:     e.Identity(),
		DropID:  &dropID,
		Context: locCtx,
	})
	if err != nil {
		return nil, err
	}
	if err := e.transport.Advertise(ctx, payload); err != nil {
		return nil, fmt.Errorf("failed to advertise collect intent: %w", err)
	}

	// Re-advertise while collecting so holders that come into range
	// mid-collection still see the intent.
	readvertise := time.NewTicker(e.cfg.BeaconInterval)
	defer readvertise.Stop()

	shares := make(map[uint8]interfaces.Share)
	for len(shares) < k {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: collected %d of %d shares", interfaces.ErrQuorumUnreachable, len(shares), k)
		case <-readvertise.C:
			if err := e.transport.Advertise(ctx, payload); err != nil {
				e.log.Warn("Collect re-advertisement failed", "err", err)
			}
		case share := <-deliveries:
			if _, dup := shares[share.Index]; !dup {
				shares[share.Index] = share
				e.log.Debug("Collected share",
					slog.String("drop", dropID.String()), slog.Int("index", int(share.Index)),
					slog.Int("have", len(shares)), slog.Int("need", k))
			}
		}
	}

	out := make([]interfaces.Share, 0, len(shares))
	for _, share := range shares {
		out = append(out, share)
	}
	return out, nil
}

// serveCollect is the holder side of retrieval: on seeing a collect
// intent, release every held fragment of that drop whose location
// challenge the collector satisfies and whose embedded expiry has not
// passed, re-sealed to the collector's key.
func (e *Engine) serveCollect(ctx context.Context, beacon Beacon) {
	records, err := e.store.Scan(ctx, heldPrefix+beacon.DropID.String()+"/")
	if err != nil {
		e.log.Warn("Held fragment scan failed", "err", err)
		return
	}

	for key, data := range records {
		deliveredKey := beacon.Key.String() + "/" + key
		if _, done := e.delivered.Get(deliveredKey); done {
			continue
		}

		var rec heldFragment
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		frag, err := cryptoutils.DecodeFragment(rec.Blob)
		if err != nil {
			continue
		}
		var priv interfaces.NodePrivateKey
		copy(priv[:], rec.Priv)

		satisfied, err := location.Evaluate(rec.Challenge, frag.DropID, beacon.Context)
		if err != nil {
			e.log.Warn("Challenge evaluation failed", "err", err)
			continue
		}
		if !satisfied {
			if e.metrics != nil {
				e.metrics.ChallengesUnsatisfied.Inc()
			}
			e.log.Info("Refusing release, location challenge unsatisfied",
				slog.String("drop", frag.DropID.String()), slog.Int("index", int(frag.Index)))
			continue
		}

		// Expiry is enforced from the authenticated timestamp, not the
		// collector's claim.
		share, err := cryptoutils.OpenFragment(frag, priv, e.clock.Now())
		if err != nil {
			e.log.Debug("Held fragment not releasable", "err", err)
			continue
		}

		expiry, err := cryptoutils.Expiry(frag, priv)
		if err != nil {
			continue
		}

		if err := e.deliverShare(ctx, beacon.Key, frag.DropID, share, expiry); err != nil {
			e.log.Debug("Delivery to collector failed", "err", err)
			continue
		}
		e.delivered.SetDefault(deliveredKey, true)
		e.log.Info("Released fragment to collector",
			slog.String("drop", frag.DropID.String()), slog.Int("index", int(frag.Index)))
	}
}

// deliverShare re-seals a share to the collector and pushes it through
// a deliver session.
func (e *Engine) deliverShare(ctx context.Context, collector interfaces.NodeKey, dropID interfaces.DropID, share interfaces.Share, expiry time.Time) error {
	defer cryptoutils.WipeBytes(share.Payload)

	frag, err := cryptoutils.SealFragment(share, dropID, expiry, e.counter.Inc(), collector)
	if err != nil {
		return err
	}
	blob, err := frag.Encode()
	if err != nil {
		return err
	}

	ch, err := e.transport.Connect(ctx, collector)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	sess := NewSession(collector, e.log)
	err = sess.Dispatch(ctx, ch, Proposal{
		Kind:   ProposalDeliver,
		DropID: dropID,
		Index:  share.Index,
	}, blob, e.cfg.SessionTimeout, nil)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SessionsAborted.Inc()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.SessionsCompleted.Inc()
	}
	return nil
}
