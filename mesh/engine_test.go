package mesh

import (
	"context"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropmesh/dropmesh/cryptoutils"
	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/lifecycle"
	"github.com/dropmesh/dropmesh/location"
	"github.com/dropmesh/dropmesh/splitter"
	"github.com/dropmesh/dropmesh/storage"
)

type testCluster struct {
	hub     *LoopbackHub
	owner   *Engine
	table   *lifecycle.FragmentTable
	holders []*Engine
	cancel  context.CancelFunc
}

func newTestCluster(t *testing.T, holders int, ownerOpts ...func(*EngineConfig)) *testCluster {
	t.Helper()

	hub := NewLoopbackHub()
	log := slog.New(slog.DiscardHandler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ownerPub, ownerPriv, err := cryptoutils.GenerateNodeKeypair()
	require.NoError(t, err)

	table := lifecycle.NewFragmentTable()
	ownerCfg := EngineConfig{
		Transport:      hub.NewTransport(),
		Table:          table,
		Store:          storage.NewMemoryStore(),
		Log:            log,
		OwnerPub:       ownerPub,
		OwnerPriv:      ownerPriv,
		Capacity:       0,
		SessionTimeout: 2 * time.Second,
		BeaconInterval: 20 * time.Millisecond,
	}
	for _, opt := range ownerOpts {
		opt(&ownerCfg)
	}
	owner, err := NewEngine(ownerCfg)
	require.NoError(t, err)
	go func() { _ = owner.Run(ctx) }()

	cluster := &testCluster{hub: hub, owner: owner, table: table, cancel: cancel}
	for i := 0; i < holders; i++ {
		holder, err := NewEngine(EngineConfig{
			Transport:      hub.NewTransport(),
			Table:          lifecycle.NewFragmentTable(),
			Store:          storage.NewMemoryStore(),
			Log:            log,
			Capacity:       4,
			SessionTimeout: 2 * time.Second,
			BeaconInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		go func() { _ = holder.Run(ctx) }()
		cluster.holders = append(cluster.holders, holder)
	}

	cluster.waitForCandidates(t, holders)
	return cluster
}

// waitForCandidates blocks until discovery has surfaced every holder.
func (c *testCluster) waitForCandidates(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.owner.nodes.Candidates()) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("discovery did not surface %d candidates in time", want)
}

func (c *testCluster) waitForConfirmed(t *testing.T, dropID interfaces.DropID, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.table.Confirmed(dropID, time.Now()) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fragments did not reach %d confirmed in time", want)
}

func newTestDrop(t *testing.T, k, n int, ttl time.Duration, challenge *location.Challenge) (*lifecycle.DropRecord, []byte, []interfaces.Share) {
	t.Helper()

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	shares, err := splitter.Split(secret, k, n)
	require.NoError(t, err)

	return &lifecycle.DropRecord{
		ID:        interfaces.NewDropID(),
		Owner:     "test-owner",
		K:         k,
		N:         n,
		CreatedAt: time.Now(),
		Expiry:    time.Now().Add(ttl),
		Status:    interfaces.DropActive,
		Challenge: challenge,
	}, secret, shares
}

func TestEngineDispatchAndCollect(t *testing.T) {
	cluster := newTestCluster(t, 3)
	drop, secret, shares := newTestDrop(t, 2, 3, time.Hour, nil)
	ctx := context.Background()

	for _, share := range shares {
		require.NoError(t, cluster.owner.RegisterShare(drop, share))
	}

	dispatched, err := cluster.owner.DispatchPending(ctx, drop)
	require.NoError(t, err, "dispatch should succeed with enough candidates")
	assert.Equal(t, 3, dispatched)
	cluster.waitForConfirmed(t, drop.ID, 3)

	// Custody lands after the session completes; wait for all three.
	deadline := time.Now().Add(2 * time.Second)
	total := 0
	for time.Now().Before(deadline) {
		total = 0
		for _, holder := range cluster.holders {
			total += holder.HeldCount()
		}
		if total == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 3, total, "every fragment should be in custody")
	for _, holder := range cluster.holders {
		assert.LessOrEqual(t, holder.HeldCount(), 1, "no holder should carry two fragments of one drop")
	}

	// Retrieval: collect k shares back and reconstruct.
	collectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	collected, err := cluster.owner.Collect(collectCtx, drop.ID, nil, 2)
	require.NoError(t, err, "collection should gather k shares")
	require.Len(t, collected, 2)

	recovered, err := splitter.Reconstruct(collected, 2)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered, "reconstructed secret should match the original")
}

func TestEngineDispatchWithoutCandidates(t *testing.T) {
	cluster := newTestCluster(t, 0)
	drop, _, shares := newTestDrop(t, 2, 3, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, cluster.owner.RegisterShare(drop, shares[0]))

	_, err := cluster.owner.DispatchPending(ctx, drop)
	assert.ErrorIs(t, err, interfaces.ErrQuorumUnreachable, "no candidates means quorum unreachable")

	rec, ok := cluster.table.Get(drop.ID, shares[0].Index)
	require.True(t, ok)
	assert.Equal(t, interfaces.FragmentPending, rec.Status, "fragment stays pending for a later pass")
}

func TestEngineDispatchReplacement(t *testing.T) {
	cluster := newTestCluster(t, 2)
	drop, _, shares := newTestDrop(t, 2, 3, time.Hour, nil)
	ctx := context.Background()

	target, err := cluster.owner.DispatchReplacement(ctx, drop, shares[0])
	require.NoError(t, err)
	assert.False(t, target.IsZero(), "replacement should land on a candidate")

	cluster.waitForConfirmed(t, drop.ID, 1)
}

func TestEngineLocationChallengeGatesRelease(t *testing.T) {
	challenge := &location.Challenge{
		Type:         location.TypeGeofence,
		Latitude:     37.7749,
		Longitude:    -122.4194,
		RadiusMeters: 100,
	}
	cluster := newTestCluster(t, 2)
	drop, secret, shares := newTestDrop(t, 2, 2, time.Hour, challenge)
	ctx := context.Background()

	for _, share := range shares {
		require.NoError(t, cluster.owner.RegisterShare(drop, share))
	}
	_, err := cluster.owner.DispatchPending(ctx, drop)
	require.NoError(t, err)
	cluster.waitForConfirmed(t, drop.ID, 2)

	// No location context: holders must refuse release, fail-closed.
	collectCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	_, err = cluster.owner.Collect(collectCtx, drop.ID, nil, 2)
	cancel()
	assert.ErrorIs(t, err, interfaces.ErrQuorumUnreachable, "unsatisfied challenge must starve the collection")

	// Inside the fence, release proceeds.
	lat, lon := 37.7749, -122.4194
	collectCtx, cancel = context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	collected, err := cluster.owner.Collect(collectCtx, drop.ID, &location.Context{Latitude: &lat, Longitude: &lon}, 2)
	require.NoError(t, err, "satisfied challenge should release fragments")

	recovered, err := splitter.Reconstruct(collected, 2)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)
}

func TestEngineCollectBoundedWithoutDeadline(t *testing.T) {
	cluster := newTestCluster(t, 0, func(cfg *EngineConfig) {
		cfg.CollectTimeout = 300 * time.Millisecond
	})
	drop, _, _ := newTestDrop(t, 2, 3, time.Hour, nil)

	// No deadline on the context: the engine's own timeout must bound
	// the wait instead of blocking forever on an empty mesh.
	start := time.Now()
	_, err := cluster.owner.Collect(context.Background(), drop.ID, nil, 2)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, interfaces.ErrQuorumUnreachable)
	assert.Less(t, elapsed, 3*time.Second, "collection must give up on its own timeout")
}

func TestEngineRelayedDispatch(t *testing.T) {
	cluster := newTestCluster(t, 3, func(cfg *EngineConfig) {
		cfg.RelayHops = 1
	})
	drop, secret, shares := newTestDrop(t, 2, 2, time.Hour, nil)
	ctx := context.Background()

	for _, share := range shares {
		require.NoError(t, cluster.owner.RegisterShare(drop, share))
	}

	dispatched, err := cluster.owner.DispatchPending(ctx, drop)
	require.NoError(t, err, "relayed dispatch should succeed with spare relays")
	assert.Equal(t, 2, dispatched)
	cluster.waitForConfirmed(t, drop.ID, 2)

	// Each fragment rode exactly one relay before its holder.
	for _, rec := range cluster.table.ForDrop(drop.ID) {
		assert.Equal(t, interfaces.FragmentConfirmed, rec.Status)
		assert.Equal(t, 1, rec.HopCount, "fragment %d should record its relay hop", rec.Index)
	}

	// Custody is real at the end of the route, not at the relay.
	deadline := time.Now().Add(2 * time.Second)
	total := 0
	for time.Now().Before(deadline) {
		total = 0
		for _, holder := range cluster.holders {
			total += holder.HeldCount()
		}
		if total == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 2, total, "both fragments should land in custody through the relays")

	// Retrieval is unchanged by how the fragments travelled.
	collectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	collected, err := cluster.owner.Collect(collectCtx, drop.ID, nil, 2)
	require.NoError(t, err)

	recovered, err := splitter.Reconstruct(collected, 2)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)
}

func TestEngineRefusesExpiredCustody(t *testing.T) {
	cluster := newTestCluster(t, 1)
	drop, _, shares := newTestDrop(t, 1, 1, -time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, cluster.owner.RegisterShare(drop, shares[0]))
	_, _ = cluster.owner.DispatchPending(ctx, drop)

	// The fragment's embedded expiry is already past; the holder must
	// not take custody.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, cluster.holders[0].HeldCount(), "expired fragment must be refused at custody")
}
