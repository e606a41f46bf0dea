package lifecycle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropmesh/dropmesh/common"
	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/storage"
)

// fakeDispatcher records redispatched shares and registers the resulting
// fragment like the mesh engine would.
type fakeDispatcher struct {
	table      *FragmentTable
	clock      common.Clock
	fail       error
	dispatched []interfaces.Share
}

func (d *fakeDispatcher) DispatchReplacement(ctx context.Context, drop *DropRecord, share interfaces.Share) (interfaces.NodeKey, error) {
	if d.fail != nil {
		return interfaces.NodeKey{}, d.fail
	}

	d.dispatched = append(d.dispatched, share)
	rec := &FragmentRecord{
		DropID:    drop.ID,
		Index:     share.Index,
		CreatedAt: d.clock.Now(),
		Expiry:    d.clock.Now().Add(time.Hour),
		Blob:      []byte{share.Index},
	}
	if err := d.table.Add(rec); err != nil {
		return interfaces.NodeKey{}, err
	}

	var target interfaces.NodeKey
	target[0] = share.Index
	return target, nil
}

type managerFixture struct {
	table      *FragmentTable
	store      *storage.MemoryStore
	clock      *common.FixedClock
	dispatcher *fakeDispatcher
	manager    *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	table := NewFragmentTable()
	store := storage.NewMemoryStore()
	clock := &common.FixedClock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dispatcher := &fakeDispatcher{table: table, clock: clock}

	manager := NewManager(ManagerConfig{
		Table:      table,
		Store:      store,
		Clock:      clock,
		Log:        slog.New(slog.DiscardHandler),
		Dispatcher: dispatcher,
		OpenReserve: func(sealed []byte) (interfaces.Share, error) {
			// Test reserve shares are "sealed" as index||payload.
			return interfaces.Share{Index: sealed[0], Payload: append([]byte(nil), sealed[1:]...)}, nil
		},
	})

	return &managerFixture{table: table, store: store, clock: clock, dispatcher: dispatcher, manager: manager}
}

func (f *managerFixture) newDrop(t *testing.T, k, n int, ttl time.Duration) *DropRecord {
	t.Helper()

	rec := &DropRecord{
		ID:        interfaces.NewDropID(),
		Owner:     "test-owner",
		K:         k,
		N:         n,
		CreatedAt: f.clock.T,
		Expiry:    f.clock.T.Add(ttl),
		Status:    interfaces.DropActive,
	}
	require.NoError(t, f.manager.Register(context.Background(), rec))
	return rec
}

func (f *managerFixture) addConfirmed(t *testing.T, dropID interfaces.DropID, index uint8) {
	t.Helper()

	require.NoError(t, f.table.Add(&FragmentRecord{
		DropID:    dropID,
		Index:     index,
		CreatedAt: f.clock.T,
		Expiry:    f.clock.T.Add(time.Hour),
		Blob:      []byte{index},
	}))
	sessionID := "setup-" + FragmentKey(dropID, index)
	_, err := f.table.Acquire(dropID, index, sessionID, interfaces.NodeKey{})
	require.NoError(t, err)
	require.True(t, f.table.MarkConfirmed(dropID, index, sessionID))
}

func TestReconcileFlipsReconstructable(t *testing.T) {
	f := newManagerFixture(t)
	drop := f.newDrop(t, 2, 3, 24*time.Hour)
	ctx := context.Background()

	report, err := f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DropActive, report.Status, "no confirmed fragments yet")

	f.addConfirmed(t, drop.ID, 0)
	f.addConfirmed(t, drop.ID, 1)
	f.addConfirmed(t, drop.ID, 2)

	report, err = f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DropReconstructable, report.Status, "quorum reached")
	assert.Equal(t, 3, report.Confirmed)

	// Persisted record reflects the transition.
	data, err := f.store.Get(ctx, DropKey(drop.ID))
	require.NoError(t, err)
	stored, err := DecodeDropRecord(data)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DropReconstructable, stored.Status)
}

func TestReconcileRedispatchesFromReserve(t *testing.T) {
	f := newManagerFixture(t)
	drop := f.newDrop(t, 2, 3, 24*time.Hour)
	drop.ReserveSealed = [][]byte{{10, 0xaa}, {11, 0xbb}}
	ctx := context.Background()

	// Two confirmed fragments cover k but not k+margin.
	f.addConfirmed(t, drop.ID, 0)
	f.addConfirmed(t, drop.ID, 1)

	report, err := f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redispatched, "one reserve share restores the margin")
	require.Len(t, f.dispatcher.dispatched, 1)
	assert.Equal(t, uint8(10), f.dispatcher.dispatched[0].Index)
	assert.Len(t, drop.ReserveSealed, 1, "one sealed share remains in reserve")

	// The new fragment counts as in-flight, so a second pass must not
	// dispatch again.
	report, err = f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Redispatched, "reconcile is idempotent across passes")
	assert.Len(t, f.dispatcher.dispatched, 1)
}

func TestReconcileReserveExhaustion(t *testing.T) {
	f := newManagerFixture(t)
	drop := f.newDrop(t, 3, 5, 24*time.Hour)
	drop.ReserveSealed = [][]byte{{20, 0x01}}
	ctx := context.Background()

	f.addConfirmed(t, drop.ID, 0)

	report, err := f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redispatched, "the only reserve share is dispatched")
	assert.Empty(t, drop.ReserveSealed)
	assert.False(t, report.Degraded, "exhaustion alone is not quorum unreachability")
	assert.Equal(t, interfaces.DropActive, report.Status, "below quorum the drop stays active")
}

func TestReconcileDegradedOnQuorumUnreachable(t *testing.T) {
	f := newManagerFixture(t)
	drop := f.newDrop(t, 2, 3, 24*time.Hour)
	drop.ReserveSealed = [][]byte{{30, 0x01}}
	f.dispatcher.fail = interfaces.ErrQuorumUnreachable
	ctx := context.Background()

	report, err := f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.True(t, report.Degraded, "no candidate nodes marks the pass degraded")
	assert.Equal(t, 0, report.Redispatched)
	assert.ErrorIs(t, report.Err, interfaces.ErrQuorumUnreachable)
	assert.Len(t, drop.ReserveSealed, 1, "undispatched share returns to the reserve")

	// Once candidates return, the next pass dispatches the share.
	f.dispatcher.fail = nil
	report, err = f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redispatched)
	assert.False(t, report.Degraded)
}

func TestReconcileDropTTL(t *testing.T) {
	f := newManagerFixture(t)
	drop := f.newDrop(t, 2, 3, time.Hour)
	drop.ReserveSealed = [][]byte{{40, 0x01}}
	ctx := context.Background()

	f.addConfirmed(t, drop.ID, 0)
	f.addConfirmed(t, drop.ID, 1)

	f.clock.T = f.clock.T.Add(2 * time.Hour)

	report, err := f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DropExpired, report.Status, "past TTL the drop expires")
	assert.Equal(t, 2, report.Expired, "all fragments are invalidated")
	assert.Empty(t, drop.ReserveSealed, "reserve shares are discarded at TTL")

	report, err = f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DropExpired, report.Status, "expiry is terminal and idempotent")
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, 0, report.Redispatched, "expired drops never redispatch")
}

func TestRevoke(t *testing.T) {
	f := newManagerFixture(t)
	drop := f.newDrop(t, 2, 3, 24*time.Hour)
	drop.ReserveSealed = [][]byte{{50, 0x01}}
	ctx := context.Background()

	f.addConfirmed(t, drop.ID, 0)

	require.NoError(t, f.manager.Revoke(ctx, drop.ID))
	assert.Equal(t, interfaces.DropRevoked, drop.Status)
	assert.Empty(t, drop.ReserveSealed, "revocation discards the reserve")

	rec, ok := f.table.Get(drop.ID, 0)
	require.True(t, ok)
	assert.Equal(t, interfaces.FragmentExpired, rec.Status)

	report, err := f.manager.Reconcile(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DropRevoked, report.Status, "reconcile leaves revoked drops alone")
	assert.Equal(t, 0, report.Redispatched)
}

func TestGetLoadsFromStore(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	drop := &DropRecord{
		ID:        interfaces.NewDropID(),
		Owner:     "restarted-owner",
		K:         2,
		N:         3,
		CreatedAt: f.clock.T,
		Expiry:    f.clock.T.Add(time.Hour),
		Status:    interfaces.DropActive,
	}
	data, err := drop.Encode()
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, DropKey(drop.ID), data))

	// A fresh manager on the same store finds the drop.
	loaded, err := f.manager.Get(ctx, drop.ID)
	require.NoError(t, err, "record should load from the store after restart")
	assert.Equal(t, drop.ID, loaded.ID)
	assert.Equal(t, 2, loaded.K)

	_, err = f.manager.Get(ctx, interfaces.NewDropID())
	assert.ErrorIs(t, err, interfaces.ErrDropNotFound)
}
