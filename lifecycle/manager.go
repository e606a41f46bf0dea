package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/dropmesh/dropmesh/common"
	"github.com/dropmesh/dropmesh/interfaces"
)

// DefaultMargin is how many confirmed fragments beyond the threshold
// reconciliation maintains.
const DefaultMargin = 1

// Dispatcher seals and dispatches a reserve share to a fresh candidate
// node, registering the resulting fragment in the shared table. The mesh
// protocol engine implements it.
type Dispatcher interface {
	// DispatchReplacement returns ErrQuorumUnreachable when no
	// candidate node is currently available.
	DispatchReplacement(ctx context.Context, drop *DropRecord, share interfaces.Share) (interfaces.NodeKey, error)
}

// ReserveOpener unseals one owner-sealed reserve share. Implemented by
// the engine holding the owner key.
type ReserveOpener func(sealed []byte) (interfaces.Share, error)

// ReconcileReport summarizes one reconciliation pass over a drop.
type ReconcileReport struct {
	DropID       interfaces.DropID
	Status       interfaces.DropStatus
	Confirmed    int
	InFlight     int
	Expired      int
	Redispatched int
	// Degraded is set when candidate supply could not restore the
	// margin; reconciliation will retry until TTL.
	Degraded bool
	// Err aggregates per-fragment failures. Never fatal to the pass.
	Err error
}

// Manager reconciles drop state: expiring stale fragments, tracking
// quorum, and re-dispatching reserve shares when the confirmed margin
// erodes. Reconcile is idempotent and convergent; an external scheduler
// may invoke it on any interval and on stale snapshots.
type Manager struct {
	mu     sync.Mutex
	drops  map[string]*DropRecord
	table  *FragmentTable
	store  interfaces.RecordStore
	clock  common.Clock
	log    *slog.Logger
	margin int

	dispatcher  Dispatcher
	openReserve ReserveOpener
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Table       *FragmentTable
	Store       interfaces.RecordStore
	Clock       common.Clock
	Log         *slog.Logger
	Margin      int
	Dispatcher  Dispatcher
	OpenReserve ReserveOpener
}

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig) *Manager {
	margin := cfg.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	clock := cfg.Clock
	if clock == nil {
		clock = common.SystemClock{}
	}

	return &Manager{
		drops:       make(map[string]*DropRecord),
		table:       cfg.Table,
		store:       cfg.Store,
		clock:       clock,
		log:         cfg.Log,
		margin:      margin,
		dispatcher:  cfg.Dispatcher,
		openReserve: cfg.OpenReserve,
	}
}

// Register adds a drop to the manager's working set and persists it.
func (m *Manager) Register(ctx context.Context, rec *DropRecord) error {
	m.mu.Lock()
	m.drops[rec.ID.String()] = rec
	m.mu.Unlock()
	return m.persist(ctx, rec)
}

// Get returns the drop record, loading from the store if the manager
// has not seen it since startup.
func (m *Manager) Get(ctx context.Context, id interfaces.DropID) (*DropRecord, error) {
	m.mu.Lock()
	if rec, ok := m.drops[id.String()]; ok {
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	data, err := m.store.Get(ctx, DropKey(id))
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, interfaces.ErrDropNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := DecodeDropRecord(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.drops[id.String()] = rec
	m.mu.Unlock()
	return rec, nil
}

// DropIDs lists drops in the working set.
func (m *Manager) DropIDs() []interfaces.DropID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]interfaces.DropID, 0, len(m.drops))
	for _, rec := range m.drops {
		out = append(out, rec.ID)
	}
	return out
}

// Revoke invalidates a drop before TTL. All outstanding fragments are
// logically invalidated; holders refuse release via the embedded expiry
// on their own, this transition covers the owner's bookkeeping.
func (m *Manager) Revoke(ctx context.Context, id interfaces.DropID) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec.Status = interfaces.DropRevoked
	rec.ReserveSealed = nil
	m.mu.Unlock()

	m.table.ExpireAll(id)
	return m.persist(ctx, rec)
}

// Reconcile runs one maintenance pass over a drop. Safe to re-run on
// any schedule: status transitions are idempotent and re-dispatch only
// fires while viable fragment supply is below k+margin.
func (m *Manager) Reconcile(ctx context.Context, id interfaces.DropID) (*ReconcileReport, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	report := &ReconcileReport{DropID: id}

	m.mu.Lock()
	if rec.Status == interfaces.DropRevoked {
		m.mu.Unlock()
		report.Status = rec.Status
		report.Expired = m.table.ExpireAll(id)
		return report, nil
	}

	if now.After(rec.Expiry) {
		rec.Status = interfaces.DropExpired
		rec.ReserveSealed = nil
		m.mu.Unlock()

		report.Status = interfaces.DropExpired
		report.Expired = m.table.ExpireAll(id)
		if err := m.persist(ctx, rec); err != nil {
			report.Err = multierror.Append(report.Err, err)
		}
		m.log.Info("Drop reached TTL", "drop", id.String(), "expiredFragments", report.Expired)
		return report, nil
	}
	m.mu.Unlock()

	report.Expired = m.table.ExpireStale(id, now)
	report.Confirmed = m.table.Confirmed(id, now)
	report.InFlight = m.table.InFlight(id, now)

	m.updateStatus(rec, report.Confirmed)

	// Re-dispatch from the reserve while the viable supply cannot cover
	// the margin. Pending and in-transit fragments count as viable so a
	// second reconciliation pass does not double-dispatch.
	viable := report.Confirmed + report.InFlight
	target := rec.K + m.margin

	for viable < target {
		sealed, ok := m.takeReserve(rec)
		if !ok {
			m.log.Warn("Reserve exhausted below margin",
				"drop", id.String(), "confirmed", report.Confirmed, "needed", target)
			break
		}

		share, err := m.openReserve(sealed)
		if err != nil {
			report.Err = multierror.Append(report.Err, fmt.Errorf("failed to open reserve share: %w", err))
			continue
		}

		targetNode, err := m.dispatcher.DispatchReplacement(ctx, rec, share)
		if err != nil {
			if errors.Is(err, interfaces.ErrQuorumUnreachable) {
				// Degraded, not fatal: put the share back and retry on
				// the next pass.
				m.returnReserve(rec, sealed)
				report.Degraded = true
				report.Err = multierror.Append(report.Err, err)
				break
			}
			report.Err = multierror.Append(report.Err, err)
			continue
		}

		report.Redispatched++
		viable++
		m.log.Info("Re-dispatched reserve share",
			"drop", id.String(), "index", share.Index, "target", targetNode.String())
	}

	report.Status = rec.Status
	if err := m.persist(ctx, rec); err != nil {
		report.Err = multierror.Append(report.Err, err)
	}
	return report, nil
}

// updateStatus flips the drop between active and reconstructable based
// on the confirmed count. Both directions are idempotent.
func (m *Manager) updateStatus(rec *DropRecord, confirmed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case confirmed >= rec.K && rec.Status == interfaces.DropActive:
		rec.Status = interfaces.DropReconstructable
		m.log.Info("Drop reached quorum", "drop", rec.ID.String(), "confirmed", confirmed, "k", rec.K)
	case confirmed < rec.K && rec.Status == interfaces.DropReconstructable:
		rec.Status = interfaces.DropActive
		m.log.Warn("Drop fell below quorum", "drop", rec.ID.String(), "confirmed", confirmed, "k", rec.K)
	}
}

func (m *Manager) takeReserve(rec *DropRecord) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(rec.ReserveSealed) == 0 {
		return nil, false
	}
	sealed := rec.ReserveSealed[0]
	rec.ReserveSealed = rec.ReserveSealed[1:]
	return sealed, true
}

func (m *Manager) returnReserve(rec *DropRecord, sealed []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ReserveSealed = append([][]byte{sealed}, rec.ReserveSealed...)
}

func (m *Manager) persist(ctx context.Context, rec *DropRecord) error {
	m.mu.Lock()
	data, err := rec.Encode()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, DropKey(rec.ID), data); err != nil {
		return fmt.Errorf("failed to persist drop record: %w", err)
	}
	return nil
}
