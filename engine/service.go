package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dropmesh/dropmesh/common"
	"github.com/dropmesh/dropmesh/cryptoutils"
	"github.com/dropmesh/dropmesh/interfaces"
	"github.com/dropmesh/dropmesh/lifecycle"
	"github.com/dropmesh/dropmesh/location"
	"github.com/dropmesh/dropmesh/mesh"
	"github.com/dropmesh/dropmesh/metrics"
	"github.com/dropmesh/dropmesh/splitter"
)

// DefaultReserve is how many extra shares beyond n a split cuts for
// later replacement dispatch.
const DefaultReserve = 2

// ServiceConfig wires the owner service.
type ServiceConfig struct {
	Manager *lifecycle.Manager
	Mesh    *mesh.Engine
	Clock   common.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// OwnerPub seals reserve shares at rest in drop records.
	OwnerPub interfaces.NodeKey

	// Reserve overrides DefaultReserve when positive.
	Reserve int
}

// Service is the owner-facing surface: creating, retrieving and
// revoking dead drops. It composes the splitter, the mesh engine and
// the lifecycle manager; nothing here touches plaintext fragments on
// the wire.
type Service struct {
	manager *lifecycle.Manager
	mesh    *mesh.Engine
	clock   common.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	ownerPub interfaces.NodeKey
	reserve  int
}

// NewService creates the owner service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Manager == nil || cfg.Mesh == nil {
		return nil, fmt.Errorf("%w: service requires manager and mesh engine", interfaces.ErrInvalidParameters)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = common.SystemClock{}
	}
	reserve := cfg.Reserve
	if reserve <= 0 {
		reserve = DefaultReserve
	}

	return &Service{
		manager:  cfg.Manager,
		mesh:     cfg.Mesh,
		clock:    clock,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
		ownerPub: cfg.OwnerPub,
		reserve:  reserve,
	}, nil
}

// CreateDrop splits a secret k-of-n, registers the drop and dispatches
// the first n fragments into the mesh. Reserve shares from the same
// split stay sealed to the owner key inside the drop record, feeding
// later replacement dispatch. Dispatch shortfalls are not fatal here;
// reconciliation keeps working the pending pool.
func (s *Service) CreateDrop(ctx context.Context, secret []byte, k, n int, ttl time.Duration, challenge *location.Challenge) (interfaces.DropID, error) {
	if ttl <= 0 {
		return interfaces.DropID{}, fmt.Errorf("%w: ttl must be positive", interfaces.ErrInvalidParameters)
	}

	shares, err := splitter.SplitWithReserve(secret, k, n, s.reserve)
	if err != nil {
		return interfaces.DropID{}, err
	}
	defer splitter.Wipe(shares)

	now := s.clock.Now()
	rec := &lifecycle.DropRecord{
		ID:        interfaces.NewDropID(),
		K:         k,
		N:         n,
		CreatedAt: now,
		Expiry:    now.Add(ttl),
		Status:    interfaces.DropActive,
		Challenge: challenge,
	}

	for _, share := range shares[n:] {
		sealed, err := s.sealReserve(share)
		if err != nil {
			return interfaces.DropID{}, err
		}
		rec.ReserveSealed = append(rec.ReserveSealed, sealed)
	}

	for _, share := range shares[:n] {
		if err := s.mesh.RegisterShare(rec, share); err != nil {
			return interfaces.DropID{}, err
		}
	}

	if err := s.manager.Register(ctx, rec); err != nil {
		return interfaces.DropID{}, err
	}

	dispatched, err := s.mesh.DispatchPending(ctx, rec)
	if err != nil {
		s.log.Warn("Initial dispatch incomplete, reconciliation will retry",
			slog.String("drop", rec.ID.String()), slog.Int("dispatched", dispatched), "err", err)
	}

	s.log.Info("Created drop",
		slog.String("drop", rec.ID.String()),
		slog.Int("k", k), slog.Int("n", n),
		slog.Int("dispatched", dispatched),
		slog.Time("expiry", rec.Expiry))
	return rec.ID, nil
}

func (s *Service) sealReserve(share interfaces.Share) ([]byte, error) {
	payload, err := json.Marshal(share)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reserve share: %w", err)
	}
	defer cryptoutils.WipeBytes(payload)
	return cryptoutils.SealToKey(s.ownerPub, payload)
}

// Retrieve collects k shares from holders and reconstructs the secret.
// It returns exactly the original bytes or a typed error, never partial
// output. Closed drops are rejected outright; the collector's location
// context is checked locally against the drop's challenge before any
// mesh traffic, and enforced again by every holder.
func (s *Service) Retrieve(ctx context.Context, id interfaces.DropID, locCtx *location.Context) ([]byte, error) {
	rec, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Closed() || s.clock.Now().After(rec.Expiry) {
		return nil, fmt.Errorf("%w: drop %s is %s", interfaces.ErrDropClosed, id, rec.Status)
	}

	if rec.Challenge != nil {
		satisfied, err := location.Evaluate(rec.Challenge, id, locCtx)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			return nil, interfaces.ErrLocationChallengeUnsatisfied
		}
	}

	shares, err := s.mesh.Collect(ctx, id, locCtx, rec.K)
	if err != nil {
		return nil, err
	}
	defer splitter.Wipe(shares)

	secret, err := splitter.Reconstruct(shares, rec.K)
	if err != nil {
		return nil, err
	}

	s.log.Info("Retrieved drop", slog.String("drop", id.String()))
	return secret, nil
}

// Revoke invalidates a drop before its TTL.
func (s *Service) Revoke(ctx context.Context, id interfaces.DropID) error {
	if err := s.manager.Revoke(ctx, id); err != nil {
		return err
	}
	s.log.Info("Revoked drop", slog.String("drop", id.String()))
	return nil
}

// Status returns the drop's current lifecycle state.
func (s *Service) Status(ctx context.Context, id interfaces.DropID) (interfaces.DropStatus, error) {
	rec, err := s.manager.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Status, nil
}

// ReconcileAll runs one reconciliation pass over every registered drop
// and sweeps expired held fragments. Wired to the daemon's scheduler;
// safe on any interval.
func (s *Service) ReconcileAll(ctx context.Context) {
	for _, id := range s.manager.DropIDs() {
		report, err := s.manager.Reconcile(ctx, id)
		if err != nil {
			s.log.Error("Reconciliation failed", slog.String("drop", id.String()), "err", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.ReconcileRuns.Inc()
		}
		if report.Err != nil {
			s.log.Warn("Reconciliation finished with degradations",
				slog.String("drop", id.String()),
				slog.String("status", report.Status.String()),
				slog.Bool("degraded", report.Degraded),
				"err", report.Err)
		}
	}
	s.mesh.SweepHeld(ctx)
}
