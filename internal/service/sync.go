// Package service exposes the sync facade consumed by transports and jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/fieldpipe/syncengine/internal/engine"
	"github.com/fieldpipe/syncengine/internal/model"
	"github.com/fieldpipe/syncengine/internal/repository"
)

// SyncService composes the engine, resolver and reconciler behind the only
// surface calling code uses. It owns input validation and nothing else.
type SyncService struct {
	engine     *engine.Engine
	resolver   *engine.Resolver
	reconciler *engine.Reconciler
	items      repository.SyncItemRepository
	conflicts  repository.ConflictRepository
}

// NewSyncService constructs the facade.
func NewSyncService(
	eng *engine.Engine,
	resolver *engine.Resolver,
	reconciler *engine.Reconciler,
	items repository.SyncItemRepository,
	conflicts repository.ConflictRepository,
) *SyncService {
	return &SyncService{
		engine:     eng,
		resolver:   resolver,
		reconciler: reconciler,
		items:      items,
		conflicts:  conflicts,
	}
}

// CreateSyncItemInput is one pending mutation as submitted by a client.
type CreateSyncItemInput struct {
	EntityType      string
	EntityID        string // may be empty for CREATE
	Operation       model.Operation
	Payload         model.Payload
	Owner           string
	Organization    string
	ClientTimestamp time.Time // defaults to now
	Version         int64     // client's believed entity version
}

// CreateSyncItem validates and enqueues a mutation, returning the item id.
// Validation rules:
// - owner and organization non-empty
// - operation one of CREATE/UPDATE/DELETE
// - payload present for CREATE and UPDATE
// - entity id present for UPDATE and DELETE
func (s *SyncService) CreateSyncItem(ctx context.Context, in CreateSyncItemInput) (uuid.UUID, error) {
	if in.Owner == "" || in.Organization == "" {
		return uuid.Nil, errors.New("validation: empty owner/organization")
	}
	if in.EntityType == "" {
		return uuid.Nil, errors.New("validation: empty entity type")
	}
	if !in.Operation.Valid() {
		return uuid.Nil, fmt.Errorf("validation: unknown operation %q", in.Operation)
	}
	if (in.Operation == model.OpCreate || in.Operation == model.OpUpdate) && len(in.Payload) == 0 {
		return uuid.Nil, fmt.Errorf("validation: %s requires a payload", in.Operation)
	}
	if (in.Operation == model.OpUpdate || in.Operation == model.OpDelete) && in.EntityID == "" {
		return uuid.Nil, fmt.Errorf("validation: %s requires an entity id", in.Operation)
	}
	if in.Version < 0 {
		return uuid.Nil, errors.New("validation: negative version")
	}

	it := &model.SyncItem{
		EntityType:      in.EntityType,
		EntityID:        in.EntityID,
		Operation:       in.Operation,
		Payload:         in.Payload.Clone(),
		ClientTimestamp: in.ClientTimestamp,
		Owner:           in.Owner,
		Organization:    in.Organization,
		Version:         in.Version,
	}
	return s.engine.Enqueue(ctx, it)
}

// GetPendingItems returns the owner's queued, in-flight and dead-lettered items.
func (s *SyncService) GetPendingItems(ctx context.Context, owner, org string) ([]model.SyncItem, error) {
	if owner == "" || org == "" {
		return nil, errors.New("validation: empty owner/organization")
	}
	return s.items.ListPending(ctx, owner, org)
}

// GetConflicts returns the owner's open conflicts.
func (s *SyncService) GetConflicts(ctx context.Context, owner, org string) ([]model.SyncConflict, error) {
	if owner == "" || org == "" {
		return nil, errors.New("validation: empty owner/organization")
	}
	return s.conflicts.List(ctx, owner, org)
}

// ResolveConflict applies a strategy to an open conflict. MANUAL requires
// caller-supplied data; the check happens here, before any store call.
func (s *SyncService) ResolveConflict(ctx context.Context, conflictID uuid.UUID, strategy model.Strategy, manual model.Payload) error {
	if conflictID == uuid.Nil {
		return errors.New("validation: empty conflict id")
	}
	if !strategy.Valid() {
		return fmt.Errorf("validation: unknown resolution strategy %q", strategy)
	}
	if strategy == model.StrategyManual && len(manual) == 0 {
		return errors.New("validation: MANUAL resolution requires resolved data")
	}
	return s.resolver.Resolve(ctx, conflictID, strategy, manual)
}

// PerformFullSync runs one bidirectional reconciliation pass for the owner.
func (s *SyncService) PerformFullSync(ctx context.Context, owner, org string) (*model.SyncSummary, error) {
	if owner == "" || org == "" {
		return nil, errors.New("validation: empty owner/organization")
	}
	return s.reconciler.FullSync(ctx, owner, org)
}

// RetryItem resubmits a dead-lettered (FAILED) item for another round of
// attempts with a fresh retry budget.
func (s *SyncService) RetryItem(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("validation: empty item id")
	}
	return s.engine.Requeue(ctx, id)
}

// Stats reports engine counters and queue depth.
func (s *SyncService) Stats() engine.Stats {
	return s.engine.Stats()
}
