// Package repository defines persistence interfaces for sync engine state.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/fieldpipe/syncengine/internal/model"
)

// SyncItemRepository stores sync items across their whole lifecycle.
type SyncItemRepository interface {
	// Save inserts a new item.
	Save(ctx context.Context, it *model.SyncItem) error

	// Update persists status, retry and timestamp changes of an existing item.
	Update(ctx context.Context, it *model.SyncItem) error

	// Get returns the item or errs.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.SyncItem, error)

	// ListPending returns all non-terminal and dead-letter items for an owner
	// (PENDING, IN_PROGRESS, FAILED), oldest client timestamp first.
	ListPending(ctx context.Context, owner, org string) ([]model.SyncItem, error)

	// ListByStatus returns all items in the given status, used for queue
	// recovery at startup.
	ListByStatus(ctx context.Context, status model.Status) ([]model.SyncItem, error)

	// FindPendingForEntity returns an unprocessed (PENDING or IN_PROGRESS)
	// item targeting the entity, or errs.ErrNotFound.
	FindPendingForEntity(ctx context.Context, org, entityType, entityID string) (*model.SyncItem, error)

	// CountPending counts PENDING and IN_PROGRESS items for an owner.
	CountPending(ctx context.Context, owner, org string) (int, error)
}

// ConflictRepository stores sync conflicts until they are resolved.
type ConflictRepository interface {
	// Save inserts a new conflict.
	Save(ctx context.Context, c *model.SyncConflict) error

	// Get returns the conflict or errs.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error)

	// Delete removes a resolved conflict.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns all open conflicts for an owner, oldest first.
	List(ctx context.Context, owner, org string) ([]model.SyncConflict, error)

	// Count counts open conflicts for an owner.
	Count(ctx context.Context, owner, org string) (int, error)
}

// CheckpointRepository stores per-owner reconciliation checkpoints.
type CheckpointRepository interface {
	// LastSync returns the stored checkpoint, or the zero time on first run.
	LastSync(ctx context.Context, owner, org string) (time.Time, error)

	// SetLastSync advances the checkpoint.
	SetLastSync(ctx context.Context, owner, org string, ts time.Time) error
}
