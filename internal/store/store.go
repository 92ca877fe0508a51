// Package store defines the server store capability consumed by the sync engine.
// The authoritative data store behind it belongs to the surrounding application;
// the engine only ever talks to these interfaces.
package store

import (
	"context"
	"time"

	"github.com/fieldpipe/syncengine/internal/model"
)

// ServerStore is the authoritative store for domain entities.
// All calls honor the deadline on ctx; a deadline hit is a transient failure.
type ServerStore interface {
	// GetEntity returns the entity or errs.ErrNotFound.
	GetEntity(ctx context.Context, entityType, entityID, org string) (*model.Entity, error)

	// CreateEntity creates the entity at version 1 and returns it. When
	// entityID is empty the store assigns one. Returns errs.ErrAlreadyExists
	// if the id is taken.
	CreateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error)

	// UpdateEntity replaces the payload and increments the version.
	UpdateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error)

	// DeleteEntity removes the entity. Returns errs.ErrNotFound if absent.
	DeleteEntity(ctx context.Context, entityType, entityID, org, actor string) error

	// GetChangesSince returns all changes strictly after the given time,
	// ordered by change time ascending.
	GetChangesSince(ctx context.Context, org string, since time.Time) ([]model.Change, error)
}

// ChangeApplier applies server-side changes to a local mirror during
// reconciliation, preserving the server-assigned version.
type ChangeApplier interface {
	ApplyChange(ctx context.Context, org string, ch model.Change) error
}
