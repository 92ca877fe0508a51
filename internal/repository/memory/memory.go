// Package memory provides in-memory repository implementations, used in tests
// and in deployments that keep engine state in process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
)

// SyncItemRepo keeps sync items in a map guarded by a mutex.
type SyncItemRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*model.SyncItem
}

// NewSyncItemRepo constructs an empty item repository.
func NewSyncItemRepo() *SyncItemRepo {
	return &SyncItemRepo{items: make(map[uuid.UUID]*model.SyncItem)}
}

// Save inserts a new item.
func (r *SyncItemRepo) Save(ctx context.Context, it *model.SyncItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[it.ID]; ok {
		return errs.ErrAlreadyExists
	}
	r.items[it.ID] = it.Clone()
	return nil
}

// Update overwrites an existing item.
func (r *SyncItemRepo) Update(ctx context.Context, it *model.SyncItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[it.ID]; !ok {
		return errs.ErrNotFound
	}
	r.items[it.ID] = it.Clone()
	return nil
}

// Get returns a copy of the item.
func (r *SyncItemRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return it.Clone(), nil
}

// ListPending returns PENDING, IN_PROGRESS and FAILED items for the owner.
func (r *SyncItemRepo) ListPending(ctx context.Context, owner, org string) ([]model.SyncItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.SyncItem
	for _, it := range r.items {
		if it.Owner != owner || it.Organization != org {
			continue
		}
		switch it.Status {
		case model.StatusPending, model.StatusInProgress, model.StatusFailed:
			out = append(out, *it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientTimestamp.Before(out[j].ClientTimestamp) })
	return out, nil
}

// ListByStatus returns all items in the given status.
func (r *SyncItemRepo) ListByStatus(ctx context.Context, status model.Status) ([]model.SyncItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.SyncItem
	for _, it := range r.items {
		if it.Status == status {
			out = append(out, *it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientTimestamp.Before(out[j].ClientTimestamp) })
	return out, nil
}

// FindPendingForEntity returns an unprocessed item targeting the entity.
func (r *SyncItemRepo) FindPendingForEntity(ctx context.Context, org, entityType, entityID string) (*model.SyncItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, it := range r.items {
		if it.Organization != org || it.EntityType != entityType || it.EntityID != entityID {
			continue
		}
		if it.Status == model.StatusPending || it.Status == model.StatusInProgress {
			return it.Clone(), nil
		}
	}
	return nil, errs.ErrNotFound
}

// CountPending counts PENDING and IN_PROGRESS items for the owner.
func (r *SyncItemRepo) CountPending(ctx context.Context, owner, org string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, it := range r.items {
		if it.Owner != owner || it.Organization != org {
			continue
		}
		if it.Status == model.StatusPending || it.Status == model.StatusInProgress {
			n++
		}
	}
	return n, nil
}

// ConflictRepo keeps conflicts in a map guarded by a mutex.
type ConflictRepo struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*model.SyncConflict
}

// NewConflictRepo constructs an empty conflict repository.
func NewConflictRepo() *ConflictRepo {
	return &ConflictRepo{conflicts: make(map[uuid.UUID]*model.SyncConflict)}
}

// Save inserts a new conflict.
func (r *ConflictRepo) Save(ctx context.Context, c *model.SyncConflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conflicts[c.ID]; ok {
		return errs.ErrAlreadyExists
	}
	r.conflicts[c.ID] = c.Clone()
	return nil
}

// Get returns a copy of the conflict.
func (r *ConflictRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return c.Clone(), nil
}

// Delete removes a resolved conflict.
func (r *ConflictRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conflicts[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.conflicts, id)
	return nil
}

// List returns all open conflicts for the owner, oldest first.
func (r *ConflictRepo) List(ctx context.Context, owner, org string) ([]model.SyncConflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.SyncConflict
	for _, c := range r.conflicts {
		if c.Owner == owner && c.Organization == org {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Count counts open conflicts for the owner.
func (r *ConflictRepo) Count(ctx context.Context, owner, org string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conflicts {
		if c.Owner == owner && c.Organization == org {
			n++
		}
	}
	return n, nil
}

// CheckpointRepo keeps reconciliation checkpoints in a map guarded by a mutex.
type CheckpointRepo struct {
	mu     sync.RWMutex
	points map[string]time.Time
}

// NewCheckpointRepo constructs an empty checkpoint repository.
func NewCheckpointRepo() *CheckpointRepo {
	return &CheckpointRepo{points: make(map[string]time.Time)}
}

func checkpointKey(owner, org string) string { return org + "/" + owner }

// LastSync returns the stored checkpoint, or the zero time on first run.
func (r *CheckpointRepo) LastSync(ctx context.Context, owner, org string) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.points[checkpointKey(owner, org)], nil
}

// SetLastSync advances the checkpoint.
func (r *CheckpointRepo) SetLastSync(ctx context.Context, owner, org string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[checkpointKey(owner, org)] = ts
	return nil
}
