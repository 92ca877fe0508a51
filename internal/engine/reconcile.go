package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
	"github.com/fieldpipe/syncengine/internal/repository"
	"github.com/fieldpipe/syncengine/internal/store"
)

// Reconciler performs bidirectional sync: it pulls server changes since the
// owner's checkpoint, conflicts them against unprocessed local items, and
// applies the rest to the local mirror.
type Reconciler struct {
	items       repository.SyncItemRepository
	conflicts   repository.ConflictRepository
	checkpoints repository.CheckpointRepository
	remote      store.ServerStore
	local       store.ChangeApplier
	log         *zap.Logger
	now         func() time.Time
}

// NewReconciler constructs a reconciler.
func NewReconciler(
	items repository.SyncItemRepository,
	conflicts repository.ConflictRepository,
	checkpoints repository.CheckpointRepository,
	remote store.ServerStore,
	local store.ChangeApplier,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		items:       items,
		conflicts:   conflicts,
		checkpoints: checkpoints,
		remote:      remote,
		local:       local,
		log:         log,
		now:         time.Now,
	}
}

// FullSync runs one reconciliation pass for the owner. Running it again with
// no intervening changes applies nothing and creates no conflicts: the
// checkpoint advances to the time the pass started, not when it finished, so
// changes landing mid-pass are never skipped.
func (r *Reconciler) FullSync(ctx context.Context, owner, org string) (*model.SyncSummary, error) {
	started := r.now().UTC()

	since, err := r.checkpoints.LastSync(ctx, owner, org)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	changes, err := r.remote.GetChangesSince(ctx, org, since)
	if err != nil {
		return nil, fmt.Errorf("fetch server changes: %w", err)
	}

	summary := &model.SyncSummary{}
	for _, ch := range changes {
		pending, err := r.items.FindPendingForEntity(ctx, org, ch.EntityType, ch.EntityID)
		switch {
		case err == nil:
			// The server moved while a local mutation is still queued: record
			// a conflict instead of applying either side blindly.
			if err := r.conflictChange(ctx, owner, org, pending, ch); err != nil {
				return nil, err
			}
			summary.ConflictsCreated++
			continue
		case !errors.Is(err, errs.ErrNotFound):
			return nil, fmt.Errorf("check pending items: %w", err)
		}

		if err := r.local.ApplyChange(ctx, org, ch); err != nil {
			return nil, fmt.Errorf("apply change %s:%s: %w", ch.EntityType, ch.EntityID, err)
		}
		summary.Applied++
	}

	if err := r.checkpoints.SetLastSync(ctx, owner, org, started); err != nil {
		return nil, fmt.Errorf("advance checkpoint: %w", err)
	}

	if summary.PendingCount, err = r.items.CountPending(ctx, owner, org); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if summary.TotalConflicts, err = r.conflicts.Count(ctx, owner, org); err != nil {
		return nil, fmt.Errorf("count conflicts: %w", err)
	}
	summary.Duration = r.now().UTC().Sub(started)

	r.log.Info("full sync finished",
		zap.String("owner", owner),
		zap.String("org", org),
		zap.Int("applied", summary.Applied),
		zap.Int("conflicts", summary.ConflictsCreated),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (r *Reconciler) conflictChange(ctx context.Context, owner, org string, pending *model.SyncItem, ch model.Change) error {
	now := r.now().UTC()
	c := &model.SyncConflict{
		ID:              uuid.Must(uuid.NewV4()),
		EntityType:      ch.EntityType,
		EntityID:        ch.EntityID,
		ClientData:      pending.Payload.Clone(),
		ServerData:      ch.Payload.Clone(),
		ClientTimestamp: pending.ClientTimestamp,
		ServerTimestamp: ch.ChangedAt,
		Owner:           owner,
		Organization:    org,
		CreatedAt:       now,
	}
	if err := r.conflicts.Save(ctx, c); err != nil {
		return fmt.Errorf("record reconciliation conflict: %w", err)
	}
	return nil
}
