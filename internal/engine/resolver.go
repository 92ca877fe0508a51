package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
	"github.com/fieldpipe/syncengine/internal/repository"
	"github.com/fieldpipe/syncengine/internal/store"
)

// Resolver applies a resolution strategy to a recorded conflict and writes the
// outcome through the server store.
type Resolver struct {
	conflicts repository.ConflictRepository
	remote    store.ServerStore
	log       *zap.Logger
}

// NewResolver constructs a resolver.
func NewResolver(conflicts repository.ConflictRepository, remote store.ServerStore, log *zap.Logger) *Resolver {
	return &Resolver{conflicts: conflicts, remote: remote, log: log}
}

// Resolve computes resolved data per the strategy, persists it remotely and
// deletes the conflict. If persisting fails the conflict is left intact so the
// caller can retry; there is no partial state.
func (r *Resolver) Resolve(ctx context.Context, conflictID uuid.UUID, strategy model.Strategy, manual model.Payload) error {
	c, err := r.conflicts.Get(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("conflict %s: %w", conflictID, err)
	}

	var resolved model.Payload
	switch strategy {
	case model.StrategyClientWins:
		resolved = c.ClientData.Clone()
	case model.StrategyServerWins:
		resolved = c.ServerData.Clone()
	case model.StrategyMerge:
		resolved = mergePayloads(c.ServerData, c.ClientData)
	case model.StrategyManual:
		if len(manual) == 0 {
			return errors.New("validation: MANUAL resolution requires resolved data")
		}
		resolved = manual.Clone()
	default:
		return fmt.Errorf("validation: unknown resolution strategy %q", strategy)
	}

	if err := r.persist(ctx, c, resolved); err != nil {
		return fmt.Errorf("persist resolution for conflict %s: %w", conflictID, err)
	}

	c.Strategy = strategy
	c.ResolvedData = resolved
	if err := r.conflicts.Delete(ctx, conflictID); err != nil {
		// The resolution is already applied remotely; a stale conflict record
		// is retryable and resolves to the same data.
		return fmt.Errorf("remove resolved conflict %s: %w", conflictID, err)
	}

	r.log.Info("conflict resolved",
		zap.String("conflict", conflictID.String()),
		zap.String("entity", c.EntityType+":"+c.EntityID),
		zap.String("strategy", string(strategy)),
	)
	return nil
}

// persist writes resolved data through the store's update path, falling back
// to create when the entity vanished server-side.
func (r *Resolver) persist(ctx context.Context, c *model.SyncConflict, resolved model.Payload) error {
	_, err := r.remote.UpdateEntity(ctx, c.EntityType, c.EntityID, resolved, c.Organization, c.Owner)
	if errors.Is(err, errs.ErrNotFound) {
		_, err = r.remote.CreateEntity(ctx, c.EntityType, c.EntityID, resolved, c.Organization, c.Owner)
	}
	return err
}

// mergePayloads merges client data over server data at field granularity with
// client precedence. Values that are maps on both sides merge recursively; any
// other shape, arrays included, takes the client value wholesale. Keys present
// only on the server are preserved.
func mergePayloads(server, client model.Payload) model.Payload {
	out := server.Clone()
	if out == nil {
		out = model.Payload{}
	}
	for k, cv := range client {
		if sv, ok := out[k]; ok {
			sm, sok := asMap(sv)
			cm, cok := asMap(cv)
			if sok && cok {
				out[k] = map[string]any(mergePayloads(sm, cm))
				continue
			}
		}
		out[k] = model.CloneValue(cv)
	}
	return out
}

func asMap(v any) (model.Payload, bool) {
	switch t := v.(type) {
	case map[string]any:
		return model.Payload(t), true
	case model.Payload:
		return t, true
	}
	return nil, false
}
