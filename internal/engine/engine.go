// Package engine drains queued sync items with bounded concurrency, detects
// conflicts against the server store and reconciles server-side changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/integrity"
	"github.com/fieldpipe/syncengine/internal/model"
	"github.com/fieldpipe/syncengine/internal/repository"
	"github.com/fieldpipe/syncengine/internal/store"
)

// Config carries engine tuning knobs. Zero values fall back to defaults.
type Config struct {
	Workers     int           // concurrent workers draining the queue
	MaxRetries  int           // attempts before an item is dead-lettered
	BaseBackoff time.Duration // first retry delay, doubled per attempt
	MaxBackoff  time.Duration // cap on the retry delay
	CallTimeout time.Duration // per server store call
	QueueSize   int           // work queue buffer
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Processed  int64 `json:"processed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Conflicts  int64 `json:"conflicts"`
	Retried    int64 `json:"retried"`
	QueueDepth int   `json:"queue_depth"`
}

// Engine owns the work queue, the worker pool and the per-entity lock table.
type Engine struct {
	cfg       Config
	log       *zap.Logger
	items     repository.SyncItemRepository
	conflicts repository.ConflictRepository
	remote    store.ServerStore

	locks *entityLocks
	queue chan uuid.UUID

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	conflict  atomic.Int64
	retried   atomic.Int64
}

// New constructs an engine. Start must be called before items are processed.
func New(cfg Config, log *zap.Logger, items repository.SyncItemRepository, conflicts repository.ConflictRepository, remote store.ServerStore) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		log:       log,
		items:     items,
		conflicts: conflicts,
		remote:    remote,
		locks:     newEntityLocks(),
		queue:     make(chan uuid.UUID, cfg.QueueSize),
	}
}

// Start recovers persisted work and launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	// Items interrupted mid-flight by a previous shutdown are safe to resume:
	// the remote write either happened (and will surface as a version conflict
	// or idempotent no-op) or never started.
	inflight, err := e.items.ListByStatus(ctx, model.StatusInProgress)
	if err != nil {
		return fmt.Errorf("recover in-progress items: %w", err)
	}
	for i := range inflight {
		it := &inflight[i]
		it.Status = model.StatusPending
		if err := e.items.Update(ctx, it); err != nil {
			return fmt.Errorf("reset item %s: %w", it.ID, err)
		}
	}

	pending, err := e.items.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return fmt.Errorf("load pending items: %w", err)
	}
	for i := range pending {
		select {
		case e.queue <- pending[i].ID:
		default:
			// Stays PENDING; picked up on the next start.
			e.log.Warn("work queue full during recovery", zap.String("item", pending[i].ID.String()))
		}
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i + 1)
	}
	e.started = true
	e.log.Info("sync engine started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("recovered", len(pending)),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight items to finish. Items
// still queued stay PENDING and are re-enqueued on the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.log.Info("sync engine stopped")
}

// Enqueue checksums the item, persists it as PENDING and queues it for
// processing. It performs no network I/O.
func (e *Engine) Enqueue(ctx context.Context, it *model.SyncItem) (uuid.UUID, error) {
	if it.ID == uuid.Nil {
		it.ID = uuid.Must(uuid.NewV4())
	}
	if it.ClientTimestamp.IsZero() {
		it.ClientTimestamp = time.Now().UTC()
	}
	it.Checksum = integrity.Checksum(it.Payload)
	it.Status = model.StatusPending
	it.RetryCount = 0
	it.ErrorMessage = ""

	if err := e.items.Save(ctx, it); err != nil {
		return uuid.Nil, fmt.Errorf("save sync item: %w", err)
	}
	select {
	case e.queue <- it.ID:
	case <-ctx.Done():
		// Persisted but not queued; recovered on the next start.
		return it.ID, ctx.Err()
	}
	return it.ID, nil
}

// Requeue resets a dead-lettered item back to PENDING for another round of
// attempts. Only FAILED items may be resubmitted.
func (e *Engine) Requeue(ctx context.Context, id uuid.UUID) error {
	it, err := e.items.Get(ctx, id)
	if err != nil {
		return err
	}
	if it.Status != model.StatusFailed {
		return fmt.Errorf("item %s is %s, only FAILED items can be resubmitted", id, it.Status)
	}
	it.Status = model.StatusPending
	it.RetryCount = 0
	it.ErrorMessage = ""
	it.ServerTimestamp = nil
	if err := e.items.Update(ctx, it); err != nil {
		return err
	}
	select {
	case e.queue <- id:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:  e.processed.Load(),
		Completed:  e.completed.Load(),
		Failed:     e.failed.Load(),
		Conflicts:  e.conflict.Load(),
		Retried:    e.retried.Load(),
		QueueDepth: len(e.queue),
	}
}

func (e *Engine) worker(n int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.processItem(id)
		}
	}
}

// processItem drives one sync item through the state machine. Once the entity
// lock is held the item runs to a terminal or safely-resumable state even if
// the engine is stopping, so no half-applied remote mutation is left behind.
func (e *Engine) processItem(id uuid.UUID) {
	ctx := context.WithoutCancel(e.ctx)

	it, err := e.items.Get(ctx, id)
	if err != nil {
		e.log.Error("load sync item", zap.String("item", id.String()), zap.Error(err))
		return
	}

	release := e.locks.Acquire(it.EntityKey())
	defer release()

	// Refetch under the lock: a duplicate delivery or an item resolved while
	// waiting must not be processed again.
	it, err = e.items.Get(ctx, id)
	if err != nil || it.Status != model.StatusPending {
		return
	}

	it.Status = model.StatusInProgress
	if err := e.items.Update(ctx, it); err != nil {
		e.log.Error("mark in progress", zap.String("item", id.String()), zap.Error(err))
		return
	}
	e.processed.Add(1)

	// Corruption is not transient: fail terminally before any remote call.
	if !integrity.Verify(it) {
		e.finishFailed(ctx, it, fmt.Errorf("%w: checksum mismatch for payload", errs.ErrIntegrity))
		return
	}

	serverData, err := e.dispatch(ctx, it)
	switch {
	case err == nil:
		e.finishCompleted(ctx, it)
	case isConflictErr(err):
		e.parkConflict(ctx, it, serverData, err)
	default:
		e.retryOrFail(ctx, it, err)
	}
}

// dispatch performs the remote operation and returns the server snapshot
// involved in a conflict, when one was detected.
func (e *Engine) dispatch(ctx context.Context, it *model.SyncItem) (model.Payload, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	switch it.Operation {
	case model.OpCreate:
		if it.EntityID != "" {
			existing, err := e.remote.GetEntity(callCtx, it.EntityType, it.EntityID, it.Organization)
			switch {
			case err == nil:
				return existing.Payload, fmt.Errorf("duplicate create for %s: %w", it.EntityKey(), errs.ErrAlreadyExists)
			case !errors.Is(err, errs.ErrNotFound):
				return nil, err
			}
		}
		created, err := e.remote.CreateEntity(callCtx, it.EntityType, it.EntityID, it.Payload, it.Organization, it.Owner)
		if err != nil {
			return nil, err
		}
		it.EntityID = created.ID
		return nil, nil

	case model.OpUpdate:
		cur, err := e.remote.GetEntity(callCtx, it.EntityType, it.EntityID, it.Organization)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			// Updated locally, deleted remotely: a conflict with no server data.
			return nil, fmt.Errorf("entity %s deleted remotely: %w", it.EntityKey(), errs.ErrVersionConflict)
		case err != nil:
			return nil, err
		case cur.Version > it.Version:
			return cur.Payload, fmt.Errorf("server version %d ahead of client version %d: %w",
				cur.Version, it.Version, errs.ErrVersionConflict)
		}
		if _, err := e.remote.UpdateEntity(callCtx, it.EntityType, it.EntityID, it.Payload, it.Organization, it.Owner); err != nil {
			return nil, err
		}
		return nil, nil

	case model.OpDelete:
		_, err := e.remote.GetEntity(callCtx, it.EntityType, it.EntityID, it.Organization)
		if errors.Is(err, errs.ErrNotFound) {
			// Already gone: idempotent success.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		err = e.remote.DeleteEntity(callCtx, it.EntityType, it.EntityID, it.Organization, it.Owner)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err

	default:
		return nil, fmt.Errorf("unknown operation %q", it.Operation)
	}
}

func (e *Engine) finishCompleted(ctx context.Context, it *model.SyncItem) {
	now := time.Now().UTC()
	it.Status = model.StatusCompleted
	it.ServerTimestamp = &now
	it.ErrorMessage = ""
	if err := e.items.Update(ctx, it); err != nil {
		e.log.Error("mark completed", zap.String("item", it.ID.String()), zap.Error(err))
		return
	}
	e.completed.Add(1)
	e.log.Info("sync item completed",
		zap.String("item", it.ID.String()),
		zap.String("entity", it.EntityKey()),
		zap.String("op", string(it.Operation)),
	)
}

func (e *Engine) finishFailed(ctx context.Context, it *model.SyncItem, cause error) {
	now := time.Now().UTC()
	it.Status = model.StatusFailed
	it.ServerTimestamp = &now
	it.ErrorMessage = cause.Error()
	if err := e.items.Update(ctx, it); err != nil {
		e.log.Error("mark failed", zap.String("item", it.ID.String()), zap.Error(err))
		return
	}
	e.failed.Add(1)
	e.log.Warn("sync item failed",
		zap.String("item", it.ID.String()),
		zap.String("entity", it.EntityKey()),
		zap.String("cause", cause.Error()),
	)
}

// parkConflict records a SyncConflict and parks the item. A failure to persist
// the conflict follows the transient path so nothing is silently dropped.
func (e *Engine) parkConflict(ctx context.Context, it *model.SyncItem, serverData model.Payload, cause error) {
	now := time.Now().UTC()
	c := &model.SyncConflict{
		ID:              uuid.Must(uuid.NewV4()),
		EntityType:      it.EntityType,
		EntityID:        it.EntityID,
		ClientData:      it.Payload.Clone(),
		ServerData:      serverData.Clone(),
		ClientTimestamp: it.ClientTimestamp,
		ServerTimestamp: now,
		Owner:           it.Owner,
		Organization:    it.Organization,
		CreatedAt:       now,
	}
	if err := e.conflicts.Save(ctx, c); err != nil {
		e.retryOrFail(ctx, it, fmt.Errorf("record conflict: %w", err))
		return
	}

	it.Status = model.StatusConflict
	it.ServerTimestamp = &now
	it.ErrorMessage = cause.Error()
	if err := e.items.Update(ctx, it); err != nil {
		e.log.Error("park conflicted item", zap.String("item", it.ID.String()), zap.Error(err))
		return
	}
	e.conflict.Add(1)
	e.log.Info("sync conflict detected",
		zap.String("item", it.ID.String()),
		zap.String("conflict", c.ID.String()),
		zap.String("entity", it.EntityKey()),
	)
}

// retryOrFail handles transient errors: bounded retries with exponential
// backoff via delayed re-enqueue, then terminal FAILED.
func (e *Engine) retryOrFail(ctx context.Context, it *model.SyncItem, cause error) {
	it.RetryCount++
	if it.RetryCount >= e.cfg.MaxRetries {
		e.finishFailed(ctx, it, fmt.Errorf("retries exhausted after %d attempts: %w", it.RetryCount, cause))
		return
	}

	it.Status = model.StatusPending
	it.ErrorMessage = cause.Error()
	if err := e.items.Update(ctx, it); err != nil {
		e.log.Error("requeue after transient error", zap.String("item", it.ID.String()), zap.Error(err))
		return
	}
	e.retried.Add(1)

	delay := e.backoffDelay(it.RetryCount)
	e.log.Info("sync item scheduled for retry",
		zap.String("item", it.ID.String()),
		zap.Int("attempt", it.RetryCount),
		zap.Duration("delay", delay),
	)

	// Timer-scheduled re-insertion keeps worker slots free during backoff.
	id := it.ID
	time.AfterFunc(delay, func() {
		select {
		case e.queue <- id:
		case <-e.ctx.Done():
			// Stays PENDING; re-enqueued on the next start.
		}
	})
}

// backoffDelay walks the capped exponential schedule up to the given attempt.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(e.cfg.MaxBackoff, retry.NewExponential(e.cfg.BaseBackoff))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func isConflictErr(err error) bool {
	return errors.Is(err, errs.ErrVersionConflict) || errors.Is(err, errs.ErrAlreadyExists)
}
