package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/integrity"
	"github.com/fieldpipe/syncengine/internal/model"
	"github.com/fieldpipe/syncengine/internal/repository"
	repomem "github.com/fieldpipe/syncengine/internal/repository/memory"
	"github.com/fieldpipe/syncengine/internal/store"
	storemem "github.com/fieldpipe/syncengine/internal/store/memory"
)

// instrumentedStore wraps a ServerStore, counting calls, injecting transient
// failures and tracking per-entity in-flight concurrency.
type instrumentedStore struct {
	inner store.ServerStore

	mu          sync.Mutex
	calls       int
	failNext    int // fail this many leading calls with ErrUnavailable
	delay       time.Duration
	inflight    map[string]int
	maxInflight map[string]int
}

func newInstrumentedStore(inner store.ServerStore) *instrumentedStore {
	return &instrumentedStore{
		inner:       inner,
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
	}
}

func (s *instrumentedStore) enter(key string) (func(), error) {
	s.mu.Lock()
	s.calls++
	fail := s.failNext > 0
	if fail {
		s.failNext--
	}
	s.inflight[key]++
	if s.inflight[key] > s.maxInflight[key] {
		s.maxInflight[key] = s.inflight[key]
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	leave := func() {
		s.mu.Lock()
		s.inflight[key]--
		s.mu.Unlock()
	}
	if fail {
		leave()
		return nil, errs.ErrUnavailable
	}
	return leave, nil
}

func (s *instrumentedStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *instrumentedStore) setFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *instrumentedStore) maxConcurrent(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInflight[key]
}

func (s *instrumentedStore) GetEntity(ctx context.Context, entityType, entityID, org string) (*model.Entity, error) {
	leave, err := s.enter(entityType + ":" + entityID)
	if err != nil {
		return nil, err
	}
	defer leave()
	return s.inner.GetEntity(ctx, entityType, entityID, org)
}

func (s *instrumentedStore) CreateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error) {
	leave, err := s.enter(entityType + ":" + entityID)
	if err != nil {
		return nil, err
	}
	defer leave()
	return s.inner.CreateEntity(ctx, entityType, entityID, payload, org, actor)
}

func (s *instrumentedStore) UpdateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error) {
	leave, err := s.enter(entityType + ":" + entityID)
	if err != nil {
		return nil, err
	}
	defer leave()
	return s.inner.UpdateEntity(ctx, entityType, entityID, payload, org, actor)
}

func (s *instrumentedStore) DeleteEntity(ctx context.Context, entityType, entityID, org, actor string) error {
	leave, err := s.enter(entityType + ":" + entityID)
	if err != nil {
		return err
	}
	defer leave()
	return s.inner.DeleteEntity(ctx, entityType, entityID, org, actor)
}

func (s *instrumentedStore) GetChangesSince(ctx context.Context, org string, since time.Time) ([]model.Change, error) {
	leave, err := s.enter("changes")
	if err != nil {
		return nil, err
	}
	defer leave()
	return s.inner.GetChangesSince(ctx, org, since)
}

type testEnv struct {
	engine    *Engine
	items     *repomem.SyncItemRepo
	conflicts *repomem.ConflictRepo
	backend   *storemem.Store
	remote    *instrumentedStore
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	backend := storemem.New()
	remote := newInstrumentedStore(backend)
	items := repomem.NewSyncItemRepo()
	conflicts := repomem.NewConflictRepo()
	return &testEnv{
		engine:    New(cfg, zap.NewNop(), items, conflicts, remote),
		items:     items,
		conflicts: conflicts,
		backend:   backend,
		remote:    remote,
	}
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(env.engine.Stop)
}

func waitStatus(t *testing.T, items repository.SyncItemRepository, id uuid.UUID, want model.Status) *model.SyncItem {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		it, err := items.Get(context.Background(), id)
		if err == nil && it.Status == want {
			return it
		}
		time.Sleep(5 * time.Millisecond)
	}
	it, _ := items.Get(context.Background(), id)
	t.Fatalf("timed out waiting for status %s, item: %+v", want, it)
	return nil
}

func TestEngine_EndToEndCreate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})
	env.start(t)

	ctx := context.Background()
	id, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType:   "deal",
		Operation:    model.OpCreate,
		Payload:      model.Payload{"title": "Acme Buyout", "stage": "sourcing"},
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	it := waitStatus(t, env.items, id, model.StatusCompleted)
	if it.EntityID == "" {
		t.Fatalf("completed create should carry the assigned entity id")
	}
	if it.ServerTimestamp == nil {
		t.Fatalf("completed item must have a server timestamp")
	}

	e, err := env.backend.GetEntity(ctx, "deal", it.EntityID, "org1")
	if err != nil {
		t.Fatalf("created entity missing: %v", err)
	}
	if e.Version != 1 || e.Payload["title"] != "Acme Buyout" {
		t.Fatalf("unexpected entity: %+v", e)
	}
	if env.remote.callCount() != 1 {
		t.Fatalf("want exactly one store call, got %d", env.remote.callCount())
	}

	pending, err := env.items.ListPending(ctx, "u1", "org1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending list should be empty after completion: %v %v", pending, err)
	}
}

func TestEngine_IntegrityFailure_NoStoreCalls(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})

	ctx := context.Background()
	id, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType:   "deal",
		EntityID:     "d1",
		Operation:    model.OpUpdate,
		Payload:      model.Payload{"stage": "sourcing"},
		Version:      1,
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Corrupt the payload between enqueue and processing.
	it, err := env.items.Get(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	it.Payload["stage"] = "closed_won"
	if err := env.items.Update(ctx, it); err != nil {
		t.Fatalf("corrupt item: %v", err)
	}

	env.start(t)

	failed := waitStatus(t, env.items, id, model.StatusFailed)
	if !strings.Contains(failed.ErrorMessage, "integrity") {
		t.Fatalf("error message should name the integrity cause, got %q", failed.ErrorMessage)
	}
	if failed.RetryCount != 0 {
		t.Fatalf("corruption must not be retried, retry_count=%d", failed.RetryCount)
	}
	if env.remote.callCount() != 0 {
		t.Fatalf("server store must receive zero calls for a corrupted item, got %d", env.remote.callCount())
	}
}

func TestEngine_IdempotentDelete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})
	env.start(t)

	id, err := env.engine.Enqueue(context.Background(), &model.SyncItem{
		EntityType:   "deal",
		EntityID:     "gone",
		Operation:    model.OpDelete,
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	it := waitStatus(t, env.items, id, model.StatusCompleted)
	if it.ErrorMessage != "" {
		t.Fatalf("idempotent delete must not record an error: %q", it.ErrorMessage)
	}
}

func TestEngine_RetryBound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2, MaxRetries: 3})
	env.remote.setFailures(1000) // every attempt fails transiently
	env.start(t)

	id, err := env.engine.Enqueue(context.Background(), &model.SyncItem{
		EntityType:   "deal",
		EntityID:     "d1",
		Operation:    model.OpUpdate,
		Payload:      model.Payload{"stage": "negotiating"},
		Version:      1,
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	it := waitStatus(t, env.items, id, model.StatusFailed)
	if it.RetryCount != 3 {
		t.Fatalf("want retry_count == max_retries (3), got %d", it.RetryCount)
	}
	if !strings.Contains(it.ErrorMessage, "retries exhausted") {
		t.Fatalf("error message should name exhausted retries, got %q", it.ErrorMessage)
	}
	if got := env.remote.callCount(); got != 3 {
		t.Fatalf("want exactly 3 attempts against the store, got %d", got)
	}

	// No further automatic attempts after dead-lettering.
	time.Sleep(50 * time.Millisecond)
	if got := env.remote.callCount(); got != 3 {
		t.Fatalf("dead-lettered item kept retrying: %d calls", got)
	}
}

func TestEngine_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2, MaxRetries: 5})
	env.remote.setFailures(2)
	env.start(t)

	id, err := env.engine.Enqueue(context.Background(), &model.SyncItem{
		EntityType:   "deal",
		Operation:    model.OpCreate,
		Payload:      model.Payload{"title": "Acme Buyout"},
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	it := waitStatus(t, env.items, id, model.StatusCompleted)
	if it.RetryCount != 2 {
		t.Fatalf("want 2 recorded retries before success, got %d", it.RetryCount)
	}
}

func TestEngine_UpdateVersionConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})
	ctx := context.Background()

	// Server is two versions ahead of the client.
	if _, err := env.backend.CreateEntity(ctx, "deal", "d1", model.Payload{"stage": "negotiating", "owner": "u2"}, "org1", "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.backend.UpdateEntity(ctx, "deal", "d1", model.Payload{"stage": "negotiating", "owner": "u2"}, "org1", "seed"); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	env.start(t)
	id, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType:   "deal",
		EntityID:     "d1",
		Operation:    model.OpUpdate,
		Payload:      model.Payload{"stage": "closed_won"},
		Version:      1,
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitStatus(t, env.items, id, model.StatusConflict)

	conflicts, err := env.conflicts.List(ctx, "u1", "org1")
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("want one conflict, got %v (%v)", conflicts, err)
	}
	c := conflicts[0]
	if c.ClientData["stage"] != "closed_won" {
		t.Fatalf("client data not captured: %+v", c.ClientData)
	}
	if c.ServerData["stage"] != "negotiating" || c.ServerData["owner"] != "u2" {
		t.Fatalf("server snapshot not captured: %+v", c.ServerData)
	}

	// The update was never applied.
	e, err := env.backend.GetEntity(ctx, "deal", "d1", "org1")
	if err != nil || e.Payload["stage"] != "negotiating" {
		t.Fatalf("conflicting update must not be applied: %+v (%v)", e, err)
	}
}

func TestEngine_DuplicateCreateConflict(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})
	ctx := context.Background()

	if _, err := env.backend.CreateEntity(ctx, "doc", "readme", model.Payload{"body": "server copy"}, "org1", "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	env.start(t)
	id, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType:   "doc",
		EntityID:     "readme",
		Operation:    model.OpCreate,
		Payload:      model.Payload{"body": "client copy"},
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitStatus(t, env.items, id, model.StatusConflict)
	conflicts, _ := env.conflicts.List(ctx, "u1", "org1")
	if len(conflicts) != 1 || conflicts[0].ServerData["body"] != "server copy" {
		t.Fatalf("duplicate create should park with the server snapshot: %+v", conflicts)
	}
}

func TestEngine_PerEntitySerialization(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 4})
	ctx := context.Background()

	if _, err := env.backend.CreateEntity(ctx, "deal", "d1", model.Payload{"stage": "sourcing"}, "org1", "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.remote.mu.Lock()
	env.remote.delay = 20 * time.Millisecond
	env.remote.mu.Unlock()

	env.start(t)

	upd, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType: "deal", EntityID: "d1", Operation: model.OpUpdate,
		Payload: model.Payload{"stage": "negotiating"}, Version: 1,
		Owner: "u1", Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue update: %v", err)
	}
	del, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType: "deal", EntityID: "d1", Operation: model.OpDelete,
		Owner: "u1", Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue delete: %v", err)
	}

	waitStatus(t, env.items, del, model.StatusCompleted)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		it, _ := env.items.Get(ctx, upd)
		if it.Status == model.StatusCompleted || it.Status == model.StatusConflict {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := env.remote.maxConcurrent("deal:d1"); got > 1 {
		t.Fatalf("two operations for the same entity were in flight at once (max %d)", got)
	}
	// Whichever order the lock granted, the entity ends up deleted with no
	// interleaved partial state.
	if _, err := env.backend.GetEntity(ctx, "deal", "d1", "org1"); err == nil {
		t.Fatalf("entity should be deleted after both operations settle")
	}
}

func TestEngine_StartRecoversPersistedWork(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})
	ctx := context.Background()

	// A PENDING item and an item interrupted mid-flight by a crash.
	pending := &model.SyncItem{
		ID: uuid.Must(uuid.NewV4()), EntityType: "deal", Operation: model.OpCreate,
		Payload: model.Payload{"title": "Recovered"}, Owner: "u1", Organization: "org1",
		Status: model.StatusPending, ClientTimestamp: time.Now(),
	}
	interrupted := &model.SyncItem{
		ID: uuid.Must(uuid.NewV4()), EntityType: "deal", Operation: model.OpCreate,
		Payload: model.Payload{"title": "Interrupted"}, Owner: "u1", Organization: "org1",
		Status: model.StatusInProgress, ClientTimestamp: time.Now(),
	}
	for _, it := range []*model.SyncItem{pending, interrupted} {
		it.Checksum = integrity.Checksum(it.Payload)
		if err := env.items.Save(ctx, it); err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}

	env.start(t)

	waitStatus(t, env.items, pending.ID, model.StatusCompleted)
	waitStatus(t, env.items, interrupted.ID, model.StatusCompleted)
}

func TestEngine_RequeueFailedItem(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2, MaxRetries: 3})
	env.remote.setFailures(1000)
	env.start(t)

	ctx := context.Background()
	id, err := env.engine.Enqueue(ctx, &model.SyncItem{
		EntityType:   "deal",
		Operation:    model.OpCreate,
		Payload:      model.Payload{"title": "Acme Buyout"},
		Owner:        "u1",
		Organization: "org1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitStatus(t, env.items, id, model.StatusFailed)

	// Only FAILED items may be resubmitted; a completed one is rejected below.
	env.remote.setFailures(0)
	if err := env.engine.Requeue(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	it := waitStatus(t, env.items, id, model.StatusCompleted)
	if it.RetryCount != 0 {
		t.Fatalf("resubmit should reset the retry budget, got %d", it.RetryCount)
	}
	if err := env.engine.Requeue(ctx, id); err == nil {
		t.Fatalf("requeue of a completed item must be rejected")
	}
}
