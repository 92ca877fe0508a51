// Package memory provides an in-memory ServerStore, used in tests and as the
// local mirror the reconciler applies server changes into.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
)

// Store keeps entities per organization, keyed by entity_type:entity_id.
type Store struct {
	mu      sync.RWMutex
	orgs    map[string]map[string]*model.Entity
	changes map[string][]model.Change
	now     func() time.Time
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		orgs:    make(map[string]map[string]*model.Entity),
		changes: make(map[string][]model.Change),
		now:     time.Now,
	}
}

func key(entityType, entityID string) string { return entityType + ":" + entityID }

func (s *Store) org(orgID string) map[string]*model.Entity {
	m, ok := s.orgs[orgID]
	if !ok {
		m = make(map[string]*model.Entity)
		s.orgs[orgID] = m
	}
	return m
}

func (s *Store) record(orgID string, e *model.Entity) {
	s.changes[orgID] = append(s.changes[orgID], model.Change{
		EntityType: e.Type,
		EntityID:   e.ID,
		Payload:    e.Payload.Clone(),
		Version:    e.Version,
		ChangedAt:  e.UpdatedAt,
	})
}

// GetEntity returns a copy of the stored entity.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID, org string) (*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.orgs[org][key(entityType, entityID)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *e
	cp.Payload = e.Payload.Clone()
	return &cp, nil
}

// CreateEntity inserts the entity at version 1, assigning an id when empty.
func (s *Store) CreateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID
	if id == "" {
		id = uuid.Must(uuid.NewV4()).String()
	}
	m := s.org(org)
	if _, ok := m[key(entityType, id)]; ok {
		return nil, errs.ErrAlreadyExists
	}
	e := &model.Entity{
		Type:         entityType,
		ID:           id,
		Payload:      payload.Clone(),
		Version:      1,
		Organization: org,
		UpdatedAt:    s.now(),
	}
	m[key(entityType, id)] = e
	s.record(org, e)
	cp := *e
	cp.Payload = e.Payload.Clone()
	return &cp, nil
}

// UpdateEntity replaces the payload and bumps the version.
func (s *Store) UpdateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.org(org)[key(entityType, entityID)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	e.Payload = payload.Clone()
	e.Version++
	e.UpdatedAt = s.now()
	s.record(org, e)
	cp := *e
	cp.Payload = e.Payload.Clone()
	return &cp, nil
}

// DeleteEntity removes the entity.
func (s *Store) DeleteEntity(ctx context.Context, entityType, entityID, org, actor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(entityType, entityID)
	m := s.org(org)
	if _, ok := m[k]; !ok {
		return errs.ErrNotFound
	}
	delete(m, k)
	return nil
}

// GetChangesSince returns changes strictly after since, oldest first.
func (s *Store) GetChangesSince(ctx context.Context, org string, since time.Time) ([]model.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Change
	for _, ch := range s.changes[org] {
		if ch.ChangedAt.After(since) {
			cp := ch
			cp.Payload = ch.Payload.Clone()
			out = append(out, cp)
		}
	}
	return out, nil
}

// ApplyChange upserts a server change at its server-assigned version without
// generating a new change log entry.
func (s *Store) ApplyChange(ctx context.Context, org string, ch model.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.org(org)[key(ch.EntityType, ch.EntityID)] = &model.Entity{
		Type:         ch.EntityType,
		ID:           ch.EntityID,
		Payload:      ch.Payload.Clone(),
		Version:      ch.Version,
		Organization: org,
		UpdatedAt:    ch.ChangedAt,
	}
	return nil
}
