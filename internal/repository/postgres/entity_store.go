package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
)

// EntityStore implements the server store over the entities table.
type EntityStore struct {
	db  *DB
	now func() time.Time
}

// NewEntityStore constructs a server-side entity store.
func NewEntityStore(db *DB) *EntityStore {
	return &EntityStore{db: db, now: time.Now}
}

// GetEntity returns the current server copy of an entity.
func (s *EntityStore) GetEntity(ctx context.Context, entityType, entityID, org string) (*model.Entity, error) {
	const q = `
SELECT payload, version, updated_at
FROM entities WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3`
	var (
		payload []byte
		e       = model.Entity{Type: entityType, ID: entityID, Organization: org}
	)
	err := s.db.Pool.QueryRow(ctx, q, org, entityType, entityID).Scan(&payload, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &e, nil
}

// CreateEntity inserts a new entity at version 1. An empty entityID asks the
// store to assign one.
func (s *EntityStore) CreateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (*model.Entity, error) {
	if entityID == "" {
		entityID = uuid.Must(uuid.NewV4()).String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ts := s.now().UTC()
	const q = `
INSERT INTO entities (org_id, entity_type, entity_id, payload, version, updated_at, updated_by)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := s.db.Pool.Exec(ctx, q, org, entityType, entityID, data, int64(1), ts, actor); err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ErrAlreadyExists
		}
		return nil, err
	}
	return &model.Entity{
		Type: entityType, ID: entityID, Payload: payload.Clone(),
		Version: 1, Organization: org, UpdatedAt: ts,
	}, nil
}

// UpdateEntity replaces the payload and bumps the version.
func (s *EntityStore) UpdateEntity(ctx context.Context, entityType, entityID string, payload model.Payload, org, actor string) (e *model.Entity, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT version FROM entities WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3 FOR UPDATE`
	const upd = `UPDATE entities SET payload=$4, version=$5, updated_at=$6, updated_by=$7 WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3`

	var curVer int64
	if err = tx.QueryRow(ctx, sel, org, entityType, entityID).Scan(&curVer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	newVer := curVer + 1
	ts := s.now().UTC()
	if _, err = tx.Exec(ctx, upd, org, entityType, entityID, data, newVer, ts, actor); err != nil {
		return nil, err
	}
	return &model.Entity{
		Type: entityType, ID: entityID, Payload: payload.Clone(),
		Version: newVer, Organization: org, UpdatedAt: ts,
	}, nil
}

// DeleteEntity removes an entity.
func (s *EntityStore) DeleteEntity(ctx context.Context, entityType, entityID, org, actor string) error {
	const q = `DELETE FROM entities WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3`
	tag, err := s.db.Pool.Exec(ctx, q, org, entityType, entityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetChangesSince returns entities modified strictly after the given time.
func (s *EntityStore) GetChangesSince(ctx context.Context, org string, since time.Time) ([]model.Change, error) {
	const q = `
SELECT entity_type, entity_id, payload, version, updated_at
FROM entities
WHERE org_id=$1 AND updated_at>$2
ORDER BY updated_at ASC`
	rows, err := s.db.Pool.Query(ctx, q, org, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Change
	for rows.Next() {
		var (
			ch      model.Change
			payload []byte
		)
		if err = rows.Scan(&ch.EntityType, &ch.EntityID, &payload, &ch.Version, &ch.ChangedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &ch.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ApplyChange upserts an entity at the version carried by the change. Used
// when the store acts as a local mirror of another store's change feed.
func (s *EntityStore) ApplyChange(ctx context.Context, org string, ch model.Change) error {
	data, err := json.Marshal(ch.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	const q = `
INSERT INTO entities (org_id, entity_type, entity_id, payload, version, updated_at, updated_by)
VALUES ($1,$2,$3,$4,$5,$6,'sync')
ON CONFLICT (org_id, entity_type, entity_id)
DO UPDATE SET payload=EXCLUDED.payload, version=EXCLUDED.version, updated_at=EXCLUDED.updated_at, updated_by=EXCLUDED.updated_by`
	_, err = s.db.Pool.Exec(ctx, q, org, ch.EntityType, ch.EntityID, data, ch.Version, ch.ChangedAt)
	return err
}
