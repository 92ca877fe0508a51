package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
)

// ConflictRepo implements ConflictRepository using PostgreSQL.
type ConflictRepo struct{ db *DB }

// NewConflictRepo constructs a conflict repository.
func NewConflictRepo(db *DB) *ConflictRepo { return &ConflictRepo{db: db} }

const conflictColumns = `id, entity_type, entity_id, client_data, server_data,
client_ts, server_ts, owner_id, org_id, strategy, resolved_data, created_at`

// Save inserts a new conflict record.
func (r *ConflictRepo) Save(ctx context.Context, c *model.SyncConflict) error {
	clientData, err := json.Marshal(c.ClientData)
	if err != nil {
		return fmt.Errorf("marshal client data: %w", err)
	}
	serverData, err := json.Marshal(c.ServerData)
	if err != nil {
		return fmt.Errorf("marshal server data: %w", err)
	}
	var resolved []byte
	if c.ResolvedData != nil {
		if resolved, err = json.Marshal(c.ResolvedData); err != nil {
			return fmt.Errorf("marshal resolved data: %w", err)
		}
	}
	const q = `
INSERT INTO sync_conflicts (` + conflictColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.db.Pool.Exec(ctx, q,
		c.ID, c.EntityType, c.EntityID, clientData, serverData,
		c.ClientTimestamp, c.ServerTimestamp, c.Owner, c.Organization,
		nullableStrategy(c.Strategy), resolved, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get returns a single conflict by id.
func (r *ConflictRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncConflict, error) {
	const q = `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id=$1`
	c, err := scanConflict(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return c, err
}

// Delete removes a resolved conflict.
func (r *ConflictRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM sync_conflicts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// List returns unresolved conflicts for the owner, oldest first.
func (r *ConflictRepo) List(ctx context.Context, owner, org string) ([]model.SyncConflict, error) {
	const q = `
SELECT ` + conflictColumns + `
FROM sync_conflicts
WHERE owner_id=$1 AND org_id=$2
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, owner, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Count counts open conflicts for the owner.
func (r *ConflictRepo) Count(ctx context.Context, owner, org string) (int, error) {
	const q = `SELECT COUNT(*) FROM sync_conflicts WHERE owner_id=$1 AND org_id=$2`
	var n int
	if err := r.db.Pool.QueryRow(ctx, q, owner, org).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func scanConflict(row pgx.Row) (*model.SyncConflict, error) {
	var (
		c          model.SyncConflict
		clientData []byte
		serverData []byte
		resolved   []byte
		strategy   *string
	)
	err := row.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &clientData, &serverData,
		&c.ClientTimestamp, &c.ServerTimestamp, &c.Owner, &c.Organization,
		&strategy, &resolved, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if strategy != nil {
		c.Strategy = model.Strategy(*strategy)
	}
	if len(clientData) > 0 {
		if err := json.Unmarshal(clientData, &c.ClientData); err != nil {
			return nil, fmt.Errorf("unmarshal client data: %w", err)
		}
	}
	if len(serverData) > 0 {
		if err := json.Unmarshal(serverData, &c.ServerData); err != nil {
			return nil, fmt.Errorf("unmarshal server data: %w", err)
		}
	}
	if len(resolved) > 0 {
		if err := json.Unmarshal(resolved, &c.ResolvedData); err != nil {
			return nil, fmt.Errorf("unmarshal resolved data: %w", err)
		}
	}
	return &c, nil
}

func nullableStrategy(s model.Strategy) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}
