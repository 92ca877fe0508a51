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

// SyncItemRepo implements SyncItemRepository using PostgreSQL.
type SyncItemRepo struct{ db *DB }

// NewSyncItemRepo constructs a sync item repository.
func NewSyncItemRepo(db *DB) *SyncItemRepo { return &SyncItemRepo{db: db} }

const itemColumns = `id, entity_type, entity_id, operation, payload, client_ts, server_ts,
owner_id, org_id, checksum, version, status, retry_count, error_message`

// Save inserts a new sync item.
func (r *SyncItemRepo) Save(ctx context.Context, it *model.SyncItem) error {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	const q = `
INSERT INTO sync_items (` + itemColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = r.db.Pool.Exec(ctx, q,
		it.ID, it.EntityType, it.EntityID, string(it.Operation), payload,
		it.ClientTimestamp, it.ServerTimestamp, it.Owner, it.Organization,
		it.Checksum, it.Version, string(it.Status), it.RetryCount, it.ErrorMessage,
	)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Update persists the mutable bookkeeping of an existing item. The payload and
// checksum are immutable once enqueued and are deliberately not written here.
func (r *SyncItemRepo) Update(ctx context.Context, it *model.SyncItem) error {
	const q = `
UPDATE sync_items
SET entity_id=$2, server_ts=$3, status=$4, retry_count=$5, error_message=$6
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q,
		it.ID, it.EntityID, it.ServerTimestamp, string(it.Status), it.RetryCount, it.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Get returns a single item by id.
func (r *SyncItemRepo) Get(ctx context.Context, id uuid.UUID) (*model.SyncItem, error) {
	const q = `SELECT ` + itemColumns + ` FROM sync_items WHERE id=$1`
	it, err := scanItem(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return it, err
}

// ListPending returns PENDING, IN_PROGRESS and FAILED items for the owner.
func (r *SyncItemRepo) ListPending(ctx context.Context, owner, org string) ([]model.SyncItem, error) {
	const q = `
SELECT ` + itemColumns + `
FROM sync_items
WHERE owner_id=$1 AND org_id=$2 AND status IN ('PENDING','IN_PROGRESS','FAILED')
ORDER BY client_ts ASC`
	return r.list(ctx, q, owner, org)
}

// ListByStatus returns all items in the given status, oldest first.
func (r *SyncItemRepo) ListByStatus(ctx context.Context, status model.Status) ([]model.SyncItem, error) {
	const q = `
SELECT ` + itemColumns + `
FROM sync_items
WHERE status=$1
ORDER BY client_ts ASC`
	return r.list(ctx, q, string(status))
}

// FindPendingForEntity returns an unprocessed item targeting the entity.
func (r *SyncItemRepo) FindPendingForEntity(ctx context.Context, org, entityType, entityID string) (*model.SyncItem, error) {
	const q = `
SELECT ` + itemColumns + `
FROM sync_items
WHERE org_id=$1 AND entity_type=$2 AND entity_id=$3 AND status IN ('PENDING','IN_PROGRESS')
ORDER BY client_ts ASC
LIMIT 1`
	it, err := scanItem(r.db.Pool.QueryRow(ctx, q, org, entityType, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return it, err
}

// CountPending counts PENDING and IN_PROGRESS items for the owner.
func (r *SyncItemRepo) CountPending(ctx context.Context, owner, org string) (int, error) {
	const q = `
SELECT COUNT(*) FROM sync_items
WHERE owner_id=$1 AND org_id=$2 AND status IN ('PENDING','IN_PROGRESS')`
	var n int
	if err := r.db.Pool.QueryRow(ctx, q, owner, org).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *SyncItemRepo) list(ctx context.Context, q string, args ...any) ([]model.SyncItem, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (*model.SyncItem, error) {
	var (
		it       model.SyncItem
		op       string
		status   string
		payload  []byte
		serverTS *time.Time
	)
	err := row.Scan(
		&it.ID, &it.EntityType, &it.EntityID, &op, &payload, &it.ClientTimestamp, &serverTS,
		&it.Owner, &it.Organization, &it.Checksum, &it.Version, &status, &it.RetryCount, &it.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	it.Operation = model.Operation(op)
	it.Status = model.Status(status)
	it.ServerTimestamp = serverTS
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &it.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &it, nil
}
