package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// CheckpointRepo implements CheckpointRepository using PostgreSQL.
type CheckpointRepo struct{ db *DB }

// NewCheckpointRepo constructs a checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo { return &CheckpointRepo{db: db} }

// LastSync returns the last successful sync time for the owner. A zero time
// means the owner has never synced.
func (r *CheckpointRepo) LastSync(ctx context.Context, owner, org string) (time.Time, error) {
	const q = `SELECT last_sync_at FROM sync_checkpoints WHERE org_id=$1 AND owner_id=$2`
	var ts time.Time
	err := r.db.Pool.QueryRow(ctx, q, org, owner).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// SetLastSync records the checkpoint for the owner, creating it on first sync.
func (r *CheckpointRepo) SetLastSync(ctx context.Context, owner, org string, ts time.Time) error {
	const q = `
INSERT INTO sync_checkpoints (org_id, owner_id, last_sync_at)
VALUES ($1,$2,$3)
ON CONFLICT (org_id, owner_id) DO UPDATE SET last_sync_at=EXCLUDED.last_sync_at`
	_, err := r.db.Pool.Exec(ctx, q, org, owner, ts)
	return err
}
