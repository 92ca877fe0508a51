package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/fieldpipe/syncengine/internal/errs"
	"github.com/fieldpipe/syncengine/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func sampleItem() *model.SyncItem {
	return &model.SyncItem{
		ID:              uuid.Must(uuid.NewV4()),
		EntityType:      "deal",
		EntityID:        "d1",
		Operation:       model.OpUpdate,
		Payload:         model.Payload{"stage": "closed_won"},
		ClientTimestamp: time.Now().UTC(),
		Owner:           "u1",
		Organization:    "org1",
		Checksum:        "abc",
		Version:         3,
		Status:          model.StatusPending,
	}
}

func itemRows(items ...*model.SyncItem) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "entity_type", "entity_id", "operation", "payload", "client_ts", "server_ts",
		"owner_id", "org_id", "checksum", "version", "status", "retry_count", "error_message",
	})
	for _, it := range items {
		payload, _ := json.Marshal(it.Payload)
		rows.AddRow(
			it.ID, it.EntityType, it.EntityID, string(it.Operation), payload,
			it.ClientTimestamp, it.ServerTimestamp, it.Owner, it.Organization,
			it.Checksum, it.Version, string(it.Status), it.RetryCount, it.ErrorMessage,
		)
	}
	return rows
}

func TestSyncItemRepo_Save_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	it := sampleItem()
	payload, _ := json.Marshal(it.Payload)

	mock.ExpectExec(`INSERT INTO sync_items`).
		WithArgs(it.ID, it.EntityType, it.EntityID, "UPDATE", payload,
			it.ClientTimestamp, it.ServerTimestamp, it.Owner, it.Organization,
			it.Checksum, it.Version, "PENDING", it.RetryCount, it.ErrorMessage).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Save(context.Background(), it))
}

func TestSyncItemRepo_Save_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	mock.ExpectExec(`INSERT INTO sync_items`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := r.Save(context.Background(), sampleItem())
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestSyncItemRepo_Update_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	it := sampleItem()
	it.Status = model.StatusFailed
	it.RetryCount = 3
	it.ErrorMessage = "boom"

	mock.ExpectExec(`UPDATE sync_items SET entity_id=\$2, server_ts=\$3, status=\$4, retry_count=\$5, error_message=\$6 WHERE id=\$1`).
		WithArgs(it.ID, it.EntityID, it.ServerTimestamp, "FAILED", 3, "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.Update(context.Background(), it))
}

func TestSyncItemRepo_Update_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	mock.ExpectExec(`UPDATE sync_items`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := r.Update(context.Background(), sampleItem())
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSyncItemRepo_Get_OK_And_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)
	ctx := context.Background()
	it := sampleItem()

	mock.ExpectQuery(`SELECT .* FROM sync_items WHERE id=\$1`).
		WithArgs(it.ID).
		WillReturnRows(itemRows(it))
	got, err := r.Get(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, it.ID, got.ID)
	require.Equal(t, model.OpUpdate, got.Operation)
	require.Equal(t, "closed_won", got.Payload["stage"])

	mock.ExpectQuery(`SELECT .* FROM sync_items WHERE id=\$1`).
		WithArgs(it.ID).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, it.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSyncItemRepo_ListPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	a, b := sampleItem(), sampleItem()
	b.Status = model.StatusFailed

	mock.ExpectQuery(`SELECT .* FROM sync_items WHERE owner_id=\$1 AND org_id=\$2 AND status IN \('PENDING','IN_PROGRESS','FAILED'\) ORDER BY client_ts ASC`).
		WithArgs("u1", "org1").
		WillReturnRows(itemRows(a, b))

	out, err := r.ListPending(context.Background(), "u1", "org1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.StatusFailed, out[1].Status)
}

func TestSyncItemRepo_FindPendingForEntity_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	mock.ExpectQuery(`SELECT .* FROM sync_items WHERE org_id=\$1 AND entity_type=\$2 AND entity_id=\$3`).
		WithArgs("org1", "deal", "d1").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.FindPendingForEntity(context.Background(), "org1", "deal", "d1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSyncItemRepo_CountPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sync_items WHERE owner_id=\$1 AND org_id=\$2 AND status IN \('PENDING','IN_PROGRESS'\)`).
		WithArgs("u1", "org1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := r.CountPending(context.Background(), "u1", "org1")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestSyncItemRepo_List_RowsErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSyncItemRepo(db)

	rows := itemRows(sampleItem()).RowError(0, errors.New("row0"))
	mock.ExpectQuery(`SELECT .* FROM sync_items WHERE status=\$1`).
		WithArgs("PENDING").
		WillReturnRows(rows)

	_, err := r.ListByStatus(context.Background(), model.StatusPending)
	require.Error(t, err)
}
