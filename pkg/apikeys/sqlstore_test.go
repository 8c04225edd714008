package apikeys

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaflow/gateway/pkg/authz"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), mock
}

func sampleKey() *APIKey {
	return &APIKey{
		ID:          "k1",
		Name:        "integration",
		OwnerID:     "owner-1",
		TokenHash:   "hash1",
		TokenPrefix: "cfk_abcd1234",
		Permissions: authz.PermissionSet{
			{Resource: authz.ResourceProperties, Actions: []authz.Action{authz.ActionRead}},
		},
		RateCeiling: RateCeiling{MaxRequests: 100, WindowSeconds: 3600},
		CreatedAt:   time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		Active:      true,
	}
}

func keyColumns() []string {
	return []string{
		"id", "name", "owner_id", "token_hash", "token_prefix", "permissions",
		"max_requests", "window_seconds", "created_at", "last_used_at", "expires_at", "active",
	}
}

func sampleKeyRow() *sqlmock.Rows {
	key := sampleKey()
	return sqlmock.NewRows(keyColumns()).AddRow(
		key.ID, key.Name, key.OwnerID, key.TokenHash, key.TokenPrefix,
		`[{"resource":"properties","actions":["read"]}]`,
		key.RateCeiling.MaxRequests, key.RateCeiling.WindowSeconds,
		key.CreatedAt, nil, nil, key.Active,
	)
}

func TestSQLStoreInsert(t *testing.T) {
	store, mock := newMockStore(t)
	key := sampleKey()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs(
			key.ID, key.Name, key.OwnerID, key.TokenHash, key.TokenPrefix,
			`[{"resource":"properties","actions":["read"]}]`,
			key.RateCeiling.MaxRequests, key.RateCeiling.WindowSeconds,
			key.CreatedAt, nil, nil, key.Active,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Insert(context.Background(), key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetByHash(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE token_hash = $1")).
		WithArgs("hash1").
		WillReturnRows(sampleKeyRow())

	key, err := store.GetByHash(context.Background(), "hash1")
	require.NoError(t, err)
	assert.Equal(t, "k1", key.ID)
	assert.Equal(t, "owner-1", key.OwnerID)
	assert.True(t, key.Permissions.Allows(authz.ResourceProperties, authz.ActionRead))
	assert.Nil(t, key.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetByHashNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE token_hash = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(keyColumns()))

	_, err := store.GetByHash(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreListByOwner(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC")).
		WithArgs("owner-1").
		WillReturnRows(sampleKeyRow())

	keys, err := store.ListByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "k1", keys[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSetInactive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET active = $1 WHERE id = $2 AND owner_id = $3")).
		WithArgs(false, "k1", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetInactive(context.Background(), "k1", "owner-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSetInactiveNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET active = $1 WHERE id = $2 AND owner_id = $3")).
		WithArgs(false, "k1", "other-owner").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetInactive(context.Background(), "k1", "other-owner")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreDeleteExpired(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	removed, err := store.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
