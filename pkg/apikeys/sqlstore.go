package apikeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/casaflow/gateway/pkg/authz"
)

// SQLStore persists API keys in a relational database. Placeholders use the
// $N form, which both lib/pq and mattn/go-sqlite3 accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQL-backed key store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the api_keys table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			token_prefix TEXT NOT NULL,
			permissions TEXT NOT NULL,
			max_requests INTEGER NOT NULL,
			window_seconds INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP,
			expires_at TIMESTAMP,
			active BOOLEAN NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create api_keys table: %w", err)
	}
	return nil
}

// Insert stores a new key.
func (s *SQLStore) Insert(ctx context.Context, key *APIKey) error {
	permissionsJSON, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, name, owner_id, token_hash, token_prefix, permissions, max_requests, window_seconds, created_at, last_used_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		key.ID,
		key.Name,
		key.OwnerID,
		key.TokenHash,
		key.TokenPrefix,
		string(permissionsJSON),
		key.RateCeiling.MaxRequests,
		key.RateCeiling.WindowSeconds,
		key.CreatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
		key.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

const selectColumns = `id, name, owner_id, token_hash, token_prefix, permissions, max_requests, window_seconds, created_at, last_used_at, expires_at, active`

// GetByHash looks a key up by its token hash.
func (s *SQLStore) GetByHash(ctx context.Context, tokenHash string) (*APIKey, error) {
	query := `SELECT ` + selectColumns + ` FROM api_keys WHERE token_hash = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, tokenHash))
}

// GetByID looks a key up by ID.
func (s *SQLStore) GetByID(ctx context.Context, id string) (*APIKey, error) {
	query := `SELECT ` + selectColumns + ` FROM api_keys WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// ListByOwner returns all keys owned by ownerID, newest first.
func (s *SQLStore) ListByOwner(ctx context.Context, ownerID string) ([]*APIKey, error) {
	query := `SELECT ` + selectColumns + ` FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// SetInactive marks a key revoked.
func (s *SQLStore) SetInactive(ctx context.Context, id, ownerID string) error {
	query := `UPDATE api_keys SET active = $1 WHERE id = $2 AND owner_id = $3`
	res, err := s.db.ExecContext(ctx, query, false, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records when the key last authenticated a request.
func (s *SQLStore) TouchLastUsed(ctx context.Context, id string, t time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, t, id); err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}

// DeleteExpired removes keys whose expiry passed before the cutoff.
func (s *SQLStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < $1`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanOne(row *sql.Row) (*APIKey, error) {
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return key, err
}

func scanKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	var permissionsJSON string
	var lastUsedAt, expiresAt sql.NullTime

	err := row.Scan(
		&key.ID,
		&key.Name,
		&key.OwnerID,
		&key.TokenHash,
		&key.TokenPrefix,
		&permissionsJSON,
		&key.RateCeiling.MaxRequests,
		&key.RateCeiling.WindowSeconds,
		&key.CreatedAt,
		&lastUsedAt,
		&expiresAt,
		&key.Active,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}

	var permissions authz.PermissionSet
	if err := json.Unmarshal([]byte(permissionsJSON), &permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	key.Permissions = permissions

	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}

	return &key, nil
}
