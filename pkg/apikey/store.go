package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const apiKeyColumns = `id, user_id, key_hash, key_prefix, description, global_roles, device_id, last_used, expires_at, created_at`

// Store provides database operations for API keys.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateParams holds parameters for creating an API key.
type CreateParams struct {
	UserID      uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Description string
	GlobalRoles []string
	DeviceID    *uuid.UUID
	ExpiresAt   *time.Time
}

func scanRow(row pgx.Row) (Row, error) {
	var r Row
	err := row.Scan(
		&r.ID, &r.UserID, &r.KeyHash, &r.KeyPrefix, &r.Description,
		&r.GlobalRoles, &r.DeviceID, &r.LastUsed, &r.ExpiresAt, &r.CreatedAt,
	)
	return r, err
}

// List returns all API keys owned by userID.
func (s *Store) List(ctx context.Context, userID uuid.UUID) ([]Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Create inserts a new API key and returns the created row.
func (s *Store) Create(ctx context.Context, p CreateParams) (Row, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, key_prefix, description, global_roles, device_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 RETURNING `+apiKeyColumns,
		uuid.New(), p.UserID, p.KeyHash, p.KeyPrefix, p.Description, p.GlobalRoles, p.DeviceID, p.ExpiresAt)
	return scanRow(row)
}

// Delete permanently removes an API key, scoped to its owner so one user
// can never delete another's key by guessing an ID.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetByHash looks up a key by its SHA-256 hash, for the auth middleware's
// Storage.GetAPIKeyByHash implementation.
func (s *Store) GetByHash(ctx context.Context, hash string) (Row, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	return scanRow(row)
}

// TouchLastUsed records the current time as the key's last-used timestamp.
func (s *Store) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used = now() WHERE id = $1`, id)
	return err
}
