package secret

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/loom/internal/apperr"
)

const secretColumns = `id, name, scope_kind, org_id, repo_id, weaver_id, current_version, created_at, updated_at, expires_at, tombstoned_at`

// Store persists secret metadata and append-only ciphertext versions. Writes
// always go through Put, which appends a new version under a transaction;
// there is no update-in-place operation (spec §4.8: "Writes append a new
// version with monotonically incremented number under a transaction").
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func scanSecret(row pgx.Row) (Secret, error) {
	var s Secret
	var orgID uuid.UUID
	var repoID, weaverID *uuid.UUID
	if err := row.Scan(&s.ID, &s.Name, &s.Scope.Kind, &orgID, &repoID, &weaverID,
		&s.CurrentVersion, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &s.TombstonedAt); err != nil {
		return Secret{}, err
	}
	s.Scope.OrgID = orgID
	s.Scope.RepoID = repoID
	s.Scope.WeaverID = weaverID
	return s, nil
}

// Get fetches live (non-tombstoned) secret metadata by scope and name — the
// lookup key the fetch and write paths both use (spec §3: "names are unique
// within their scope").
func (s *Store) Get(ctx context.Context, scope Scope, name string) (Secret, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE name = $1 AND scope_kind = $2 AND org_id = $3
		   AND repo_id IS NOT DISTINCT FROM $4 AND weaver_id IS NOT DISTINCT FROM $5
		   AND tombstoned_at IS NULL`,
		name, scope.Kind, scope.OrgID, scope.RepoID, scope.WeaverID)
	sec, err := scanSecret(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Secret{}, apperr.NotFound("secret_not_found", "secret does not exist")
		}
		return Secret{}, fmt.Errorf("fetching secret: %w", err)
	}
	return sec, nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Secret, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = $1 AND tombstoned_at IS NULL`, id)
	sec, err := scanSecret(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Secret{}, apperr.NotFound("secret_not_found", "secret does not exist")
		}
		return Secret{}, fmt.Errorf("fetching secret: %w", err)
	}
	return sec, nil
}

func (s *Store) ListByScope(ctx context.Context, scope Scope) ([]Secret, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE scope_kind = $1 AND org_id = $2
		   AND repo_id IS NOT DISTINCT FROM $3 AND weaver_id IS NOT DISTINCT FROM $4
		   AND tombstoned_at IS NULL
		 ORDER BY name`,
		scope.Kind, scope.OrgID, scope.RepoID, scope.WeaverID)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()
	var out []Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning secret: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// Put creates the secret row if it doesn't exist, or appends a new version
// if it does, all inside one transaction (spec §4.8 step 3). The returned
// Secret reflects the new CurrentVersion.
func (s *Store) Put(ctx context.Context, scope Scope, name string, createdBy uuid.UUID, ciphertext, nonce []byte, keyID string, expiresAt *time.Time) (Secret, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Secret{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var sec Secret
	row := tx.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE name = $1 AND scope_kind = $2 AND org_id = $3
		   AND repo_id IS NOT DISTINCT FROM $4 AND weaver_id IS NOT DISTINCT FROM $5
		 FOR UPDATE`,
		name, scope.Kind, scope.OrgID, scope.RepoID, scope.WeaverID)
	sec, err = scanSecret(row)
	switch {
	case err == pgx.ErrNoRows:
		id := uuid.Must(uuid.NewV7())
		row = tx.QueryRow(ctx,
			`INSERT INTO secrets (id, name, scope_kind, org_id, repo_id, weaver_id, current_version, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 1, now(), now(), $7)
			 RETURNING `+secretColumns,
			id, name, scope.Kind, scope.OrgID, scope.RepoID, scope.WeaverID, expiresAt)
		sec, err = scanSecret(row)
		if err != nil {
			return Secret{}, fmt.Errorf("creating secret: %w", err)
		}
	case err != nil:
		return Secret{}, fmt.Errorf("locking secret: %w", err)
	case sec.TombstonedAt != nil:
		return Secret{}, apperr.Conflict("secret_tombstoned", "a tombstoned secret with this name already exists in this scope")
	default:
		sec.CurrentVersion++
		row = tx.QueryRow(ctx,
			`UPDATE secrets SET current_version = $1, updated_at = now(), expires_at = $2 WHERE id = $3
			 RETURNING `+secretColumns,
			sec.CurrentVersion, expiresAt, sec.ID)
		sec, err = scanSecret(row)
		if err != nil {
			return Secret{}, fmt.Errorf("updating secret: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO secret_versions (secret_id, version, ciphertext, nonce, key_id, created_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, now(), $6)`,
		sec.ID, sec.CurrentVersion, ciphertext, nonce, keyID, createdBy)
	if err != nil {
		return Secret{}, fmt.Errorf("inserting secret version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Secret{}, fmt.Errorf("committing secret write: %w", err)
	}
	return sec, nil
}

// GetVersion fetches a specific version's ciphertext, or the current one
// when version is 0.
func (s *Store) GetVersion(ctx context.Context, secretID uuid.UUID, version int) (Version, error) {
	var q string
	var args []any
	if version > 0 {
		q = `SELECT secret_id, version, ciphertext, nonce, key_id, created_at, created_by
		     FROM secret_versions WHERE secret_id = $1 AND version = $2`
		args = []any{secretID, version}
	} else {
		q = `SELECT sv.secret_id, sv.version, sv.ciphertext, sv.nonce, sv.key_id, sv.created_at, sv.created_by
		     FROM secret_versions sv JOIN secrets s ON s.id = sv.secret_id AND s.current_version = sv.version
		     WHERE sv.secret_id = $1`
		args = []any{secretID}
	}
	row := s.pool.QueryRow(ctx, q, args...)
	var v Version
	if err := row.Scan(&v.SecretID, &v.Version, &v.Ciphertext, &v.Nonce, &v.KeyID, &v.CreatedAt, &v.CreatedBy); err != nil {
		if err == pgx.ErrNoRows {
			return Version{}, apperr.NotFound("secret_version_not_found", "secret version does not exist")
		}
		return Version{}, fmt.Errorf("fetching secret version: %w", err)
	}
	return v, nil
}

// Tombstone marks a secret deleted without removing its versions, which
// remain for audit retention (spec §4.8: "Deletion marks the secret
// tombstoned; versions remain for audit retention").
func (s *Store) Tombstone(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE secrets SET tombstoned_at = now() WHERE id = $1 AND tombstoned_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("tombstoning secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("secret_not_found", "secret does not exist")
	}
	return nil
}
