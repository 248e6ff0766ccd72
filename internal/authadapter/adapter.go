// Package authadapter implements internal/auth's Storage interface against
// Loom's own tables — row-level multi-tenant, no schema switching (spec
// SPEC_FULL.md §D "Schema shape").
package authadapter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/pkg/apikey"
)

// Adapter implements auth.Storage for Loom.
type Adapter struct {
	pool *pgxpool.Pool
	keys *apikey.Store
}

func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool, keys: apikey.NewStore(pool)}
}

// GetAPIKeyByHash resolves a hashed API key to its owning user and roles.
func (a *Adapter) GetAPIKeyByHash(ctx context.Context, hash string) (*auth.APIKeyResult, error) {
	row, err := a.keys.GetByHash(ctx, hash)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("api key not found")
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	return &auth.APIKeyResult{
		APIKeyID:    row.ID,
		UserID:      row.UserID,
		KeyPrefix:   row.KeyPrefix,
		GlobalRoles: row.GlobalRoles,
		DeviceID:    row.DeviceID,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}

func (a *Adapter) UpdateAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	return a.keys.TouchLastUsed(ctx, keyID)
}

// FindOrCreateOIDCUser looks up a user by OIDC subject, creating one on
// first login (spec SPEC_FULL.md §B: OIDC token-exchange plumbing feeds
// user session establishment).
func (a *Adapter) FindOrCreateOIDCUser(ctx context.Context, subject, email, displayName string) (*auth.UserRow, error) {
	row := a.pool.QueryRow(ctx,
		`SELECT id, email, display_name, global_roles, is_active FROM users WHERE oidc_subject = $1`, subject)
	u, err := scanUserRow(row)
	if err == nil {
		return u, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("looking up oidc user: %w", err)
	}

	id := uuid.Must(uuid.NewV7())
	row = a.pool.QueryRow(ctx,
		`INSERT INTO users (id, oidc_subject, email, display_name, global_roles, is_active, created_at)
		 VALUES ($1, $2, $3, $4, '{}', true, now())
		 ON CONFLICT (email) DO UPDATE SET oidc_subject = EXCLUDED.oidc_subject
		 RETURNING id, email, display_name, global_roles, is_active`,
		id, subject, email, displayName)
	u, err = scanUserRow(row)
	if err != nil {
		return nil, fmt.Errorf("creating oidc user: %w", err)
	}
	return u, nil
}

func (a *Adapter) GetUser(ctx context.Context, userID uuid.UUID) (*auth.UserRow, error) {
	row := a.pool.QueryRow(ctx,
		`SELECT id, email, display_name, global_roles, is_active FROM users WHERE id = $1`, userID)
	u, err := scanUserRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("user not found")
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return u, nil
}

func scanUserRow(row pgx.Row) (*auth.UserRow, error) {
	var u auth.UserRow
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.GlobalRoles, &u.IsActive); err != nil {
		return nil, err
	}
	return &u, nil
}
