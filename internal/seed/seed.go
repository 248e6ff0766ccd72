// Package seed provisions development/demo data: a starter org, an admin
// user, a development API key, and an enrolled device. It never touches
// production data paths (weaver provisioning, secret writes) since those
// require a live Kubernetes cluster and a configured master key.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/pkg/apikey"
	"github.com/wisbric/loom/pkg/device"
	"github.com/wisbric/loom/pkg/wgkey"
)

// DevAPIKey is the raw API key seeded for development/testing. Never use in
// production.
const DevAPIKey = "loom_dev_seed_key_do_not_use_in_production"

const devOrgSlug = "acme"

// Run provisions the "acme" development org with a single admin user, a
// development API key, and one enrolled device. Idempotent: if the org
// already exists, it logs and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var existingID uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM orgs WHERE slug = $1`, devOrgSlug).Scan(&existingID)
	if err == nil {
		logger.Info("seed: org already exists, skipping", "slug", devOrgSlug, "org_id", existingID)
		return nil
	}
	if err != pgx.ErrNoRows {
		return fmt.Errorf("checking for existing org: %w", err)
	}

	orgID := uuid.New()
	if _, err := pool.Exec(ctx,
		`INSERT INTO orgs (id, slug, name, created_at) VALUES ($1, $2, $3, now())`,
		orgID, devOrgSlug, "Acme Corp"); err != nil {
		return fmt.Errorf("creating org: %w", err)
	}
	logger.Info("seed: created org", "org_id", orgID, "slug", devOrgSlug)

	userID := uuid.New()
	if _, err := pool.Exec(ctx,
		`INSERT INTO users (id, oidc_subject, email, display_name, global_roles, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, now())`,
		userID, "seed|alice", "alice@acme.example.com", "Alice Engineer", []string{}); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	logger.Info("seed: created user", "user_id", userID, "email", "alice@acme.example.com")

	if _, err := pool.Exec(ctx,
		`INSERT INTO org_memberships (org_id, user_id, role) VALUES ($1, $2, $3)`,
		orgID, userID, "owner"); err != nil {
		return fmt.Errorf("creating org membership: %w", err)
	}

	keyStore := apikey.NewStore(pool)
	created, err := keyStore.Create(ctx, apikey.CreateParams{
		UserID:      userID,
		KeyHash:     auth.HashAPIKey(DevAPIKey),
		KeyPrefix:   DevAPIKey[:12],
		Description: "Development seed API key",
		GlobalRoles: []string{},
	})
	if err != nil {
		return fmt.Errorf("creating seed API key: %w", err)
	}
	logger.Info("seed: created API key", "id", created.ID, "prefix", created.KeyPrefix, "raw_key", DevAPIKey)

	devSvc := device.NewService(pool, apikey.NewService(pool, logger))
	kp, err := wgkey.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating device keypair: %w", err)
	}
	enrolled, err := devSvc.Enroll(ctx, wgkey.UserID{UUID: userID}, device.EnrollRequest{
		Name:      "alice-laptop",
		PublicKey: kp.Public.Base64(),
	})
	if err != nil {
		return fmt.Errorf("enrolling seed device: %w", err)
	}
	logger.Info("seed: enrolled device", "device_id", enrolled.Device.ID, "name", enrolled.Device.Name, "raw_key", enrolled.RawKey)

	logger.Info("seed: completed successfully", "org", devOrgSlug, "users", 1, "devices", 1, "api_keys", 1)
	return nil
}
