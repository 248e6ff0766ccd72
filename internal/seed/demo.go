package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/pkg/apikey"
	"github.com/wisbric/loom/pkg/device"
	"github.com/wisbric/loom/pkg/wgkey"
)

// RunDemo provisions the "acme" org with a richer demo fixture than Run: a
// second, lower-privileged org member and a second enrolled device, useful
// for exercising the ABAC role ladder (spec §4.9) locally. It is
// destructive: any existing "acme" org and its rows are dropped first.
func RunDemo(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var existingID uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM orgs WHERE slug = $1`, devOrgSlug).Scan(&existingID)
	if err == nil {
		logger.Info("seed-demo: dropping existing org", "slug", devOrgSlug, "org_id", existingID)
		if err := dropOrg(ctx, pool, existingID); err != nil {
			return fmt.Errorf("dropping existing org: %w", err)
		}
	}

	orgID := uuid.New()
	if _, err := pool.Exec(ctx,
		`INSERT INTO orgs (id, slug, name, created_at) VALUES ($1, $2, $3, now())`,
		orgID, devOrgSlug, "Acme Corp"); err != nil {
		return fmt.Errorf("creating org: %w", err)
	}
	logger.Info("seed-demo: created org", "org_id", orgID, "slug", devOrgSlug)

	if _, err := pool.Exec(ctx,
		`INSERT INTO org_policies (org_id, max_concurrent_weavers, default_ttl_hours, max_ttl_hours)
		 VALUES ($1, $2, $3, $4)`,
		orgID, 10, 4.0, 72.0); err != nil {
		return fmt.Errorf("creating org policy: %w", err)
	}

	ownerID, err := createDemoUser(ctx, pool, "seed|alice", "alice@acme.example.com", "Alice Engineer", orgID, "owner")
	if err != nil {
		return fmt.Errorf("seeding owner: %w", err)
	}
	logger.Info("seed-demo: created user", "user_id", ownerID, "email", "alice@acme.example.com", "role", "owner")

	memberID, err := createDemoUser(ctx, pool, "seed|bob", "bob@acme.example.com", "Bob SRE", orgID, "member")
	if err != nil {
		return fmt.Errorf("seeding member: %w", err)
	}
	logger.Info("seed-demo: created user", "user_id", memberID, "email", "bob@acme.example.com", "role", "member")

	keyStore := apikey.NewStore(pool)
	created, err := keyStore.Create(ctx, apikey.CreateParams{
		UserID:      ownerID,
		KeyHash:     auth.HashAPIKey(DevAPIKey),
		KeyPrefix:   DevAPIKey[:12],
		Description: "Development seed API key",
		GlobalRoles: []string{},
	})
	if err != nil {
		return fmt.Errorf("creating seed API key: %w", err)
	}
	logger.Info("seed-demo: created API key", "id", created.ID, "prefix", created.KeyPrefix, "raw_key", DevAPIKey)

	devSvc := device.NewService(pool, apikey.NewService(pool, logger))
	if _, err := enrollDemoDevice(ctx, devSvc, ownerID, "alice-laptop"); err != nil {
		return fmt.Errorf("enrolling owner device: %w", err)
	}
	if _, err := enrollDemoDevice(ctx, devSvc, memberID, "bob-laptop"); err != nil {
		return fmt.Errorf("enrolling member device: %w", err)
	}
	logger.Info("seed-demo: enrolled devices", "count", 2)

	logger.Info("seed-demo: completed successfully", "org", devOrgSlug, "users", 2, "devices", 2, "api_keys", 1)
	return nil
}

func createDemoUser(ctx context.Context, pool *pgxpool.Pool, subject, email, displayName string, orgID uuid.UUID, role string) (uuid.UUID, error) {
	userID := uuid.New()
	if _, err := pool.Exec(ctx,
		`INSERT INTO users (id, oidc_subject, email, display_name, global_roles, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, now())`,
		userID, subject, email, displayName, []string{}); err != nil {
		return uuid.Nil, fmt.Errorf("creating user: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO org_memberships (org_id, user_id, role) VALUES ($1, $2, $3)`,
		orgID, userID, role); err != nil {
		return uuid.Nil, fmt.Errorf("creating org membership: %w", err)
	}
	return userID, nil
}

func enrollDemoDevice(ctx context.Context, svc *device.Service, owner uuid.UUID, name string) (device.EnrollResult, error) {
	kp, err := wgkey.GenerateKeypair()
	if err != nil {
		return device.EnrollResult{}, fmt.Errorf("generating device keypair: %w", err)
	}
	return svc.Enroll(ctx, wgkey.UserID{UUID: owner}, device.EnrollRequest{
		Name:      name,
		PublicKey: kp.Public.Base64(),
	})
}

// dropOrg removes an org and every row that references it, in FK-safe order.
func dropOrg(ctx context.Context, pool *pgxpool.Pool, orgID uuid.UUID) error {
	stmts := []string{
		`DELETE FROM secret_versions WHERE secret_id IN (SELECT id FROM secrets WHERE org_id = $1)`,
		`DELETE FROM secrets WHERE org_id = $1`,
		`DELETE FROM weavers WHERE org_id = $1`,
		`DELETE FROM sessions WHERE device_id IN (SELECT id FROM devices WHERE owner_user_id IN (SELECT user_id FROM org_memberships WHERE org_id = $1))`,
		`DELETE FROM devices WHERE owner_user_id IN (SELECT user_id FROM org_memberships WHERE org_id = $1)`,
		`DELETE FROM api_keys WHERE user_id IN (SELECT user_id FROM org_memberships WHERE org_id = $1)`,
		`DELETE FROM team_memberships WHERE org_id = $1`,
		`DELETE FROM users WHERE id IN (SELECT user_id FROM org_memberships WHERE org_id = $1)`,
		`DELETE FROM org_memberships WHERE org_id = $1`,
		`DELETE FROM org_policies WHERE org_id = $1`,
		`DELETE FROM orgs WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt, orgID); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}
