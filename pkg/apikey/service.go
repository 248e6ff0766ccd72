package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service encapsulates API key business logic.
type Service struct {
	store  *Store
	logger *slog.Logger
}

func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{store: NewStore(pool), logger: logger}
}

// List returns all API keys owned by userID.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]Response, error) {
	rows, err := s.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, nil
}

// Create generates a new key, stores its hash, and returns the raw key once.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req CreateRequest) (CreateResponse, error) {
	raw, hash, prefix := generateAPIKey()

	row, err := s.store.Create(ctx, CreateParams{
		UserID:      userID,
		KeyHash:     hash,
		KeyPrefix:   prefix,
		Description: req.Description,
		GlobalRoles: req.GlobalRoles,
	})
	if err != nil {
		return CreateResponse{}, fmt.Errorf("creating api key: %w", err)
	}

	return CreateResponse{Response: row.ToResponse(), RawKey: raw}, nil
}

// CreateForDevice mints a key bound to a single device, issued at
// enrollment time so the holder never needs to name the device on
// subsequent requests — the session broker resolves it from the
// authenticated credential instead.
func (s *Service) CreateForDevice(ctx context.Context, userID, deviceID uuid.UUID) (CreateResponse, error) {
	raw, hash, prefix := generateAPIKey()

	row, err := s.store.Create(ctx, CreateParams{
		UserID:      userID,
		KeyHash:     hash,
		KeyPrefix:   prefix,
		Description: "device session credential",
		DeviceID:    &deviceID,
	})
	if err != nil {
		return CreateResponse{}, fmt.Errorf("creating device api key: %w", err)
	}

	return CreateResponse{Response: row.ToResponse(), RawKey: raw}, nil
}

// Delete permanently removes an API key owned by userID.
func (s *Service) Delete(ctx context.Context, id, userID uuid.UUID) error {
	if err := s.store.Delete(ctx, id, userID); err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	return nil
}

// generateAPIKey creates a random API key with prefix "loom_", its
// SHA-256 hash, and a short prefix for display.
func generateAPIKey() (raw, hash, prefix string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	raw = fmt.Sprintf("loom_%x", b)
	h := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(h[:])
	prefix = raw[:12]
	return
}
