package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Only the hash
// is ever persisted; the raw value is shown to the caller once, at creation.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// APIKeyAuthenticator validates API keys against the database.
type APIKeyAuthenticator struct {
	Store Storage
}

// APIKeyResult holds the resolved identity data from an API key lookup.
type APIKeyResult struct {
	APIKeyID    uuid.UUID
	UserID      uuid.UUID
	KeyPrefix   string
	GlobalRoles []string
	DeviceID    *uuid.UUID
	ExpiresAt   *time.Time
}

// Authenticate hashes the raw key, looks it up, and validates expiration.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*APIKeyResult, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashAPIKey(rawKey)

	key, err := a.Store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired at %s", key.ExpiresAt)
	}

	// Fire-and-forget last-used timestamp update.
	go func() {
		_ = a.Store.UpdateAPIKeyLastUsed(context.Background(), key.APIKeyID)
	}()

	return key, nil
}
