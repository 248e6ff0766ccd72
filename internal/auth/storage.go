package auth

import (
	"context"

	"github.com/google/uuid"
)

// UserRow represents the fields needed to authenticate and identify a user.
type UserRow struct {
	ID          uuid.UUID
	Email       string
	DisplayName string
	GlobalRoles []string
	IsActive    bool
}

// Storage abstracts the database operations the auth package needs, keeping
// it decoupled from the concrete schema the way the package it was adapted
// from decouples itself from any one service's tables.
type Storage interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyResult, error)
	UpdateAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error

	FindOrCreateOIDCUser(ctx context.Context, subject, email, displayName string) (*UserRow, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*UserRow, error)
}
