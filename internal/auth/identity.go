package auth

import (
	"context"

	"github.com/google/uuid"
)

// Global roles, checked by pkg/abac as short-circuits ahead of any
// resource-specific policy (spec §4.9 steps 1-2).
const (
	RoleSystemAdmin = "system-admin"
	RoleAuditor     = "auditor"
	RoleSupport     = "support"
)

// Method describes how the caller was authenticated.
const (
	MethodSession = "session"
	MethodAPIKey  = "apikey"
	MethodDev     = "dev"
)

// Identity represents the authenticated caller for the current request. It
// deliberately carries no single org ID: a user may belong to many
// organizations, and org-scoped authorization is resolved per request by
// pkg/abac against the caller's org memberships, not by a tenant-wide
// context value.
type Identity struct {
	Subject     string
	Email       string
	UserID      *uuid.UUID
	GlobalRoles []string
	APIKeyID    *uuid.UUID
	// DeviceID is set when Method is MethodAPIKey and the key was minted
	// at device enrollment (spec §4.3): such a key authenticates exactly
	// one device, so session creation resolves its caller's device from
	// here rather than from a client-supplied ID.
	DeviceID *uuid.UUID
	Method   string
}

// HasGlobalRole reports whether the identity holds the named global role.
func (id *Identity) HasGlobalRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.GlobalRoles {
		if r == role {
			return true
		}
	}
	return false
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
