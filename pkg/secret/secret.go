// Package secret implements the versioned, scope-tagged tenant secret
// store (spec §4.8): names are unique within their scope, writes always
// append a new version under a transaction, and deletion tombstones rather
// than removes (audit retention keeps old versions around).
package secret

import (
	"time"

	"github.com/google/uuid"
)

// Scope tags a secret to the resource it is bound to (spec §3 "Secret
// record"): Org(org-id), Repo(org-id, repo-id), or Weaver(weaver-id).
type ScopeKind string

const (
	ScopeOrg    ScopeKind = "org"
	ScopeRepo   ScopeKind = "repo"
	ScopeWeaver ScopeKind = "weaver"
)

// Scope identifies the resource a secret is bound to. OrgID is always set;
// RepoID is set for repo scope and WeaverID for weaver scope.
type Scope struct {
	Kind     ScopeKind
	OrgID    uuid.UUID
	RepoID   *uuid.UUID
	WeaverID *uuid.UUID
}

// Secret is the metadata row; its plaintext never lives here (spec §3
// "Secret record = (name, scope, current-version, created/updated
// metadata, expires-at?)").
type Secret struct {
	ID             uuid.UUID
	Name           string
	Scope          Scope
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
	TombstonedAt   *time.Time
}

// Version is one immutable ciphertext revision of a secret.
type Version struct {
	SecretID   uuid.UUID
	Version    int
	Ciphertext []byte
	Nonce      []byte
	KeyID      string
	CreatedAt  time.Time
	CreatedBy  uuid.UUID
}

// WriteRequest is the JSON body for creating or updating a secret's value.
type WriteRequest struct {
	Name      string     `json:"name" validate:"required"`
	Value     string     `json:"value" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Response is the public metadata DTO — plaintext is never included here;
// it is only returned by the dedicated fetch endpoints.
type Response struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ScopeKind      string     `json:"scope_kind"`
	CurrentVersion int        `json:"current_version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func ToResponse(s Secret) Response {
	return Response{
		ID:             s.ID.String(),
		Name:           s.Name,
		ScopeKind:      string(s.Scope.Kind),
		CurrentVersion: s.CurrentVersion,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}
