// Package apikey issues and manages the API keys spec §6 names as one of
// the two control-plane bearer credentials ("bearer session / API key").
// Keys are scoped to a user, not an org: the same key authenticates
// whatever org-scoped actions the holder's memberships allow, resolved per
// request by pkg/abac. A key minted at device enrollment additionally
// carries a DeviceID, narrowing it to exactly one device for session
// creation.
package apikey

import (
	"time"

	"github.com/google/uuid"
)

// CreateRequest is the JSON body for POST /api/v1/api-keys.
type CreateRequest struct {
	Description string   `json:"description" validate:"required"`
	GlobalRoles []string `json:"global_roles,omitempty"`
}

// Response is the JSON response for a single API key (without the raw key).
type Response struct {
	ID          uuid.UUID  `json:"id"`
	KeyPrefix   string     `json:"key_prefix"`
	Description string     `json:"description"`
	GlobalRoles []string   `json:"global_roles"`
	DeviceID    *uuid.UUID `json:"device_id,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateResponse includes the raw key, shown only once at creation.
type CreateResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// Row is a single api_keys table row. DeviceID is set only for keys minted
// at device enrollment (spec §4.3, §6): such a key authenticates exactly
// that device, so the session broker never needs a client-supplied device
// selector.
type Row struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Description string
	GlobalRoles []string
	DeviceID    *uuid.UUID
	LastUsed    *time.Time
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// ToResponse converts a Row to its public DTO.
func (r *Row) ToResponse() Response {
	return Response{
		ID:          r.ID,
		KeyPrefix:   r.KeyPrefix,
		Description: r.Description,
		GlobalRoles: ensureSlice(r.GlobalRoles),
		DeviceID:    r.DeviceID,
		LastUsed:    r.LastUsed,
		ExpiresAt:   r.ExpiresAt,
		CreatedAt:   r.CreatedAt,
	}
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
