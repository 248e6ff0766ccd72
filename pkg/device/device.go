// Package device implements the device-enrollment control-plane surface
// (spec §4.6, §6): a device is a client endpoint identified by a long-lived
// WireGuard public key, owned by a user, revocable but never deleted.
package device

import (
	"time"

	"github.com/wisbric/loom/pkg/registry"
)

// EnrollRequest is the JSON body for POST /api/v1/devices.
type EnrollRequest struct {
	Name      string `json:"name" validate:"required"`
	PublicKey string `json:"public_key" validate:"required"`
}

// Response is the JSON response for a single device.
type Response struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	PublicKey string     `json:"public_key"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// enrollResponse is the JSON response for POST /api/v1/devices: the device
// plus its device-scoped API key, shown only once.
type enrollResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// ToResponse converts a registry.Device to its public DTO.
func ToResponse(d registry.Device) Response {
	return Response{
		ID:        d.ID.String(),
		Name:      d.Name,
		PublicKey: d.PublicKey.Base64(),
		CreatedAt: d.CreatedAt,
		LastSeen:  d.LastSeen,
		RevokedAt: d.RevokedAt,
	}
}
