// Package weaver provisions and manages the Kubernetes pods that back
// ephemeral agent workloads (spec §4.7): quota/TTL enforcement, pod spec
// rendering, ready-timeout waiting, log streaming, and periodic TTL cleanup.
package weaver

import (
	"time"

	"github.com/wisbric/loom/pkg/registry"
)

// CreateRequest is the JSON body for POST /api/v1/weavers.
type CreateRequest struct {
	Image    string            `json:"image,omitempty"`
	RepoID   *string           `json:"repo_id,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	TTLHours float64           `json:"ttl_hours,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Response is the public DTO for a weaver row.
type Response struct {
	ID             string     `json:"id"`
	PublicKey      string     `json:"public_key"`
	AssignedIP     string     `json:"assigned_ip"`
	DERPHomeRegion int        `json:"derp_home_region"`
	Endpoint       string     `json:"endpoint,omitempty"`
	Status         string     `json:"status"`
	OwnerUser      string     `json:"owner_user"`
	Org            string     `json:"org"`
	RepoID         *string    `json:"repo_id,omitempty"`
	Image          string     `json:"image"`
	Tags           []string   `json:"tags"`
	TTLHours       float64    `json:"ttl_hours"`
	CreatedAt      time.Time  `json:"created_at"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// ToResponse converts a registry.Weaver to its public DTO.
func ToResponse(w registry.Weaver) Response {
	return Response{
		ID:             w.ID.String(),
		PublicKey:      w.PublicKey.Base64(),
		AssignedIP:     w.AssignedIP.String(),
		DERPHomeRegion: w.DERPHomeRegion,
		Endpoint:       w.Endpoint,
		Status:         string(w.Status),
		OwnerUser:      w.OwnerUser.String(),
		Org:            w.Org.String(),
		RepoID:         w.RepoID,
		Image:          w.Image,
		Tags:           w.Tags,
		TTLHours:       w.TTLHours,
		CreatedAt:      w.CreatedAt,
		LastSeen:       w.LastSeen,
	}
}

// LogOptions controls stream_logs (spec §4.7: "tail and timestamp options").
type LogOptions struct {
	TailLines  int64
	Timestamps bool
	Follow     bool
}
