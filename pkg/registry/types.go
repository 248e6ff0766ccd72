// Package registry persists devices, weavers, and sessions — the peer
// registry spec §4.3 describes as the storage layer the session broker
// (pkg/session) builds on.
package registry

import (
	"net/netip"
	"time"

	"github.com/wisbric/loom/pkg/wgkey"
)

// Device is a client endpoint enrolled with a long-lived WireGuard public
// key (spec §3).
type Device struct {
	ID        wgkey.DeviceID
	OwnerUser wgkey.UserID
	PublicKey wgkey.PublicKey
	Name      string
	CreatedAt time.Time
	LastSeen  *time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the device has been revoked and can no longer
// create sessions (spec §3 invariant).
func (d Device) Revoked() bool { return d.RevokedAt != nil }

// WeaverStatus is the control-plane mirror of pod lifecycle state (spec §3).
type WeaverStatus string

const (
	WeaverPending     WeaverStatus = "pending"
	WeaverRunning     WeaverStatus = "running"
	WeaverSucceeded   WeaverStatus = "succeeded"
	WeaverFailed      WeaverStatus = "failed"
	WeaverTerminating WeaverStatus = "terminating"
)

// Weaver is an ephemeral agent workload record mirroring the underlying pod
// (spec §3; lifecycle owned by pkg/weaver, this row mirrors pod state).
type Weaver struct {
	ID              wgkey.WeaverID
	PublicKey       wgkey.PublicKey
	AssignedIP      netip.Addr
	DERPHomeRegion  int
	Endpoint        string
	CreatedAt       time.Time
	LastSeen        *time.Time
	Status          WeaverStatus
	OwnerUser       wgkey.UserID
	Org             wgkey.OrgID
	RepoID          *string
	Image           string
	Tags            []string
	TTLHours        float64
	PodName         string
}

// Session is a live client-to-weaver association (spec §3). Transient: it
// is removed explicitly by the client or by weaver reaping, never updated
// in place besides LastHandshake.
type Session struct {
	ID            wgkey.SessionID
	Device        wgkey.DeviceID
	Weaver        wgkey.WeaverID
	ClientIP      netip.Addr
	CreatedAt     time.Time
	LastHandshake *time.Time
}
