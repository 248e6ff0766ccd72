package device

import (
	"context"
	"fmt"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/internal/db"
	"github.com/wisbric/loom/pkg/apikey"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// Service wraps the device half of pkg/registry's Store behind the
// enrollment/revocation contract spec §4.6 names.
type Service struct {
	reg  *registry.Store
	keys *apikey.Service
}

func NewService(dbtx db.DBTX, keys *apikey.Service) *Service {
	return &Service{reg: registry.NewStore(dbtx), keys: keys}
}

// EnrollResult pairs the enrolled device with the raw device-scoped API
// key, returned once, that the device presents for every later request
// (spec §4.3, §6: session creation carries no separate device selector).
type EnrollResult struct {
	Device Response
	RawKey string
}

// Enroll registers a device for owner with the given public key (spec §4.6
// "enroll(user, pubkey, name)"). A duplicate (owner, public key) pair is
// surfaced as apperr.AlreadyExists, per the store's unique index. It also
// mints a key scoped to exactly this device.
func (s *Service) Enroll(ctx context.Context, owner wgkey.UserID, req EnrollRequest) (EnrollResult, error) {
	pub, err := wgkey.ParsePublicKey(req.PublicKey)
	if err != nil {
		return EnrollResult{}, apperr.BadRequest("invalid_public_key", "public key must be a base64-encoded 32-byte Curve25519 point")
	}

	d, err := s.reg.CreateDevice(ctx, owner, pub, req.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return EnrollResult{}, apperr.AlreadyExists("device_already_enrolled", "a device with this public key is already enrolled")
		}
		return EnrollResult{}, fmt.Errorf("enrolling device: %w", err)
	}

	key, err := s.keys.CreateForDevice(ctx, owner.UUID, d.ID.UUID)
	if err != nil {
		return EnrollResult{}, fmt.Errorf("minting device key: %w", err)
	}

	return EnrollResult{Device: ToResponse(d), RawKey: key.RawKey}, nil
}

// List returns every device owned by owner.
func (s *Service) List(ctx context.Context, owner wgkey.UserID) ([]Response, error) {
	devices, err := s.reg.ListDevicesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	out := make([]Response, 0, len(devices))
	for _, d := range devices {
		out = append(out, ToResponse(d))
	}
	return out, nil
}

// Get returns a single device, scoped to its owner.
func (s *Service) Get(ctx context.Context, owner wgkey.UserID, id wgkey.DeviceID) (Response, error) {
	d, err := s.reg.GetDevice(ctx, id)
	if err != nil {
		return Response{}, apperr.NotFound("device_not_found", "device does not exist")
	}
	if d.OwnerUser != owner {
		return Response{}, apperr.NotFound("device_not_found", "device does not exist")
	}
	return ToResponse(d), nil
}

// Revoke marks a device revoked (spec §3: "may be revoked but not
// deleted"). Scoped to its owner so one user cannot revoke another's device.
func (s *Service) Revoke(ctx context.Context, owner wgkey.UserID, id wgkey.DeviceID) error {
	d, err := s.reg.GetDevice(ctx, id)
	if err != nil {
		return apperr.NotFound("device_not_found", "device does not exist")
	}
	if d.OwnerUser != owner {
		return apperr.NotFound("device_not_found", "device does not exist")
	}
	if err := s.reg.RevokeDevice(ctx, id); err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	type pgError interface {
		SQLState() string
	}
	var pe pgError
	for e := err; e != nil; {
		if p, ok := e.(pgError); ok {
			pe = p
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return pe != nil && pe.SQLState() == "23505"
}
