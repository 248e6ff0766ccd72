package org

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy holds the per-organization provisioning knobs spec §4.7 names:
// "Enforce org quota (max-concurrent running weavers) and TTL policy
// (default vs max)."
type Policy struct {
	OrgID          uuid.UUID
	MaxConcurrent  int
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
}

// PolicyStore resolves per-org policy, falling back to process-wide defaults
// when an org has never overridden them.
type PolicyStore struct {
	db             *Store
	defaultMax     int
	defaultTTL     time.Duration
	maxTTL         time.Duration
}

// NewPolicyStore creates a PolicyStore with the given fleet-wide defaults
// (from internal/config), used when an org row has no override.
func NewPolicyStore(s *Store, defaultMaxConcurrent int, defaultTTL, maxTTL time.Duration) *PolicyStore {
	return &PolicyStore{
		db:         s,
		defaultMax: defaultMaxConcurrent,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// GetPolicy returns org's provisioning policy, falling back to defaults for
// any column left NULL in the org_policies table (or if the org has no
// policy row at all).
func (p *PolicyStore) GetPolicy(ctx context.Context, orgID uuid.UUID) (Policy, error) {
	pol := Policy{
		OrgID:         orgID,
		MaxConcurrent: p.defaultMax,
		DefaultTTL:    p.defaultTTL,
		MaxTTL:        p.maxTTL,
	}

	var maxConcurrent *int
	var defaultTTLHours, maxTTLHours *float64
	err := p.db.db.QueryRow(ctx,
		`SELECT max_concurrent_weavers, default_ttl_hours, max_ttl_hours
		 FROM org_policies WHERE org_id = $1`, orgID,
	).Scan(&maxConcurrent, &defaultTTLHours, &maxTTLHours)
	if err != nil {
		// No override row: defaults stand.
		return pol, nil
	}

	if maxConcurrent != nil {
		pol.MaxConcurrent = *maxConcurrent
	}
	if defaultTTLHours != nil {
		pol.DefaultTTL = time.Duration(*defaultTTLHours * float64(time.Hour))
	}
	if maxTTLHours != nil {
		pol.MaxTTL = time.Duration(*maxTTLHours * float64(time.Hour))
	}
	return pol, nil
}

// ClampTTL returns the requested TTL bounded to [0, pol.MaxTTL], defaulting
// to pol.DefaultTTL when requested is zero.
func (pol Policy) ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = pol.DefaultTTL
	}
	if requested > pol.MaxTTL {
		requested = pol.MaxTTL
	}
	return requested
}

// CheckQuota returns an error if running would meet or exceed the org's
// max-concurrent-weavers quota.
func (pol Policy) CheckQuota(running int) error {
	if running >= pol.MaxConcurrent {
		return fmt.Errorf("org %s at weaver quota (%d/%d running)", pol.OrgID, running, pol.MaxConcurrent)
	}
	return nil
}
