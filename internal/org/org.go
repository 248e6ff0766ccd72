// Package org resolves organization and team memberships for the
// authenticated caller and holds per-organization provisioning policy
// (weaver quota, default/max TTL). Loom is row-level multi-tenant — every
// domain row carries an org_id column — rather than schema-per-tenant, so
// this package has no search_path-switching logic; it is a thin lookup
// layer the ABAC engine (pkg/abac) and the weaver provisioner (pkg/weaver)
// both depend on.
package org

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/loom/internal/db"
)

// Membership is one (user, org) relationship with a role.
type Membership struct {
	OrgID uuid.UUID
	Role  string // owner | admin | member
}

// TeamMembership is one (user, team) relationship with a role.
type TeamMembership struct {
	TeamID uuid.UUID
	OrgID  uuid.UUID
	Role   string // maintainer | member
}

// Role ladder constants, ordered low to high within each hierarchy (spec
// §4.9 "Organization / Team": "role hierarchy (owner > admin > member;
// maintainer > member) gates write/manage actions").
const (
	OrgRoleMember = "member"
	OrgRoleAdmin  = "admin"
	OrgRoleOwner  = "owner"

	TeamRoleMember     = "member"
	TeamRoleMaintainer = "maintainer"
)

var orgRoleLevel = map[string]int{
	OrgRoleMember: 1,
	OrgRoleAdmin:  2,
	OrgRoleOwner:  3,
}

// OrgRoleAtLeast reports whether role meets or exceeds min in the org role
// ladder. An unrecognized role never satisfies any minimum.
func OrgRoleAtLeast(role, min string) bool {
	have, ok := orgRoleLevel[role]
	if !ok {
		return false
	}
	want, ok := orgRoleLevel[min]
	if !ok {
		return false
	}
	return have >= want
}

// Store resolves membership rows from the relational store.
type Store struct {
	db db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

// Memberships returns every org the user belongs to, with their role.
func (s *Store) Memberships(ctx context.Context, userID uuid.UUID) ([]Membership, error) {
	rows, err := s.db.Query(ctx,
		`SELECT org_id, role FROM org_memberships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying org memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.OrgID, &m.Role); err != nil {
			return nil, fmt.Errorf("scanning org membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TeamMemberships returns every team the user belongs to, with their role.
func (s *Store) TeamMemberships(ctx context.Context, userID uuid.UUID) ([]TeamMembership, error) {
	rows, err := s.db.Query(ctx,
		`SELECT team_id, org_id, role FROM team_memberships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying team memberships: %w", err)
	}
	defer rows.Close()

	var out []TeamMembership
	for rows.Next() {
		var m TeamMembership
		if err := rows.Scan(&m.TeamID, &m.OrgID, &m.Role); err != nil {
			return nil, fmt.Errorf("scanning team membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RoleIn returns the caller's role within org, and whether they are a member
// at all. Used by handlers gating org-admin-only actions (e.g. secret
// management, spec §4.9 "Secret" entry).
func (s *Store) RoleIn(ctx context.Context, userID, orgID uuid.UUID) (string, bool, error) {
	var role string
	err := s.db.QueryRow(ctx,
		`SELECT role FROM org_memberships WHERE user_id = $1 AND org_id = $2`,
		userID, orgID).Scan(&role)
	if err != nil {
		return "", false, nil
	}
	return role, true, nil
}
