// Package abac implements the attribute-based access control engine (spec
// §4.9): a pure decision function over subject attributes, an action, and
// resource attributes. It owns no storage of its own — callers (thread,
// organization, weaver, and secret-management handlers) assemble the
// attribute bags from whatever store backs that resource type and ask
// is_allowed.
package abac

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/org"
)

// Action is one of the operations a policy can gate.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionShare   Action = "share"
	ActionUseLLM  Action = "use-llm"
	ActionUseTool Action = "use-tool"
	ActionManage  Action = "manage"
)

// readOnly reports whether an action never mutates its resource, the
// distinction the auditor global-role short-circuit depends on.
func (a Action) readOnly() bool {
	return a == ActionRead
}

// ResourceType distinguishes which per-resource-type policy dispatch
// applies (spec §4.9 step 3).
type ResourceType string

const (
	ResourceThread ResourceType = "thread"
	ResourceOrg    ResourceType = "organization"
	ResourceTeam   ResourceType = "team"
	ResourceLLM    ResourceType = "llm"
	ResourceTool   ResourceType = "tool"
	ResourceWeaver ResourceType = "weaver"
	ResourceSecret ResourceType = "secret"
)

// Visibility gates Thread read access beyond its owner.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityOrg     Visibility = "org"
)

// SubjectAttrs is the authenticated caller's attribute bag (spec §4.9
// "Inputs").
type SubjectAttrs struct {
	UserID          uuid.UUID
	GlobalRoles     []string
	OrgMemberships  map[uuid.UUID]string // org-id -> role
	TeamMemberships map[uuid.UUID]string // team-id -> role
}

// SubjectFromIdentity builds a SubjectAttrs from an authenticated request
// identity plus its resolved memberships, the shape every ABAC-gated
// handler assembles before calling IsAllowed.
func SubjectFromIdentity(id *auth.Identity, orgRoles map[uuid.UUID]string, teamRoles map[uuid.UUID]string) SubjectAttrs {
	s := SubjectAttrs{OrgMemberships: orgRoles, TeamMemberships: teamRoles}
	if id != nil {
		if id.UserID != nil {
			s.UserID = *id.UserID
		}
		s.GlobalRoles = id.GlobalRoles
	}
	return s
}

func (s SubjectAttrs) hasGlobalRole(role string) bool {
	for _, r := range s.GlobalRoles {
		if r == role {
			return true
		}
	}
	return false
}

// SupportGrant records a time-bounded support-access grant on a Thread
// (spec scenario §8.5: "After owner grants support access to T, a user W
// with Support global role gets Read=true until the grant expires").
type SupportGrant struct {
	GrantedTo uuid.UUID
	ExpiresAt time.Time
}

func (g *SupportGrant) active(now time.Time, userID uuid.UUID) bool {
	return g != nil && g.GrantedTo == userID && now.Before(g.ExpiresAt)
}

// ResourceAttrs is the resource-side attribute bag (spec §4.9 "Inputs").
type ResourceAttrs struct {
	Type            ResourceType
	OwnerUserID     *uuid.UUID
	OrgID           *uuid.UUID
	TeamID          *uuid.UUID
	Visibility      Visibility
	SupportGrant    *SupportGrant
	RequiredOrgRole string // minimum org role Organization write/manage actions require
}

// Engine evaluates access decisions and logs every one (spec §4.9:
// "Decisions log structured fields ... but never the resource contents or
// principal tokens").
type Engine struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// IsAllowed implements the full decision chain (spec §4.9 steps 1-3).
func (e *Engine) IsAllowed(subject SubjectAttrs, action Action, resource ResourceAttrs, now time.Time) bool {
	allowed := e.decide(subject, action, resource, now)
	e.logger.Info("abac_decision",
		"user_id", subject.UserID,
		"action", action,
		"resource_type", resource.Type,
		"result", allowed,
	)
	return allowed
}

func (e *Engine) decide(subject SubjectAttrs, action Action, resource ResourceAttrs, now time.Time) bool {
	// Step 1: system-admin short-circuits everything.
	if subject.hasGlobalRole(auth.RoleSystemAdmin) {
		return true
	}
	// Step 2: auditor short-circuits read-only actions.
	if action.readOnly() && subject.hasGlobalRole(auth.RoleAuditor) {
		return true
	}
	// Step 3: resource-type dispatch.
	switch resource.Type {
	case ResourceThread:
		return decideThread(subject, action, resource, now)
	case ResourceOrg, ResourceTeam:
		return decideOrgOrTeam(subject, action, resource)
	case ResourceLLM, ResourceTool:
		return decideLLMOrTool(subject, resource)
	case ResourceWeaver:
		return decideWeaver(subject, action, resource)
	case ResourceSecret:
		return decideSecretManagement(subject, resource)
	default:
		return false
	}
}

// decideThread: owner always allowed; public visibility allows read;
// support with an active grant allows read; org members may read
// org-visible threads.
func decideThread(subject SubjectAttrs, action Action, resource ResourceAttrs, now time.Time) bool {
	if resource.OwnerUserID != nil && *resource.OwnerUserID == subject.UserID {
		return true
	}
	if !action.readOnly() {
		return false
	}
	if resource.Visibility == VisibilityPublic {
		return true
	}
	if subject.hasGlobalRole(auth.RoleSupport) && resource.SupportGrant.active(now, subject.UserID) {
		return true
	}
	if resource.Visibility == VisibilityOrg && resource.OrgID != nil {
		_, member := subject.OrgMemberships[*resource.OrgID]
		return member
	}
	return false
}

// decideOrgOrTeam: role hierarchy gates write/manage actions (org: at least
// RequiredOrgRole, default admin; team: maintainer); any member may read.
func decideOrgOrTeam(subject SubjectAttrs, action Action, resource ResourceAttrs) bool {
	var role string
	var member bool
	if resource.Type == ResourceTeam && resource.TeamID != nil {
		role, member = subject.TeamMemberships[*resource.TeamID]
	} else if resource.OrgID != nil {
		role, member = subject.OrgMemberships[*resource.OrgID]
	}
	if !member {
		return false
	}
	if action.readOnly() {
		return true
	}
	if resource.Type == ResourceTeam && resource.TeamID != nil {
		return role == org.TeamRoleMaintainer
	}
	min := resource.RequiredOrgRole
	if min == "" {
		min = org.OrgRoleAdmin
	}
	return org.OrgRoleAtLeast(role, min)
}

// decideLLMOrTool: all-or-nothing by org membership.
func decideLLMOrTool(subject SubjectAttrs, resource ResourceAttrs) bool {
	if resource.OrgID == nil {
		return false
	}
	_, member := subject.OrgMemberships[*resource.OrgID]
	return member
}

// decideWeaver: owner full access; support read-only; non-owners denied.
func decideWeaver(subject SubjectAttrs, action Action, resource ResourceAttrs) bool {
	if resource.OwnerUserID != nil && *resource.OwnerUserID == subject.UserID {
		return true
	}
	if action.readOnly() && subject.hasGlobalRole(auth.RoleSupport) {
		return true
	}
	return false
}

// decideSecretManagement: the ABAC entry point only covers user-facing
// metadata management (list/create/update/delete); the workload-identity
// path (pkg/secret, pkg/workloadid) handles runtime fetches directly and
// never calls through here.
func decideSecretManagement(subject SubjectAttrs, resource ResourceAttrs) bool {
	if resource.OrgID == nil {
		return false
	}
	role, member := subject.OrgMemberships[*resource.OrgID]
	return member && org.OrgRoleAtLeast(role, org.OrgRoleAdmin)
}
