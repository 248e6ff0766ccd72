package secret

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/loom/internal/audit"
	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/httpserver"
	"github.com/wisbric/loom/internal/org"
	"github.com/wisbric/loom/pkg/abac"
	"github.com/wisbric/loom/pkg/workloadid"
)

// Handler exposes two surfaces (spec §4.8): an ABAC-gated control-plane
// CRUD for managing secret metadata and values, and a
// workload-identity-authenticated fetch endpoint weavers call to resolve
// their own secrets at runtime.
type Handler struct {
	logger    *slog.Logger
	audit     *audit.Bus
	service   *Service
	store     *Store
	orgs      *org.Store
	abac      *abac.Engine
	workloads *workloadid.Validator
}

func NewHandler(logger *slog.Logger, bus *audit.Bus, service *Service, store *Store, orgs *org.Store, engine *abac.Engine, workloads *workloadid.Validator) *Handler {
	return &Handler{logger: logger, audit: bus, service: service, store: store, orgs: orgs, abac: engine, workloads: workloads}
}

// Routes mounts the org-scoped control-plane surface. Callers supply the
// scope via query parameters (org_id required; repo_id/weaver_id select a
// narrower scope), mirroring the Rust original's verify_org_membership /
// verify_org_admin / verify_repo_access gating.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Put("/{name}", h.handlePut)
	r.Get("/{name}", h.handleGet)
	r.Delete("/{name}", h.handleDelete)
	return r
}

// FetchRoutes mounts the internal weaver-facing fetch endpoint, authenticated
// by a Kubernetes service-account JWT rather than a user session.
func (h *Handler) FetchRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{name}", h.handleWorkloadFetch)
	return r
}

func (h *Handler) resolveScope(r *http.Request) (Scope, error) {
	q := r.URL.Query()
	orgID, err := uuid.Parse(q.Get("org_id"))
	if err != nil {
		return Scope{}, err
	}
	scope := Scope{Kind: ScopeOrg, OrgID: orgID}
	if repoID := q.Get("repo_id"); repoID != "" {
		id, err := uuid.Parse(repoID)
		if err != nil {
			return Scope{}, err
		}
		scope.Kind = ScopeRepo
		scope.RepoID = &id
	}
	if weaverID := q.Get("weaver_id"); weaverID != "" {
		id, err := uuid.Parse(weaverID)
		if err != nil {
			return Scope{}, err
		}
		scope.Kind = ScopeWeaver
		scope.WeaverID = &id
	}
	return scope, nil
}

// requireOrgAdmin implements the ABAC secret-management entry point (spec
// §4.9 "the ABAC entry point here handles user-facing management ... gated
// by org admin role"): it assembles the subject's org memberships, then
// asks the engine rather than hand-rolling the role comparison, regardless
// of which sub-scope (repo/weaver) the request narrows to, since repo/
// weaver scoped secrets are still managed by the owning org's admins.
func (h *Handler) requireOrgAdmin(w http.ResponseWriter, r *http.Request, scope Scope) bool {
	id := auth.FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return false
	}
	role, member, err := h.orgs.RoleIn(r.Context(), *id.UserID, scope.OrgID)
	if err != nil {
		h.logger.Error("checking org role", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check org membership")
		return false
	}
	orgRoles := map[uuid.UUID]string{}
	if member {
		orgRoles[scope.OrgID] = role
	}
	subject := abac.SubjectFromIdentity(id, orgRoles, nil)
	resource := abac.ResourceAttrs{Type: abac.ResourceSecret, OrgID: &scope.OrgID}
	if !h.abac.IsAllowed(subject, abac.ActionManage, resource, time.Now()) {
		h.publishDenied(r, "secret", scope.OrgID.String(), *id.UserID)
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "organization admin role required")
		return false
	}
	return true
}

func (h *Handler) publishDenied(r *http.Request, resourceType, resourceID string, actor uuid.UUID) {
	h.audit.Publish(audit.Event{
		Type:         audit.EventAccessDenied,
		Severity:     audit.SeverityWarning,
		ActorUserID:  actor.String(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       r.Method,
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid scope parameters")
		return
	}
	if !h.requireOrgAdmin(w, r, scope) {
		return
	}
	secrets, err := h.store.ListByScope(r.Context(), scope)
	if err != nil {
		h.logger.Error("listing secrets", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list secrets")
		return
	}
	items := make([]Response, 0, len(secrets))
	for _, s := range secrets {
		items = append(items, ToResponse(s))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"secrets": items, "count": len(items)})
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid scope parameters")
		return
	}
	if !h.requireOrgAdmin(w, r, scope) {
		return
	}
	id := auth.FromContext(r.Context())

	var body WriteRequest
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}
	body.Name = chi.URLParam(r, "name")

	sec, err := h.service.Put(r.Context(), scope, body, *id.UserID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	details, _ := json.Marshal(map[string]any{"version": sec.CurrentVersion})
	h.audit.Publish(audit.Event{
		Type:         audit.EventSecretWritten,
		ActorUserID:  id.UserID.String(),
		ResourceType: "secret",
		ResourceID:   sec.ID.String(),
		Action:       "write",
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		Details:      details,
	})
	httpserver.Respond(w, http.StatusOK, ToResponse(sec))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid scope parameters")
		return
	}
	if !h.requireOrgAdmin(w, r, scope) {
		return
	}
	name := chi.URLParam(r, "name")
	sec, err := h.store.Get(r.Context(), scope, name)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, ToResponse(sec))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid scope parameters")
		return
	}
	if !h.requireOrgAdmin(w, r, scope) {
		return
	}
	id := auth.FromContext(r.Context())
	name := chi.URLParam(r, "name")

	sec, err := h.store.Get(r.Context(), scope, name)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if err := h.store.Tombstone(r.Context(), sec.ID); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	h.audit.Publish(audit.Event{
		Type:         audit.EventSecretDeleted,
		ActorUserID:  id.UserID.String(),
		ResourceType: "secret",
		ResourceID:   sec.ID.String(),
		Action:       "delete",
		IP:           r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleWorkloadFetch is the runtime-facing fetch path (spec §4.8 steps
// 1-5): authenticate the caller's service-account JWT into a
// WeaverPrincipal, look up the requested secret by the scope implied by the
// query, enforce CanAccess, decrypt, and return the plaintext. Every
// outcome is audited, including denials.
func (h *Handler) handleWorkloadFetch(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	principal, err := h.workloads.Authenticate(r.Context(), token)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	scope, err := h.resolveScope(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid scope parameters")
		return
	}
	name := chi.URLParam(r, "name")

	sec, err := h.store.Get(r.Context(), scope, name)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	if !CanAccess(principal, sec) {
		h.audit.Publish(audit.Event{
			Type:         audit.EventAccessDenied,
			Severity:     audit.SeverityWarning,
			ActorUserID:  principal.WeaverID.String(),
			ResourceType: "secret",
			ResourceID:   sec.ID.String(),
			Action:       "fetch",
			IP:           r.RemoteAddr,
		})
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "weaver is not in scope for this secret")
		return
	}

	plaintext, err := h.service.Fetch(r.Context(), sec, 0)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	h.audit.Publish(audit.Event{
		Type:         audit.EventSecretAccessed,
		ActorUserID:  principal.WeaverID.String(),
		ResourceType: "secret",
		ResourceID:   sec.ID.String(),
		Action:       "fetch",
		IP:           r.RemoteAddr,
	})
	httpserver.Respond(w, http.StatusOK, map[string]any{"name": sec.Name, "version": sec.CurrentVersion, "value": plaintext})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}
