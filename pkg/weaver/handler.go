package weaver

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/httpresponse"
	"github.com/wisbric/loom/internal/org"
	"github.com/wisbric/loom/pkg/abac"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// Handler exposes weaver lifecycle operations over HTTP (spec §4.7, §6).
type Handler struct {
	logger      *slog.Logger
	provisioner *Provisioner
	reg         *registry.Store
	orgs        *org.Store
	abac        *abac.Engine
}

func NewHandler(logger *slog.Logger, provisioner *Provisioner, reg *registry.Store, orgs *org.Store, engine *abac.Engine) *Handler {
	return &Handler{logger: logger, provisioner: provisioner, reg: reg, orgs: orgs, abac: engine}
}

// checkAccess implements the weaver resource policy (spec §4.9 "Weaver:
// owner full access; support read-only; non-owners denied") for a weaver
// that already exists, looked up by ID.
func (h *Handler) checkAccess(w http.ResponseWriter, r *http.Request, wv registry.Weaver, action abac.Action) bool {
	id := auth.FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpresponse.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return false
	}
	subject := abac.SubjectFromIdentity(id, nil, nil)
	owner := wv.OwnerUser.UUID
	resource := abac.ResourceAttrs{Type: abac.ResourceWeaver, OwnerUserID: &owner}
	if !h.abac.IsAllowed(subject, action, resource, time.Now()) {
		httpresponse.RespondError(w, http.StatusForbidden, "forbidden", "not authorized for this weaver")
		return false
	}
	return true
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleDelete)
	r.Get("/{id}/logs", h.handleLogs)
	return r
}

// createBody extends CreateRequest with the target org, since a weaver's
// org isn't implied by the URL in this single-level route.
type createBody struct {
	CreateRequest
	OrgID string `json:"org_id" validate:"required,uuid"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpresponse.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var body createBody
	if !httpresponse.DecodeAndValidate(w, r, &body) {
		return
	}

	orgID, err := wgkey.ParseOrgID(body.OrgID)
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid org_id")
		return
	}

	role, member, err := h.orgs.RoleIn(r.Context(), *id.UserID, orgID.UUID)
	if err != nil {
		h.logger.Error("checking org membership", "error", err)
		httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check org membership")
		return
	}
	if !member || !org.OrgRoleAtLeast(role, org.OrgRoleMember) {
		httpresponse.RespondError(w, http.StatusForbidden, "forbidden", "not a member of this organization")
		return
	}

	resp, err := h.provisioner.Create(r.Context(), wgkey.UserID{UUID: *id.UserID}, orgID, body.CreateRequest)
	if err != nil {
		httpresponse.RespondErr(w, err)
		return
	}

	httpresponse.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	orgParam := r.URL.Query().Get("org_id")
	if orgParam == "" {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "org_id query parameter is required")
		return
	}
	orgID, err := wgkey.ParseOrgID(orgParam)
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid org_id")
		return
	}

	weavers, err := h.reg.ListWeaversByOrg(r.Context(), orgID)
	if err != nil {
		h.logger.Error("listing weavers", "error", err)
		httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list weavers")
		return
	}

	items := make([]Response, 0, len(weavers))
	for _, wv := range weavers {
		items = append(items, ToResponse(wv))
	}
	httpresponse.Respond(w, http.StatusOK, map[string]any{"weavers": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := wgkey.ParseWeaverID(chi.URLParam(r, "id"))
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid weaver ID")
		return
	}

	wv, err := h.reg.GetWeaver(r.Context(), id)
	if err != nil {
		httpresponse.RespondError(w, http.StatusNotFound, "not_found", "weaver does not exist")
		return
	}
	if !h.checkAccess(w, r, wv, abac.ActionRead) {
		return
	}

	httpresponse.Respond(w, http.StatusOK, ToResponse(wv))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := wgkey.ParseWeaverID(chi.URLParam(r, "id"))
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid weaver ID")
		return
	}

	wv, err := h.reg.GetWeaver(r.Context(), id)
	if err != nil {
		httpresponse.RespondError(w, http.StatusNotFound, "not_found", "weaver does not exist")
		return
	}
	if !h.checkAccess(w, r, wv, abac.ActionDelete) {
		return
	}

	if err := h.provisioner.Delete(r.Context(), id); err != nil {
		httpresponse.RespondErr(w, err)
		return
	}

	httpresponse.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := wgkey.ParseWeaverID(chi.URLParam(r, "id"))
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid weaver ID")
		return
	}

	wv, err := h.reg.GetWeaver(r.Context(), id)
	if err != nil {
		httpresponse.RespondError(w, http.StatusNotFound, "not_found", "weaver does not exist")
		return
	}
	if !h.checkAccess(w, r, wv, abac.ActionRead) {
		return
	}

	opts := LogOptions{Follow: r.URL.Query().Get("follow") == "true", Timestamps: true}
	if tail := r.URL.Query().Get("tail"); tail != "" {
		if n, err := strconv.ParseInt(tail, 10, 64); err == nil {
			opts.TailLines = n
		}
	}

	stream, err := h.provisioner.StreamLogs(r.Context(), id, opts)
	if err != nil {
		httpresponse.RespondErr(w, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		fmt.Fprintf(w, "data: %s\n\n", scanner.Text())
		flusher.Flush()
	}
}
