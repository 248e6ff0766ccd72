package audit

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/httpresponse"
)

// Handler exposes the read-only audit-log surface, gated to the
// system-admin and auditor global roles — the same roles the ABAC engine's
// step 1/2 short-circuits recognize (spec §4.9).
type Handler struct {
	reader *Reader
}

func NewHandler(reader *Reader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) authorized(r *http.Request) bool {
	id := auth.FromContext(r.Context())
	return id != nil && (id.HasGlobalRole(auth.RoleSystemAdmin) || id.HasGlobalRole(auth.RoleAuditor))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpresponse.RespondError(w, http.StatusForbidden, "forbidden", "system-admin or auditor role required")
		return
	}

	q := r.URL.Query()
	f := ListFilter{
		ActorUserID:  q.Get("actor_user_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		EventType:    EventType(q.Get("event_type")),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}

	events, err := h.reader.List(r.Context(), f)
	if err != nil {
		httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit events")
		return
	}
	httpresponse.Respond(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
