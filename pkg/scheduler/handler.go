package scheduler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/httpresponse"
)

// Handler exposes the scheduler's list/trigger/history operations (spec
// §4.11) to system administrators.
type Handler struct {
	scheduler *Scheduler
}

func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/{id}/trigger", h.handleTrigger)
	r.Get("/{id}/history", h.handleHistory)
	return r
}

func (h *Handler) authorized(r *http.Request) bool {
	id := auth.FromContext(r.Context())
	return id != nil && id.HasGlobalRole(auth.RoleSystemAdmin)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpresponse.RespondError(w, http.StatusForbidden, "forbidden", "system-admin role required")
		return
	}
	httpresponse.Respond(w, http.StatusOK, map[string]any{"jobs": h.scheduler.List()})
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpresponse.RespondError(w, http.StatusForbidden, "forbidden", "system-admin role required")
		return
	}
	run, err := h.scheduler.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpresponse.RespondErr(w, err)
		return
	}
	httpresponse.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httpresponse.RespondError(w, http.StatusForbidden, "forbidden", "system-admin role required")
		return
	}
	runs, err := h.scheduler.History(chi.URLParam(r, "id"))
	if err != nil {
		httpresponse.RespondErr(w, err)
		return
	}
	httpresponse.Respond(w, http.StatusOK, map[string]any{"runs": runs})
}
