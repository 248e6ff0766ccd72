package device

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/loom/internal/audit"
	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/db"
	"github.com/wisbric/loom/internal/httpserver"
	"github.com/wisbric/loom/pkg/apikey"
	"github.com/wisbric/loom/pkg/wgkey"
)

// Handler provides HTTP handlers for the device enrollment API.
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Bus
	service *Service
}

func NewHandler(logger *slog.Logger, bus *audit.Bus, dbtx db.DBTX, keys *apikey.Service) *Handler {
	return &Handler{logger: logger, audit: bus, service: NewService(dbtx, keys)}
}

// Routes returns a chi.Router with all device routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleEnroll)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleRevoke)
	return r
}

func callerUserID(w http.ResponseWriter, r *http.Request) (wgkey.UserID, bool) {
	id := auth.FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return wgkey.UserID{}, false
	}
	return wgkey.UserID{UUID: *id.UserID}, true
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerUserID(w, r)
	if !ok {
		return
	}

	var req EnrollRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Enroll(r.Context(), owner, req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"name": result.Device.Name})
		h.audit.Publish(audit.Event{
			Type: audit.EventDeviceEnrolled, ActorUserID: owner.String(),
			ResourceType: "device", ResourceID: result.Device.ID, Action: "enroll", Details: detail,
		})
	}

	httpserver.Respond(w, http.StatusCreated, enrollResponse{Response: result.Device, RawKey: result.RawKey})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerUserID(w, r)
	if !ok {
		return
	}

	items, err := h.service.List(r.Context(), owner)
	if err != nil {
		h.logger.Error("listing devices", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list devices")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"devices": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerUserID(w, r)
	if !ok {
		return
	}

	id, err := wgkey.ParseDeviceID(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid device ID")
		return
	}

	resp, err := h.service.Get(r.Context(), owner, id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	owner, ok := callerUserID(w, r)
	if !ok {
		return
	}

	id, err := wgkey.ParseDeviceID(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid device ID")
		return
	}

	if err := h.service.Revoke(r.Context(), owner, id); err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	if h.audit != nil {
		h.audit.Publish(audit.Event{
			Type: audit.EventDeviceRevoked, ActorUserID: owner.String(),
			ResourceType: "device", ResourceID: id.String(), Action: "revoke",
		})
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
