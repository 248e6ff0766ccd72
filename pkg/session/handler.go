package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/loom/internal/audit"
	"github.com/wisbric/loom/internal/auth"
	"github.com/wisbric/loom/internal/httpresponse"
	"github.com/wisbric/loom/pkg/derpmap"
	"github.com/wisbric/loom/pkg/peernotify"
	"github.com/wisbric/loom/pkg/registry"
	"github.com/wisbric/loom/pkg/wgkey"
)

// Handler exposes the session broker and the DERP map over HTTP, and the
// internal peer-event SSE stream weaver agents consume (spec §4.3, §4.4, §6).
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Bus
	broker  *Broker
	reg     *registry.Store
	hub     *peernotify.Hub
	derpMap derpmap.Map
}

func NewHandler(logger *slog.Logger, bus *audit.Bus, broker *Broker, reg *registry.Store, hub *peernotify.Hub, derpMap derpmap.Map) *Handler {
	return &Handler{logger: logger, audit: bus, broker: broker, reg: reg, hub: hub, derpMap: derpMap}
}

// CreateRequest is the JSON body for POST /api/v1/sessions (spec §6: "body:
// weaver-id"). The device is never named in the body — it is the device
// bound to the caller's API key (see pkg/apikey, minted at enrollment),
// never a client-supplied selector.
type CreateRequest struct {
	WeaverID string `json:"weaver_id" validate:"required,uuid"`
}

// CreateResponseDTO is the public shape of CreateResult (spec §4.3 step 5).
type CreateResponseDTO struct {
	SessionID      string      `json:"session_id"`
	ClientIP       string      `json:"client_ip"`
	WeaverKey      string      `json:"weaver_public_key"`
	WeaverIP       string      `json:"weaver_ip"`
	DERPHomeRegion int         `json:"derp_home_region"`
	DERPMap        derpmap.Map `json:"derp_map"`
}

// SessionDTO is the public shape of a registry.Session row (spec §6
// "GET /sessions").
type SessionDTO struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	WeaverID  string `json:"weaver_id"`
	ClientIP  string `json:"client_ip"`
}

func toSessionDTO(s registry.Session) SessionDTO {
	return SessionDTO{
		SessionID: s.ID.String(),
		DeviceID:  s.Device.String(),
		WeaverID:  s.Weaver.String(),
		ClientIP:  s.ClientIP.String(),
	}
}

// Routes mounts the control-plane session routes (device/weaver auth
// already enforced by the parent mux's auth middleware).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Delete("/{id}", h.handleDelete)
	r.Get("/derp-map", h.handleDERPMap)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || id.DeviceID == nil {
		httpresponse.RespondError(w, http.StatusUnauthorized, "unauthorized", "session creation requires a device-scoped API key")
		return
	}
	deviceID := wgkey.DeviceID{UUID: *id.DeviceID}

	var req CreateRequest
	if !httpresponse.DecodeAndValidate(w, r, &req) {
		return
	}

	weaverID, err := wgkey.ParseWeaverID(req.WeaverID)
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid weaver_id")
		return
	}

	result, err := h.broker.CreateSession(r.Context(), deviceID, weaverID)
	if err != nil {
		httpresponse.RespondErr(w, err)
		return
	}

	if h.audit != nil {
		id := auth.FromContext(r.Context())
		actor := ""
		if id != nil && id.UserID != nil {
			actor = id.UserID.String()
		}
		h.audit.Publish(audit.Event{
			Type: audit.EventSessionCreated, ActorUserID: actor,
			ResourceType: "session", ResourceID: result.Session.ID.String(), Action: "create",
		})
	}

	httpresponse.Respond(w, http.StatusCreated, CreateResponseDTO{
		SessionID:      result.Session.ID.String(),
		ClientIP:       result.Session.ClientIP.String(),
		WeaverKey:      result.WeaverKey.Base64(),
		WeaverIP:       result.WeaverIP,
		DERPHomeRegion: result.DERPHomeRegion,
		DERPMap:        result.DERPMap,
	})
}

// handleList returns every live session on a device the caller owns (spec
// §6 "GET /sessions"), scoped the same way pkg/device does: by the
// authenticated user's own devices, never by an arbitrary device ID.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpresponse.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	devices, err := h.reg.ListDevicesByOwner(r.Context(), wgkey.UserID{UUID: *id.UserID})
	if err != nil {
		h.logger.Error("listing devices for session list", "error", err)
		httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}

	items := make([]SessionDTO, 0)
	for _, d := range devices {
		sessions, err := h.reg.ListSessionsByDevice(r.Context(), d.ID)
		if err != nil {
			h.logger.Error("listing sessions by device", "error", err, "device_id", d.ID.String())
			httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
			return
		}
		for _, s := range sessions {
			items = append(items, toSessionDTO(s))
		}
	}

	httpresponse.Respond(w, http.StatusOK, map[string]any{"sessions": items, "count": len(items)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := wgkey.ParseSessionID(chi.URLParam(r, "id"))
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid session ID")
		return
	}

	if err := h.broker.DeleteSession(r.Context(), id); err != nil {
		httpresponse.RespondErr(w, err)
		return
	}

	if h.audit != nil {
		caller := auth.FromContext(r.Context())
		actor := ""
		if caller != nil && caller.UserID != nil {
			actor = caller.UserID.String()
		}
		h.audit.Publish(audit.Event{
			Type: audit.EventSessionDeleted, ActorUserID: actor,
			ResourceType: "session", ResourceID: id.String(), Action: "delete",
		})
	}

	httpresponse.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDERPMap(w http.ResponseWriter, r *http.Request) {
	httpresponse.Respond(w, http.StatusOK, h.derpMap)
}

// PeerStreamHandler serves the internal SSE peer-event stream a weaver's
// WireGuard engine consumes to learn about new/removed client peers (spec
// §4.4, §6 "peer event stream"). Mounted under an internal-only route
// authenticated by workload identity, not the control-plane bearer chain.
type PeerStreamHandler struct {
	logger *slog.Logger
	hub    *peernotify.Hub
}

func NewPeerStreamHandler(logger *slog.Logger, hub *peernotify.Hub) *PeerStreamHandler {
	return &PeerStreamHandler{logger: logger, hub: hub}
}

func (h *PeerStreamHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{weaverID}/peers", h.handleStream)
	return r
}

const peerStreamKeepalive = 15 * time.Second

func (h *PeerStreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	weaverID, err := wgkey.ParseWeaverID(chi.URLParam(r, "weaverID"))
	if err != nil {
		httpresponse.RespondError(w, http.StatusBadRequest, "bad_request", "invalid weaver ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpresponse.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	sub := h.hub.Subscribe(weaverID)
	defer sub.Close()

	ctx := r.Context()
	keepalive := time.NewTicker(peerStreamKeepalive)
	defer keepalive.Stop()

	events := make(chan peernotify.Event)
	resyncs := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev, resync, ok := sub.Next(ctx)
			if !ok {
				return
			}
			if resync {
				select {
				case resyncs <- struct{}{}:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-resyncs:
			fmt.Fprintf(w, "event: resync\ndata: {}\n\n")
			flusher.Flush()
		case ev := <-events:
			payload, err := json.Marshal(wirePeerEvent{
				Type:      string(ev.Type),
				PublicKey: ev.PublicKey.Base64(),
				AllowedIP: ev.AllowedIP,
				SessionID: ev.SessionID.String(),
			})
			if err != nil {
				h.logger.Error("peer stream: marshaling event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: peer\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type wirePeerEvent struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	AllowedIP string `json:"allowed_ip,omitempty"`
	SessionID string `json:"session_id"`
}
