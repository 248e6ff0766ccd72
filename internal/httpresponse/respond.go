package httpresponse

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/loom/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. The message is never
// more specific than the classified error kind allows — authorization
// denials in particular never reveal which policy rule fired.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errCode string, message string) {
	Respond(w, status, ErrorResponse{Error: errCode, Message: message})
}

// RespondErr classifies err via apperr and writes the matching HTTP status,
// the way the teacher's RespondError helper and the original's
// api_response.rs status-coded helpers both do.
func RespondErr(w http.ResponseWriter, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		RespondError(w, http.StatusInternalServerError, string(apperr.KindInternal), "internal error")
		return
	}

	status := statusForKind(ae.Kind)
	RespondError(w, status, ae.Code, ae.Message)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyExists, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	case apperr.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case apperr.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
