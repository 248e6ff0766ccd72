package httpserver

import (
	"net/http"

	"github.com/wisbric/loom/internal/httpresponse"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	httpresponse.Respond(w, status, data)
}

// ErrorResponse is the standard JSON error envelope. The message is never
// more specific than the classified error kind allows — authorization
// denials in particular never reveal which policy rule fired.
type ErrorResponse = httpresponse.ErrorResponse

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errCode string, message string) {
	httpresponse.RespondError(w, status, errCode, message)
}

// RespondErr classifies err via apperr and writes the matching HTTP status,
// the way the teacher's RespondError helper and the original's
// api_response.rs status-coded helpers both do.
func RespondErr(w http.ResponseWriter, err error) {
	httpresponse.RespondErr(w, err)
}
