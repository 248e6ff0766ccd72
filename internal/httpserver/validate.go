package httpserver

import (
	"net/http"

	"github.com/wisbric/loom/internal/httpresponse"
)

// ValidationError represents a single field validation failure.
type ValidationError = httpresponse.ValidationError

// ValidationErrorResponse is the error envelope returned for invalid requests.
type ValidationErrorResponse = httpresponse.ValidationErrorResponse

// Decode reads a JSON request body into dst. It enforces a max body size and
// disallows unknown fields. Returns an error suitable for display to the client.
func Decode(r *http.Request, dst any) error {
	return httpresponse.Decode(r, dst)
}

// Validate runs struct-tag validation on v and returns field-level errors.
func Validate(v any) []ValidationError {
	return httpresponse.Validate(v)
}

// DecodeAndValidate is a convenience helper that decodes a JSON body and
// validates the result. On failure it writes a 400 response (undecodable body)
// or a 422 response (field validation errors) and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	return httpresponse.DecodeAndValidate(w, r, dst)
}

// RespondValidationError writes a 422 response with field-level validation errors.
func RespondValidationError(w http.ResponseWriter, errs []ValidationError) {
	httpresponse.RespondValidationError(w, errs)
}
