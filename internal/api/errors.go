// ABOUTME: Maps routing errors onto HTTP status codes and JSON error bodies
// ABOUTME: Unexpected errors are logged and reported as a generic 500

package api

import (
	"errors"
	"net/http"

	"github.com/2389/handoff-gateway/internal/routing"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorMapping pairs a sentinel with its status and machine-readable code.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{routing.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{routing.ErrTenantMismatch, http.StatusForbidden, "tenant_mismatch"},
	{routing.ErrNotFound, http.StatusNotFound, "not_found"},
	{routing.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{routing.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{routing.ErrCapacity, http.StatusConflict, "capacity"},
}

// statusFor returns the HTTP status and code for err.
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// sendError writes err as a JSON error response.
func (a *API) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	a.sendJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// sendBadRequest writes a 400 with the given message.
func (a *API) sendBadRequest(w http.ResponseWriter, msg string) {
	a.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_argument"})
}
