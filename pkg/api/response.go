package api

import (
	"encoding/json"
	"net/http"
)

// Error codes
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodePatchRejected      = "PATCH_REJECTED"
	CodeConflict           = "CONFLICT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes what went wrong
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes the error envelope
func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// Unauthorized is the auth middleware's rejection handler
func Unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error(), nil)
}

// RateLimited is the rate limiter's rejection handler
func RateLimited(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

// NotFoundHandler answers unknown routes with the error envelope
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no route for "+r.URL.Path, nil)
	})
}
