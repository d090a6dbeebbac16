// Package apierror provides a centralized error response format for the
// guard core's HTTP surfaces. All components use WriteJSON to produce
// consistent, machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Guard error codes. These form a public API contract — clients can
// program against these stable codes. Do not rename or remove existing
// codes.
const (
	RateLimitExceeded ErrorCode = "GUARD_RATE_LIMIT_EXCEEDED"
	CircuitOpen       ErrorCode = "GUARD_CIRCUIT_OPEN"
	InternalError     ErrorCode = "GUARD_INTERNAL_ERROR"
	Forbidden         ErrorCode = "GUARD_FORBIDDEN"
	AuthInvalidToken  ErrorCode = "GUARD_AUTH_INVALID_TOKEN"
	MethodNotAllowed  ErrorCode = "GUARD_METHOD_NOT_ALLOWED"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every rejection in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preCircuitOpen       = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preForbidden         = mustMarshal(http.StatusForbidden, Forbidden, "access denied")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common
// code+message combinations, pre-serialized bodies are used. When a
// request ID is available (from X-Request-ID) it is included in the
// response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == Forbidden && status == http.StatusForbidden && message == "access denied":
		return preForbidden
	}
	return nil
}
