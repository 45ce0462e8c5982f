// Package types holds the JSON envelopes shared by the HTTP layer and its clients.
package types

// RequestIDHeader carries the correlation id on requests and responses.
const RequestIDHeader = "X-Request-Id"

// SuccessEnvelope wraps every successful payload: {"data": ...}.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public error body. Details is only populated for codes that
// allow it, such as the per-item shortages of INSUFFICIENT_STOCK or the
// from/to pair of INVALID_TRANSITION.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorEnvelope wraps an APIError: {"error": {...}}.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
