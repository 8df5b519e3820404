package pan123

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// CodeTransport marks an APIError that never got a usable HTTP response.
const CodeTransport = -1

// Vendor business codes that mirror HTTP semantics inside a 200 response.
const (
	codeUnauthorized = 401
	codeThrottled    = 429
)

// APIError is any failure reported by the API or by the transport under it.
type APIError struct {
	// StatusCode is the HTTP status, or 0 for transport failures.
	StatusCode int
	// Code is the envelope's business code, the HTTP status when the body
	// carried no envelope, or CodeTransport.
	Code    int
	Message string
	TraceID string
	// Details is the raw envelope data (business errors) or the raw body
	// (HTTP errors).
	Details json.RawMessage

	RetryAfter string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.TraceID != "" {
		return fmt.Sprintf("123pan API error (code: %d): %s [TraceID: %s]", e.Code, msg, e.TraceID)
	}
	return fmt.Sprintf("123pan API error (code: %d): %s", e.Code, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Unauthorized reports an expired or rejected token, signaled either by
// the HTTP status or by the envelope code.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Code == codeUnauthorized
}

// Throttled reports server-side rate limiting.
func (e *APIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == codeThrottled
}

// IsUnauthorized reports whether err is an APIError for a rejected token.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}

// IsThrottled reports whether err is an APIError for server-side throttling.
func IsThrottled(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Throttled()
}

// ErrorCode returns the business code of an APIError in err's chain.
func ErrorCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}
