package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials means no client ID/secret pair was configured.
	ErrMissingCredentials = errors.New("client credentials are not configured")
	// ErrOverrideExpired means the debug token passed its expiry. There is no
	// credential path to renew it.
	ErrOverrideExpired = errors.New("debug token has expired")
	// ErrOverrideNotRefreshable is returned by ForceRefresh in debug token mode.
	ErrOverrideNotRefreshable = errors.New("debug token cannot be refreshed")
)

// Error reports a failed token acquisition.
type Error struct {
	// Code is the vendor's business code, or the HTTP status when the
	// identity endpoint answered without an envelope.
	Code    int
	Message string
	TraceID string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.TraceID != "":
		return fmt.Sprintf("auth: token request failed (code: %d): %s [TraceID: %s]", e.Code, e.Message, e.TraceID)
	case e.Code != 0:
		return fmt.Sprintf("auth: token request failed (code: %d): %s", e.Code, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("auth: %v", e.Err)
	default:
		return "auth: " + e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
