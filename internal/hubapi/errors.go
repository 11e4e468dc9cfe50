package hubapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuth marks a rejected token. It is terminal: retrying with the same
// credentials cannot succeed.
var ErrAuth = errors.New("hub rejected credentials")

// StatusError is a non-success HTTP response from the hub.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("hub API %s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("hub API %s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps 401/403 onto ErrAuth so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return ErrAuth
	}
	return nil
}

// IsAuthError reports whether err is (or wraps) ErrAuth.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRetryableHTTPStatus returns true if the HTTP status code is retryable
func IsRetryableHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout ||
		statusCode >= 500
}

// retryable reports whether a failed attempt is worth repeating.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableHTTPStatus(se.Code)
	}
	return !errors.Is(err, ErrNoCredentials)
}
