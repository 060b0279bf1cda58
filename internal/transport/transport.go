// Package transport moves encoded request envelopes to the backend and
// delivers push frames back to the client.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport performs one request/response round trip with the backend.
// Implementations must be safe for concurrent use.
type Transport interface {
	RoundTrip(ctx context.Context, body []byte) ([]byte, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, body []byte) ([]byte, error)

// RoundTrip calls f.
func (f Func) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	return f(ctx, body)
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// AuthError indicates that the backend rejected the account credentials
// or session. It is returned on 401 and 403 responses.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%d): %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
