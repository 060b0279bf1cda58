package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/transport"
)

// AuthError indicates that authentication has failed or expired for a
// notification source.
type AuthError struct {
	SourceType SourceType
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.SourceType, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError or a transport.AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) || transport.IsAuthError(err)
}

// SourceType identifies the kind of notification feed.
type SourceType string

const (
	// SourceTypeBackend polls the groupware backend's notifier module.
	SourceTypeBackend SourceType = "backend"

	// SourceTypeIMAP watches an IMAP mailbox mirrored by a folder store.
	SourceTypeIMAP SourceType = "imap"
)

// FetchResult holds the notifications collected by one poll.
type FetchResult struct {
	Notifications []model.Notification
}

// Source defines the contract of a notification feed polled by the
// sync.Poller.
type Source interface {
	// Type returns the source type identifier.
	Type() SourceType

	// ValidateConnection verifies credentials and connectivity.
	// Returns a human-readable status message on success.
	ValidateConnection(ctx context.Context) (string, error)

	// Fetch collects the notifications that arrived since the last call.
	Fetch(ctx context.Context) (*FetchResult, error)
}
