package session

import (
	"context"

	"github.com/google/uuid"
)

// Principal is the authenticated caller of one request.
type Principal struct {
	UserID         uuid.UUID
	SessionID      uuid.UUID
	PlatformUserID string
	Username       string
	// AccessToken is the chat platform bearer token for user-scoped calls.
	AccessToken string
}

type contextKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal placed by the session middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
