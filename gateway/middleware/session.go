package middleware

import (
	"context"
	"net/http"
	"strings"

	"governator/session"
)

// SessionResolver turns a bearer token into a principal. session.Manager
// satisfies it.
type SessionResolver interface {
	Authenticate(ctx context.Context, bearer string) (session.Principal, error)
}

// ErrorWriter renders a failure. The server package supplies its JSON
// envelope writer.
type ErrorWriter func(http.ResponseWriter, *http.Request, error)

// RequireSession rejects requests without a live session and places the
// principal on the request context.
func RequireSession(resolver SessionResolver, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				onError(w, r, session.ErrUnauthenticated)
				return
			}
			principal, err := resolver.Authenticate(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithPrincipal(r.Context(), principal)))
		})
	}
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
