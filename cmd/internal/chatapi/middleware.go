package chatapi

import (
	"context"
	"net/http"
	"strings"

	"wander/cmd/internal/chat"
	"wander/cmd/security/token"
)

type contextKey string

const sessionKey contextKey = "session"

// TokenVerifier authenticates requests. *token.Manager satisfies it.
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// RequireSession rejects unauthenticated requests and stores the caller's chat.Session
// in the request context. The token comes from the Authorization header, falling back
// to the "token" query parameter.
func RequireSession(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := token.FromAuthorization(r.Header.Get("Authorization"))
			if raw == "" {
				raw = strings.TrimSpace(r.URL.Query().Get("token"))
			}
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing authentication token")
				return
			}

			id, err := v.Verify(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			ctx := WithSession(r.Context(), chat.Session{UserID: id.UserID, SessionID: id.SessionID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s chat.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the authenticated caller stored by RequireSession.
func SessionFrom(ctx context.Context) (chat.Session, bool) {
	s, ok := ctx.Value(sessionKey).(chat.Session)
	return s, ok && s.UserID != ""
}
