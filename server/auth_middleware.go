package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
	"github.com/jrsteele09/go-identity-broker/sessions"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyUserID stores the authenticated user ID
	ContextKeyUserID ContextKey = "user_id"
	// ContextKeySession stores the resolved session
	ContextKeySession ContextKey = "session"
	// ContextKeyIdentity stores the validated token identity
	ContextKeyIdentity ContextKey = "identity"
)

// SessionFromContext returns the session stored by RequireSession. The bool is
// false on routes that never went through the middleware.
func SessionFromContext(ctx context.Context) (sessions.Session, bool) {
	session, ok := ctx.Value(ContextKeySession).(sessions.Session)
	return session, ok
}

// UserIDFromContext returns the authenticated user id, or "" if the request
// never passed RequireSession.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(ContextKeyUserID).(string)
	return userID
}

// RequireSession is middleware for API routes that validates the session
// cookie and injects the resolved session into the request context.
func (s *Server) RequireSession() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionFromRequest(r)
			if sessionID == "" {
				writeJSONError(w, http.StatusUnauthorized, "no session")
				return
			}

			session, err := s.deps.Sessions.Resolve(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, brokererrors.ErrNoSession) {
					writeJSONError(w, http.StatusUnauthorized, "session expired or invalid")
					return
				}
				writeJSONError(w, http.StatusInternalServerError, "session lookup failed")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyUserID, session.UserID)
			ctx = context.WithValue(ctx, ContextKeySession, session)
			r = r.WithContext(ctx)

			next(w, r)
		}
	}
}

// RequireBearer is middleware that validates a provider access token from the
// Authorization header, binds a session for the proven identity and injects
// both into the request context. Used by clients that hold tokens directly
// instead of a browser session.
func (s *Server) RequireBearer() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				writeJSONError(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}

			ident, err := s.deps.Validator.Validate(r.Context(), parts[1])
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			sessionID, err := s.deps.Sessions.Bind(r.Context(), ident)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to bind session")
				return
			}

			session, err := s.deps.Sessions.Resolve(r.Context(), sessionID)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to bind session")
				return
			}
			s.SetSessionCookie(w, sessionID, r, int(s.config.GetSessionMaxAge().Seconds()))

			ctx := context.WithValue(r.Context(), ContextKeyUserID, ident.UserID)
			ctx = context.WithValue(ctx, ContextKeyIdentity, ident)
			ctx = context.WithValue(ctx, ContextKeySession, session)
			r = r.WithContext(ctx)

			next(w, r)
		}
	}
}

// RequireUser accepts either a broker session cookie or a provider bearer
// token. Browser traffic carries the cookie; first-party API clients present
// the token directly and pick up a session cookie on the way through.
func (s *Server) RequireUser() func(http.HandlerFunc) http.HandlerFunc {
	requireSession := s.RequireSession()
	requireBearer := s.RequireBearer()
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if sessionFromRequest(r) != "" {
				requireSession(next)(w, r)
				return
			}
			requireBearer(next)(w, r)
		}
	}
}
