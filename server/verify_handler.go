package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
)

const verifySuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Complete</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4rem;">
<h1>Authorization complete</h1>
<p>You can close this window and return to the chat.</p>
</body>
</html>`

// VerifyHandler is the browser landing point after a third-party OAuth
// consent. The user id passed to the gateway always comes from the live
// session resolved here; nothing in the callback URL identifies a user.
func (s *Server) VerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Session first. An unauthenticated browser gets a 401 before any
		// flow state is touched.
		sessionID := sessionFromRequest(r)
		if sessionID == "" {
			http.Error(w, "Sign in to the chat before completing authorization", http.StatusUnauthorized)
			return
		}
		session, err := s.deps.Sessions.Resolve(r.Context(), sessionID)
		if err != nil {
			http.Error(w, "Sign in to the chat before completing authorization", http.StatusUnauthorized)
			return
		}

		flowID := r.URL.Query().Get("flow_id")
		if flowID == "" {
			http.Error(w, "Missing flow_id parameter", http.StatusBadRequest)
			return
		}

		result, err := s.deps.Flows.Confirm(r.Context(), flowID, session.UserID)
		switch {
		case err == nil:
		case errors.Is(err, brokererrors.ErrForbidden):
			http.Error(w, "Authorization was not approved", http.StatusForbidden)
			return
		case errors.Is(err, brokererrors.ErrFlowExpired):
			http.Error(w, "This authorization request has expired. Start again from the chat.", http.StatusGone)
			return
		default:
			log.Error().Err(err).Str("flow_id", flowID).Msg("confirmation failed")
			http.Error(w, "Authorization failed", http.StatusInternalServerError)
			return
		}

		// Wait for the provider handshake to finish, then cache the issued
		// token under the session's user.
		if result.AuthID != "" {
			auth, waitErr := s.deps.Gateway.WaitForCompletion(r.Context(), result.AuthID)
			if waitErr != nil {
				log.Warn().Err(waitErr).Str("flow_id", flowID).Msg("authorization did not complete")
			} else if auth.Token != "" {
				provider := auth.Provider
				if provider == "" {
					if record, statusErr := s.deps.Flows.Status(r.Context(), flowID); statusErr == nil {
						provider = record.Provider
					}
				}
				if putErr := s.deps.Secrets.Put(r.Context(), session.UserID, provider, auth.Token); putErr != nil {
					log.Warn().Err(putErr).Str("flow_id", flowID).Msg("failed to cache provider token")
				}
			}
		}

		if result.NextURI != "" {
			http.Redirect(w, r, result.NextURI, http.StatusSeeOther)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(verifySuccessPage))
	}
}
