package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-identity-broker/server/loginstate"
)

// identitySecretProvider is the secret-store provider key under which the
// signed-in user's own provider tokens are cached.
const identitySecretProvider = "identity"

// LoginHandler starts an interactive login. It builds the provider
// authorization URL with state, nonce and PKCE, records the in-flight login
// and hands the URL back to the frontend.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		oidcConfig, err := s.getOidcConfig(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("provider discovery failed")
			writeJSONError(w, http.StatusInternalServerError, "identity provider unavailable")
			return
		}

		state := generateRandomString(32)
		nonce := generateRandomString(32)
		codeVerifier := generateRandomString(64)

		if err := s.deps.LoginStates.Upsert(state, &loginstate.State{
			Nonce:        nonce,
			CodeVerifier: codeVerifier,
			ReturnURL:    r.URL.Query().Get("return_url"),
			CreatedAt:    time.Now(),
		}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to record login state")
			return
		}

		authURL := oidcConfig.OAuth2Config.AuthCodeURL(
			state,
			oauth2.SetAuthURLParam("nonce", nonce),
			oauth2.SetAuthURLParam("code_challenge", generateCodeChallenge(codeVerifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)

		s.SetLoginStateCookie(w, state, r)
		writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
	}
}

// AuthStatusHandler reports whether the caller holds a live session. It
// never errors: an absent or dead session is just "not authenticated".
func (s *Server) AuthStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionFromRequest(r)
		if sessionID == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.deps.Sessions.Resolve(r.Context(), sessionID)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user_id":       session.UserID,
			"display_name":  session.DisplayName,
			"email":         session.Email,
		})
	}
}

// LogoutHandler revokes the session and clears the cookie. Safe to call
// without a session.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessionID := sessionFromRequest(r); sessionID != "" {
			if err := s.deps.Sessions.Revoke(r.Context(), sessionID); err != nil {
				log.Warn().Err(err).Msg("session revoke failed")
			}
		}
		s.ClearSessionCookie(w, r)
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
	}
}

// AuthTokensHandler returns the signed-in user's provider tokens from the
// per-user secret cache, refreshing them through the provider when expired.
func (s *Server) AuthTokensHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := SessionFromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "no session")
			return
		}

		record, err := s.deps.Secrets.Get(r.Context(), session.UserID, identitySecretProvider)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "no tokens cached for user")
			return
		}

		var token oauth2.Token
		if err := json.Unmarshal([]byte(record.Value), &token); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "cached token unreadable")
			return
		}

		oidcConfig, err := s.getOidcConfig(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "identity provider unavailable")
			return
		}

		// TokenSource refreshes transparently when the access token is expired
		fresh, err := oidcConfig.OAuth2Config.TokenSource(r.Context(), &token).Token()
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "token refresh failed")
			return
		}

		if fresh.AccessToken != token.AccessToken {
			if err := s.storeProviderToken(r.Context(), session.UserID, fresh); err != nil {
				log.Warn().Err(err).Msg("failed to cache refreshed token")
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": fresh.AccessToken,
			"token_type":   fresh.TokenType,
			"expires_at":   fresh.Expiry,
		})
	}
}
