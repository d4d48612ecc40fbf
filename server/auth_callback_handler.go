package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-identity-broker/identity"
)

// AuthCallbackHandler completes an interactive login: it checks the state
// against the recorded login, exchanges the code, verifies the id token and
// binds a session for the proven identity.
func (s *Server) AuthCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Parse form to support both GET (query params) and POST (form_post response mode)
		// r.FormValue works for both query params and POST form data
		state := r.FormValue("state")
		code := r.FormValue("code")
		errorParam := r.FormValue("error")
		errorDesc := r.FormValue("error_description")

		if errorParam != "" {
			http.Error(w, fmt.Sprintf("Authorization failed: %s - %s", errorParam, errorDesc), http.StatusBadRequest)
			return
		}

		if code == "" || state == "" {
			http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
			return
		}

		loginState, err := s.deps.LoginStates.Get(state)
		if err != nil || loginState == nil {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			return
		}

		// The state cookie ties the callback to the browser that started the
		// login, not just to any recorded state.
		if cookie, cookieErr := r.Cookie(loginStateCookieName); cookieErr != nil || cookie.Value != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			return
		}

		// Clean up state after use
		if err := s.deps.LoginStates.Delete(state); err != nil {
			http.Error(w, "Invalid state parameter", http.StatusInternalServerError)
			return
		}

		oidcConfig, err := s.getOidcConfig(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get OIDC config: %v", err), http.StatusInternalServerError)
			return
		}

		// Exchange authorization code for tokens using standard oauth2 library
		oauth2Token, err := oidcConfig.OAuth2Config.Exchange(
			r.Context(),
			code,
			oauth2.SetAuthURLParam("code_verifier", loginState.CodeVerifier),
		)
		if err != nil {
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}

		// Extract ID token and verify it
		rawIDToken, ok := oauth2Token.Extra("id_token").(string)
		if !ok {
			http.Error(w, "No ID token in response", http.StatusInternalServerError)
			return
		}

		idToken, err := oidcConfig.OidcProvider.Verifier(&oidc.Config{
			ClientID: oidcConfig.OAuth2Config.ClientID,
		}).Verify(r.Context(), rawIDToken)
		if err != nil {
			http.Error(w, fmt.Sprintf("ID token verification failed: %v", err), http.StatusInternalServerError)
			return
		}

		var claims struct {
			Nonce             string `json:"nonce"`
			Sub               string `json:"sub"`
			ObjectID          string `json:"oid"`
			TenantID          string `json:"tid"`
			Email             string `json:"email"`
			PreferredUsername string `json:"preferred_username"`
			Name              string `json:"name"`
		}
		if err := idToken.Claims(&claims); err != nil {
			http.Error(w, fmt.Sprintf("Failed to extract claims: %v", err), http.StatusInternalServerError)
			return
		}

		// Validate nonce to prevent replay attacks
		if claims.Nonce != loginState.Nonce {
			http.Error(w, "Invalid nonce", http.StatusUnauthorized)
			return
		}

		ident := identity.Identity{
			UserID:      claims.Sub,
			DisplayName: claims.Name,
			Email:       claims.Email,
		}
		if claims.ObjectID != "" && claims.TenantID != "" {
			ident.UserID = claims.ObjectID + "." + claims.TenantID
		}
		if ident.Email == "" {
			ident.Email = claims.PreferredUsername
		}

		sessionID, err := s.deps.Sessions.Bind(r.Context(), ident)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create session: %v", err), http.StatusInternalServerError)
			return
		}

		// Cache the provider tokens for /auth/tokens and later refresh
		if err := s.storeProviderToken(r.Context(), ident.UserID, oauth2Token); err != nil {
			log.Warn().Err(err).Msg("failed to cache provider tokens")
		}

		s.SetSessionCookie(w, sessionID, r, int(s.config.GetSessionMaxAge().Seconds()))

		// Redirect back to the chat frontend
		returnURL := loginState.ReturnURL
		if returnURL == "" || returnURL == "/" {
			returnURL = s.config.GetFrontendURL()
		}
		http.Redirect(w, r, returnURL, http.StatusSeeOther)
	}
}

func (s *Server) storeProviderToken(ctx context.Context, userID string, token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("[Server storeProviderToken] %w", err)
	}
	return s.deps.Secrets.Put(ctx, userID, identitySecretProvider, string(raw))
}
