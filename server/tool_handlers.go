package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
)

// ListToolsHandler lists the gateway tools available to the authenticated
// user.
func (s *Server) ListToolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scoped, err := s.deps.Gateway.WithUserContext(UserIDFromContext(r.Context()))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "no user context")
			return
		}

		tools, err := scoped.ListTools(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, "tool listing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
	}
}

// CallToolHandler invokes a gateway tool under the authenticated user's
// scope. When the gateway wants an OAuth consent first, the flow is recorded
// and the authorization URL handed back for the frontend to open.
func (s *Server) CallToolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tool  string         `json:"tool"`
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tool == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		userID := UserIDFromContext(r.Context())
		scoped, err := s.deps.Gateway.WithUserContext(userID)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "no user context")
			return
		}

		result, err := scoped.CallTool(r.Context(), body.Tool, body.Input)
		if err != nil {
			if errors.Is(err, brokererrors.ErrForbidden) {
				writeJSONError(w, http.StatusForbidden, "tool access denied")
				return
			}
			writeJSONError(w, http.StatusBadGateway, "tool invocation failed")
			return
		}

		if result.AuthorizationRequired != nil {
			authReq := result.AuthorizationRequired
			if err := s.deps.Flows.Begin(r.Context(), authReq.FlowID, userID, authReq.Provider); err != nil {
				log.Error().Err(err).Str("flow_id", authReq.FlowID).Msg("failed to record authorization flow")
				writeJSONError(w, http.StatusInternalServerError, "failed to start authorization")
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"authorization_required": true,
				"authorization_url":      authReq.AuthorizationURL,
				"provider":               authReq.Provider,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"output": result.Output})
	}
}
