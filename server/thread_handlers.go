package server

import (
	"encoding/json"
	"errors"
	"net/http"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
)

// CreateThreadHandler creates a thread owned by the authenticated user.
func (s *Server) CreateThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		thread, err := s.deps.Threads.Create(r.Context(), UserIDFromContext(r.Context()), body.Title)
		if err != nil {
			writeThreadError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, thread)
	}
}

// ListThreadsHandler lists the authenticated user's own threads.
func (s *Server) ListThreadsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadList, err := s.deps.Threads.ListOwned(r.Context(), UserIDFromContext(r.Context()))
		if err != nil {
			writeThreadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": threadList})
	}
}

// GetThreadHandler returns a thread if and only if the authenticated user
// may read it. Missing and forbidden are indistinguishable to the caller.
func (s *Server) GetThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.deps.Threads.Access(r.Context(), UserIDFromContext(r.Context()), r.PathValue("id"))
		if err != nil {
			writeThreadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, thread)
	}
}

// ShareThreadHandler grants another user read access. Only the owner can
// grant.
func (s *Server) ShareThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		err := s.deps.Threads.Allow(r.Context(), UserIDFromContext(r.Context()), r.PathValue("id"), body.UserID)
		if err != nil {
			writeThreadError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shared": true})
	}
}

func writeThreadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, brokererrors.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, brokererrors.ErrMissingUserContext):
		writeJSONError(w, http.StatusUnauthorized, "no user context")
	default:
		writeJSONError(w, http.StatusInternalServerError, "thread operation failed")
	}
}
