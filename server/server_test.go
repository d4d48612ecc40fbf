package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-broker/flows"
	"github.com/jrsteele09/go-identity-broker/gateway"
	"github.com/jrsteele09/go-identity-broker/identity"
	"github.com/jrsteele09/go-identity-broker/internal/config"
	"github.com/jrsteele09/go-identity-broker/secrets"
	"github.com/jrsteele09/go-identity-broker/server/loginstate"
	"github.com/jrsteele09/go-identity-broker/sessions"
	"github.com/jrsteele09/go-identity-broker/store"
	"github.com/jrsteele09/go-identity-broker/threads"
)

type testConfig struct {
	config.EnvVars
	config.Cors
	config.Provider
	config.SessionCfg
	config.Gateway
	config.StoreCfg

	issuer   string
	clientID string
	baseURL  string
}

func (c testConfig) GetIssuer() string {
	if c.issuer != "" {
		return c.issuer
	}
	return c.Provider.GetIssuer()
}

func (c testConfig) GetClientID() string {
	if c.clientID != "" {
		return c.clientID
	}
	return c.Provider.GetClientID()
}

func (c testConfig) GetBaseURL() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return c.EnvVars.GetBaseURL()
}

// fakeGateway is an HTTP stand-in for the tool gateway.
type fakeGateway struct {
	mu             sync.Mutex
	confirmedUsers []string
	confirmCalls   int
	rejectConfirm  bool
	requireAuth    bool

	server *httptest.Server
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/confirm_user", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FlowID string `json:"flow_id"`
			UserID string `json:"user_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		fg.mu.Lock()
		fg.confirmCalls++
		fg.confirmedUsers = append(fg.confirmedUsers, body.UserID)
		reject := fg.rejectConfirm
		fg.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"auth_id":  "auth-" + body.FlowID,
			"next_uri": "https://provider.example/continue",
		})
	})
	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":   "completed",
			"provider": "github",
			"token":    "gh-user-token",
		})
	})
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]string{
				{"name": "github.list_repos", "provider": "github"},
			},
		})
	})
	mux.HandleFunc("POST /tools/call", func(w http.ResponseWriter, r *http.Request) {
		fg.mu.Lock()
		requireAuth := fg.requireAuth
		fg.mu.Unlock()

		if requireAuth {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"authorization_required": map[string]string{
					"flow_id":           "flow-123",
					"authorization_url": "https://provider.example/authorize",
					"provider":          "github",
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]string{"result": "ok"},
		})
	})

	fg.server = httptest.NewServer(mux)
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) confirmations() (int, []string) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.confirmCalls, append([]string(nil), fg.confirmedUsers...)
}

func (fg *fakeGateway) setRejectConfirm(reject bool) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.rejectConfirm = reject
}

func (fg *fakeGateway) setRequireAuth(require bool) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.requireAuth = require
}

type testEnv struct {
	server      *Server
	binder      *sessions.Binder
	flows       *flows.Broker
	secrets     *secrets.Store
	gateway     *fakeGateway
	loginStates loginstate.Repo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	// The validator is constructed against an unreachable JWKS endpoint;
	// key registration is lazy so this only matters if a test actually
	// presents a bearer token.
	validator, err := identity.NewValidator(context.Background(),
		"https://login.microsoftonline.com/test-tenant/v2.0",
		"api://chat-broker",
		"http://127.0.0.1:1/jwks")
	require.NoError(t, err)

	return newCustomTestEnv(t, testConfig{}, validator)
}

func newCustomTestEnv(t *testing.T, cfg testConfig, validator *identity.Validator) *testEnv {
	t.Helper()

	fg := newFakeGateway(t)
	backing := store.NewMemoryStore()

	binder, err := sessions.NewBinder(backing, "test-session-secret", 30*time.Minute, time.Hour)
	require.NoError(t, err)

	authorizer, err := threads.NewAuthorizer(backing)
	require.NoError(t, err)

	gatewayClient, err := gateway.NewClient(fg.server.URL, "test-api-key", "Arcade-User-Id")
	require.NoError(t, err)

	broker, err := flows.NewBroker(backing, gatewayClient, time.Minute)
	require.NoError(t, err)

	secretStore, err := secrets.NewStore(backing)
	require.NoError(t, err)

	loginStates := loginstate.NewInMemoryRepo()

	srv, err := New(cfg, Deps{
		Validator:   validator,
		Sessions:    binder,
		Threads:     authorizer,
		Flows:       broker,
		Gateway:     gatewayClient,
		Secrets:     secretStore,
		LoginStates: loginStates,
	})
	require.NoError(t, err)

	return &testEnv{
		server:      srv,
		binder:      binder,
		flows:       broker,
		secrets:     secretStore,
		gateway:     fg,
		loginStates: loginStates,
	}
}

func (e *testEnv) signIn(t *testing.T, userID string) string {
	t.Helper()
	sessionID, err := e.binder.Bind(context.Background(), identity.Identity{
		UserID:      userID,
		DisplayName: "Test User",
		Email:       userID + "@example.com",
	})
	require.NoError(t, err)
	return sessionID
}

func (e *testEnv) request(t *testing.T, method, target, sessionID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sessionID})
	}
	recorder := httptest.NewRecorder()
	e.server.ServeHTTP(recorder, req)
	return recorder
}

func TestVerifyHandler(t *testing.T) {
	t.Run("no session gets 401 before any confirmation", func(t *testing.T) {
		env := newTestEnv(t)
		env.signIn(t, "alice-oid.tenant")
		require.NoError(t, env.flows.Begin(context.Background(), "flow-1", "alice-oid.tenant", "github"))

		recorder := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-1", "", "")
		require.Equal(t, http.StatusUnauthorized, recorder.Code)

		calls, _ := env.gateway.confirmations()
		require.Zero(t, calls)
	})

	t.Run("revoked session gets 401 before any confirmation", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		require.NoError(t, env.flows.Begin(context.Background(), "flow-1", "alice-oid.tenant", "github"))
		require.NoError(t, env.binder.Revoke(context.Background(), alice))

		recorder := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-1", alice, "")
		require.Equal(t, http.StatusUnauthorized, recorder.Code)

		calls, _ := env.gateway.confirmations()
		require.Zero(t, calls)
	})

	t.Run("confirmation carries the session user and caches the token", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		require.NoError(t, env.flows.Begin(context.Background(), "flow-1", "alice-oid.tenant", "github"))

		recorder := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-1", alice, "")
		require.Equal(t, http.StatusSeeOther, recorder.Code)
		require.Equal(t, "https://provider.example/continue", recorder.Header().Get("Location"))

		calls, users := env.gateway.confirmations()
		require.Equal(t, 1, calls)
		require.Equal(t, []string{"alice-oid.tenant"}, users)

		record, err := env.secrets.Get(context.Background(), "alice-oid.tenant", "github")
		require.NoError(t, err)
		require.Equal(t, "gh-user-token", record.Value)
	})

	t.Run("other user's session cannot complete the flow", func(t *testing.T) {
		env := newTestEnv(t)
		_ = env.signIn(t, "alice-oid.tenant")
		bob := env.signIn(t, "bob-oid.tenant")
		require.NoError(t, env.flows.Begin(context.Background(), "flow-1", "alice-oid.tenant", "github"))

		recorder := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-1", bob, "")
		require.Equal(t, http.StatusForbidden, recorder.Code)

		calls, _ := env.gateway.confirmations()
		require.Zero(t, calls)
	})

	t.Run("unknown flow reports gone", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")

		recorder := env.request(t, http.MethodGet, "/oauth/verify?flow_id=never-started", alice, "")
		require.Equal(t, http.StatusGone, recorder.Code)
	})

	t.Run("gateway rejection reports forbidden", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		env.gateway.setRejectConfirm(true)
		require.NoError(t, env.flows.Begin(context.Background(), "flow-1", "alice-oid.tenant", "github"))

		recorder := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-1", alice, "")
		require.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("missing flow_id parameter", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")

		recorder := env.request(t, http.MethodGet, "/oauth/verify", alice, "")
		require.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestThreadHandlers(t *testing.T) {
	t.Run("requires authentication", func(t *testing.T) {
		env := newTestEnv(t)
		recorder := env.request(t, http.MethodPost, "/threads", "", `{"title":"plans"}`)
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("owner reads, others are refused", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		bob := env.signIn(t, "bob-oid.tenant")

		created := env.request(t, http.MethodPost, "/threads", alice, `{"title":"plans"}`)
		require.Equal(t, http.StatusCreated, created.Code)

		var thread struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))
		require.NotEmpty(t, thread.ID)

		ownerRead := env.request(t, http.MethodGet, "/threads/"+thread.ID, alice, "")
		require.Equal(t, http.StatusOK, ownerRead.Code)

		otherRead := env.request(t, http.MethodGet, "/threads/"+thread.ID, bob, "")
		require.Equal(t, http.StatusForbidden, otherRead.Code)

		missingRead := env.request(t, http.MethodGet, "/threads/no-such-thread", alice, "")
		require.Equal(t, http.StatusForbidden, missingRead.Code)
	})

	t.Run("sharing grants read access", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		bob := env.signIn(t, "bob-oid.tenant")

		created := env.request(t, http.MethodPost, "/threads", alice, `{"title":"shared plans"}`)
		require.Equal(t, http.StatusCreated, created.Code)
		var thread struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(created.Body.Bytes(), &thread))

		// Only the owner can grant
		denied := env.request(t, http.MethodPost, "/threads/"+thread.ID+"/share", bob, `{"user_id":"bob-oid.tenant"}`)
		require.Equal(t, http.StatusForbidden, denied.Code)

		shared := env.request(t, http.MethodPost, "/threads/"+thread.ID+"/share", alice, `{"user_id":"bob-oid.tenant"}`)
		require.Equal(t, http.StatusOK, shared.Code)

		granted := env.request(t, http.MethodGet, "/threads/"+thread.ID, bob, "")
		require.Equal(t, http.StatusOK, granted.Code)
	})

	t.Run("listing only shows own threads", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		bob := env.signIn(t, "bob-oid.tenant")

		require.Equal(t, http.StatusCreated, env.request(t, http.MethodPost, "/threads", alice, `{"title":"one"}`).Code)
		require.Equal(t, http.StatusCreated, env.request(t, http.MethodPost, "/threads", alice, `{"title":"two"}`).Code)

		var listing struct {
			Threads []struct {
				Title string `json:"title"`
			} `json:"threads"`
		}
		aliceList := env.request(t, http.MethodGet, "/threads", alice, "")
		require.Equal(t, http.StatusOK, aliceList.Code)
		require.NoError(t, json.Unmarshal(aliceList.Body.Bytes(), &listing))
		require.Len(t, listing.Threads, 2)

		bobList := env.request(t, http.MethodGet, "/threads", bob, "")
		require.Equal(t, http.StatusOK, bobList.Code)
		require.NoError(t, json.Unmarshal(bobList.Body.Bytes(), &listing))
		require.Empty(t, listing.Threads)
	})
}

func TestToolHandlers(t *testing.T) {
	t.Run("tool call passes through for an authorized user", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")

		recorder := env.request(t, http.MethodPost, "/tools/call", alice, `{"tool":"github.list_repos"}`)
		require.Equal(t, http.StatusOK, recorder.Code)
		require.Contains(t, recorder.Body.String(), `"result":"ok"`)
	})

	t.Run("authorization_required starts a flow bound to the caller", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.signIn(t, "alice-oid.tenant")
		bob := env.signIn(t, "bob-oid.tenant")
		env.gateway.setRequireAuth(true)

		recorder := env.request(t, http.MethodPost, "/tools/call", alice, `{"tool":"github.list_repos"}`)
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
		require.Contains(t, recorder.Body.String(), "https://provider.example/authorize")

		// The recorded flow belongs to alice; bob's browser cannot finish it.
		env.gateway.setRequireAuth(false)
		denied := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-123", bob, "")
		require.Equal(t, http.StatusForbidden, denied.Code)

		completed := env.request(t, http.MethodGet, "/oauth/verify?flow_id=flow-123", alice, "")
		require.Equal(t, http.StatusSeeOther, completed.Code)
	})

	t.Run("tool listing requires a session", func(t *testing.T) {
		env := newTestEnv(t)
		recorder := env.request(t, http.MethodGet, "/tools", "", "")
		require.Equal(t, http.StatusUnauthorized, recorder.Code)

		alice := env.signIn(t, "alice-oid.tenant")
		listed := env.request(t, http.MethodGet, "/tools", alice, "")
		require.Equal(t, http.StatusOK, listed.Code)
		require.Contains(t, listed.Body.String(), "github.list_repos")
	})
}

func TestAuthStatusAndLogout(t *testing.T) {
	env := newTestEnv(t)

	t.Run("anonymous caller is not authenticated", func(t *testing.T) {
		recorder := env.request(t, http.MethodGet, "/auth/status", "", "")
		require.Equal(t, http.StatusOK, recorder.Code)
		require.Contains(t, recorder.Body.String(), `"authenticated":false`)
	})

	alice := env.signIn(t, "alice-oid.tenant")

	t.Run("live session is authenticated", func(t *testing.T) {
		recorder := env.request(t, http.MethodGet, "/auth/status", alice, "")
		require.Equal(t, http.StatusOK, recorder.Code)
		require.Contains(t, recorder.Body.String(), `"authenticated":true`)
		require.Contains(t, recorder.Body.String(), "alice-oid.tenant")
	})

	t.Run("logout revokes the session", func(t *testing.T) {
		recorder := env.request(t, http.MethodGet, "/auth/logout", alice, "")
		require.Equal(t, http.StatusOK, recorder.Code)

		after := env.request(t, http.MethodGet, "/auth/status", alice, "")
		require.Contains(t, after.Body.String(), `"authenticated":false`)
	})

	t.Run("logout without a session is harmless", func(t *testing.T) {
		recorder := env.request(t, http.MethodGet, "/auth/logout", "", "")
		require.Equal(t, http.StatusOK, recorder.Code)
	})
}

func TestIndexHandler(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.request(t, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `"status":"ok"`)
}
