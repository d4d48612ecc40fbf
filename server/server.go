package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-identity-broker/flows"
	"github.com/jrsteele09/go-identity-broker/gateway"
	"github.com/jrsteele09/go-identity-broker/identity"
	"github.com/jrsteele09/go-identity-broker/internal/config"
	"github.com/jrsteele09/go-identity-broker/secrets"
	"github.com/jrsteele09/go-identity-broker/server/loginstate"
	"github.com/jrsteele09/go-identity-broker/sessions"
	"github.com/jrsteele09/go-identity-broker/threads"
)

// OidcConfig bundles the provider handles for the interactive login flow.
type OidcConfig struct {
	OidcProvider *oidc.Provider
	OAuth2Config *oauth2.Config
	OidcVerifier *oidc.IDTokenVerifier
}

// Deps holds the broker components the server fronts.
type Deps struct {
	Validator   *identity.Validator
	Sessions    *sessions.Binder
	Threads     *threads.Authorizer
	Flows       *flows.Broker
	Gateway     *gateway.Client
	Secrets     *secrets.Store
	LoginStates loginstate.Repo
}

type Server struct {
	env    string // Environment (e.g., "development", "production")
	mux    *http.ServeMux
	routes []string
	config config.Config
	deps   Deps

	oidcConfig     *OidcConfig
	oidcConfigLock sync.Mutex
}

func New(config config.Config, deps Deps) (*Server, error) {
	if deps.Validator == nil {
		return nil, fmt.Errorf("[Server New] identity validator is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("[Server New] session binder is required")
	}
	if deps.Threads == nil {
		return nil, fmt.Errorf("[Server New] thread authorizer is required")
	}
	if deps.Flows == nil {
		return nil, fmt.Errorf("[Server New] flow broker is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("[Server New] gateway client is required")
	}
	if deps.Secrets == nil {
		return nil, fmt.Errorf("[Server New] secret store is required")
	}
	if deps.LoginStates == nil {
		return nil, fmt.Errorf("[Server New] login state repo is required")
	}

	s := &Server{
		mux:    http.NewServeMux(),
		config: config,
		deps:   deps,
	}
	s.env = config.GetEnv()

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// getOidcConfig builds the provider handles on first use so constructing
// a Server never blocks on provider discovery.
func (s *Server) getOidcConfig(ctx context.Context) (*OidcConfig, error) {
	s.oidcConfigLock.Lock()
	defer s.oidcConfigLock.Unlock()

	if s.oidcConfig != nil {
		return s.oidcConfig, nil
	}

	provider, err := oidc.NewProvider(ctx, s.config.GetIssuer())
	if err != nil {
		return nil, fmt.Errorf("[Server getOidcConfig] failed to create OIDC provider: %w", err)
	}

	s.oidcConfig = &OidcConfig{
		OidcProvider: provider,
		OAuth2Config: &oauth2.Config{
			ClientID:     s.config.GetClientID(),
			ClientSecret: s.config.GetClientSecret(),
			Endpoint:     provider.Endpoint(),
			RedirectURL:  s.config.GetBaseURL() + RouteAuthCallback,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess},
		},
		OidcVerifier: provider.Verifier(&oidc.Config{
			ClientID: s.config.GetClientID(),
		}),
	}
	return s.oidcConfig, nil
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	log.Printf("[%-7s] %s\n", method, path)
}
