package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/jrsteele09/go-identity-broker/flows"
	"github.com/jrsteele09/go-identity-broker/gateway"
	"github.com/jrsteele09/go-identity-broker/identity"
	"github.com/jrsteele09/go-identity-broker/internal/config"
	"github.com/jrsteele09/go-identity-broker/secrets"
	"github.com/jrsteele09/go-identity-broker/server"
	"github.com/jrsteele09/go-identity-broker/server/loginstate"
	"github.com/jrsteele09/go-identity-broker/sessions"
	"github.com/jrsteele09/go-identity-broker/store"
	"github.com/jrsteele09/go-identity-broker/threads"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatalf("Error running server: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Printf("Server stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	deps, err := buildDeps(context.Background(), c)
	if err != nil {
		return err
	}

	srv, err := server.New(c, deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: c.GetPort(), Handler: srv}
	go listenAndServe(httpServer)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

func buildDeps(ctx context.Context, c config.Config) (server.Deps, error) {
	backingStore, err := newStore(ctx, c)
	if err != nil {
		return server.Deps{}, err
	}

	validator, err := identity.NewValidator(ctx, c.GetIssuer(), c.GetAudience(), c.GetJWKSURL())
	if err != nil {
		return server.Deps{}, fmt.Errorf("identity.NewValidator %w", err)
	}

	binder, err := sessions.NewBinder(backingStore, c.GetSessionSecret(), c.GetSessionIdleTimeout(), c.GetSessionMaxAge())
	if err != nil {
		return server.Deps{}, fmt.Errorf("sessions.NewBinder %w", err)
	}

	authorizer, err := threads.NewAuthorizer(backingStore)
	if err != nil {
		return server.Deps{}, fmt.Errorf("threads.NewAuthorizer %w", err)
	}

	gatewayClient, err := gateway.NewClient(c.GetGatewayBaseURL(), c.GetGatewayAPIKey(), c.GetGatewayUserHeader())
	if err != nil {
		return server.Deps{}, fmt.Errorf("gateway.NewClient %w", err)
	}

	broker, err := flows.NewBroker(backingStore, gatewayClient, c.GetFlowPendingTimeout())
	if err != nil {
		return server.Deps{}, fmt.Errorf("flows.NewBroker %w", err)
	}

	secretStore, err := secrets.NewStore(backingStore)
	if err != nil {
		return server.Deps{}, fmt.Errorf("secrets.NewStore %w", err)
	}

	return server.Deps{
		Validator:   validator,
		Sessions:    binder,
		Threads:     authorizer,
		Flows:       broker,
		Gateway:     gatewayClient,
		Secrets:     secretStore,
		LoginStates: loginstate.NewInMemoryRepo(),
	}, nil
}

// newStore picks Redis when an address is configured and falls back to the
// in-process store otherwise.
func newStore(ctx context.Context, c config.Config) (store.Store, error) {
	addr := c.GetRedisAddr()
	if addr == "" {
		return store.NewMemoryStore(), nil
	}
	redisStore, err := store.NewRedisStore(ctx, store.RedisConfig{
		Addr:      addr,
		Password:  c.GetRedisPassword(),
		KeyPrefix: c.GetRedisKeyPrefix(),
	})
	if err != nil {
		return nil, fmt.Errorf("store.NewRedisStore %w", err)
	}
	return redisStore, nil
}

func listenAndServe(server *http.Server) error {
	log.Printf("Server listening on %s\n", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
