// Package api provides the diagnostics HTTP API and live websocket feed
// for the Evok bridge.
//
// It exposes read access to the device fleet and entity registry, entity
// renaming, ad-hoc command execution, and a websocket stream of accepted
// state merges. The API is optional and intended for commissioning and
// troubleshooting on the installation LAN.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Fleet is the coordinator surface the API consumes.
// This interface is satisfied by *fleet.Coordinator.
type Fleet interface {
	// Devices returns the current device inventory.
	Devices() []fleet.DeviceInfo

	// DeviceStates returns all merged circuit states for a device.
	DeviceStates(deviceID string) ([]evok.CircuitState, error)

	// CurrentState returns the merged state for an entity.
	CurrentState(entityKey string) (evok.CircuitState, error)

	// SendCommand writes a value to the entity's circuit.
	SendCommand(ctx context.Context, entityKey string, value any) error

	// Subscribe registers a callback for accepted state merges.
	Subscribe(callback func(fleet.Notification)) string

	// Unsubscribe removes a state subscription.
	Unsubscribe(id string)
}

// EntityRegistry is the registry surface the API consumes.
// This interface is satisfied by *entity.Registry.
type EntityRegistry interface {
	// List returns all known identities.
	List() []entity.Identity

	// LookupKey returns the identity for an entity key.
	LookupKey(entityKey string) (entity.Identity, error)

	// RenameKey updates the display name for an entity key.
	RenameKey(ctx context.Context, entityKey, name string) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Fleet    Fleet
	Registry EntityRegistry
	Version  string
}

// Server is the diagnostics HTTP server for the Evok bridge.
//
// It manages the HTTP listener, routes, middleware, and the websocket hub
// that relays accepted state merges to connected clients.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	fleet    Fleet
	registry EntityRegistry
	version  string
	server   *http.Server
	hub      *Hub
	feedSub  string             // coordinator subscription for the websocket feed
	cancel   context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, fleet, registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("fleet coordinator is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("entity registry is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		fleet:    deps.Fleet,
		registry: deps.Registry,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the websocket hub, wires the fleet
// notification feed into the hub, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Relay accepted merges to websocket clients.
	s.feedSub = s.fleet.Subscribe(func(n fleet.Notification) {
		s.hub.Broadcast(notificationView(n))
	})

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It stops the websocket feed, waits up to 10 seconds for in-flight
// requests to complete, then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.feedSub != "" {
		s.fleet.Unsubscribe(s.feedSub)
	}

	// Cancel background goroutines (hub)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
