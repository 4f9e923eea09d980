// Evok Bridge - UniPi Neuron protocol bridge for Gray Logic
//
// The bridge manages a fleet of UniPi Neuron controllers running the Evok
// API, detects each controller's API generation, merges REST snapshots and
// websocket push events into an ordered state table, and mirrors the result
// onto MQTT for Gray Logic Core. A diagnostics HTTP API is available for
// commissioning and troubleshooting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-evok/migrations"

	"github.com/nerrad567/gray-logic-evok/internal/api"
	"github.com/nerrad567/gray-logic-evok/internal/bridge"
	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, resolveConfigPath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file path from the -config flag,
// the EVOK_BRIDGE_CONFIG environment variable, or the default, in that order.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("EVOK_BRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to the YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Evok bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise entity registry
	entityRepo := entity.NewSQLiteRepository(db.DB)
	registry, err := entity.NewRegistry(ctx, entityRepo, entity.NamingScheme(cfg.Entity.NamingScheme))
	if err != nil {
		return fmt.Errorf("loading entity registry: %w", err)
	}
	log.Info("entity registry initialised",
		"entities", len(registry.List()),
		"naming_scheme", cfg.Entity.NamingScheme,
	)

	// Create the fleet coordinator and register each configured device.
	// A failing device is logged and skipped so one unreachable controller
	// cannot take down the rest of the fleet.
	coordinator := fleet.NewCoordinator(registry)
	coordinator.SetLogger(log.With("component", "fleet"))
	defer func() {
		log.Info("stopping fleet coordinator")
		coordinator.Stop()
	}()

	registered := 0
	for _, dev := range cfg.Devices {
		handle, regErr := coordinator.Register(ctx, fleet.DeviceConfig{
			ID:               dev.ID,
			Host:             dev.Host,
			Port:             dev.Port,
			Username:         dev.Username,
			Password:         dev.Password,
			ReconnectInitial: time.Duration(dev.ReconnectInitial) * time.Second,
			ReconnectMax:     time.Duration(dev.ReconnectMax) * time.Second,
			MaxRetries:       dev.MaxRetries,
		})
		if regErr != nil {
			log.Error("device registration failed",
				"device_id", dev.ID,
				"host", dev.Host,
				"error", regErr,
			)
			continue
		}
		log.Info("device registered",
			"device_id", handle.ID(),
			"api_version", string(handle.APIVersion()),
		)
		registered++
	}
	log.Info("fleet initialised", "registered", registered, "configured", len(cfg.Devices))

	// Connect to MQTT broker with the bridge's LWT so Core learns about
	// unexpected disconnects via the retained health topic.
	lwt := bridge.NewLWTMessage(cfg.Bridge.ID)
	lwtPayload, err := json.Marshal(&lwt)
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.GetMQTTClientID(), &mqtt.Will{
		Topic:   mqtt.Topics{}.BridgeHealth(bridge.Protocol),
		Payload: lwtPayload,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.GetMQTTClientID(),
	)

	// Start the MQTT bridge
	mqttBridge, err := bridge.NewBridge(bridge.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		HealthInterval: cfg.GetHealthInterval(),
		MQTTClient:     mqttClient,
		Source:         coordinator,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := mqttBridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		mqttBridge.Stop()
	}()
	log.Info("bridge started", "bridge_id", cfg.Bridge.ID)

	// Start the diagnostics API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log.With("component", "api"),
			Fleet:    coordinator,
			Registry: registry,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("diagnostics API disabled")
	}

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred cleanup runs in reverse order:
	// 1. API server
	// 2. Bridge (publishes "stopping" health)
	// 3. MQTT
	// 4. Fleet coordinator
	// 5. Database

	log.Info("Evok bridge stopped")
	return nil
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Device health is surfaced per-device via MQTT availability topics;
	// an unreachable controller is not a startup failure.

	return nil
}
