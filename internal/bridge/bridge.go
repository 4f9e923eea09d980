package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	inframqtt "github.com/nerrad567/gray-logic-evok/internal/infrastructure/mqtt"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
)

// Bridge operation constants.
const (
	// commandTimeout is the timeout for sending commands to devices.
	commandTimeout = 5 * time.Second

	// bridgeQoS is the QoS level for all bridge publications.
	bridgeQoS = 1
)

// Bridge mirrors fleet state onto MQTT and executes commands received
// from Gray Logic Core. It handles:
//   - Publishing retained state messages on every accepted merge
//   - Receiving commands from Core via MQTT and forwarding to devices
//   - Per-device availability and periodic bridge health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID string
	mqtt     MQTTClient
	source   StateSource
	health   *HealthReporter
	topics   inframqtt.Topics

	// Coordinator subscription handles, released on Stop
	notifySub string
	statusSub string

	// Counters
	statesPublished atomic.Uint64
	commandsHandled atomic.Uint64
	errorsTotal     atomic.Uint64

	// Shutdown coordination
	stopOnce  sync.Once
	startOnce sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the minimal structured logging interface the bridge needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler inframqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// StateSource is the fleet surface the bridge consumes.
// This interface is satisfied by *fleet.Coordinator.
type StateSource interface {
	// Subscribe registers a callback for accepted state merges.
	Subscribe(callback func(fleet.Notification)) string

	// Unsubscribe removes a state subscription.
	Unsubscribe(id string)

	// SubscribeStatus registers a callback for device status transitions.
	SubscribeStatus(callback func(fleet.StatusChange)) string

	// UnsubscribeStatus removes a status subscription.
	UnsubscribeStatus(id string)

	// SendCommand writes a value to the entity's circuit.
	SendCommand(ctx context.Context, entityKey string, value any) error

	// Devices returns the current device inventory.
	Devices() []fleet.DeviceInfo
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID is the identifier used in health messages.
	// Default: "evok-bridge".
	BridgeID string

	// Version is the bridge software version for health messages.
	Version string

	// HealthInterval is how often to publish health status.
	// Default: 30 seconds.
	HealthInterval time.Duration

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Source is the fleet coordinator (or equivalent).
	Source StateSource

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("state source is required")
	}

	bridgeID := opts.BridgeID
	if bridgeID == "" {
		bridgeID = "evok-bridge"
	}

	// Create bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:  bridgeID,
		mqtt:      opts.MQTTClient,
		source:    opts.Source,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  bridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Devices:   opts.Source,
		Stats:     b.Statistics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This subscribes to MQTT command topics, wires fleet notifications to
// retained state publications, and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	var startErr error
	first := false
	b.startOnce.Do(func() {
		first = true
		startErr = b.start(ctx)
	})
	if !first {
		return ErrAlreadyStarted
	}
	return startErr
}

func (b *Bridge) start(ctx context.Context) error {
	// Publish starting status
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// Subscribe to command topics
	commandTopic := b.topics.AllBridgeCommands(Protocol)
	if err := b.mqtt.Subscribe(commandTopic, bridgeQoS, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	// Wire fleet notifications
	b.notifySub = b.source.Subscribe(b.handleNotification)
	b.statusSub = b.source.SubscribeStatus(b.handleStatusChange)

	// Start health reporting
	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"devices", len(b.source.Devices()))

	return nil
}

// Stop gracefully shuts down the bridge.
// Releases fleet subscriptions, cancels in-flight commands, and
// publishes a final "stopping" health status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		// Stop receiving fleet notifications first so no state or
		// availability is published after shutdown begins.
		if b.notifySub != "" {
			b.source.Unsubscribe(b.notifySub)
		}
		if b.statusSub != "" {
			b.source.UnsubscribeStatus(b.statusSub)
		}

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Statistics returns a snapshot of the bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		StatesPublished: b.statesPublished.Load(),
		CommandsHandled: b.commandsHandled.Load(),
		Errors:          b.errorsTotal.Load(),
	}
}

// handleNotification publishes an accepted merge as a retained state
// message. Invoked by the coordinator's dispatch path.
func (b *Bridge) handleNotification(n fleet.Notification) {
	msg := NewStateMessage(n)

	payload, err := json.Marshal(&msg)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to marshal state", err)
		return
	}

	topic := b.topics.BridgeState(Protocol, n.EntityKey)
	if err := b.mqtt.Publish(topic, payload, bridgeQoS, true); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to publish state", err)
		return
	}

	b.statesPublished.Add(1)
}

// handleStatusChange publishes a retained per-device availability message
// and forces a bridge health refresh so Core sees transitions promptly.
func (b *Bridge) handleStatusChange(change fleet.StatusChange) {
	msg := NewAvailabilityMessage(change)

	payload, err := json.Marshal(&msg)
	if err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to marshal availability", err)
		return
	}

	topic := b.topics.DeviceHealth(Protocol, change.DeviceID)
	if err := b.mqtt.Publish(topic, payload, bridgeQoS, true); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to publish availability", err)
	}

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}

	b.logInfo("device status changed",
		"device_id", change.DeviceID,
		"status", string(change.Status),
		"reason", change.Reason)
}

// handleCommandMessage processes a command message from Core.
// The target entity key is the trailing topic segment.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	entityKey, ok := inframqtt.IdentifierFromTopic(topic)
	if !ok {
		b.errorsTotal.Add(1)
		b.logError("invalid command topic", fmt.Errorf("topic: %s", topic))
		return nil
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.errorsTotal.Add(1)
		b.logError("failed to parse command", err)
		b.publishAckError(cmd, entityKey, ErrCodeInvalidCommand,
			fmt.Sprintf("malformed command: %v", err))
		return nil
	}

	b.commandsHandled.Add(1)
	b.logInfo("received command",
		"command_id", cmd.ID,
		"entity_key", entityKey,
		"command", cmd.Command)

	b.executeCommand(cmd, entityKey)
	return nil
}

// executeCommand translates a command to a circuit value and forwards it
// to the owning device.
func (b *Bridge) executeCommand(cmd CommandMessage, entityKey string) {
	var value any
	switch cmd.Command {
	case "on":
		value = true
	case "off":
		value = false
	case "set":
		v, ok := cmd.Parameters["value"]
		if !ok {
			b.publishAckError(cmd, entityKey, ErrCodeInvalidParameters,
				"missing 'value' parameter")
			return
		}
		value = v
	default:
		b.publishAckError(cmd, entityKey, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command))
		return
	}

	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.source.SendCommand(ctx, entityKey, value); err != nil {
		code, status := classifyCommandError(err)
		if status == AckTimeout {
			ack := NewAckMessage(cmd, entityKey, AckTimeout)
			ack.Error = &AckError{Code: code, Message: err.Error()}
			b.publishAckMessage(ack)
			return
		}
		b.publishAckError(cmd, entityKey, code, err.Error())
		return
	}

	b.publishAckMessage(NewAckMessage(cmd, entityKey, AckAccepted))
}

// classifyCommandError maps a command failure to an ack error code.
func classifyCommandError(err error) (code string, status AckStatus) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeDeviceUnreachable, AckTimeout
	case errors.Is(err, entity.ErrNotFound):
		return ErrCodeUnknownEntity, AckFailed
	case errors.Is(err, evok.ErrNotWritable):
		return ErrCodeNotWritable, AckFailed
	case errors.Is(err, evok.ErrNotConnected),
		errors.Is(err, evok.ErrCommandFailed),
		errors.Is(err, fleet.ErrDeviceNotFound),
		errors.Is(err, fleet.ErrNoState):
		return ErrCodeDeviceUnreachable, AckFailed
	case errors.Is(err, evok.ErrSchemaInvalid):
		return ErrCodeProtocolError, AckFailed
	default:
		return ErrCodeBridgeError, AckFailed
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, entityKey, code, message string) {
	b.errorsTotal.Add(1)
	b.publishAckMessage(NewAckError(cmd, entityKey, code, message))
	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// publishAckMessage publishes a command acknowledgment.
func (b *Bridge) publishAckMessage(ack AckMessage) {
	payload, err := json.Marshal(&ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	topic := b.topics.BridgeAck(Protocol, ack.EntityKey)
	if err := b.mqtt.Publish(topic, payload, bridgeQoS, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
