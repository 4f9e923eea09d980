package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
)

// MQTT message types for communication between Gray Logic Core and the
// Evok bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "evok"

// CommandMessage is sent from Core to Bridge to execute a circuit command.
// Topic: graylogic/command/evok/{entity_key}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Command is the command name: "on", "off" or "set".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// "set" requires {"value": ...}; "on"/"off" take none.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source,omitempty"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was received and sent to the device.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/evok/{entity_key}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// EntityKey is the target entity.
	EntityKey string `json:"entity_key"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("evok").
	Protocol string `json:"protocol"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE", "INVALID_COMMAND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnknownEntity     = "UNKNOWN_ENTITY"
	ErrCodeNotWritable       = "NOT_WRITABLE"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core on every accepted merge.
// Topic: graylogic/state/evok/{entity_key}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the owning device identifier.
	DeviceID string `json:"device_id"`

	// EntityKey is the stable entity identifier.
	EntityKey string `json:"entity_key"`

	// DisplayName is the current human-facing name.
	DisplayName string `json:"display_name,omitempty"`

	// CircuitID is the canonical circuit identifier within the device.
	CircuitID string `json:"circuit_id"`

	// CircuitType is the canonical circuit classification.
	CircuitType evok.CircuitType `json:"circuit_type"`

	// Value is the merged value (bool for digital, float for analog).
	Value any `json:"value"`

	// Source is the ingestion path that produced the value.
	Source evok.StateSource `json:"source"`

	// VersionSeen is the ordering token of the accepted merge.
	VersionSeen uint64 `json:"version_seen"`

	// Timestamp is when the merge was applied (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Protocol is the protocol identifier ("evok").
	Protocol string `json:"protocol"`
}

// AvailabilityMessage reports a single device's availability.
// Topic: graylogic/health/evok/{device_id}
// QoS: 1, Retained: Yes
type AvailabilityMessage struct {
	// DeviceID is the device identifier.
	DeviceID string `json:"device_id"`

	// Status is the device availability (online, offline, degraded).
	Status fleet.DeviceStatus `json:"status"`

	// Reason explains the status where relevant.
	Reason string `json:"reason,omitempty"`

	// Timestamp is when the transition happened (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/evok
// QoS: 1, Retained: Yes
// Interval: Every health interval (default 30 seconds)
type HealthMessage struct {
	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version,omitempty"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Devices summarises every registered device's connection.
	Devices []DeviceHealth `json:"devices,omitempty"`

	// Statistics contains bridge-level counters.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// DevicesManaged is the number of registered devices.
	DevicesManaged int `json:"devices_managed"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// DeviceHealth summarises one device inside a HealthMessage.
type DeviceHealth struct {
	ID         string             `json:"id"`
	Status     fleet.DeviceStatus `json:"status"`
	Connected  bool               `json:"connected"`
	APIVersion string             `json:"api_version"`
	Circuits   int                `json:"circuits"`
	EventsRx   uint64             `json:"events_rx"`
	Reconnects uint64             `json:"reconnects"`
}

// BridgeStatistics contains bridge-level counters.
type BridgeStatistics struct {
	// StatesPublished is the total number of state messages published.
	StatesPublished uint64 `json:"states_published"`

	// CommandsHandled is the total number of commands processed.
	CommandsHandled uint64 `json:"commands_handled"`

	// Errors is the total number of errors encountered.
	Errors uint64 `json:"errors"`
}

// JSON marshalling helpers

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// MarshalJSON marshals a StateMessage to JSON.
func (m *StateMessage) MarshalJSON() ([]byte, error) {
	type Alias StateMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// MarshalJSON marshals an AckMessage to JSON.
func (m *AckMessage) MarshalJSON() ([]byte, error) {
	type Alias AckMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// MarshalJSON marshals an AvailabilityMessage to JSON.
func (m *AvailabilityMessage) MarshalJSON() ([]byte, error) {
	type Alias AvailabilityMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// MarshalJSON marshals a HealthMessage to JSON.
func (m *HealthMessage) MarshalJSON() ([]byte, error) {
	type Alias HealthMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// NewStateMessage builds a state message from an accepted merge.
func NewStateMessage(n fleet.Notification) StateMessage {
	return StateMessage{
		DeviceID:    n.DeviceID,
		EntityKey:   n.EntityKey,
		DisplayName: n.DisplayName,
		CircuitID:   n.State.CircuitID,
		CircuitType: n.State.Type,
		Value:       n.State.Value,
		Source:      n.State.Source,
		VersionSeen: n.State.VersionSeen,
		Timestamp:   n.State.LastUpdated.UTC(),
		Protocol:    Protocol,
	}
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, entityKey string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		EntityKey: entityKey,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, entityKey, code, message string) AckMessage {
	ack := NewAckMessage(cmd, entityKey, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewAvailabilityMessage builds a per-device availability message.
func NewAvailabilityMessage(change fleet.StatusChange) AvailabilityMessage {
	return AvailabilityMessage{
		DeviceID:  change.DeviceID,
		Status:    change.Status,
		Reason:    change.Reason,
		Timestamp: change.Timestamp.UTC(),
	}
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// This message is published by the broker if the bridge disconnects
// unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}
