package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// Topics builds MQTT topic strings for the Gray Logic flat topic scheme.
//
// The scheme is: graylogic/{category}/{protocol}/{identifier}
//
//	graylogic/state/evok/neuron1_di_1_01      state updates (retained)
//	graylogic/command/evok/neuron1_relay_2_01 commands from Core
//	graylogic/ack/evok/neuron1_relay_2_01     command acknowledgments
//	graylogic/health/evok                     bridge health (retained, LWT)
//	graylogic/health/evok/neuron1             per-device availability
//
// Topics is stateless; use the zero value:
//
//	topic := mqtt.Topics{}.BridgeState("evok", entityKey)
type Topics struct{}

// BridgeState returns the state topic for an entity.
func (Topics) BridgeState(protocol, entityKey string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, entityKey)
}

// BridgeCommand returns the command topic for an entity.
func (Topics) BridgeCommand(protocol, entityKey string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, entityKey)
}

// BridgeAck returns the acknowledgment topic for an entity.
func (Topics) BridgeAck(protocol, entityKey string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, entityKey)
}

// BridgeHealth returns the bridge-level health topic.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// DeviceHealth returns the per-device availability topic.
func (Topics) DeviceHealth(protocol, deviceID string) string {
	return fmt.Sprintf("%s/health/%s/%s", TopicPrefix, protocol, deviceID)
}

// AllBridgeCommands returns the subscription pattern for all commands
// addressed to a protocol's entities.
func (Topics) AllBridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, protocol)
}

// SystemStatus returns the Core system status topic.
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", TopicPrefix)
}

// topicIdentifierParts is the number of segments before the identifier in
// a graylogic/{category}/{protocol}/{identifier} topic.
const topicIdentifierParts = 3

// IdentifierFromTopic extracts the trailing identifier (entity key, device ID)
// from a Gray Logic topic.
//
// Returns the identifier and true, or "" and false if the topic does not
// have the expected shape.
func IdentifierFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != topicIdentifierParts+1 || parts[topicIdentifierParts] == "" {
		return "", false
	}
	if parts[0] != TopicPrefix {
		return "", false
	}
	return parts[topicIdentifierParts], true
}
