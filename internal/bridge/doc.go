// Package bridge mirrors fleet state onto MQTT for Gray Logic Core and
// executes circuit commands received over MQTT.
//
// The bridge subscribes to the fleet coordinator for accepted state
// merges and device status transitions, publishing each as a retained
// message under the Gray Logic flat topic scheme:
//
//	graylogic/state/evok/{entity_key}    merged circuit state (retained)
//	graylogic/command/evok/{entity_key}  commands from Core
//	graylogic/ack/evok/{entity_key}      command acknowledgments
//	graylogic/health/evok                bridge health (retained, LWT)
//	graylogic/health/evok/{device_id}    per-device availability (retained)
//
// Every command receives exactly one acknowledgment: accepted once the
// write reaches the device's websocket, or failed/timeout with an error
// code Core can act on.
package bridge
