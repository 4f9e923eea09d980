// Package mqtt provides MQTT client infrastructure for the Gray Logic
// Evok bridge.
//
// This package wraps the Eclipse Paho MQTT client with thread-safe
// operations, automatic reconnection, subscription restoration, and
// panic recovery in message handlers.
//
// # Features
//
//   - Automatic reconnection with configurable backoff
//   - Subscription restoration after reconnect
//   - Last Will and Testament support for availability signalling
//   - Thread-safe publish and subscribe operations
//   - Panic recovery in message handlers (a handler crash never takes
//     down the network loop)
//
// # Topic Structure
//
// The Gray Logic MQTT namespace uses a flat, protocol-scoped scheme:
//
//	graylogic/state/evok/{entity_key}    - state updates (bridge -> broker)
//	graylogic/command/evok/{entity_key}  - commands (broker -> bridge)
//	graylogic/ack/evok/{entity_key}      - command acknowledgements
//	graylogic/health/evok                - bridge health (retained)
//	graylogic/health/evok/{device_id}    - per-device health (retained)
//
// Use the Topics builder to construct topic strings rather than
// formatting them inline.
//
// # Usage
//
//	client := mqtt.NewClient()
//	client.SetLogger(logger)
//	will := &mqtt.Will{Topic: topics.BridgeHealth("evok"), Payload: offline}
//	if err := client.Connect(cfg.MQTT, cfg.GetMQTTClientID(), will); err != nil {
//		return fmt.Errorf("mqtt connect: %w", err)
//	}
//	defer client.Close()
//
// Thread Safety: all exported methods are safe for concurrent use.
package mqtt
