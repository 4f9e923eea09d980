package fleet

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
)

// DeviceConfig describes one Evok device to register with the
// coordinator.
type DeviceConfig struct {
	// ID is the fleet-unique device identifier (used in entity keys and
	// health topics).
	ID string

	// Host and Port locate the Evok API.
	Host string
	Port int

	// Username and Password enable basic auth when set.
	Username string
	Password string

	// ReconnectInitial, ReconnectMax and MaxRetries tune the transport's
	// reconnection behaviour. Zero values take transport defaults;
	// MaxRetries 0 retries forever.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	MaxRetries       int
}

// Transport is the slice of the Evok client the fleet layer drives.
// This allows mocking the transport in tests.
type Transport interface {
	FetchSnapshot(ctx context.Context) ([]evok.Record, error)
	Start(ctx context.Context) error
	SendCommand(ctx context.Context, dev, circuit, value string) error
	SetOnEvent(callback func([]evok.Record))
	SetOnConnect(callback func(reconnected bool))
	SetOnDisconnect(callback func(err error))
	SetOnGiveUp(callback func(err error))
	IsConnected() bool
	Stats() evok.ClientStats
	Close() error
}

// Ensure the real client satisfies Transport.
var _ Transport = (*evok.Client)(nil)

// Registry is the slice of the entity registry the fleet layer uses.
type Registry interface {
	Resolve(ctx context.Context, deviceID, circuitID, defaultName string) (entity.Identity, error)
	LookupKey(entityKey string) (entity.Identity, error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DeviceStatus is the coordinator's view of a device's availability.
type DeviceStatus string

const (
	// StatusOnline means the stream is connected and merging.
	StatusOnline DeviceStatus = "online"

	// StatusOffline means the stream is down and reconnection is in
	// progress. Merged state is retained.
	StatusOffline DeviceStatus = "offline"

	// StatusDegraded means reconnection was abandoned after the retry
	// cap. The device stays registered with its last known state.
	StatusDegraded DeviceStatus = "degraded"
)

// StatusChange reports a device availability transition.
type StatusChange struct {
	DeviceID  string       `json:"device_id"`
	Status    DeviceStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notification reports one accepted state merge. Exactly one
// notification is emitted per accepted merge; rejected or filtered
// updates emit none.
type Notification struct {
	DeviceID    string            `json:"device_id"`
	EntityKey   string            `json:"entity_key"`
	DisplayName string            `json:"display_name"`
	State       evok.CircuitState `json:"state"`
}

// DeviceInfo is a point-in-time summary of one registered device.
type DeviceInfo struct {
	ID         string           `json:"id"`
	Host       string           `json:"host"`
	APIVersion evok.APIVersion  `json:"api_version"`
	Status     DeviceStatus     `json:"status"`
	Connected  bool             `json:"connected"`
	Circuits   int              `json:"circuits"`
	Stats      evok.ClientStats `json:"-"`
}
