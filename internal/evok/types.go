package evok

import (
	"encoding/json"
	"time"
)

// APIVersion identifies the Evok API generation a device speaks.
//
// The generation is detected once per device registration from a REST
// snapshot and never changes for the lifetime of the device profile.
type APIVersion string

const (
	// VersionUnknown is the zero value before detection has run.
	VersionUnknown APIVersion = ""

	// V2 is the legacy Evok API (digital inputs tagged "input").
	V2 APIVersion = "v2"

	// V3 is the current Evok API (digital inputs tagged "di", adds "do").
	V3 APIVersion = "v3"
)

// String returns the version identifier.
func (v APIVersion) String() string {
	if v == VersionUnknown {
		return "unknown"
	}
	return string(v)
}

// Record is a single circuit record as it appears on the wire, in both
// the REST snapshot array and websocket push messages.
//
// Plain circuits carry dev/circuit/value (and optionally an alias).
// 1-Wire devices (dev "1wdevice") carry a sensor model in typ and one
// field per measurement the sensor provides.
type Record struct {
	Dev     string      `json:"dev"`
	Circuit string      `json:"circuit"`
	Value   json.Number `json:"value,omitempty"`
	Alias   string      `json:"alias,omitempty"`

	// 1-Wire sensor fields. Pointers distinguish absent from zero.
	Typ      string   `json:"typ,omitempty"`
	Temp     *float64 `json:"temp,omitempty"`
	Humidity *float64 `json:"humidity,omitempty"`
	Vad      *float64 `json:"vad,omitempty"`
	Vdd      *float64 `json:"vdd,omitempty"`
}

// CircuitType is the canonical, version-independent classification of a
// circuit. Raw wire tags from both API generations map onto this set.
type CircuitType string

const (
	CircuitDigitalInput  CircuitType = "digital_input"
	CircuitDigitalOutput CircuitType = "digital_output"
	CircuitRelay         CircuitType = "relay"
	CircuitLED           CircuitType = "led"
	CircuitAnalogInput   CircuitType = "analog_input"
	CircuitAnalogOutput  CircuitType = "analog_output"
	CircuitTemperature   CircuitType = "temperature"
	CircuitHumidity      CircuitType = "humidity"
	CircuitVoltageAD     CircuitType = "voltage_ad"
	CircuitVoltageDD     CircuitType = "voltage_dd"
)

// circuitSlugs maps canonical types to the short slug used when deriving
// canonical circuit IDs. Both generations derive the same slug for the
// same physical circuit (v2 "input 1_01" and v3 "di 1_01" are di_1_01).
var circuitSlugs = map[CircuitType]string{
	CircuitDigitalInput:  "di",
	CircuitDigitalOutput: "do",
	CircuitRelay:         "relay",
	CircuitLED:           "led",
	CircuitAnalogInput:   "ai",
	CircuitAnalogOutput:  "ao",
	CircuitTemperature:   "temp",
	CircuitHumidity:      "humidity",
	CircuitVoltageAD:     "vad",
	CircuitVoltageDD:     "vdd",
}

// Slug returns the short identifier used in canonical circuit IDs.
func (t CircuitType) Slug() string {
	return circuitSlugs[t]
}

// IsDigital reports whether values of this type are boolean on/off.
func (t CircuitType) IsDigital() bool {
	switch t {
	case CircuitDigitalInput, CircuitDigitalOutput, CircuitRelay, CircuitLED:
		return true
	default:
		return false
	}
}

// IsWritable reports whether this circuit type accepts commands.
func (t CircuitType) IsWritable() bool {
	switch t {
	case CircuitDigitalOutput, CircuitRelay, CircuitLED, CircuitAnalogOutput:
		return true
	default:
		return false
	}
}

// StateSource identifies which ingestion path produced a circuit value.
type StateSource string

const (
	// SourceSnapshot marks values ingested from a REST snapshot.
	SourceSnapshot StateSource = "rest_snapshot"

	// SourceStream marks values ingested from a websocket event.
	SourceStream StateSource = "stream_event"
)

// CircuitState is the canonical state of a single circuit.
//
// The schema adapter fills CircuitID, Type, Value and Alias; the merge
// engine stamps Source, VersionSeen and LastUpdated on acceptance.
type CircuitState struct {
	CircuitID   string      `json:"circuit_id"`
	Type        CircuitType `json:"circuit_type"`
	Value       any         `json:"value"`
	Alias       string      `json:"-"`
	Source      StateSource `json:"source,omitempty"`
	VersionSeen uint64      `json:"version_seen"`
	LastUpdated time.Time   `json:"last_updated"`
}

// ClientStats holds operational statistics for a transport client.
type ClientStats struct {
	EventsRx         uint64
	SnapshotsFetched uint64
	CommandsTx       uint64
	ErrorsTotal      uint64
	ReconnectsTotal  uint64 // Successful reconnections
	LastActivity     time.Time
	Connected        bool
	Reconnecting     bool // True if currently attempting to reconnect
}
