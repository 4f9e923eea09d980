package evok

import (
	"fmt"
	"math"
)

// oneWireTag is the raw tag for 1-Wire sensor records in both generations.
const oneWireTag = "1wdevice"

// Raw wire tag to canonical type, per API generation.
//
// v2 tags digital inputs "input" and has no separate digital output type
// (relays cover both). v3 renames inputs to "di", adds "do", and tags
// relays "ro" (the legacy "relay" tag is still accepted for controllers
// that report it).
var (
	v2Tags = map[string]CircuitType{
		"input": CircuitDigitalInput,
		"relay": CircuitRelay,
		"led":   CircuitLED,
		"ai":    CircuitAnalogInput,
		"ao":    CircuitAnalogOutput,
		"temp":  CircuitTemperature,
	}

	v3Tags = map[string]CircuitType{
		"di":    CircuitDigitalInput,
		"do":    CircuitDigitalOutput,
		"ro":    CircuitRelay,
		"relay": CircuitRelay,
		"led":   CircuitLED,
		"ai":    CircuitAnalogInput,
		"ao":    CircuitAnalogOutput,
		"temp":  CircuitTemperature,
	}
)

// Adapter normalises raw wire records into canonical circuit states for
// one API generation.
//
// Thread Safety: Adapter is immutable after construction and safe for
// concurrent use.
type Adapter struct {
	version APIVersion
	tags    map[string]CircuitType
}

// NewAdapter creates a schema adapter for the given API generation.
func NewAdapter(version APIVersion) (*Adapter, error) {
	switch version {
	case V2:
		return &Adapter{version: version, tags: v2Tags}, nil
	case V3:
		return &Adapter{version: version, tags: v3Tags}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported api version %q", ErrSchemaInvalid, version)
	}
}

// Version returns the API generation this adapter normalises for.
func (a *Adapter) Version() APIVersion {
	return a.version
}

// CircuitID derives the canonical circuit identifier from a canonical
// type and the raw wire circuit. The derivation is version-independent:
// v2 "input 1_01" and v3 "di 1_01" both produce "di_1_01".
func CircuitID(t CircuitType, rawCircuit string) string {
	return t.Slug() + "_" + rawCircuit
}

// RoundHumidity rounds a relative humidity reading to exactly two
// decimal places, half away from zero. Both ingestion paths (snapshot
// and stream) round through this function, and rounding an already
// rounded value is a no-op, so merge comparisons never flap on
// representation.
func RoundHumidity(v float64) float64 {
	return math.Round(v*100) / 100
}

// Normalize converts one raw record into canonical circuit states.
//
// Plain circuits produce exactly one CircuitState. 1-Wire sensor
// records fan out into one CircuitState per measurement present on the
// record (temperature, humidity, vad, vdd); a sensor record with no
// measurements produces none. Humidity is rounded via RoundHumidity;
// temperature keeps full precision. Digital values map to bool.
//
// Returns ErrUnknownTypeTag for tags the generation does not define and
// ErrSchemaInvalid for structurally broken records. Callers skip the
// offending record; one bad record never aborts a batch.
func (a *Adapter) Normalize(r Record) ([]CircuitState, error) {
	if r.Circuit == "" {
		return nil, fmt.Errorf("%w: missing circuit (dev %q)", ErrSchemaInvalid, r.Dev)
	}

	if r.Dev == oneWireTag {
		return normalizeOneWire(r), nil
	}

	typ, ok := a.tags[r.Dev]
	if !ok {
		return nil, fmt.Errorf("%w: %q (circuit %s)", ErrUnknownTypeTag, r.Dev, r.Circuit)
	}

	value, err := convertValue(typ, r)
	if err != nil {
		return nil, err
	}

	return []CircuitState{{
		CircuitID: CircuitID(typ, r.Circuit),
		Type:      typ,
		Value:     value,
		Alias:     r.Alias,
	}}, nil
}

// normalizeOneWire fans a 1-Wire sensor record out into one state per
// present measurement.
func normalizeOneWire(r Record) []CircuitState {
	var states []CircuitState

	add := func(typ CircuitType, value float64) {
		states = append(states, CircuitState{
			CircuitID: CircuitID(typ, r.Circuit),
			Type:      typ,
			Value:     value,
			Alias:     r.Alias,
		})
	}

	if r.Temp != nil {
		add(CircuitTemperature, *r.Temp)
	}
	if r.Humidity != nil {
		add(CircuitHumidity, RoundHumidity(*r.Humidity))
	}
	if r.Vad != nil {
		add(CircuitVoltageAD, *r.Vad)
	}
	if r.Vdd != nil {
		add(CircuitVoltageDD, *r.Vdd)
	}

	return states
}

// convertValue parses the raw value field into the canonical Go value
// for the circuit type.
func convertValue(typ CircuitType, r Record) (any, error) {
	if r.Value == "" {
		return nil, fmt.Errorf("%w: missing value (circuit %s)", ErrSchemaInvalid, r.Circuit)
	}

	f, err := r.Value.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: value %q (circuit %s): %w", ErrSchemaInvalid, r.Value, r.Circuit, err)
	}

	switch {
	case typ.IsDigital():
		return f != 0, nil
	case typ == CircuitHumidity:
		return RoundHumidity(f), nil
	default:
		return f, nil
	}
}

// CommandTag maps a canonical output type back to the wire tag the
// active generation expects in "set" commands.
func (a *Adapter) CommandTag(t CircuitType) (string, error) {
	if !t.IsWritable() {
		return "", fmt.Errorf("%w: %s", ErrNotWritable, t)
	}

	switch t {
	case CircuitLED:
		return "led", nil
	case CircuitAnalogOutput:
		return "ao", nil
	case CircuitRelay:
		if a.version == V3 {
			return "ro", nil
		}
		return "relay", nil
	case CircuitDigitalOutput:
		if a.version == V3 {
			return "do", nil
		}
		return "", fmt.Errorf("%w: %s has no v2 wire tag", ErrNotWritable, t)
	default:
		return "", fmt.Errorf("%w: %s", ErrNotWritable, t)
	}
}
