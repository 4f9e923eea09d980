package entity

import (
	"strings"
	"time"
)

// NamingScheme selects how entity keys are derived from a device and
// circuit pair.
type NamingScheme int

const (
	// SchemeLegacy derives entity_key = circuit_id. Kept for
	// installations that predate multi-device fleets; keys collide as
	// soon as two devices share a circuit layout.
	SchemeLegacy NamingScheme = 1

	// SchemeDeviceScoped derives entity_key = device_id + "_" +
	// circuit_id, unique across the fleet. The default for new
	// installations.
	SchemeDeviceScoped NamingScheme = 2
)

// Valid reports whether the scheme is a known value.
func (s NamingScheme) Valid() bool {
	return s == SchemeLegacy || s == SchemeDeviceScoped
}

// DeriveKey derives the entity key for a device/circuit pair under this
// scheme. Pure; the same inputs always derive the same key.
func (s NamingScheme) DeriveKey(deviceID, circuitID string) string {
	if s == SchemeLegacy {
		return circuitID
	}
	return deviceID + "_" + circuitID
}

// aliasPrefix is the prefix Evok prepends to user-assigned aliases.
const aliasPrefix = "al_"

// DefaultDisplayName builds the initial display name for a circuit seen
// for the first time. The device alias wins when present (with the
// Evok alias prefix stripped); otherwise a device/circuit fallback.
func DefaultDisplayName(deviceID, circuitID, alias string) string {
	if alias != "" {
		return strings.TrimPrefix(alias, aliasPrefix)
	}
	return deviceID + " " + circuitID
}

// Identity is one persisted entity identity.
//
// EntityKey is immutable for the life of the identity except under an
// explicit whole-table re-key; DisplayName is freely mutable.
type Identity struct {
	EntityKey     string       `json:"entity_key"`
	DeviceID      string       `json:"device_id"`
	CircuitID     string       `json:"circuit_id"`
	DisplayName   string       `json:"display_name"`
	SchemeVersion NamingScheme `json:"scheme_version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
