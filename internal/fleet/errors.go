package fleet

import "errors"

// Domain-specific errors for fleet coordination.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDeviceExists is returned when registering a device ID that is
	// already registered.
	ErrDeviceExists = errors.New("fleet: device already registered")

	// ErrDeviceNotFound is returned for operations on an unknown device.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrNoState is returned when an entity resolves but its circuit has
	// not produced any state yet.
	ErrNoState = errors.New("fleet: no state for entity")

	// ErrStopped is returned for operations on a stopped coordinator.
	ErrStopped = errors.New("fleet: coordinator stopped")
)
