package entity

import "errors"

// Domain-specific errors for entity identity operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when no identity exists for the given key
	// or device/circuit pair.
	ErrNotFound = errors.New("entity: identity not found")

	// ErrKeyCollision is returned when a distinct device/circuit pair
	// derives an entity key that is already owned by another pair.
	// Collisions are always surfaced to the caller, never silently
	// remapped.
	ErrKeyCollision = errors.New("entity: entity key collision")

	// ErrInvalidScheme is returned for naming scheme values outside the
	// known set.
	ErrInvalidScheme = errors.New("entity: invalid naming scheme")
)
