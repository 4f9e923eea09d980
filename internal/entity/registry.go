package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps device/circuit pairs to stable entity identities.
//
// Reads are served from a write-through cache loaded at construction;
// the repository is only touched on first sight of a circuit, renames
// and re-keying.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	repo   Repository
	scheme NamingScheme

	mu        sync.RWMutex
	byKey     map[string]Identity
	byCircuit map[string]string // deviceID + "\x00" + circuitID -> entity key
}

// NewRegistry creates a registry using the given naming scheme and
// warms the cache from the repository.
func NewRegistry(ctx context.Context, repo Repository, scheme NamingScheme) (*Registry, error) {
	if !scheme.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScheme, scheme)
	}

	r := &Registry{
		repo:      repo,
		scheme:    scheme,
		byKey:     make(map[string]Identity),
		byCircuit: make(map[string]string),
	}

	identities, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading identities: %w", err)
	}
	for _, id := range identities {
		r.byKey[id.EntityKey] = id
		r.byCircuit[circuitKey(id.DeviceID, id.CircuitID)] = id.EntityKey
	}

	// Stored identities may predate a scheme change in configuration.
	// Migrate them now so every key matches the active scheme; a
	// collision aborts startup rather than leaving mixed keys behind.
	if needsRekey(identities, scheme) {
		if err := r.RekeyAll(ctx, scheme); err != nil {
			return nil, fmt.Errorf("migrating identities to scheme %d: %w", scheme, err)
		}
	}

	return r, nil
}

// needsRekey reports whether any stored identity was derived under a
// different naming scheme.
func needsRekey(identities []Identity, scheme NamingScheme) bool {
	for _, id := range identities {
		if id.SchemeVersion != scheme {
			return true
		}
	}
	return false
}

func circuitKey(deviceID, circuitID string) string {
	return deviceID + "\x00" + circuitID
}

// Scheme returns the active naming scheme.
func (r *Registry) Scheme() NamingScheme {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scheme
}

// Resolve returns the identity for a device/circuit pair, creating it
// on first sight with the derived key and default display name.
//
// An existing identity is returned unchanged: defaultName only applies
// at creation. Returns ErrKeyCollision when the derived key is already
// owned by a different pair; the caller must surface this, never remap.
func (r *Registry) Resolve(ctx context.Context, deviceID, circuitID, defaultName string) (Identity, error) {
	ck := circuitKey(deviceID, circuitID)

	r.mu.RLock()
	if key, ok := r.byCircuit[ck]; ok {
		id := r.byKey[key]
		r.mu.RUnlock()
		return id, nil
	}
	scheme := r.scheme
	r.mu.RUnlock()

	key := scheme.DeriveKey(deviceID, circuitID)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock; another goroutine may have created
	// the identity between lock transitions.
	if existing, ok := r.byCircuit[ck]; ok {
		return r.byKey[existing], nil
	}
	if owner, ok := r.byKey[key]; ok {
		return Identity{}, fmt.Errorf("%w: key %q already owned by %s/%s (requested by %s/%s)",
			ErrKeyCollision, key, owner.DeviceID, owner.CircuitID, deviceID, circuitID)
	}

	identity := Identity{
		EntityKey:     key,
		DeviceID:      deviceID,
		CircuitID:     circuitID,
		DisplayName:   defaultName,
		SchemeVersion: scheme,
	}
	if err := r.repo.Insert(ctx, &identity); err != nil {
		return Identity{}, err
	}

	// Read back for repository-assigned timestamps.
	stored, err := r.repo.GetByCircuit(ctx, deviceID, circuitID)
	if err == nil {
		identity = *stored
	}

	r.byKey[identity.EntityKey] = identity
	r.byCircuit[ck] = identity.EntityKey

	return identity, nil
}

// Rename changes the display name for a device/circuit pair. The entity
// key is never touched.
func (r *Registry) Rename(ctx context.Context, deviceID, circuitID, name string) error {
	if err := r.repo.UpdateDisplayName(ctx, deviceID, circuitID, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.byCircuit[circuitKey(deviceID, circuitID)]; ok {
		id := r.byKey[key]
		id.DisplayName = name
		r.byKey[key] = id
	}
	return nil
}

// RenameKey changes the display name for the identity holding entityKey.
func (r *Registry) RenameKey(ctx context.Context, entityKey, name string) error {
	id, err := r.LookupKey(entityKey)
	if err != nil {
		return err
	}
	return r.Rename(ctx, id.DeviceID, id.CircuitID, name)
}

// LookupKey returns the identity for an entity key.
func (r *Registry) LookupKey(entityKey string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[entityKey]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrNotFound, entityKey)
	}
	return id, nil
}

// List returns all identities ordered by entity key.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]Identity, 0, len(r.byKey))
	for _, id := range r.byKey {
		identities = append(identities, id)
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].EntityKey < identities[j].EntityKey
	})
	return identities
}

// RekeyAll migrates every identity to the new naming scheme in one
// repository transaction, then reloads the cache. A collision under the
// new scheme aborts the whole migration; no identity changes.
func (r *Registry) RekeyAll(ctx context.Context, scheme NamingScheme) error {
	if !scheme.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidScheme, scheme)
	}

	if err := r.repo.RekeyAll(ctx, scheme); err != nil {
		return err
	}

	identities, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("reloading identities after rekey: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheme = scheme
	r.byKey = make(map[string]Identity, len(identities))
	r.byCircuit = make(map[string]string, len(identities))
	for _, id := range identities {
		r.byKey[id.EntityKey] = id
		r.byCircuit[circuitKey(id.DeviceID, id.CircuitID)] = id.EntityKey
	}
	return nil
}
