package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository defines the interface for identity persistence operations.
type Repository interface {
	Insert(ctx context.Context, identity *Identity) error
	Get(ctx context.Context, entityKey string) (*Identity, error)
	GetByCircuit(ctx context.Context, deviceID, circuitID string) (*Identity, error)
	List(ctx context.Context) ([]Identity, error)
	UpdateDisplayName(ctx context.Context, deviceID, circuitID, name string) error
	RekeyAll(ctx context.Context, scheme NamingScheme) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed identity repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert persists a new identity.
// Returns ErrKeyCollision if the entity key or device/circuit pair is
// already taken.
func (r *SQLiteRepository) Insert(ctx context.Context, identity *Identity) error {
	const query = `INSERT INTO entity_identities
		(entity_key, device_id, circuit_id, display_name, scheme_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := formatTime(time.Now().UTC())
	created := now
	if !identity.CreatedAt.IsZero() {
		created = formatTime(identity.CreatedAt.UTC())
	}

	_, err := r.db.ExecContext(ctx, query,
		identity.EntityKey, identity.DeviceID, identity.CircuitID,
		identity.DisplayName, int(identity.SchemeVersion), created, now)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: key %q (device %s, circuit %s)",
				ErrKeyCollision, identity.EntityKey, identity.DeviceID, identity.CircuitID)
		}
		return fmt.Errorf("inserting identity %s: %w", identity.EntityKey, err)
	}
	return nil
}

// Get returns the identity for an entity key.
func (r *SQLiteRepository) Get(ctx context.Context, entityKey string) (*Identity, error) {
	const query = `SELECT entity_key, device_id, circuit_id, display_name,
		scheme_version, created_at, updated_at
		FROM entity_identities WHERE entity_key = ?`
	return scanIdentity(r.db.QueryRowContext(ctx, query, entityKey))
}

// GetByCircuit returns the identity for a device/circuit pair.
func (r *SQLiteRepository) GetByCircuit(ctx context.Context, deviceID, circuitID string) (*Identity, error) {
	const query = `SELECT entity_key, device_id, circuit_id, display_name,
		scheme_version, created_at, updated_at
		FROM entity_identities WHERE device_id = ? AND circuit_id = ?`
	return scanIdentity(r.db.QueryRowContext(ctx, query, deviceID, circuitID))
}

// List returns all identities ordered by entity key.
func (r *SQLiteRepository) List(ctx context.Context) ([]Identity, error) {
	const query = `SELECT entity_key, device_id, circuit_id, display_name,
		scheme_version, created_at, updated_at
		FROM entity_identities ORDER BY entity_key`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var id Identity
		var scheme int
		var createdAt, updatedAt string
		if err := rows.Scan(&id.EntityKey, &id.DeviceID, &id.CircuitID,
			&id.DisplayName, &scheme, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		id.SchemeVersion = NamingScheme(scheme)
		id.CreatedAt = parseTime(createdAt)
		id.UpdatedAt = parseTime(updatedAt)
		identities = append(identities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}
	return identities, nil
}

// UpdateDisplayName mutates only the display name; the entity key is
// immutable.
func (r *SQLiteRepository) UpdateDisplayName(ctx context.Context, deviceID, circuitID, name string) error {
	const query = `UPDATE entity_identities SET display_name = ?, updated_at = ?
		WHERE device_id = ? AND circuit_id = ?`

	result, err := r.db.ExecContext(ctx, query, name, formatTime(time.Now().UTC()), deviceID, circuitID)
	if err != nil {
		return fmt.Errorf("updating display name for %s/%s: %w", deviceID, circuitID, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RekeyAll re-derives every stored entity key under the new scheme in a
// single transaction, preserving display names and creation timestamps.
// Any collision under the new scheme aborts the whole migration with
// ErrKeyCollision and no rows changed.
func (r *SQLiteRepository) RekeyAll(ctx context.Context, scheme NamingScheme) error {
	if !scheme.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidScheme, scheme)
	}

	identities, err := r.List(ctx)
	if err != nil {
		return err
	}

	// Detect collisions before touching the table.
	seen := make(map[string]Identity, len(identities))
	for _, id := range identities {
		key := scheme.DeriveKey(id.DeviceID, id.CircuitID)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s/%s and %s/%s both derive %q under scheme %d",
				ErrKeyCollision, prev.DeviceID, prev.CircuitID, id.DeviceID, id.CircuitID, key, scheme)
		}
		seen[key] = id
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rekey transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	// Delete and re-insert so transient key overlap between old and new
	// derivations cannot trip the primary key mid-update.
	if _, err := tx.ExecContext(ctx, "DELETE FROM entity_identities"); err != nil {
		return fmt.Errorf("clearing identities for rekey: %w", err)
	}

	const insert = `INSERT INTO entity_identities
		(entity_key, device_id, circuit_id, display_name, scheme_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := formatTime(time.Now().UTC())
	for _, id := range identities {
		key := scheme.DeriveKey(id.DeviceID, id.CircuitID)
		if _, err := tx.ExecContext(ctx, insert,
			key, id.DeviceID, id.CircuitID, id.DisplayName, int(scheme),
			formatTime(id.CreatedAt.UTC()), now); err != nil {
			return fmt.Errorf("reinserting identity %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rekey: %w", err)
	}
	return nil
}

// scanIdentity scans a single row into an Identity (for QueryRow).
func scanIdentity(row *sql.Row) (*Identity, error) {
	var id Identity
	var scheme int
	var createdAt, updatedAt string

	err := row.Scan(&id.EntityKey, &id.DeviceID, &id.CircuitID,
		&id.DisplayName, &scheme, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	id.SchemeVersion = NamingScheme(scheme)
	id.CreatedAt = parseTime(createdAt)
	id.UpdatedAt = parseTime(updatedAt)
	return &id, nil
}

// isConstraintViolation reports whether err is a SQLite uniqueness or
// primary key violation.
func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// formatTime serialises a timestamp for storage.
func formatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// parseTime parses an ISO 8601 timestamp from SQLite.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
