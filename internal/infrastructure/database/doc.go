// Package database provides SQLite connectivity for the Evok bridge.
//
// The bridge persists exactly one kind of durable state: entity identities
// (stable entity keys with mutable display names). Everything else — circuit
// state, device status, statistics — is runtime-only and rebuilt from the
// controllers on startup.
//
// This package manages:
//   - Opening the SQLite file with WAL mode and busy timeout pragmas
//   - Embedded SQL migrations (schema_migrations table, per-migration
//     transactions)
//   - Health checks for the startup verification pass
//
// SQLite is configured with a single writer connection; the entity
// repository serialises its writes through it.
package database
