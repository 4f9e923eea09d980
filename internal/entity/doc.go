// Package entity manages stable entity identities for circuits.
//
// Every circuit the bridge sees is assigned an entity key on first
// sight. The key is the circuit's address in the Gray Logic namespace
// (MQTT topics, API paths) and is immutable: renaming a circuit only
// changes its display name, so automations bound to the key survive
// relabelling.
//
// Two naming schemes exist. The legacy scheme derives keys from the
// circuit alone and collides across devices; the device-scoped scheme
// prefixes the device ID and is unique fleet-wide. RekeyAll migrates an
// installation between schemes atomically.
//
// Identities persist in SQLite behind a write-through cache, so lookups
// on the hot merge path never touch the database.
package entity
