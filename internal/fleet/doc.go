// Package fleet coordinates live state across a fleet of Evok devices.
//
// Each registered device runs an isolated pipeline: the transport's
// read goroutine feeds a bounded blocking queue, a single merge
// goroutine applies updates to the device's state table, and accepted
// merges fan out to subscribers as notifications.
//
// Ordering is enforced with per-device monotonic tokens rather than
// wall clocks. Stream events take a token each at receive time; a REST
// snapshot batch takes one token when its fetch begins. The merge rule
// accepts an update only when its token is strictly newer than the
// circuit's version_seen, which makes reconnect re-synchronisation
// safe: a snapshot fetched after reconnect outranks stale
// pre-disconnect queue contents but never overwrites values merged from
// newer stream events.
//
// The Coordinator is the single entry point: device registration (with
// API generation detection), state queries, notification subscriptions
// and command dispatch.
package fleet
