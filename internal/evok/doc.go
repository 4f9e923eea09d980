// Package evok implements the protocol core for UniPi Neuron
// controllers running the Evok I/O API.
//
// A controller exposes its circuits two ways: a REST endpoint
// (GET /rest/all) returning a full snapshot of every circuit record,
// and a websocket (/ws) that pushes incremental updates and accepts
// "set" commands. Two API generations exist in the field with
// incompatible raw type tags; v2 labels digital inputs "input" while
// v3 labels them "di" and adds dedicated digital outputs.
//
// The package provides:
//
//   - Client: one REST + websocket transport pair per device, with
//     heartbeat, exponential-backoff reconnection and serialised
//     command writes
//   - DetectVersion / Detect: deterministic API generation
//     classification from a snapshot
//   - Adapter: per-generation normalisation of raw records into
//     canonical CircuitState values, including 1-Wire sensor fan-out
//     and humidity rounding
//   - DecodeEvents / AcceptsEvent: websocket push decoding and
//     per-generation event filtering
//
// Higher layers never see raw wire tags; everything upward of this
// package speaks canonical circuit types and IDs.
package evok
