package evok

import "errors"

// Domain-specific errors for Evok protocol operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDetectionFailed is returned when a snapshot contains no digital
	// input records, so the API generation cannot be classified.
	ErrDetectionFailed = errors.New("evok: api version detection failed")

	// ErrUnknownTypeTag is returned when a record carries a raw type tag
	// the active API generation does not define. Callers skip the record
	// and log; a whole batch is never aborted for one unknown tag.
	ErrUnknownTypeTag = errors.New("evok: unknown circuit type tag")

	// ErrSchemaInvalid is returned when a record is structurally broken
	// (missing circuit, unparseable value).
	ErrSchemaInvalid = errors.New("evok: invalid record")

	// ErrNotWritable is returned when a command targets a circuit type
	// that does not accept writes.
	ErrNotWritable = errors.New("evok: circuit type not writable")

	// ErrNotConnected is returned when attempting operations on a
	// disconnected client.
	ErrNotConnected = errors.New("evok: client not connected")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("evok: connection failed")

	// ErrSnapshotFailed is returned when a REST snapshot cannot be
	// fetched or decoded.
	ErrSnapshotFailed = errors.New("evok: snapshot fetch failed")

	// ErrCommandFailed is returned when a command cannot be written to
	// the websocket.
	ErrCommandFailed = errors.New("evok: command send failed")
)
