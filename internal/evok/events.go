package evok

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// v3EventTags is the set of raw tags the v3 stream consumer acts on.
// v3 controllers push additional bookkeeping categories (module status,
// wifi, extensions) that carry no circuit state; those are filtered
// before they reach the merge engine. v2 controllers only push circuit
// records, so v2 accepts everything.
var v3EventTags = map[string]struct{}{
	"di":       {},
	"do":       {},
	"ro":       {},
	"led":      {},
	"temp":     {},
	oneWireTag: {},
}

// DecodeEvents parses a websocket push payload into records.
//
// Evok pushes either a single JSON object or a JSON array of objects;
// both decode to a slice.
func DecodeEvents(payload []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty event payload", ErrSchemaInvalid)
	}

	if trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("%w: decode event array: %w", ErrSchemaInvalid, err)
		}
		return records, nil
	}

	var record Record
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, fmt.Errorf("%w: decode event: %w", ErrSchemaInvalid, err)
	}
	return []Record{record}, nil
}

// AcceptsEvent reports whether the stream consumer should process an
// event with the given raw tag. Filtered events produce no work and no
// notification.
func (a *Adapter) AcceptsEvent(tag string) bool {
	if a.version == V2 {
		return true
	}
	_, ok := v3EventTags[tag]
	return ok
}
