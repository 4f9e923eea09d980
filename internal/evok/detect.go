package evok

import (
	"context"
	"fmt"
)

// DetectVersion classifies the API generation from a snapshot's records.
//
// Classification is pure and deterministic:
//   - any record tagged "di" means V3 (a v2 controller never emits "di")
//   - otherwise any record tagged "input" means V2
//   - otherwise detection fails
//
// The result is cached by the caller for the lifetime of the device
// profile; detection is never re-run automatically.
func DetectVersion(records []Record) (APIVersion, error) {
	sawInput := false
	for _, r := range records {
		switch r.Dev {
		case "di":
			return V3, nil
		case "input":
			sawInput = true
		}
	}
	if sawInput {
		return V2, nil
	}
	return VersionUnknown, fmt.Errorf("%w: no digital input records in %d-record snapshot",
		ErrDetectionFailed, len(records))
}

// Snapshotter fetches one full REST snapshot. *Client implements it.
type Snapshotter interface {
	FetchSnapshot(ctx context.Context) ([]Record, error)
}

// Detect fetches one snapshot and classifies the API generation.
//
// The fetched records are returned alongside the version so the caller
// can reuse the same snapshot for initial state ingestion instead of
// issuing a second REST call.
func Detect(ctx context.Context, s Snapshotter) (APIVersion, []Record, error) {
	records, err := s.FetchSnapshot(ctx)
	if err != nil {
		return VersionUnknown, nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}

	version, err := DetectVersion(records)
	if err != nil {
		return VersionUnknown, nil, err
	}
	return version, records, nil
}
