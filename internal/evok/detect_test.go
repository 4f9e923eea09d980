package evok

import (
	"context"
	"errors"
	"testing"
)

func TestDetectVersion(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		want    APIVersion
		wantErr bool
	}{
		{
			name: "v3 snapshot",
			records: []Record{
				{Dev: "di", Circuit: "1_01", Value: "1"},
				{Dev: "ro", Circuit: "2_01", Value: "0"},
			},
			want: V3,
		},
		{
			name: "v2 snapshot",
			records: []Record{
				{Dev: "input", Circuit: "1_01", Value: "1"},
				{Dev: "relay", Circuit: "2_01", Value: "0"},
			},
			want: V2,
		},
		{
			name: "di wins over input",
			records: []Record{
				{Dev: "input", Circuit: "1_01", Value: "1"},
				{Dev: "di", Circuit: "1_02", Value: "0"},
			},
			want: V3,
		},
		{
			name: "di after other tags",
			records: []Record{
				{Dev: "relay", Circuit: "2_01", Value: "0"},
				{Dev: "temp", Circuit: "sensor1", Value: "21.5"},
				{Dev: "di", Circuit: "1_01", Value: "1"},
			},
			want: V3,
		},
		{
			name: "no digital inputs",
			records: []Record{
				{Dev: "relay", Circuit: "2_01", Value: "0"},
				{Dev: "ai", Circuit: "1_01", Value: "3.3"},
			},
			wantErr: true,
		},
		{
			name:    "empty snapshot",
			records: nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectVersion(tt.records)
			if tt.wantErr {
				if !errors.Is(err, ErrDetectionFailed) {
					t.Fatalf("error = %v, want ErrDetectionFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("version = %v, want %v", got, tt.want)
			}
		})
	}
}

// stubSnapshotter returns canned records for Detect tests.
type stubSnapshotter struct {
	records []Record
	err     error
}

func (s *stubSnapshotter) FetchSnapshot(_ context.Context) ([]Record, error) {
	return s.records, s.err
}

func TestDetect_ReturnsSnapshotRecords(t *testing.T) {
	records := []Record{
		{Dev: "di", Circuit: "1_01", Value: "1"},
		{Dev: "ro", Circuit: "2_01", Value: "0"},
	}

	version, got, err := Detect(context.Background(), &stubSnapshotter{records: records})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != V3 {
		t.Errorf("version = %v, want V3", version)
	}
	if len(got) != len(records) {
		t.Errorf("records = %d, want %d", len(got), len(records))
	}
}

func TestDetect_SnapshotError(t *testing.T) {
	stub := &stubSnapshotter{err: ErrSnapshotFailed}

	version, _, err := Detect(context.Background(), stub)
	if !errors.Is(err, ErrDetectionFailed) {
		t.Fatalf("error = %v, want ErrDetectionFailed", err)
	}
	if version != VersionUnknown {
		t.Errorf("version = %v, want VersionUnknown", version)
	}
}
