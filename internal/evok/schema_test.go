package evok

import (
	"errors"
	"testing"
)

func newTestAdapter(t *testing.T, version APIVersion) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(version)
	if err != nil {
		t.Fatalf("NewAdapter(%v) failed: %v", version, err)
	}
	return adapter
}

func TestNewAdapter_UnsupportedVersion(t *testing.T) {
	if _, err := NewAdapter(VersionUnknown); !errors.Is(err, ErrSchemaInvalid) {
		t.Fatalf("error = %v, want ErrSchemaInvalid", err)
	}
}

func TestNormalize_DigitalInput_BothGenerations(t *testing.T) {
	// The same physical circuit must derive the same canonical ID under
	// both generations, despite the different raw tags.
	tests := []struct {
		name    string
		version APIVersion
		record  Record
	}{
		{"v2 input tag", V2, Record{Dev: "input", Circuit: "1_01", Value: "1"}},
		{"v3 di tag", V3, Record{Dev: "di", Circuit: "1_01", Value: "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, tt.version)

			states, err := adapter.Normalize(tt.record)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(states) != 1 {
				t.Fatalf("got %d states, want 1", len(states))
			}

			got := states[0]
			if got.CircuitID != "di_1_01" {
				t.Errorf("circuit_id = %q, want %q", got.CircuitID, "di_1_01")
			}
			if got.Type != CircuitDigitalInput {
				t.Errorf("type = %v, want digital_input", got.Type)
			}
			if got.Value != true {
				t.Errorf("value = %v, want true", got.Value)
			}
		})
	}
}

func TestNormalize_ValueConversion(t *testing.T) {
	tests := []struct {
		name    string
		version APIVersion
		record  Record
		wantID  string
		want    any
	}{
		{"relay off v2", V2, Record{Dev: "relay", Circuit: "2_01", Value: "0"}, "relay_2_01", false},
		{"relay on v3 ro tag", V3, Record{Dev: "ro", Circuit: "2_01", Value: "1"}, "relay_2_01", true},
		{"digital output v3", V3, Record{Dev: "do", Circuit: "1_01", Value: "1"}, "do_1_01", true},
		{"led", V3, Record{Dev: "led", Circuit: "1_01", Value: "0"}, "led_1_01", false},
		{"analog input float", V2, Record{Dev: "ai", Circuit: "1_01", Value: "3.278"}, "ai_1_01", 3.278},
		{"analog output", V3, Record{Dev: "ao", Circuit: "1_01", Value: "7.5"}, "ao_1_01", 7.5},
		{"temperature full precision", V3, Record{Dev: "temp", Circuit: "28ABC", Value: "21.894"}, "temp_28ABC", 21.894},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, tt.version)

			states, err := adapter.Normalize(tt.record)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(states) != 1 {
				t.Fatalf("got %d states, want 1", len(states))
			}
			if states[0].CircuitID != tt.wantID {
				t.Errorf("circuit_id = %q, want %q", states[0].CircuitID, tt.wantID)
			}
			if states[0].Value != tt.want {
				t.Errorf("value = %v (%T), want %v (%T)", states[0].Value, states[0].Value, tt.want, tt.want)
			}
		})
	}
}

func TestNormalize_UnknownTag(t *testing.T) {
	adapter := newTestAdapter(t, V2)

	// "di" is a v3 tag; a v2 adapter must reject it rather than guess.
	_, err := adapter.Normalize(Record{Dev: "di", Circuit: "1_01", Value: "1"})
	if !errors.Is(err, ErrUnknownTypeTag) {
		t.Fatalf("error = %v, want ErrUnknownTypeTag", err)
	}
}

func TestNormalize_InvalidRecords(t *testing.T) {
	adapter := newTestAdapter(t, V3)

	tests := []struct {
		name   string
		record Record
	}{
		{"missing circuit", Record{Dev: "di", Value: "1"}},
		{"missing value", Record{Dev: "di", Circuit: "1_01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := adapter.Normalize(tt.record); !errors.Is(err, ErrSchemaInvalid) {
				t.Fatalf("error = %v, want ErrSchemaInvalid", err)
			}
		})
	}
}

func TestNormalize_OneWireFanOut(t *testing.T) {
	adapter := newTestAdapter(t, V3)

	temp := 21.894
	humidity := 46.1234
	vad := 1.44
	vdd := 5.02

	states, err := adapter.Normalize(Record{
		Dev:      "1wdevice",
		Circuit:  "2895DCD509000035",
		Typ:      "DS2438",
		Temp:     &temp,
		Humidity: &humidity,
		Vad:      &vad,
		Vdd:      &vdd,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 4 {
		t.Fatalf("got %d states, want 4", len(states))
	}

	byID := make(map[string]CircuitState, len(states))
	for _, s := range states {
		byID[s.CircuitID] = s
	}

	tests := []struct {
		id    string
		typ   CircuitType
		value float64
	}{
		{"temp_2895DCD509000035", CircuitTemperature, 21.894},
		{"humidity_2895DCD509000035", CircuitHumidity, 46.12},
		{"vad_2895DCD509000035", CircuitVoltageAD, 1.44},
		{"vdd_2895DCD509000035", CircuitVoltageDD, 5.02},
	}

	for _, tt := range tests {
		got, ok := byID[tt.id]
		if !ok {
			t.Errorf("missing state for %q", tt.id)
			continue
		}
		if got.Type != tt.typ {
			t.Errorf("%s: type = %v, want %v", tt.id, got.Type, tt.typ)
		}
		if got.Value != tt.value {
			t.Errorf("%s: value = %v, want %v", tt.id, got.Value, tt.value)
		}
	}
}

func TestNormalize_OneWirePartialMeasurements(t *testing.T) {
	adapter := newTestAdapter(t, V2)

	temp := 19.5
	states, err := adapter.Normalize(Record{
		Dev:     "1wdevice",
		Circuit: "28FFAA03",
		Typ:     "DS18B20",
		Temp:    &temp,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("got %d states, want 1", len(states))
	}
	if states[0].CircuitID != "temp_28FFAA03" {
		t.Errorf("circuit_id = %q, want temp_28FFAA03", states[0].CircuitID)
	}
}

func TestRoundHumidity(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"truncates extra digits", 46.1234, 46.12},
		{"rounds up", 46.129, 46.13},
		{"half rounds away from zero", 46.125, 46.13},
		{"negative half rounds away from zero", -0.125, -0.13},
		{"already two decimals", 46.12, 46.12},
		{"integer", 50, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundHumidity(tt.in)
			if got != tt.want {
				t.Errorf("RoundHumidity(%v) = %v, want %v", tt.in, got, tt.want)
			}
			// Rounding must be idempotent: both ingestion paths round,
			// and a value can pass through twice.
			if again := RoundHumidity(got); again != got {
				t.Errorf("not idempotent: RoundHumidity(%v) = %v", got, again)
			}
		})
	}
}

func TestCommandTag(t *testing.T) {
	tests := []struct {
		name    string
		version APIVersion
		typ     CircuitType
		want    string
		wantErr bool
	}{
		{"relay v2", V2, CircuitRelay, "relay", false},
		{"relay v3", V3, CircuitRelay, "ro", false},
		{"digital output v3", V3, CircuitDigitalOutput, "do", false},
		{"digital output v2 has no tag", V2, CircuitDigitalOutput, "", true},
		{"led v2", V2, CircuitLED, "led", false},
		{"led v3", V3, CircuitLED, "led", false},
		{"analog output", V3, CircuitAnalogOutput, "ao", false},
		{"input not writable", V3, CircuitDigitalInput, "", true},
		{"temperature not writable", V2, CircuitTemperature, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, tt.version)

			got, err := adapter.CommandTag(tt.typ)
			if tt.wantErr {
				if !errors.Is(err, ErrNotWritable) {
					t.Fatalf("error = %v, want ErrNotWritable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("tag = %q, want %q", got, tt.want)
			}
		})
	}
}
