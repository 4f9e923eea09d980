package bridge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
)

func TestCommandMessage_RoundTrip(t *testing.T) {
	original := CommandMessage{
		ID:        "cmd-123",
		Timestamp: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Command:   "set",
		Parameters: map[string]any{
			"value": 7.5,
		},
		Source: "automation",
	}

	data, err := json.Marshal(&original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Timestamps travel as RFC3339 strings.
	if !strings.Contains(string(data), `"timestamp":"2026-01-15T10:30:00Z"`) {
		t.Errorf("timestamp not RFC3339: %s", data)
	}

	var decoded CommandMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != original.ID {
		t.Errorf("id = %q, want %q", decoded.ID, original.ID)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("timestamp = %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.Parameters["value"] != 7.5 {
		t.Errorf("value = %v, want 7.5", decoded.Parameters["value"])
	}
}

func TestCommandMessage_UnmarshalBadTimestamp(t *testing.T) {
	var cmd CommandMessage
	err := json.Unmarshal([]byte(`{"id":"x","command":"on","timestamp":"yesterday"}`), &cmd)
	if err == nil {
		t.Fatal("expected error for bad timestamp")
	}
}

func TestNewStateMessage(t *testing.T) {
	updated := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	msg := NewStateMessage(fleet.Notification{
		DeviceID:    "neuron1",
		EntityKey:   "neuron1_temp_28ABC",
		DisplayName: "loft_temp",
		State: evok.CircuitState{
			CircuitID:   "temp_28ABC",
			Type:        evok.CircuitTemperature,
			Value:       21.4375,
			Source:      evok.SourceSnapshot,
			VersionSeen: 3,
			LastUpdated: updated,
		},
	})

	if msg.EntityKey != "neuron1_temp_28ABC" {
		t.Errorf("entity_key = %q", msg.EntityKey)
	}
	if msg.CircuitType != evok.CircuitTemperature {
		t.Errorf("circuit_type = %q", msg.CircuitType)
	}
	if msg.Value != 21.4375 {
		t.Errorf("value = %v, want full precision 21.4375", msg.Value)
	}
	if msg.Protocol != "evok" {
		t.Errorf("protocol = %q", msg.Protocol)
	}
	if !msg.Timestamp.Equal(updated) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, updated)
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "cmd-9", Timestamp: time.Now()}
	ack := NewAckError(cmd, "neuron1_relay_2_01", ErrCodeNotWritable, "digital inputs are read-only")

	if ack.Status != AckFailed {
		t.Errorf("status = %q, want %q", ack.Status, AckFailed)
	}
	if ack.CommandID != "cmd-9" {
		t.Errorf("command_id = %q", ack.CommandID)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeNotWritable {
		t.Fatalf("error = %+v", ack.Error)
	}
}

func TestNewLWTMessage(t *testing.T) {
	msg := NewLWTMessage("evok-bridge")

	if msg.Status != HealthOffline {
		t.Errorf("status = %q, want %q", msg.Status, HealthOffline)
	}
	if msg.Reason == "" {
		t.Error("LWT reason empty")
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"status":"offline"`) {
		t.Errorf("LWT payload missing offline status: %s", data)
	}
}

func TestHealthReporter_LWT(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{BridgeID: "evok-bridge"})

	if got, want := h.GetLWTTopic(), "graylogic/health/evok"; got != want {
		t.Errorf("LWT topic = %q, want %q", got, want)
	}

	payload, err := h.GetLWTPayload()
	if err != nil {
		t.Fatalf("GetLWTPayload() error = %v", err)
	}
	var msg HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal LWT: %v", err)
	}
	if msg.Status != HealthOffline {
		t.Errorf("status = %q, want %q", msg.Status, HealthOffline)
	}
}

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		devices   []fleet.DeviceInfo
		want      HealthStatus
	}{
		{
			name:      "all healthy",
			connected: true,
			devices: []fleet.DeviceInfo{
				{ID: "neuron1", Status: fleet.StatusOnline},
			},
			want: HealthHealthy,
		},
		{
			name:      "mqtt down",
			connected: false,
			want:      HealthDegraded,
		},
		{
			name:      "device gave up",
			connected: true,
			devices: []fleet.DeviceInfo{
				{ID: "neuron1", Status: fleet.StatusOnline},
				{ID: "neuron2", Status: fleet.StatusDegraded},
			},
			want: HealthDegraded,
		},
		{
			name:      "offline device does not degrade bridge",
			connected: true,
			devices: []fleet.DeviceInfo{
				{ID: "neuron1", Status: fleet.StatusOffline},
			},
			want: HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqttClient := NewMockMQTTClient()
			mqttClient.SetConnected(tt.connected)
			source := &mockSource{devices: tt.devices}

			h := NewHealthReporter(HealthReporterConfig{
				BridgeID:  "evok-bridge",
				Publisher: mqttClient,
				Devices:   source,
			})

			got, _ := h.determineStatus()
			if got != tt.want {
				t.Errorf("determineStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}
