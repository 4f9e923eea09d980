package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	inframqtt "github.com/nerrad567/gray-logic-evok/internal/infrastructure/mqtt"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	connected     bool
	handlers      map[string]inframqtt.MessageHandler
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]inframqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler inframqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers an MQTT message to the handler whose
// subscription pattern covers the topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler inframqtt.MessageHandler
	for pattern, h := range m.handlers {
		if pattern == topic || strings.HasPrefix(topic, strings.TrimSuffix(pattern, "#")) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		_ = handler(topic, payload)
	}
}

// mockSource implements StateSource for testing.
type mockSource struct {
	mu       sync.Mutex
	notifyCb func(fleet.Notification)
	statusCb func(fleet.StatusChange)
	commands []sentCommand
	cmdErr   error
	devices  []fleet.DeviceInfo

	unsubscribed       []string
	statusUnsubscribed []string
}

type sentCommand struct {
	EntityKey string
	Value     any
}

func (s *mockSource) Subscribe(callback func(fleet.Notification)) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyCb = callback
	return "notify-sub"
}

func (s *mockSource) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, id)
	s.notifyCb = nil
}

func (s *mockSource) SubscribeStatus(callback func(fleet.StatusChange)) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCb = callback
	return "status-sub"
}

func (s *mockSource) UnsubscribeStatus(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusUnsubscribed = append(s.statusUnsubscribed, id)
	s.statusCb = nil
}

func (s *mockSource) SendCommand(ctx context.Context, entityKey string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmdErr != nil {
		return s.cmdErr
	}
	s.commands = append(s.commands, sentCommand{EntityKey: entityKey, Value: value})
	return nil
}

func (s *mockSource) Devices() []fleet.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.DeviceInfo, len(s.devices))
	copy(out, s.devices)
	return out
}

func (s *mockSource) GetCommands() []sentCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentCommand, len(s.commands))
	copy(out, s.commands)
	return out
}

// SimulateNotification invokes the registered merge callback.
func (s *mockSource) SimulateNotification(n fleet.Notification) {
	s.mu.Lock()
	cb := s.notifyCb
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

// SimulateStatusChange invokes the registered status callback.
func (s *mockSource) SimulateStatusChange(change fleet.StatusChange) {
	s.mu.Lock()
	cb := s.statusCb
	s.mu.Unlock()
	if cb != nil {
		cb(change)
	}
}

func setupBridge(t *testing.T) (*Bridge, *MockMQTTClient, *mockSource) {
	t.Helper()

	mqttClient := NewMockMQTTClient()
	source := &mockSource{}

	b, err := NewBridge(BridgeOptions{
		BridgeID:       "evok-bridge-test",
		Version:        "test",
		HealthInterval: time.Hour, // keep the ticker out of the way
		MQTTClient:     mqttClient,
		Source:         source,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	return b, mqttClient, source
}

// findPublished returns the last message published to topic, if any.
func findPublished(t *testing.T, mqttClient *MockMQTTClient, topic string) (mockPublish, bool) {
	t.Helper()

	var found mockPublish
	ok := false
	for _, pub := range mqttClient.GetPublished() {
		if pub.Topic == topic {
			found = pub
			ok = true
		}
	}
	return found, ok
}

func TestBridge_StartSubscribesToCommands(t *testing.T) {
	_, mqttClient, _ := setupBridge(t)

	subs := mqttClient.GetSubscriptions()
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	if got, want := subs[0], "graylogic/command/evok/#"; got != want {
		t.Errorf("subscription topic = %q, want %q", got, want)
	}

	// Starting status goes out before the command subscription is live.
	pub, ok := findPublished(t, mqttClient, "graylogic/health/evok")
	if !ok {
		t.Fatal("no health message published on start")
	}
	var health HealthMessage
	if err := json.Unmarshal(pub.Payload, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Bridge != "evok-bridge-test" {
		t.Errorf("health bridge = %q, want %q", health.Bridge, "evok-bridge-test")
	}
}

func TestBridge_StartTwice(t *testing.T) {
	b, _, _ := setupBridge(t)

	if err := b.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestBridge_PublishesStateOnNotification(t *testing.T) {
	_, mqttClient, source := setupBridge(t)
	mqttClient.ClearPublished()

	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	source.SimulateNotification(fleet.Notification{
		DeviceID:    "neuron1",
		EntityKey:   "neuron1_di_1_01",
		DisplayName: "hall_pir",
		State: evok.CircuitState{
			CircuitID:   "di_1_01",
			Type:        evok.CircuitDigitalInput,
			Value:       true,
			Source:      evok.SourceStream,
			VersionSeen: 7,
			LastUpdated: now,
		},
	})

	pub, ok := findPublished(t, mqttClient, "graylogic/state/evok/neuron1_di_1_01")
	if !ok {
		t.Fatal("no state message published")
	}
	if !pub.Retained {
		t.Error("state message not retained")
	}
	if pub.QoS != 1 {
		t.Errorf("state QoS = %d, want 1", pub.QoS)
	}

	var state StateMessage
	if err := json.Unmarshal(pub.Payload, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.DeviceID != "neuron1" {
		t.Errorf("device_id = %q, want %q", state.DeviceID, "neuron1")
	}
	if state.Value != true {
		t.Errorf("value = %v, want true", state.Value)
	}
	if state.VersionSeen != 7 {
		t.Errorf("version_seen = %d, want 7", state.VersionSeen)
	}
	if state.Source != evok.SourceStream {
		t.Errorf("source = %q, want %q", state.Source, evok.SourceStream)
	}
	if state.Protocol != "evok" {
		t.Errorf("protocol = %q, want %q", state.Protocol, "evok")
	}
}

func TestBridge_PublishesAvailabilityOnStatusChange(t *testing.T) {
	_, mqttClient, source := setupBridge(t)
	mqttClient.ClearPublished()

	source.SimulateStatusChange(fleet.StatusChange{
		DeviceID:  "neuron1",
		Status:    fleet.StatusOffline,
		Reason:    "websocket closed",
		Timestamp: time.Now(),
	})

	pub, ok := findPublished(t, mqttClient, "graylogic/health/evok/neuron1")
	if !ok {
		t.Fatal("no availability message published")
	}
	if !pub.Retained {
		t.Error("availability message not retained")
	}

	var avail AvailabilityMessage
	if err := json.Unmarshal(pub.Payload, &avail); err != nil {
		t.Fatalf("unmarshal availability: %v", err)
	}
	if avail.Status != fleet.StatusOffline {
		t.Errorf("status = %q, want %q", avail.Status, fleet.StatusOffline)
	}
	if avail.Reason != "websocket closed" {
		t.Errorf("reason = %q", avail.Reason)
	}

	// A status change also forces a bridge health refresh.
	if _, ok := findPublished(t, mqttClient, "graylogic/health/evok"); !ok {
		t.Error("no bridge health refresh after status change")
	}
}

func TestBridge_CommandOnAcknowledged(t *testing.T) {
	_, mqttClient, source := setupBridge(t)
	mqttClient.ClearPublished()

	cmd := CommandMessage{
		ID:        "cmd-1",
		Timestamp: time.Now().UTC(),
		Command:   "on",
		Source:    "api",
	}
	payload, _ := json.Marshal(&cmd)
	mqttClient.SimulateMessage("graylogic/command/evok/neuron1_relay_2_01", payload)

	cmds := source.GetCommands()
	if len(cmds) != 1 {
		t.Fatalf("commands sent = %d, want 1", len(cmds))
	}
	if cmds[0].EntityKey != "neuron1_relay_2_01" {
		t.Errorf("entity key = %q", cmds[0].EntityKey)
	}
	if cmds[0].Value != true {
		t.Errorf("value = %v, want true", cmds[0].Value)
	}

	pub, ok := findPublished(t, mqttClient, "graylogic/ack/evok/neuron1_relay_2_01")
	if !ok {
		t.Fatal("no ack published")
	}
	if pub.Retained {
		t.Error("ack should not be retained")
	}

	var ack AckMessage
	if err := json.Unmarshal(pub.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
	if ack.CommandID != "cmd-1" {
		t.Errorf("command_id = %q, want %q", ack.CommandID, "cmd-1")
	}
}

func TestBridge_CommandSetForwardsValue(t *testing.T) {
	_, mqttClient, source := setupBridge(t)

	cmd := CommandMessage{
		ID:         "cmd-2",
		Timestamp:  time.Now().UTC(),
		Command:    "set",
		Parameters: map[string]any{"value": 4.2},
	}
	payload, _ := json.Marshal(&cmd)
	mqttClient.SimulateMessage("graylogic/command/evok/neuron1_ao_1_01", payload)

	cmds := source.GetCommands()
	if len(cmds) != 1 {
		t.Fatalf("commands sent = %d, want 1", len(cmds))
	}
	if cmds[0].Value != 4.2 {
		t.Errorf("value = %v, want 4.2", cmds[0].Value)
	}
}

func TestBridge_CommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		params     map[string]any
		cmdErr     error
		wantCode   string
		wantStatus AckStatus
		wantSent   int
	}{
		{
			name:       "set without value",
			command:    "set",
			wantCode:   ErrCodeInvalidParameters,
			wantStatus: AckFailed,
		},
		{
			name:       "unknown command",
			command:    "toggle",
			wantCode:   ErrCodeInvalidCommand,
			wantStatus: AckFailed,
		},
		{
			name:       "unknown entity",
			command:    "on",
			cmdErr:     entity.ErrNotFound,
			wantCode:   ErrCodeUnknownEntity,
			wantStatus: AckFailed,
		},
		{
			name:       "not writable",
			command:    "on",
			cmdErr:     evok.ErrNotWritable,
			wantCode:   ErrCodeNotWritable,
			wantStatus: AckFailed,
		},
		{
			name:       "device unreachable",
			command:    "off",
			cmdErr:     evok.ErrNotConnected,
			wantCode:   ErrCodeDeviceUnreachable,
			wantStatus: AckFailed,
		},
		{
			name:       "timeout",
			command:    "on",
			cmdErr:     context.DeadlineExceeded,
			wantCode:   ErrCodeDeviceUnreachable,
			wantStatus: AckTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mqttClient, source := setupBridge(t)
			source.cmdErr = tt.cmdErr
			mqttClient.ClearPublished()

			cmd := CommandMessage{
				ID:         "cmd-err",
				Timestamp:  time.Now().UTC(),
				Command:    tt.command,
				Parameters: tt.params,
			}
			payload, _ := json.Marshal(&cmd)
			mqttClient.SimulateMessage("graylogic/command/evok/neuron1_di_1_01", payload)

			pub, ok := findPublished(t, mqttClient, "graylogic/ack/evok/neuron1_di_1_01")
			if !ok {
				t.Fatal("no ack published")
			}

			var ack AckMessage
			if err := json.Unmarshal(pub.Payload, &ack); err != nil {
				t.Fatalf("unmarshal ack: %v", err)
			}
			if ack.Status != tt.wantStatus {
				t.Errorf("ack status = %q, want %q", ack.Status, tt.wantStatus)
			}
			if ack.Error == nil {
				t.Fatal("ack error missing")
			}
			if ack.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", ack.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestBridge_MalformedCommandAcked(t *testing.T) {
	_, mqttClient, source := setupBridge(t)
	mqttClient.ClearPublished()

	mqttClient.SimulateMessage("graylogic/command/evok/neuron1_di_1_01", []byte("{not json"))

	if got := len(source.GetCommands()); got != 0 {
		t.Fatalf("commands sent = %d, want 0", got)
	}

	pub, ok := findPublished(t, mqttClient, "graylogic/ack/evok/neuron1_di_1_01")
	if !ok {
		t.Fatal("no ack published for malformed command")
	}
	var ack AckMessage
	if err := json.Unmarshal(pub.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", ack.Error, ErrCodeInvalidCommand)
	}
}

func TestBridge_StopReleasesSubscriptions(t *testing.T) {
	b, mqttClient, source := setupBridge(t)

	b.Stop()

	source.mu.Lock()
	unsubbed := len(source.unsubscribed) == 1 && source.unsubscribed[0] == "notify-sub"
	statusUnsubbed := len(source.statusUnsubscribed) == 1 && source.statusUnsubscribed[0] == "status-sub"
	source.mu.Unlock()

	if !unsubbed {
		t.Error("notify subscription not released")
	}
	if !statusUnsubbed {
		t.Error("status subscription not released")
	}

	// Final health message carries the stopping status.
	pub, ok := findPublished(t, mqttClient, "graylogic/health/evok")
	if !ok {
		t.Fatal("no final health message")
	}
	var health HealthMessage
	if err := json.Unmarshal(pub.Payload, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != HealthStopping {
		t.Errorf("final status = %q, want %q", health.Status, HealthStopping)
	}
}

func TestBridge_StatisticsCount(t *testing.T) {
	b, mqttClient, source := setupBridge(t)

	source.SimulateNotification(fleet.Notification{
		DeviceID:  "neuron1",
		EntityKey: "neuron1_di_1_01",
		State:     evok.CircuitState{CircuitID: "di_1_01", Type: evok.CircuitDigitalInput, Value: true},
	})

	cmd := CommandMessage{ID: "c", Timestamp: time.Now(), Command: "on"}
	payload, _ := json.Marshal(&cmd)
	mqttClient.SimulateMessage("graylogic/command/evok/neuron1_relay_2_01", payload)

	stats := b.Statistics()
	if stats.StatesPublished != 1 {
		t.Errorf("states published = %d, want 1", stats.StatesPublished)
	}
	if stats.CommandsHandled != 1 {
		t.Errorf("commands handled = %d, want 1", stats.CommandsHandled)
	}
}
