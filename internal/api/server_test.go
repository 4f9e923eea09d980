package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-evok/internal/entity"
	"github.com/nerrad567/gray-logic-evok/internal/evok"
	"github.com/nerrad567/gray-logic-evok/internal/fleet"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/logging"
)

// mockFleet implements Fleet for testing.
type mockFleet struct {
	mu       sync.Mutex
	devices  []fleet.DeviceInfo
	states   map[string]evok.CircuitState // by entity key
	byDevice map[string][]evok.CircuitState
	cmdErr   error
	commands []apiCommand
	notifyCb func(fleet.Notification)
}

type apiCommand struct {
	EntityKey string
	Value     any
}

func (f *mockFleet) Devices() []fleet.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *mockFleet) DeviceStates(deviceID string) ([]evok.CircuitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states, ok := f.byDevice[deviceID]
	if !ok {
		return nil, fleet.ErrDeviceNotFound
	}
	return states, nil
}

func (f *mockFleet) CurrentState(entityKey string) (evok.CircuitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[entityKey]
	if !ok {
		return evok.CircuitState{}, fleet.ErrNoState
	}
	return state, nil
}

func (f *mockFleet) SendCommand(_ context.Context, entityKey string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return f.cmdErr
	}
	f.commands = append(f.commands, apiCommand{EntityKey: entityKey, Value: value})
	return nil
}

func (f *mockFleet) Subscribe(callback func(fleet.Notification)) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCb = callback
	return "api-sub"
}

func (f *mockFleet) Unsubscribe(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCb = nil
}

// SimulateNotification pushes a merge through the feed subscription.
func (f *mockFleet) SimulateNotification(n fleet.Notification) {
	f.mu.Lock()
	cb := f.notifyCb
	f.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

// mockEntities implements EntityRegistry for testing.
type mockEntities struct {
	mu         sync.Mutex
	identities map[string]entity.Identity
}

func newMockEntities(identities ...entity.Identity) *mockEntities {
	m := &mockEntities{identities: make(map[string]entity.Identity)}
	for _, id := range identities {
		m.identities[id.EntityKey] = id
	}
	return m
}

func (m *mockEntities) List() []entity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	return out
}

func (m *mockEntities) LookupKey(entityKey string) (entity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[entityKey]
	if !ok {
		return entity.Identity{}, entity.ErrNotFound
	}
	return id, nil
}

func (m *mockEntities) RenameKey(_ context.Context, entityKey, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[entityKey]
	if !ok {
		return entity.ErrNotFound
	}
	id.DisplayName = name
	m.identities[entityKey] = id
	return nil
}

// testServer wires a Server to an httptest listener without the real
// Start() lifecycle.
func newTestServer(t *testing.T, fleetMock *mockFleet, entities *mockEntities) *httptest.Server {
	srv, _ := newTestServerWithAPI(t, fleetMock, entities)
	return srv
}

func newTestServerWithAPI(t *testing.T, fleetMock *mockFleet, entities *mockEntities) (*httptest.Server, *Server) {
	t.Helper()

	s, err := New(Deps{
		Config:   config.APIConfig{Enabled: true},
		WS:       config.WebSocketConfig{PingInterval: 1, PongTimeout: 2},
		Logger:   logging.Default(),
		Fleet:    fleetMock,
		Registry: entities,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(ctx)

	s.feedSub = fleetMock.Subscribe(func(n fleet.Notification) {
		s.hub.Broadcast(notificationView(n))
	})

	srv := httptest.NewServer(s.buildRouter())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		cancel()
	})
	return srv, s
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, &mockFleet{
		devices: []fleet.DeviceInfo{{ID: "neuron1"}},
	}, newMockEntities())

	var body map[string]any
	status := getJSON(t, srv.URL+"/health", &body)

	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["devices"] != float64(1) {
		t.Errorf("devices = %v, want 1", body["devices"])
	}
}

func TestServer_ListDevices(t *testing.T) {
	srv := newTestServer(t, &mockFleet{
		devices: []fleet.DeviceInfo{
			{ID: "neuron1", Host: "10.0.0.10", APIVersion: evok.V3, Status: fleet.StatusOnline, Connected: true, Circuits: 12},
		},
	}, newMockEntities())

	var body struct {
		Devices []fleet.DeviceInfo `json:"devices"`
	}
	status := getJSON(t, srv.URL+"/api/v1/devices", &body)

	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(body.Devices) != 1 || body.Devices[0].ID != "neuron1" {
		t.Errorf("devices = %+v", body.Devices)
	}
	if body.Devices[0].APIVersion != evok.V3 {
		t.Errorf("api_version = %q", body.Devices[0].APIVersion)
	}
}

func TestServer_DeviceCircuits(t *testing.T) {
	fleetMock := &mockFleet{
		byDevice: map[string][]evok.CircuitState{
			"neuron1": {
				{CircuitID: "di_1_01", Type: evok.CircuitDigitalInput, Value: true, VersionSeen: 4},
			},
		},
	}
	srv := newTestServer(t, fleetMock, newMockEntities())

	var body struct {
		DeviceID string              `json:"device_id"`
		Circuits []evok.CircuitState `json:"circuits"`
	}
	status := getJSON(t, srv.URL+"/api/v1/devices/neuron1/circuits", &body)

	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(body.Circuits) != 1 || body.Circuits[0].CircuitID != "di_1_01" {
		t.Errorf("circuits = %+v", body.Circuits)
	}

	if status := getJSON(t, srv.URL+"/api/v1/devices/ghost/circuits", nil); status != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", status)
	}
}

func TestServer_EntityState(t *testing.T) {
	identity := entity.Identity{
		EntityKey:   "neuron1_di_1_01",
		DeviceID:    "neuron1",
		CircuitID:   "di_1_01",
		DisplayName: "hall_pir",
	}
	fleetMock := &mockFleet{
		states: map[string]evok.CircuitState{
			"neuron1_di_1_01": {CircuitID: "di_1_01", Type: evok.CircuitDigitalInput, Value: true, VersionSeen: 2},
		},
	}
	srv := newTestServer(t, fleetMock, newMockEntities(identity,
		entity.Identity{EntityKey: "neuron1_ao_1_01", DeviceID: "neuron1", CircuitID: "ao_1_01"}))

	var body entityStateView
	status := getJSON(t, srv.URL+"/api/v1/entities/neuron1_di_1_01/state", &body)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body.Entity.DisplayName != "hall_pir" {
		t.Errorf("display_name = %q", body.Entity.DisplayName)
	}
	if body.State == nil || body.State.VersionSeen != 2 {
		t.Errorf("state = %+v", body.State)
	}

	// Known entity without any accepted merge yet returns null state.
	var noState entityStateView
	if status := getJSON(t, srv.URL+"/api/v1/entities/neuron1_ao_1_01/state", &noState); status != http.StatusOK {
		t.Fatalf("no-state status = %d, want 200", status)
	}
	if noState.State != nil {
		t.Errorf("state = %+v, want null", noState.State)
	}

	if status := getJSON(t, srv.URL+"/api/v1/entities/ghost/state", nil); status != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", status)
	}
}

func TestServer_RenameEntity(t *testing.T) {
	entities := newMockEntities(entity.Identity{
		EntityKey: "neuron1_relay_2_01",
		DeviceID:  "neuron1",
		CircuitID: "relay_2_01",
	})
	srv := newTestServer(t, &mockFleet{}, entities)

	req, _ := http.NewRequest(http.MethodPut,
		srv.URL+"/api/v1/entities/neuron1_relay_2_01/name",
		bytes.NewBufferString(`{"display_name":"porch light"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var identity entity.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if identity.DisplayName != "porch light" {
		t.Errorf("display_name = %q", identity.DisplayName)
	}
	if identity.EntityKey != "neuron1_relay_2_01" {
		t.Errorf("rename changed entity key: %q", identity.EntityKey)
	}

	// Empty names are rejected.
	req2, _ := http.NewRequest(http.MethodPut,
		srv.URL+"/api/v1/entities/neuron1_relay_2_01/name",
		bytes.NewBufferString(`{"display_name":""}`))
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", resp2.StatusCode)
	}
}

func TestServer_EntityCommand(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		cmdErr     error
		wantStatus int
		wantValue  any
	}{
		{name: "on", body: `{"command":"on"}`, wantStatus: http.StatusAccepted, wantValue: true},
		{name: "set", body: `{"command":"set","value":7.5}`, wantStatus: http.StatusAccepted, wantValue: 7.5},
		{name: "set without value", body: `{"command":"set"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown command", body: `{"command":"toggle"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown entity", body: `{"command":"on"}`, cmdErr: entity.ErrNotFound, wantStatus: http.StatusNotFound},
		{name: "not writable", body: `{"command":"on"}`, cmdErr: evok.ErrNotWritable, wantStatus: http.StatusConflict},
		{name: "device offline", body: `{"command":"off"}`, cmdErr: evok.ErrNotConnected, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fleetMock := &mockFleet{cmdErr: tt.cmdErr}
			srv := newTestServer(t, fleetMock, newMockEntities())

			resp, err := http.Post(
				srv.URL+"/api/v1/entities/neuron1_relay_2_01/command",
				"application/json",
				strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusAccepted {
				fleetMock.mu.Lock()
				cmds := fleetMock.commands
				fleetMock.mu.Unlock()
				if len(cmds) != 1 {
					t.Fatalf("commands = %d, want 1", len(cmds))
				}
				if cmds[0].Value != tt.wantValue {
					t.Errorf("value = %v, want %v", cmds[0].Value, tt.wantValue)
				}
			}
		})
	}
}

func TestServer_StreamBroadcastsMerges(t *testing.T) {
	fleetMock := &mockFleet{}
	srv, apiServer := newTestServerWithAPI(t, fleetMock, newMockEntities())

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Wait for the hub to register the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && apiServer.hub.ClientCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if apiServer.hub.ClientCount() == 0 {
		t.Fatal("stream client never registered")
	}

	fleetMock.SimulateNotification(fleet.Notification{
		DeviceID:    "neuron1",
		EntityKey:   "neuron1_temp_28FF01",
		DisplayName: "loft_temp",
		State: evok.CircuitState{
			CircuitID:   "temp_28FF01",
			Type:        evok.CircuitTemperature,
			Value:       21.5,
			Source:      evok.SourceStream,
			VersionSeen: 9,
		},
	})

	//nolint:errcheck // deadline failure surfaces as a read error below
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream message: %v", err)
	}

	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal stream message: %v", err)
	}
	if msg.Type != "state" {
		t.Errorf("type = %q, want %q", msg.Type, "state")
	}

	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", msg.Payload)
	}
	if payload["entity_key"] != "neuron1_temp_28FF01" {
		t.Errorf("entity_key = %v", payload["entity_key"])
	}
	if payload["version_seen"] != float64(9) {
		t.Errorf("version_seen = %v", payload["version_seen"])
	}
}

func TestStatusWriter_HijackPassthrough(t *testing.T) {
	// The logging wrapper sits between the upgrader and the real
	// connection; it must forward Hijack or the stream endpoint can
	// never complete a websocket handshake.
	var w http.ResponseWriter = &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatal("statusWriter does not implement http.Hijacker")
	}
	// httptest.ResponseRecorder cannot be hijacked; the passthrough
	// must surface that as an error rather than panic.
	if _, _, err := hj.Hijack(); err == nil {
		t.Error("Hijack() on a non-hijackable writer should return an error")
	}
}

func TestHub_BroadcastSurvivesConcurrentUnregister(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Default())

	// Clients churn on one goroutine while broadcasts run on another,
	// so sends race against Unregister closing the send channel. A
	// panic on either goroutine fails the test.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			client := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize)}
			hub.Register(client)
			hub.Unregister(client)
		}
	}()

	for i := 0; i < 500; i++ {
		hub.Broadcast(stateView{EntityKey: "neuron1_di_1_01", Value: i%2 == 0})
	}
	<-done

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}
