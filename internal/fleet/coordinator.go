package fleet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-evok/internal/evok"
)

// DeviceHandle represents one registered device.
type DeviceHandle struct {
	id       string
	cfg      DeviceConfig
	version  evok.APIVersion
	adapter  *evok.Adapter
	pipeline *pipeline
}

// ID returns the device identifier.
func (h *DeviceHandle) ID() string {
	return h.id
}

// APIVersion returns the detected API generation.
func (h *DeviceHandle) APIVersion() evok.APIVersion {
	return h.version
}

// Coordinator manages the device fleet: registration with version
// detection, state access, notification fan-out and command dispatch.
//
// Per-device isolation: each device runs its own transport, queue and
// merge goroutine; one failing device never affects the others.
//
// Thread Safety: all methods are safe for concurrent use.
type Coordinator struct {
	registry Registry

	// newTransport builds the transport for a device. Overridable for
	// tests via SetTransportFactory.
	newTransport func(DeviceConfig) Transport

	mu      sync.RWMutex
	devices map[string]*DeviceHandle
	stopped bool

	subMu       sync.RWMutex
	subscribers map[string]func(Notification)
	statusSubs  map[string]func(StatusChange)

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCoordinator creates a coordinator backed by the given entity
// registry.
func NewCoordinator(registry Registry) *Coordinator {
	return &Coordinator{
		registry:     registry,
		newTransport: defaultTransport,
		devices:      make(map[string]*DeviceHandle),
		subscribers:  make(map[string]func(Notification)),
		statusSubs:   make(map[string]func(StatusChange)),
	}
}

func defaultTransport(cfg DeviceConfig) Transport {
	return evok.NewClient(evok.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		Username:          cfg.Username,
		Password:          cfg.Password,
		ReconnectInterval: cfg.ReconnectInitial,
		ReconnectMax:      cfg.ReconnectMax,
		MaxRetries:        cfg.MaxRetries,
	})
}

// SetTransportFactory overrides transport construction. Call before
// registering any device.
func (c *Coordinator) SetTransportFactory(factory func(DeviceConfig) Transport) {
	c.newTransport = factory
}

// SetLogger sets the logger for the coordinator and future pipelines.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Register detects a device's API generation, ingests its initial
// snapshot and opens its event stream.
//
// Detection failure is an error and is not retried: a device that
// cannot be classified stays unregistered until the operator retries.
// Failure here never affects already registered devices.
func (c *Coordinator) Register(ctx context.Context, cfg DeviceConfig) (*DeviceHandle, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	if _, exists := c.devices[cfg.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDeviceExists, cfg.ID)
	}
	// Reserve the ID while detection runs outside the lock.
	c.devices[cfg.ID] = nil
	c.mu.Unlock()

	handle, err := c.register(ctx, cfg)

	c.mu.Lock()
	if err != nil {
		delete(c.devices, cfg.ID)
	} else {
		c.devices[cfg.ID] = handle
	}
	c.mu.Unlock()

	return handle, err
}

func (c *Coordinator) register(ctx context.Context, cfg DeviceConfig) (*DeviceHandle, error) {
	transport := c.newTransport(cfg)

	// One REST call serves both detection and the initial snapshot.
	version, snapshot, err := evok.Detect(ctx, transport)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	adapter, err := evok.NewAdapter(version)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	p := newPipeline(cfg.ID, transport, adapter, c.registry,
		c.dispatch, c.dispatchStatus, c.getLogger())

	if err := p.start(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("device %s: start stream: %w", cfg.ID, err)
	}

	c.logInfo("device registered", "device", cfg.ID, "api_version", version.String(),
		"snapshot_records", len(snapshot))

	return &DeviceHandle{
		id:       cfg.ID,
		cfg:      cfg,
		version:  version,
		adapter:  adapter,
		pipeline: p,
	}, nil
}

// Unregister stops a device's pipeline and removes it. No notification
// for the device is delivered after this returns.
func (c *Coordinator) Unregister(handle *DeviceHandle) error {
	if handle == nil {
		return ErrDeviceNotFound
	}

	c.mu.Lock()
	stored, ok := c.devices[handle.id]
	if !ok || stored != handle {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, handle.id)
	}
	delete(c.devices, handle.id)
	c.mu.Unlock()

	handle.pipeline.stop()
	c.logInfo("device unregistered", "device", handle.id)
	return nil
}

// Subscribe registers a notification callback and returns its
// subscription ID. Callbacks run inline on each device's merge
// goroutine: per-circuit delivery order is non-decreasing in
// version_seen, and a slow subscriber back-pressures that device only.
func (c *Coordinator) Subscribe(callback func(Notification)) string {
	id := uuid.New().String()
	c.subMu.Lock()
	c.subscribers[id] = callback
	c.subMu.Unlock()
	return id
}

// Unsubscribe removes a notification subscription.
func (c *Coordinator) Unsubscribe(id string) {
	c.subMu.Lock()
	delete(c.subscribers, id)
	c.subMu.Unlock()
}

// SubscribeStatus registers a device status callback and returns its
// subscription ID.
func (c *Coordinator) SubscribeStatus(callback func(StatusChange)) string {
	id := uuid.New().String()
	c.subMu.Lock()
	c.statusSubs[id] = callback
	c.subMu.Unlock()
	return id
}

// UnsubscribeStatus removes a status subscription.
func (c *Coordinator) UnsubscribeStatus(id string) {
	c.subMu.Lock()
	delete(c.statusSubs, id)
	c.subMu.Unlock()
}

func (c *Coordinator) dispatch(n Notification) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, callback := range c.subscribers {
		callback(n)
	}
}

func (c *Coordinator) dispatchStatus(change StatusChange) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, callback := range c.statusSubs {
		callback(change)
	}
}

// CurrentState returns the merged state for an entity key.
func (c *Coordinator) CurrentState(entityKey string) (evok.CircuitState, error) {
	identity, err := c.registry.LookupKey(entityKey)
	if err != nil {
		return evok.CircuitState{}, err
	}

	handle, err := c.handleFor(identity.DeviceID)
	if err != nil {
		return evok.CircuitState{}, err
	}

	state, ok := handle.pipeline.table.get(identity.CircuitID)
	if !ok {
		return evok.CircuitState{}, fmt.Errorf("%w: %q", ErrNoState, entityKey)
	}
	return state, nil
}

// DeviceStates returns all merged states for one device, ordered by
// circuit ID.
func (c *Coordinator) DeviceStates(deviceID string) ([]evok.CircuitState, error) {
	handle, err := c.handleFor(deviceID)
	if err != nil {
		return nil, err
	}
	return handle.pipeline.table.snapshot(), nil
}

// Devices returns a summary of every registered device, ordered by ID.
func (c *Coordinator) Devices() []DeviceInfo {
	c.mu.RLock()
	handles := make([]*DeviceHandle, 0, len(c.devices))
	for _, h := range c.devices {
		if h != nil {
			handles = append(handles, h)
		}
	}
	c.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, DeviceInfo{
			ID:         h.id,
			Host:       h.cfg.Host,
			APIVersion: h.version,
			Status:     h.pipeline.currentStatus(),
			Connected:  h.pipeline.transport.IsConnected(),
			Circuits:   h.pipeline.table.size(),
			Stats:      h.pipeline.transport.Stats(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SendCommand dispatches a value to the entity's circuit over its
// device transport. Thin: the device itself is the authority on what a
// command does; the bridge carries no command business logic.
func (c *Coordinator) SendCommand(ctx context.Context, entityKey string, value any) error {
	identity, err := c.registry.LookupKey(entityKey)
	if err != nil {
		return err
	}

	handle, err := c.handleFor(identity.DeviceID)
	if err != nil {
		return err
	}

	state, ok := handle.pipeline.table.get(identity.CircuitID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoState, entityKey)
	}

	tag, err := handle.adapter.CommandTag(state.Type)
	if err != nil {
		return err
	}

	rawCircuit := strings.TrimPrefix(identity.CircuitID, state.Type.Slug()+"_")
	return handle.pipeline.transport.SendCommand(ctx, tag, rawCircuit, commandValue(value))
}

// commandValue stringifies a command value for the wire.
func commandValue(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (c *Coordinator) handleFor(deviceID string) (*DeviceHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	handle, ok := c.devices[deviceID]
	if !ok || handle == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}
	return handle, nil
}

// Stop shuts down every device pipeline and rejects further
// registrations. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	handles := make([]*DeviceHandle, 0, len(c.devices))
	for _, h := range c.devices {
		if h != nil {
			handles = append(handles, h)
		}
	}
	c.devices = make(map[string]*DeviceHandle)
	c.mu.Unlock()

	for _, h := range handles {
		h.pipeline.stop()
	}

	c.logInfo("coordinator stopped", "devices", len(handles))
}

func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}
