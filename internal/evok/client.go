package evok

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for Evok communication.
const (
	// defaultConnectTimeout is the maximum time to wait for the websocket handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultSnapshotTimeout bounds one REST snapshot round trip.
	defaultSnapshotTimeout = 10 * time.Second

	// defaultWriteTimeout is the timeout for websocket write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// pongWait is how long to wait for a pong before declaring the
	// connection dead.
	pongWait = 60 * time.Second

	// pingPeriod is the interval between pings. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize limits incoming websocket frames.
	maxMessageSize = 512 * 1024
)

// Config holds connection configuration for one Evok device.
type Config struct {
	// Host is the device hostname or IP address.
	Host string

	// Port is the Evok API port. Default: 80.
	Port int

	// Username and Password enable HTTP basic auth on both the REST
	// endpoint and the websocket dial when set.
	Username string
	Password string

	// ConnectTimeout is the maximum time to wait for the websocket
	// handshake. Default: 10 seconds.
	ConnectTimeout time.Duration

	// SnapshotTimeout bounds one REST snapshot fetch. Default: 10 seconds.
	SnapshotTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection
	// attempts. Default: 5 seconds.
	ReconnectInterval time.Duration

	// ReconnectMax caps the reconnection backoff. Default: 2 minutes.
	ReconnectMax time.Duration

	// MaxRetries caps consecutive failed reconnection attempts before
	// the client gives up permanently. 0 means retry forever.
	MaxRetries int
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// wireCommand is the websocket "set" command frame. Evok expects the
// value as a string.
type wireCommand struct {
	Cmd     string `json:"cmd"`
	Dev     string `json:"dev"`
	Circuit string `json:"circuit"`
	Value   string `json:"value"`
}

// Client owns one REST + websocket transport pair to a single Evok device.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The event callback is invoked inline on the read goroutine so
//     downstream back-pressure throttles reads instead of dropping events.
//
// Auto-Reconnection:
//   - When the websocket drops, the client reconnects with exponential
//     backoff (ReconnectInterval growing ×1.5 up to ReconnectMax).
//   - With MaxRetries > 0 the client gives up after that many consecutive
//     failures and reports permanent failure via the give-up callback.
//   - Reconnection otherwise stops only when Close() is called.
type Client struct {
	cfg        Config
	httpClient *http.Client

	// Connection state
	conn      *websocket.Conn
	connMu    sync.RWMutex
	connected bool

	// Serialises websocket data writes (control frames are handled by
	// gorilla and may interleave).
	writeMu sync.Mutex

	// Reconnection state
	reconnecting atomic.Bool

	// Callbacks
	onEvent      func([]Record)
	onConnect    func(reconnected bool)
	onDisconnect func(err error)
	onGiveUp     func(err error)
	callbackMu   sync.RWMutex

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	eventsRx         atomic.Uint64
	snapshotsFetched atomic.Uint64
	commandsTx       atomic.Uint64
	errorsTotal      atomic.Uint64
	reconnectsTotal  atomic.Uint64
	lastActivity     atomic.Int64 // Unix timestamp
}

// NewClient creates a transport client for one device. No I/O happens
// until FetchSnapshot or Start is called.
func NewClient(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 80
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.SnapshotTimeout == 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = maxReconnectInterval
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.SnapshotTimeout},
		done:       newCloseOnce(),
	}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Client) restURL() string {
	return fmt.Sprintf("http://%s/rest/all", c.addr())
}

func (c *Client) wsURL() string {
	return fmt.Sprintf("ws://%s/ws", c.addr())
}

// authHeader returns the HTTP headers for the websocket dial, including
// basic auth when credentials are configured.
func (c *Client) authHeader() http.Header {
	header := http.Header{}
	if c.cfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		header.Set("Authorization", "Basic "+cred)
	}
	return header
}

// FetchSnapshot retrieves the full circuit state via REST.
//
// One-shot with its own timeout; safe to call before Start (version
// detection runs off a snapshot before the stream is opened).
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - []Record: All circuit records the device reports
//   - error: ErrSnapshotFailed wrapped with the cause
func (c *Client) FetchSnapshot(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrSnapshotFailed, err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorsTotal.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.errorsTotal.Add(1)
		return nil, fmt.Errorf("%w: unexpected status %d", ErrSnapshotFailed, resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		c.errorsTotal.Add(1)
		return nil, fmt.Errorf("%w: decode body: %w", ErrSnapshotFailed, err)
	}

	c.snapshotsFetched.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return records, nil
}

// Start connects the websocket and begins the read pump.
//
// The context bounds the initial dial only; after a successful start the
// client manages its own reconnection until Close. The connect callback
// fires with reconnected=false for this initial connection.
//
// Returns:
//   - error: ErrConnectionFailed if the initial dial or handshake fails
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.installConn(conn)
	c.fireOnConnect(false)

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return nil
}

// dial opens one websocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.wsURL(), c.authHeader())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.wsURL(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.wsURL(), err)
	}
	return conn, nil
}

// installConn makes conn the active connection and arms the heartbeat
// read deadline.
func (c *Client) installConn(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.lastActivity.Store(time.Now().Unix())
}

// readLoop continuously reads push messages from the websocket.
// On connection loss it automatically attempts reconnection with
// exponential backoff.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}

			c.errorsTotal.Add(1)
			c.handleDisconnect(err)

			if !c.reconnect() {
				return
			}
			continue
		}

		c.handlePush(payload)
	}
}

// handlePush decodes a push payload and delivers it to the event
// callback inline. A slow consumer therefore throttles reads rather
// than causing drops.
func (c *Client) handlePush(payload []byte) {
	records, err := DecodeEvents(payload)
	if err != nil {
		c.logError("decode push message failed", err)
		c.errorsTotal.Add(1)
		return
	}

	c.eventsRx.Add(uint64(len(records)))
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	callback := c.onEvent
	c.callbackMu.RUnlock()

	if callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logError("event callback panic", fmt.Errorf("%v", r))
				}
			}()
			callback(records)
		}()
	}
}

// pingLoop sends websocket pings on the heartbeat interval. Failed pings
// are left for the read loop to notice via the expired read deadline.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			connected := c.connected
			c.connMu.RUnlock()

			if !connected || conn == nil {
				continue
			}

			deadline := time.Now().Add(defaultWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logError("ping failed", err)
			}
		}
	}
}

// handleDisconnect marks the connection lost and notifies the
// disconnect callback.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	if !wasConnected {
		return
	}

	c.logInfo("connection lost, will attempt reconnection", "error", err)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()

	if callback != nil {
		callback(err)
	}
}

// reconnect re-establishes the websocket with exponential backoff.
// Returns true when reconnected, false on shutdown or permanent give-up.
func (c *Client) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	attempt := 0

	for {
		if c.isClosed() {
			return false
		}

		attempt++
		if c.cfg.MaxRetries > 0 && attempt > c.cfg.MaxRetries {
			err := fmt.Errorf("%w: gave up after %d attempts", ErrConnectionFailed, c.cfg.MaxRetries)
			c.logError("reconnection abandoned", err)
			c.fireOnGiveUp(err)
			return false
		}

		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		conn, err := c.dial(ctx)
		cancel()

		if err == nil {
			c.installConn(conn)
			c.reconnectsTotal.Add(1)
			c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
			c.fireOnConnect(true)
			return true
		}

		c.logError("reconnect: dial failed", err)
		c.errorsTotal.Add(1)

		select {
		case <-c.done.Done():
			return false
		case <-time.After(backoff):
		}

		// Exponential backoff with cap
		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) fireOnConnect(reconnected bool) {
	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()

	if callback != nil {
		callback(reconnected)
	}
}

func (c *Client) fireOnGiveUp(err error) {
	c.callbackMu.RLock()
	callback := c.onGiveUp
	c.callbackMu.RUnlock()

	if callback != nil {
		callback(err)
	}
}

// SendCommand writes a "set" command to the websocket.
//
// Writes are serialised by a mutex; concurrent callers queue rather
// than interleave frames.
//
// Parameters:
//   - ctx: Context for cancellation
//   - dev: Version-correct wire tag (from Adapter.CommandTag)
//   - circuit: Raw wire circuit identifier
//   - value: Target value, already stringified
//
// Returns:
//   - error: ErrNotConnected or ErrCommandFailed
func (c *Client) SendCommand(ctx context.Context, dev, circuit, value string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCommandFailed, ctx.Err())
	default:
	}

	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrCommandFailed, err)
	}

	cmd := wireCommand{Cmd: "set", Dev: dev, Circuit: circuit, Value: value}
	if err := conn.WriteJSON(cmd); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrCommandFailed, err)
	}

	c.commandsTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnEvent sets the callback for decoded push records.
//
// The callback runs inline on the read goroutine; panics are recovered
// and logged.
func (c *Client) SetOnEvent(callback func([]Record)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetOnConnect sets the callback for successful connections.
// reconnected is false for the initial Start connection.
func (c *Client) SetOnConnect(callback func(reconnected bool)) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets the callback for connection loss.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetOnGiveUp sets the callback fired when reconnection is abandoned
// after MaxRetries consecutive failures.
func (c *Client) SetOnGiveUp(callback func(err error)) {
	c.callbackMu.Lock()
	c.onGiveUp = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if the websocket is established.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close gracefully shuts the client down.
//
// It signals the read and ping loops to stop, closes the websocket and
// waits for goroutines to finish. Safe to call multiple times.
//
// Returns:
//   - error: nil (closing is best-effort)
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.logInfo("connection closed")
	return nil
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		EventsRx:         c.eventsRx.Load(),
		SnapshotsFetched: c.snapshotsFetched.Load(),
		CommandsTx:       c.commandsTx.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
		ReconnectsTotal:  c.reconnectsTotal.Load(),
		LastActivity:     time.Unix(c.lastActivity.Load(), 0),
		Connected:        c.IsConnected(),
		Reconnecting:     c.reconnecting.Load(),
	}
}

// logInfo logs an info message if logger is set.
func (c *Client) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Client) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
