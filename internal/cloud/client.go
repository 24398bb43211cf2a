// Package cloud provides the uplink to the AgSys cloud service over a
// WebSocket carrying JSON messages. The client owns dialing, keepalive and
// reconnection backoff; the rest of the controller only sees the link
// events it reports and the input-mirror bindings it exposes.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config holds cloud client configuration
type Config struct {
	URL             string // WebSocket URL (wss://api.agsys.io/ws/zone)
	DeviceID        string // Zone controller UUID
	APIKey          string // API key for authentication
	FirmwareVersion string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration // Interval for heartbeat/keepalive
	WriteTimeout     time.Duration // Timeout for write operations
	ReadTimeout      time.Duration // Timeout for read operations

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		FirmwareVersion:   "1.0.0",
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Client handles communication with the AgSys cloud. It is driven by
// repeated Pump calls from the supervisor's worker; each call runs one
// pass of the connection machine.
type Client struct {
	config    Config
	conn      *websocket.Conn
	sendChan  chan *Message
	mu        sync.Mutex
	connected bool
	synced    bool
	startTime time.Time

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration

	// Link event handlers, invoked on the pumping goroutine's stack
	onConnect    func()
	onSync       func()
	onDisconnect func()
	onAttempt    func()
}

// New creates a new cloud client
func New(config Config) *Client {
	return &Client{
		config:            config,
		sendChan:          make(chan *Message, 100),
		currentRetryDelay: config.InitialRetryDelay,
		startTime:         time.Now(),
	}
}

// SetConnectHandler sets the handler fired when a connection is established
func (c *Client) SetConnectHandler(h func()) {
	c.mu.Lock()
	c.onConnect = h
	c.mu.Unlock()
}

// SetSyncHandler sets the handler fired when state reconciliation completes
func (c *Client) SetSyncHandler(h func()) {
	c.mu.Lock()
	c.onSync = h
	c.mu.Unlock()
}

// SetDisconnectHandler sets the handler fired when the link drops
func (c *Client) SetDisconnectHandler(h func()) {
	c.mu.Lock()
	c.onDisconnect = h
	c.mu.Unlock()
}

// SetAttemptHandler sets the handler fired before each dial attempt
func (c *Client) SetAttemptHandler(h func()) {
	c.mu.Lock()
	c.onAttempt = h
	c.mu.Unlock()
}

// Pump runs one pass of the connection machine. Disconnected, it makes a
// single dial attempt and absorbs the failure with a backoff wait.
// Connected, it blocks in the message loops until the link drops. Either
// way it returns with the client disconnected, ready for the next pass.
func (c *Client) Pump(ctx context.Context) {
	if err := c.connect(ctx); err != nil {
		log.Printf("Failed to connect to cloud: %v", err)
		c.waitWithBackoff(ctx)
		return
	}

	// Reset retry delay on successful connection
	c.currentRetryDelay = c.config.InitialRetryDelay
	c.fire(&c.onConnect)

	c.runMessageLoops(ctx)

	c.disconnect()
	log.Println("Disconnected from cloud")
	c.fire(&c.onDisconnect)
}

// Check reports the client's current view of the link. It never blocks and
// is safe to call from the control loop.
func (c *Client) Check() (connected, synchronized bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.synced
}

// PublishInputs mirrors local input levels to the cloud-visible bindings.
// Gating on link state is the caller's job; an unsent message is dropped
// when the queue is full rather than blocking the control loop, and
// messages still queued when the link drops are discarded.
func (c *Client) PublishInputs(inputs map[string]bool) error {
	payload, err := json.Marshal(InputStatePayload{Inputs: inputs})
	if err != nil {
		return fmt.Errorf("marshal input state: %w", err)
	}

	msg := &Message{
		Type:      MsgTypeInputState,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// fire invokes a registered handler, if any.
func (c *Client) fire(slot *func()) {
	c.mu.Lock()
	h := *slot
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// connect makes one dial attempt and, on success, queues the hello message
// that starts the backend's state replay.
func (c *Client) connect(ctx context.Context) error {
	c.fire(&c.onAttempt)

	wsURL := fmt.Sprintf("%s?api_key=%s&device_id=%s",
		c.config.URL, c.config.APIKey, c.config.DeviceID)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.synced = false
	c.mu.Unlock()

	// The queue may hold messages enqueued against a previous link, or
	// before any link existed. Flushing them now would put them on the
	// wire ahead of hello, so the fresh connection starts empty.
	c.drainQueue()
	c.sendHello()

	log.Printf("Connected to cloud: %s", c.config.URL)
	return nil
}

// disconnect closes the WebSocket connection and discards any queued
// messages, which were bound to the link that just dropped.
func (c *Client) disconnect() {
	c.mu.Lock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.synced = false
	c.mu.Unlock()

	c.drainQueue()
}

// drainQueue discards messages queued for a link that no longer exists
func (c *Client) drainQueue() {
	for {
		select {
		case msg := <-c.sendChan:
			log.Printf("Discarding stale %s message from send queue", msg.Type)
		default:
			return
		}
	}
}

// waitWithBackoff waits for the current retry delay with jitter
func (c *Client) waitWithBackoff(ctx context.Context) {
	// Add jitter
	jitter := c.currentRetryDelay.Seconds() * c.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := c.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}

	// Increase delay for next time (exponential backoff)
	c.currentRetryDelay = time.Duration(float64(c.currentRetryDelay) * c.config.BackoffMultiplier)
	if c.currentRetryDelay > c.config.MaxRetryDelay {
		c.currentRetryDelay = c.config.MaxRetryDelay
	}
}

// runMessageLoops runs the read and write loops until the link drops
func (c *Client) runMessageLoops(ctx context.Context) {
	done := make(chan struct{})

	go c.writeLoop(ctx, done)
	c.readLoop(done)
}

// readLoop reads messages from the WebSocket until the connection fails.
// Closing done on exit stops the write loop.
func (c *Client) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

// writeLoop sends queued messages and the keepalive heartbeat. On context
// cancellation it closes the connection so the blocked read loop exits.
func (c *Client) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.disconnect()
			return

		case msg := <-c.sendChan:
			if err := c.writeMessage(msg); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				log.Printf("Heartbeat failed: %v", err)
				return
			}
		}
	}
}

// writeMessage writes one message to the connection with a deadline
func (c *Client) writeMessage(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage processes an incoming message from the cloud
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeSyncComplete:
		sc, err := ParseSyncComplete(msg.Payload)
		if err != nil {
			log.Printf("Failed to parse sync complete: %v", err)
			return
		}
		c.mu.Lock()
		c.synced = true
		c.mu.Unlock()
		log.Printf("Cloud state replay complete (revision %d)", sc.Revision)
		c.fire(&c.onSync)

	case MsgTypeConfigUpdate:
		cfg, err := ParseConfigUpdate(msg.Payload)
		if err != nil {
			log.Printf("Failed to parse config update: %v", err)
			return
		}
		log.Printf("Config update received for target: %s", cfg.Target)
		for key, value := range cfg.Config {
			log.Printf("  %s = %v", key, value)
		}

	case MsgTypePing:
		c.sendPong(msg.ID)

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// sendHello queues the device announcement sent after every dial
func (c *Client) sendHello() {
	payload, _ := json.Marshal(HelloPayload{
		DeviceID:        c.config.DeviceID,
		FirmwareVersion: c.config.FirmwareVersion,
	})

	msg := &Message{
		Type:      MsgTypeHello,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping hello")
	}
}

// sendHeartbeat writes a heartbeat with the current uptime
func (c *Client) sendHeartbeat() error {
	payload, _ := json.Marshal(HeartbeatPayload{
		UptimeSeconds:   int64(time.Since(c.startTime).Seconds()),
		FirmwareVersion: c.config.FirmwareVersion,
	})

	msg := &Message{
		Type:      MsgTypeHeartbeat,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	return c.writeMessage(msg)
}

// sendPong queues a pong response to a ping
func (c *Client) sendPong(pingID string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"ping_id": pingID,
	})

	msg := &Message{
		Type:      MsgTypePong,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping pong")
	}
}
