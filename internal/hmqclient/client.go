// Package hmqclient is the HMQ peer client library: the other side of the
// wire from internal/broker. It dials a broker, performs the HMQP/2.1
// handshake via internal/hmqwire, and runs a single read-loop goroutine
// per connection that dispatches inbound frames to registered consumer
// handlers and event callbacks -- shaped on the teacher's asyncqueue
// worker pool (stopCh-guarded goroutine, buffered channel, explicit
// Stop/Close) but with one fixed reader instead of a pool, since frame
// order on a single TCP connection must be preserved.
package hmqclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twino-framework/twino-mq/internal/hmqwire"
	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/message"
)

// Config configures a Client.
type Config struct {
	Addr      string
	TLSConfig *tls.Config // nil dials plain TCP
	ClientID  string      // empty generates a uuid
	Name      string
	Type      string

	// SubscribeQueues declares, once at handshake time, the queues this
	// connection subscribes to for its lifetime (spec.md §9 Open
	// Question on wire-level subscribe mechanism -- see DESIGN.md).
	SubscribeQueues []string

	// ReconnectBackoffMin/Max bound the exponential backoff Run uses
	// between dial attempts after an unexpected disconnect.
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration

	// PingInterval is how often the client itself sends Ping frames; the
	// broker answers them with Pong and sends no pings of its own.
	PingInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.ReconnectBackoffMin <= 0 {
		c.ReconnectBackoffMin = 200 * time.Millisecond
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
}

// Client is one connection to an HMQ broker, plus the descriptor and event
// registries matched against inbound frames.
type Client struct {
	cfg Config

	mu       sync.RWMutex
	conn     *hmqwire.Conn
	connMu   sync.Mutex // serializes writes across goroutines (pinger vs requests)
	pending  map[string]chan *message.Message
	closed   bool

	descriptors *descriptorRegistry
	events      *eventRegistry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Client; call Run to dial and start the read loop.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:         cfg,
		pending:     make(map[string]chan *message.Message),
		descriptors: newDescriptorRegistry(),
		events:      newEventRegistry(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// ID returns the client's connection id (the Source it stamps on outgoing
// frames), satisfying the same Client shape internal/registry indexes
// broker-side connections by.
func (c *Client) ID() string   { return c.cfg.ClientID }
func (c *Client) Name() string { return c.cfg.Name }
func (c *Client) Type() string { return c.cfg.Type }

// Run dials the broker and runs the read loop until ctx is cancelled or
// Close is called, reconnecting with exponential backoff on any
// unexpected disconnect. It blocks; call it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	defer close(c.doneCh)
	backoff := c.cfg.ReconnectBackoffMin

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connectOnce(); err != nil {
			logging.Op().Warn("hmqclient: connect failed", "addr", c.cfg.Addr, "err", err)
			c.events.fireDisconnected(err)
			if !c.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		backoff = c.cfg.ReconnectBackoffMin
		c.events.fireConnected()

		pingStop := make(chan struct{})
		go c.pingLoop(pingStop)
		err := c.readLoop()
		close(pingStop)
		c.teardown()
		c.events.fireDisconnected(err)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		if !c.sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	}
	*backoff *= 2
	if *backoff > c.cfg.ReconnectBackoffMax {
		*backoff = c.cfg.ReconnectBackoffMax
	}
	return true
}

func (c *Client) connectOnce() error {
	conn, err := hmqwire.Dial(c.cfg.Addr, c.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("hmqclient: dial %s: %w", c.cfg.Addr, err)
	}
	headers := []message.Header{
		{Name: "Client-Id", Value: c.cfg.ClientID},
		{Name: "Client-Name", Value: c.cfg.Name},
		{Name: "Client-Type", Value: c.cfg.Type},
	}
	for _, q := range c.cfg.SubscribeQueues {
		headers = append(headers, message.Header{Name: "Subscribe-Queue", Value: q})
	}
	if err := conn.ClientHandshake("/", headers); err != nil {
		conn.Close()
		return fmt.Errorf("hmqclient: handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()
	return nil
}

// pingLoop sends a keepalive Ping on cfg.PingInterval until stop is
// closed, letting the broker detect a half-open connection even when the
// client has nothing to send or receive: the broker closes a connection
// that stays silent past its heartbeat timeout.
func (c *Client) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeFrame(func(conn *hmqwire.Conn) error { return conn.SendPing() }); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop() error {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return nil
		}

		frame, err := conn.Receive()
		if err != nil {
			return err
		}
		if frame.IsPing {
			c.writeFrame(func(conn *hmqwire.Conn) error { return conn.SendPong() })
			continue
		}
		if frame.IsPong || frame.Message == nil {
			continue
		}
		c.dispatch(frame.Message)
	}
}

// dispatch routes one inbound frame to a correlated request/response
// waiter (if its message id is pending) or to a registered consumer
// handler matched by (target, contentType), per the descriptor registry.
func (c *Client) dispatch(m *message.Message) {
	if m.Type == message.TypeTerminate {
		reason, _ := m.Header("Reason")
		logging.Op().Warn("hmqclient: broker sent protocol termination", "reason", reason)
		return
	}

	c.mu.Lock()
	if ch, ok := c.pending[m.MessageID]; ok {
		delete(c.pending, m.MessageID)
		c.mu.Unlock()
		ch <- m
		return
	}
	c.mu.Unlock()

	if m.Type == message.TypeEvent {
		c.events.fireQueueEvent(m)
		return
	}

	c.descriptors.dispatch(m, c)
}

func (c *Client) writeFrame(fn func(conn *hmqwire.Conn) error) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("hmqclient: not connected")
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return fn(conn)
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close stops the read loop and the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	c.teardown()
	<-c.doneCh
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}
