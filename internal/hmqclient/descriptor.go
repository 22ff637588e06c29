package hmqclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/twino-framework/twino-mq/internal/hmqwire"
	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/message"
)

// Acknowledge mirrors internal/queue's delivery-confirmation policy from
// the client's side of the wire: whether a handler's outcome is expected
// to travel back to the broker as an Acknowledge frame.
type Acknowledge int

const (
	AckNone Acknowledge = iota
	AckJustRequest
	AckWaitForAcknowledge
)

// RetryPolicy governs how many times, and with what backoff, the client
// redrives a handler that returned an error before giving up and replying
// with a negative acknowledge.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) int // milliseconds; nil means no delay
}

// ConsumerDescriptor is a manual registration key, restated from spec.md
// §9's "annotation-driven consumer registration" as a plain struct per
// §9's own fallback ("implementations may use ... a manual registry"): no
// reflection, no build-time code generation, just a map keyed by the
// (target, contentType) pair incoming frames are matched against.
type ConsumerDescriptor struct {
	Target      string
	ContentType uint16
	Acknowledge Acknowledge
	RetryPolicy RetryPolicy
}

func (d ConsumerDescriptor) key() string {
	return fmt.Sprintf("%s|%d", d.Target, d.ContentType)
}

// HandlerFunc processes one inbound message for a registered descriptor.
// A non-nil error triggers RetryPolicy, then (if still failing) a
// negative acknowledge when the descriptor's Acknowledge policy expects one.
type HandlerFunc func(m *message.Message) error

type registeredHandler struct {
	descriptor ConsumerDescriptor
	fn         HandlerFunc
}

type descriptorRegistry struct {
	mu       sync.RWMutex
	byKey    map[string]registeredHandler
}

func newDescriptorRegistry() *descriptorRegistry {
	return &descriptorRegistry{byKey: make(map[string]registeredHandler)}
}

// RegisterHandler adds descriptor -> fn to the client's dispatch table. A
// second RegisterHandler for the same (target, contentType) pair replaces the first.
func (c *Client) RegisterHandler(descriptor ConsumerDescriptor, fn HandlerFunc) {
	c.descriptors.mu.Lock()
	defer c.descriptors.mu.Unlock()
	c.descriptors.byKey[descriptor.key()] = registeredHandler{descriptor: descriptor, fn: fn}
}

func (r *descriptorRegistry) dispatch(m *message.Message, c *Client) {
	key := fmt.Sprintf("%s|%d", m.Target, m.ContentType)
	r.mu.RLock()
	h, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		logging.Op().Warn("hmqclient: no handler registered for inbound frame", "target", m.Target, "content_type", m.ContentType)
		return
	}
	go r.invoke(h, m, c)
}

// invoke runs the handler with RetryPolicy's redrive budget, then
// acknowledges per the descriptor's Acknowledge policy. It runs on its own
// goroutine per dispatch so one slow or retrying handler never blocks the
// connection's single read loop.
func (r *descriptorRegistry) invoke(h registeredHandler, m *message.Message, c *Client) {
	maxAttempts := h.descriptor.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = h.fn(m)
		if err == nil {
			break
		}
		if attempt < maxAttempts && h.descriptor.RetryPolicy.Backoff != nil {
			delayMs := h.descriptor.RetryPolicy.Backoff(attempt)
			if delayMs > 0 {
				time.Sleep(time.Duration(delayMs) * time.Millisecond)
			}
		}
	}

	if h.descriptor.Acknowledge == AckNone {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	ack := m.CreateAcknowledge(reason)
	if sendErr := c.writeFrame(func(conn *hmqwire.Conn) error { return conn.Send(ack) }); sendErr != nil {
		logging.Op().Warn("hmqclient: failed to send acknowledge", "message", m.MessageID, "err", sendErr)
	}
}
