// Package message defines the in-memory representation of an HMQ frame
// (the wire codec that serializes/deserializes it lives in internal/hmqwire).
// A Message is immutable after creation except for its routing-metadata
// fields (Source, Target, MessageID), which the router and queue engine
// update as a message moves through the broker.
package message

import "io"

// Type enumerates the kinds of frame the broker exchanges with clients.
type Type uint8

const (
	TypeServer Type = iota
	TypeTerminate
	TypePing
	TypePong
	TypeDirectMessage
	TypeResponse
	TypeAcknowledge
	TypeQueueMessage
	TypeQueuePullRequest
	TypeEvent
	TypeRouter
)

// Header is one name/value pair; headers preserve insertion order, unlike
// a map, since a duplicate header name (e.g. two Negative-Ack reasons from
// chained hooks) must not silently collide.
type Header struct {
	Name  string
	Value string
}

// NegativeAckHeader is the well-known header name carrying a negative-ack
// reason. Its absence on an Acknowledge frame means the ack is positive.
const NegativeAckHeader = "Negative-Ack"

// Message is the broker's in-memory envelope for a single frame.
type Message struct {
	Type       Type
	MessageID  string
	Source     string
	Target     string
	ContentType uint16
	Headers    []Header
	Content    []byte

	FirstAcquirerOnly  bool
	HighPriority       bool
	WaitResponse       bool
	PendingAcknowledge bool
	TTL                int
}

// New creates a Message with the given type and content type code.
func New(t Type, contentType uint16) *Message {
	return &Message{Type: t, ContentType: contentType, TTL: 16}
}

// Expired reports whether the message's hop count has been exhausted; the
// router drops a message rather than forwarding it once TTL < 0.
func (m *Message) Expired() bool {
	return m.TTL < 0
}

// DecrementTTL consumes one hop; call before forwarding through a binding.
func (m *Message) DecrementTTL() {
	m.TTL--
}

// SetSource sets the originating client id.
func (m *Message) SetSource(source string) { m.Source = source }

// SetTarget sets the destination (queue name, client id, or routed name).
func (m *Message) SetTarget(target string) { m.Target = target }

// SetMessageID sets the opaque message id.
func (m *Message) SetMessageID(id string) { m.MessageID = id }

// AddHeader appends a header, preserving insertion order.
func (m *Message) AddHeader(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Header returns the value of the first header matching name, and whether
// it was found.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// SetContent replaces the content with raw bytes.
func (m *Message) SetContent(b []byte) { m.Content = b }

// SetContentString replaces the content with a UTF-8 string's bytes.
func (m *Message) SetContentString(s string) { m.Content = []byte(s) }

// WriteContent streams content from r, replacing any existing content.
func (m *Message) WriteContent(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Content = b
	return nil
}

// Clone returns a copy of the message. If newID is non-empty it replaces
// the message id on the copy; if copyContent is false the clone shares the
// original content slice rather than deep-copying it, matching the cheap,
// read-mostly use in hot dispatch paths that never mutate Content after a
// Clone.
func (m *Message) Clone(newID string, copyContent bool) *Message {
	cp := *m
	cp.Headers = append([]Header(nil), m.Headers...)
	if copyContent {
		cp.Content = append([]byte(nil), m.Content...)
	}
	if newID != "" {
		cp.MessageID = newID
	}
	return &cp
}

// CreateAcknowledge builds the Acknowledge reply for this message: same
// message id, source and target swapped, and -- for a negative ack -- a
// Negative-Ack header carrying reason. An empty reason builds a positive
// ack, with no Negative-Ack header.
func (m *Message) CreateAcknowledge(reason string) *Message {
	ack := New(TypeAcknowledge, m.ContentType)
	ack.MessageID = m.MessageID
	ack.Source = m.Target
	ack.Target = m.Source
	if reason != "" {
		ack.AddHeader(NegativeAckHeader, reason)
	}
	return ack
}

// IsNegativeAck reports whether an Acknowledge message carries a
// Negative-Ack header, and returns its reason.
func (m *Message) IsNegativeAck() (reason string, negative bool) {
	if m.Type != TypeAcknowledge {
		return "", false
	}
	if v, ok := m.Header(NegativeAckHeader); ok {
		return v, true
	}
	return "", false
}
