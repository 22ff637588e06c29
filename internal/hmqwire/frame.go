// Package hmqwire implements the HMQ v2.1 wire protocol: the handshake,
// the length-prefixed binary frame codec, and the ping/pong keepalive
// frames. It is the "wire codec" external collaborator named in spec
// section 6 -- the queueing core (internal/queue, internal/handler,
// internal/tracker) never touches a net.Conn directly, only *message.Message
// values handed to it by a Conn built here.
package hmqwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/twino-framework/twino-mq/internal/message"
)

// HandshakeMagic is the 8-byte ASCII magic exchanged by both sides before
// any frame traffic.
const HandshakeMagic = "HMQP/2.1"

// pingByte/pongByte are the leading bytes of the fixed 8-byte keepalive
// frames; unlike regular frames, these are not length-prefixed so that a
// TCP-level keepalive can be told apart from a frame header with a single
// byte peek.
const (
	pingByte byte = 0x89
	pongByte byte = 0x8A
)

// PingFrame and PongFrame are the literal byte sequences from spec section 6.
var (
	PingFrame = [8]byte{0x89, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	PongFrame = [8]byte{0x8A, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
)

const (
	flagFirstAcquirerOnly byte = 1 << 0
	flagHighPriority      byte = 1 << 1
	flagWaitResponse      byte = 1 << 2
	flagPendingAck        byte = 1 << 3
)

// maxFrameBytes guards against a corrupt or hostile length prefix causing
// an unbounded allocation.
const maxFrameBytes = 64 * 1024 * 1024

// Frame is either a keepalive (IsPing/IsPong) or carries a Message.
type Frame struct {
	IsPing  bool
	IsPong  bool
	Message *message.Message
}

// EncodeMessage serializes m into the wire's length-prefixed frame layout:
//
//	u32 totalLen
//	u8  type
//	u16 contentType
//	u8  flags
//	i32 ttl
//	u16 messageIdLen + bytes
//	u16 sourceLen    + bytes
//	u16 targetLen    + bytes
//	u16 headerCount, each: u16 nameLen+bytes, u16 valueLen+bytes
//	u32 contentLen   + bytes
func EncodeMessage(w io.Writer, m *message.Message) error {
	body := encodeBody(m)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("hmqwire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("hmqwire: write frame body: %w", err)
	}
	return nil
}

// Encode serializes m into the same byte layout EncodeMessage writes after
// its length prefix, for callers (queue persistence) that frame the bytes
// themselves.
func Encode(m *message.Message) []byte {
	return encodeBody(m)
}

// Decode parses bytes produced by Encode back into a Message.
func Decode(body []byte) (*message.Message, error) {
	return decodeBody(body)
}

func encodeBody(m *message.Message) []byte {
	buf := make([]byte, 0, 64+len(m.Content))
	buf = append(buf, byte(m.Type))
	buf = appendU16(buf, m.ContentType)
	buf = append(buf, encodeFlags(m))
	buf = appendI32(buf, int32(m.TTL))
	buf = appendString(buf, m.MessageID)
	buf = appendString(buf, m.Source)
	buf = appendString(buf, m.Target)
	buf = appendU16(buf, uint16(len(m.Headers)))
	for _, h := range m.Headers {
		buf = appendString(buf, h.Name)
		buf = appendString(buf, h.Value)
	}
	buf = appendU32(buf, uint32(len(m.Content)))
	buf = append(buf, m.Content...)
	return buf
}

func encodeFlags(m *message.Message) byte {
	var f byte
	if m.FirstAcquirerOnly {
		f |= flagFirstAcquirerOnly
	}
	if m.HighPriority {
		f |= flagHighPriority
	}
	if m.WaitResponse {
		f |= flagWaitResponse
	}
	if m.PendingAcknowledge {
		f |= flagPendingAck
	}
	return f
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendI32(buf []byte, v int32) []byte {
	return appendU32(buf, uint32(v))
}

func appendString(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)))
	return append(buf, s...)
}

// ReadFrame reads the next frame from r, which must be a *bufio.Reader so
// a single byte can be peeked to distinguish a keepalive from a regular,
// length-prefixed frame.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	head, err := r.Peek(1)
	if err != nil {
		return nil, err
	}

	switch head[0] {
	case pingByte:
		if err := discardExactly(r, 8); err != nil {
			return nil, err
		}
		return &Frame{IsPing: true}, nil
	case pongByte:
		if err := discardExactly(r, 8); err != nil {
			return nil, err
		}
		return &Frame{IsPong: true}, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("hmqwire: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("hmqwire: read frame body: %w", err)
	}
	m, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	return &Frame{Message: m}, nil
}

func discardExactly(r *bufio.Reader, n int) error {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return err
}

func decodeBody(body []byte) (*message.Message, error) {
	dec := &decoder{buf: body}
	t, err := dec.byte_()
	if err != nil {
		return nil, err
	}
	contentType, err := dec.u16()
	if err != nil {
		return nil, err
	}
	flags, err := dec.byte_()
	if err != nil {
		return nil, err
	}
	ttl, err := dec.i32()
	if err != nil {
		return nil, err
	}
	messageID, err := dec.string_()
	if err != nil {
		return nil, err
	}
	source, err := dec.string_()
	if err != nil {
		return nil, err
	}
	target, err := dec.string_()
	if err != nil {
		return nil, err
	}
	headerCount, err := dec.u16()
	if err != nil {
		return nil, err
	}
	headers := make([]message.Header, 0, headerCount)
	for i := 0; i < int(headerCount); i++ {
		name, err := dec.string_()
		if err != nil {
			return nil, err
		}
		value, err := dec.string_()
		if err != nil {
			return nil, err
		}
		headers = append(headers, message.Header{Name: name, Value: value})
	}
	contentLen, err := dec.u32()
	if err != nil {
		return nil, err
	}
	content, err := dec.bytes(int(contentLen))
	if err != nil {
		return nil, err
	}

	m := message.New(message.Type(t), contentType)
	m.TTL = int(ttl)
	m.MessageID = messageID
	m.Source = source
	m.Target = target
	m.Headers = headers
	m.Content = content
	m.FirstAcquirerOnly = flags&flagFirstAcquirerOnly != 0
	m.HighPriority = flags&flagHighPriority != 0
	m.WaitResponse = flags&flagWaitResponse != 0
	m.PendingAcknowledge = flags&flagPendingAck != 0
	return m, nil
}

// decoder is a small cursor over a frame body; it never reslices past buf,
// returning io.ErrUnexpectedEOF instead, so a truncated or malformed frame
// never panics the connection's reader goroutine.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *decoder) byte_() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) i32() (int32, error) {
	v, err := d.u32()
	return int32(v), err
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) string_() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
