package hmqwire

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/twino-framework/twino-mq/internal/message"
)

// Conn wraps a net.Conn (plain TCP or TLS) with the HMQ frame codec. It
// mirrors the teacher's length-prefixed Codec shape (see the vsockpb
// package this was adapted from) but speaks the richer HMQ frame layout
// and the handshake/ping-pong framing spec section 6 adds on top.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
}

// NewConn wraps an already-accepted or already-dialed connection. It does
// not perform the handshake; call ServerHandshake or ClientHandshake first.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReader(raw)}
}

// Raw returns the underlying net.Conn, e.g. for SetDeadline calls.
func (c *Conn) Raw() net.Conn { return c.raw }

// ClientHandshake sends the HMQP/2.1 magic, a Server/Hello frame carrying
// the given method+path and headers, and expects the magic echoed back.
func (c *Conn) ClientHandshake(path string, headers []message.Header) error {
	if _, err := c.raw.Write([]byte(HandshakeMagic)); err != nil {
		return fmt.Errorf("hmqwire: send handshake magic: %w", err)
	}
	hello := message.New(message.TypeServer, 0)
	hello.Target = path
	hello.Headers = headers
	if err := EncodeMessage(c.raw, hello); err != nil {
		return fmt.Errorf("hmqwire: send hello frame: %w", err)
	}
	return c.expectMagic()
}

// ServerHandshake expects the HMQP/2.1 magic and a Server/Hello frame from
// the client, then echoes the magic back. It returns the hello frame so
// the caller can inspect the method+path line and header lines.
//
// A magic/version mismatch gets one best-effort Terminate frame carrying
// the reason before the connection is reported as failed, so a peer client
// can tell "wrong protocol version" apart from a plain network blip instead
// of just seeing the socket die.
func (c *Conn) ServerHandshake() (*message.Message, error) {
	if err := c.expectMagic(); err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			c.sendProtocolError(protoErr.Reason)
		}
		return nil, err
	}
	frame, err := ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("hmqwire: read hello frame: %w", err)
	}
	if frame.Message == nil {
		return nil, fmt.Errorf("hmqwire: expected hello frame, got keepalive")
	}
	if _, err := c.raw.Write([]byte(HandshakeMagic)); err != nil {
		return nil, fmt.Errorf("hmqwire: echo handshake magic: %w", err)
	}
	return frame.Message, nil
}

// sendProtocolError writes a single Terminate frame carrying reason,
// ignoring any write error: the connection is already being torn down, and
// a peer that can't receive this frame is no worse off than before. The
// write is bounded by a one-second deadline so a peer that never reads
// cannot stall the handshake.
func (c *Conn) sendProtocolError(reason string) {
	term := message.New(message.TypeTerminate, 0)
	term.AddHeader("Reason", reason)
	_ = c.raw.SetWriteDeadline(time.Now().Add(time.Second))
	_ = EncodeMessage(c.raw, term)
	_ = c.raw.SetWriteDeadline(time.Time{})
}

func (c *Conn) expectMagic() error {
	buf := make([]byte, len(HandshakeMagic))
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return fmt.Errorf("hmqwire: read handshake magic: %w", err)
	}
	if string(buf) != HandshakeMagic {
		return &ProtocolError{Reason: "bad handshake magic"}
	}
	return nil
}

// ProtocolError signals a malformed handshake or frame; callers must close
// the connection rather than attempt to resynchronize the stream.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "hmqwire: protocol error: " + e.Reason }

// Send writes m as a regular frame.
func (c *Conn) Send(m *message.Message) error {
	return EncodeMessage(c.raw, m)
}

// SendPing writes the literal 8-byte PING keepalive.
func (c *Conn) SendPing() error {
	_, err := c.raw.Write(PingFrame[:])
	return err
}

// SendPong writes the literal 8-byte PONG keepalive.
func (c *Conn) SendPong() error {
	_, err := c.raw.Write(PongFrame[:])
	return err
}

// Receive reads the next frame, which may be a keepalive.
func (c *Conn) Receive() (*Frame, error) {
	return ReadFrame(c.r)
}

// SetReadDeadline proxies to the underlying connection; cmd/hmqd's read
// loop uses it to close a connection whose heartbeat deadline lapses.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Dial opens a TCP (tlsConfig == nil) or TLS connection to addr.
func Dial(addr string, tlsConfig *tls.Config) (*Conn, error) {
	var raw net.Conn
	var err error
	if tlsConfig != nil {
		raw, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		raw, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return NewConn(raw), nil
}
