package hmqclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/twino-framework/twino-mq/internal/hmqerr"
	"github.com/twino-framework/twino-mq/internal/hmqwire"
	"github.com/twino-framework/twino-mq/internal/message"
)

// Push sends m to the broker as a fire-and-forget queue push: no response
// is awaited, matching a queue configured with Acknowledge=none.
func (c *Client) Push(queueName string, m *message.Message) error {
	c.stampOutgoing(m, queueName)
	return c.writeFrame(func(conn *hmqwire.Conn) error { return conn.Send(m) })
}

// PushAndWaitAck sends m and blocks until the broker's Acknowledge frame
// for it arrives, ctx is cancelled, or timeout elapses. It returns the
// ack's result code and (if negative) its reason, mirroring the producer
// callback the broker's own queue engine invokes server-side for
// Acknowledge=WaitForAcknowledge pushes.
func (c *Client) PushAndWaitAck(ctx context.Context, queueName string, m *message.Message, timeout time.Duration) (hmqerr.ResultCode, string, error) {
	m.PendingAcknowledge = true
	c.stampOutgoing(m, queueName)

	ch := c.registerPending(m.MessageID)
	defer c.unregisterPending(m.MessageID)

	if err := c.writeFrame(func(conn *hmqwire.Conn) error { return conn.Send(m) }); err != nil {
		return hmqerr.Failed, "", err
	}

	reply, err := c.awaitReply(ctx, ch, timeout)
	if err != nil {
		return hmqerr.Failed, "", err
	}
	if reply == nil {
		return hmqerr.Timeout, "", nil
	}
	if reason, negative := reply.IsNegativeAck(); negative {
		return hmqerr.Failed, reason, nil
	}
	return hmqerr.Ok, "", nil
}

// Request sends m with WaitResponse set and blocks for the consumer's
// response frame, the client-side half of spec scenario S2's
// request/response correlation.
func (c *Client) Request(ctx context.Context, target string, m *message.Message, timeout time.Duration) (*message.Message, error) {
	m.WaitResponse = true
	c.stampOutgoing(m, target)

	ch := c.registerPending(m.MessageID)
	defer c.unregisterPending(m.MessageID)

	if err := c.writeFrame(func(conn *hmqwire.Conn) error { return conn.Send(m) }); err != nil {
		return nil, err
	}

	reply, err := c.awaitReply(ctx, ch, timeout)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("hmqclient: request timed out")
	}
	if reason, negative := reply.IsNegativeAck(); negative {
		return nil, fmt.Errorf("hmqclient: request failed: %s", reason)
	}
	return reply, nil
}

func (c *Client) stampOutgoing(m *message.Message, target string) {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	m.Target = target
	m.Source = c.cfg.ClientID
}

func (c *Client) registerPending(messageID string) chan *message.Message {
	ch := make(chan *message.Message, 1)
	c.mu.Lock()
	c.pending[messageID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregisterPending(messageID string) {
	c.mu.Lock()
	delete(c.pending, messageID)
	c.mu.Unlock()
}

// awaitReply blocks for the correlated reply on ch, returning (nil, nil)
// on a plain timeout (distinct from a connection-closed or context error,
// both of which are returned as err) so callers can tell "no answer yet"
// from "answer will never come".
func (c *Client) awaitReply(ctx context.Context, ch chan *message.Message, timeout time.Duration) (*message.Message, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("hmqclient: connection closed awaiting reply")
		}
		return m, nil
	case <-timeoutCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, fmt.Errorf("hmqclient: client closed")
	}
}
