package main

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twino-framework/twino-mq/internal/adminproto"
	"github.com/twino-framework/twino-mq/internal/broker"
	"github.com/twino-framework/twino-mq/internal/hmqerr"
	"github.com/twino-framework/twino-mq/internal/hmqwire"
	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/message"
	"github.com/twino-framework/twino-mq/internal/queue"
)

// server accepts HMQP/2.1 connections for one Broker and tracks them for
// shutdown and for "@name:X" / "@type:T" direct-message delivery, acting
// as the broker's router.ClientSetResolver.
type server struct {
	b *broker.Broker

	heartbeatTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*conn
}

func newServer(b *broker.Broker, heartbeatTimeout time.Duration) *server {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &server{b: b, heartbeatTimeout: heartbeatTimeout, conns: make(map[string]*conn)}
}

func (s *server) acceptLoop(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Warn("hmqd: accept failed", "err", err)
			continue
		}
		go s.handleConn(raw)
	}
}

func (s *server) handleConn(raw net.Conn) {
	wc := hmqwire.NewConn(raw)
	hello, err := wc.ServerHandshake()
	if err != nil {
		logging.Op().Warn("hmqd: handshake failed", "remote", raw.RemoteAddr(), "err", err)
		raw.Close()
		return
	}

	id, _ := hello.Header("Client-Id")
	if id == "" {
		id = uuid.NewString()
	}
	name, _ := hello.Header("Client-Name")
	typ, _ := hello.Header("Client-Type")

	c := &conn{id: id, name: name, typ: typ, wire: wc, srv: s}
	s.b.Clients().Add(c)
	s.addConn(c)
	logging.Op().Info("hmqd: client connected", "id", id, "name", name, "type", typ, "remote", raw.RemoteAddr())

	for _, h := range hello.Headers {
		if h.Name == "Subscribe-Queue" && h.Value != "" {
			c.subscribeTo(h.Value)
		}
	}

	c.readLoop()

	s.removeConn(id)
	s.b.Clients().RemoveByID(id)
	wc.Close()
	logging.Op().Info("hmqd: client disconnected", "id", id)
}

func (s *server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *server) removeConn(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// closeAll closes every live connection, for graceful shutdown.
func (s *server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.wire.Close()
	}
}

// DeliverToSet implements router.ClientSetResolver for the "@name:X" /
// "@type:T" selector syntax (spec section 6), resolving against the
// broker's client registry and writing directly to each matched
// connection's socket.
func (s *server) DeliverToSet(selector string, firstOnly bool, m *message.Message) (int, error) {
	var targets []interface{ ID() string }
	switch {
	case strings.HasPrefix(selector, "@name:"):
		for _, cl := range s.b.Clients().FindByName(strings.TrimPrefix(selector, "@name:")) {
			targets = append(targets, cl)
		}
	case strings.HasPrefix(selector, "@type:"):
		for _, cl := range s.b.Clients().FindByType(strings.TrimPrefix(selector, "@type:")) {
			targets = append(targets, cl)
		}
	default:
		return 0, errors.New("hmqd: unrecognized client-set selector " + selector)
	}

	delivered := 0
	for _, t := range targets {
		c, ok := s.connByID(t.ID())
		if !ok {
			continue
		}
		clone := m.Clone("", false)
		clone.SetTarget(t.ID())
		if err := c.Send(clone); err != nil {
			logging.Op().Warn("hmqd: direct delivery failed", "target", t.ID(), "err", err)
			continue
		}
		delivered++
		if firstOnly {
			break
		}
	}
	return delivered, nil
}

func (s *server) connByID(id string) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// resolveOrCreateQueue returns the named queue, creating it running and
// unpersisted if it does not exist yet -- a client's own Subscribe-Queue
// header is an explicit request, independent of AutoQueueCreation (which
// gates auto-creation only on the producer/routing side).
func (s *server) resolveOrCreateQueue(name string) (*queue.Queue, error) {
	if q, ok := s.b.Queue(name); ok {
		return q, nil
	}
	return s.b.CreateQueue(name, queue.Options{Status: queue.StatusRunning})
}

// conn is one connection's registry.Client + queue.Consumer adapter: the
// broker addresses it by ID, and the router/queue engine deliver to it
// through Send.
type conn struct {
	id   string
	name string
	typ  string
	wire *hmqwire.Conn
	srv  *server

	writeMu sync.Mutex
}

func (c *conn) ID() string   { return c.id }
func (c *conn) Name() string { return c.name }
func (c *conn) Type() string { return c.typ }

// Send implements queue.Consumer, writing m as a regular frame. Safe for
// concurrent use: a queue's dispatcher and a router's DeliverToSet may
// both write to the same connection.
func (c *conn) Send(m *message.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.Send(m)
}

func (c *conn) subscribeTo(queueName string) {
	q, err := c.srv.resolveOrCreateQueue(queueName)
	if err != nil {
		logging.Op().Warn("hmqd: subscribe failed", "client", c.id, "queue", queueName, "err", err)
		return
	}
	q.Subscribe(c)
}

// readLoop reads frames from the connection until it closes or the
// heartbeat deadline lapses without a Ping, replying to keepalives and
// dispatching message frames to their target queue.
func (c *conn) readLoop() {
	for {
		c.wire.SetReadDeadline(time.Now().Add(c.srv.heartbeatTimeout))
		frame, err := c.wire.Receive()
		if err != nil {
			return
		}
		if frame.IsPing {
			if err := c.writePong(); err != nil {
				return
			}
			continue
		}
		if frame.IsPong || frame.Message == nil {
			continue
		}
		c.dispatch(frame.Message)
	}
}

func (c *conn) writePong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.SendPong()
}

// dispatch routes one inbound application frame per its Type, per spec
// section 6's frame layout.
func (c *conn) dispatch(m *message.Message) {
	switch m.Type {
	case message.TypeQueueMessage:
		c.handlePush(m)
	case message.TypeRouter:
		c.handleRoute(m)
	case message.TypeQueuePullRequest:
		c.handlePull(m)
	case message.TypeAcknowledge:
		c.handleAcknowledge(m)
	case message.TypeDirectMessage:
		c.handleDirect(m)
	default:
		logging.Op().Debug("hmqd: unhandled frame type", "client", c.id, "type", m.Type)
	}
}

func (c *conn) handlePush(m *message.Message) {
	m.SetSource(c.id)
	q, ok := c.srv.b.Queue(m.Target)
	if !ok {
		// A push to a missing queue creates it only when the broker's
		// AutoQueueCreation option allows.
		if _, err := c.srv.b.CreateQueueForRouting(m.Target); err != nil {
			c.Send(m.CreateAcknowledge(err.Error()))
			return
		}
		if q, ok = c.srv.b.Queue(m.Target); !ok {
			c.Send(m.CreateAcknowledge("queue not found"))
			return
		}
	}
	q.Push(m, func(code hmqerr.ResultCode, reason string) {
		if !m.WaitResponse && !m.PendingAcknowledge {
			return
		}
		if code == hmqerr.Ok {
			c.Send(m.CreateAcknowledge(""))
		} else {
			c.Send(m.CreateAcknowledge(reason))
		}
	})
}

// handleRoute hands a Router-frame off to the broker's default binding
// table rather than treating m.Target as a literal queue name: spec
// section 6's Router frame addresses a routing key, and the router
// resolves that key's bindings to queues/client-sets on its own.
func (c *conn) handleRoute(m *message.Message) {
	m.SetSource(c.id)
	r := c.srv.b.Router("default", c.srv)
	results := r.Route(m)

	if !m.PendingAcknowledge && !m.WaitResponse {
		return
	}
	for _, res := range results {
		if res.Delivered > 0 && res.Err == nil {
			c.Send(m.CreateAcknowledge(""))
			return
		}
	}
	c.Send(m.CreateAcknowledge("no binding delivered"))
}

func (c *conn) handlePull(m *message.Message) {
	q, ok := c.srv.b.Queue(m.Target)
	if !ok {
		c.Send(m.CreateAcknowledge("no such queue"))
		return
	}
	reply, err := q.Pull()
	if err != nil {
		c.Send(m.CreateAcknowledge(err.Error()))
		return
	}
	reply.SetTarget(c.id)
	c.Send(reply)
}

func (c *conn) handleAcknowledge(m *message.Message) {
	q, ok := c.srv.b.Queue(m.Source)
	if !ok {
		return
	}
	reason, negative := m.IsNegativeAck()
	q.Acknowledge(m.MessageID, !negative, reason)
}

func (c *conn) handleDirect(m *message.Message) {
	m.SetSource(c.id)
	if m.Target == adminproto.Target {
		c.handleAdmin(m)
		return
	}
	if strings.HasPrefix(m.Target, "@") {
		if _, err := c.srv.DeliverToSet(m.Target, m.FirstAcquirerOnly, m); err != nil {
			logging.Op().Warn("hmqd: direct message delivery failed", "client", c.id, "target", m.Target, "err", err)
		}
		return
	}
	target, ok := c.srv.connByID(m.Target)
	if !ok {
		return
	}
	target.Send(m)
}
