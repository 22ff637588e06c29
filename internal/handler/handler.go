// Package handler implements the delivery-handler pipeline (spec C4): an
// ordered set of hooks the queue engine invokes at every queue event, each
// returning a Decision the engine folds into a final outcome. Handler
// composition is the broker's only extension surface -- a non-durable
// broker, a just-allow broker, and a persistent-ack broker are all the
// same engine wired to a different Handler.
//
// Shaped on the teacher's pluggable-interface packages (logsink.LogSink,
// executor.Invoker): a small interface, a handful of composable
// implementations, and a NoopHandler default so every hook is always safe
// to call even when a broker wires nothing custom.
package handler

import "context"

// AckDecision is how strongly a handler wants an acknowledge-driven
// outcome to go; decisions are folded across the pipeline, keeping the
// strongest.
type AckDecision int

const (
	AckNoOpinion AckDecision = iota
	AckForward               // forward the ack/nack to the original producer
	AckSuppress              // do not forward anything to the producer
)

// KeepDecision says what happens to the message in the queue store.
type KeepDecision int

const (
	KeepNoOpinion KeepDecision = iota
	KeepRemove                 // drop the message, delivery is final
	KeepRequeueHead            // put the message back at the head of its queue
	KeepRequeueTail            // put the message back at the tail of its queue
)

// Decision is returned by every hook. The engine folds a slice of
// Decisions with Fold: allow is AND'd, save is OR'd, and ack/keep take the
// strongest (highest-valued, non-NoOpinion) vote.
type Decision struct {
	Allow bool
	Save  bool
	Ack   AckDecision
	Keep  KeepDecision
}

// Allowed is the all-clear zero-opinion decision most no-op hooks return.
var Allowed = Decision{Allow: true}

// Denied is a deny-with-no-other-opinion decision.
var Denied = Decision{Allow: false}

// Fold combines decisions from every handler invoked for one hook point
// into the engine's final outcome, per spec C4: "allow := all allow, save
// := any save, and the strongest ack/keep."
func Fold(decisions []Decision) Decision {
	out := Decision{Allow: true}
	for _, d := range decisions {
		if !d.Allow {
			out.Allow = false
		}
		if d.Save {
			out.Save = true
		}
		if d.Ack > out.Ack {
			out.Ack = d.Ack
		}
		if d.Keep > out.Keep {
			out.Keep = d.Keep
		}
	}
	return out
}

// Event carries whatever context a hook needs. Not every field is
// populated for every hook; the field comments below say which hooks
// Reason, Success and Err are meaningful for.
type Event struct {
	QueueName   string
	MessageID   string
	ConsumerID  string
	Reason      string // negative-ack reason, or I/O error text
	Success     bool   // for AcknowledgeReceived: positive vs negative ack
	Err         error  // for ConsumerReceiveFailed / ExceptionThrown
}

// Handler is the full hook set spec C4 requires implementations to cover,
// even as no-ops. Handlers receive their Event as a parameter rather than
// storing a reference to the queue or broker, per spec section 9's note on
// cyclic references.
type Handler interface {
	ReceivedFromProducer(ctx context.Context, ev Event) Decision
	BeginSend(ctx context.Context, ev Event) Decision
	CanConsumerReceive(ctx context.Context, ev Event) Decision
	ConsumerReceived(ctx context.Context, ev Event) Decision
	ConsumerReceiveFailed(ctx context.Context, ev Event) Decision
	EndSend(ctx context.Context, ev Event) Decision
	AcknowledgeReceived(ctx context.Context, ev Event) Decision
	MessageTimedOut(ctx context.Context, ev Event) Decision
	AcknowledgeTimedOut(ctx context.Context, ev Event) Decision
	MessageDequeued(ctx context.Context, ev Event)
	ExceptionThrown(ctx context.Context, ev Event)
	SaveMessage(ctx context.Context, ev Event) bool
}

// NoopHandler allows every event and votes to save every message. Its keep
// decisions: requeue to head on a failed write, forward the ack and remove
// on AcknowledgeReceived, remove on MessageTimedOut, requeue to tail on
// AcknowledgeTimedOut; the remaining hooks have no opinion on ack/keep.
// Useful as a base to embed when a broker only wants to override a couple
// of hooks.
type NoopHandler struct{}

func (NoopHandler) ReceivedFromProducer(context.Context, Event) Decision   { return Allowed }
func (NoopHandler) BeginSend(context.Context, Event) Decision              { return Allowed }
func (NoopHandler) CanConsumerReceive(context.Context, Event) Decision     { return Allowed }
func (NoopHandler) ConsumerReceived(context.Context, Event) Decision       { return Decision{Allow: true} }
func (NoopHandler) ConsumerReceiveFailed(context.Context, Event) Decision  { return Decision{Allow: true, Keep: KeepRequeueHead} }
func (NoopHandler) EndSend(context.Context, Event) Decision                { return Decision{Allow: true} }
func (NoopHandler) AcknowledgeReceived(context.Context, Event) Decision    { return Decision{Allow: true, Ack: AckForward, Keep: KeepRemove} }
func (NoopHandler) MessageTimedOut(context.Context, Event) Decision        { return Decision{Allow: true, Keep: KeepRemove} }
func (NoopHandler) AcknowledgeTimedOut(context.Context, Event) Decision    { return Decision{Allow: true, Keep: KeepRequeueTail} }
func (NoopHandler) MessageDequeued(context.Context, Event)                 {}
func (NoopHandler) ExceptionThrown(context.Context, Event)                 {}
func (NoopHandler) SaveMessage(context.Context, Event) bool                { return true }

// Chain invokes a fixed ordered list of Handlers for every hook and folds
// their decisions, matching spec C4's "engine invokes them in registration
// order". A Chain is itself a Handler, so chains can nest.
type Chain struct {
	handlers []Handler
}

// NewChain builds a Chain from handlers in registration order. A failing
// (panicking) handler is never allowed to bring down the queue's actor
// goroutine -- see invoke, which recovers and routes into ExceptionThrown.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

func (c *Chain) invoke(ctx context.Context, ev Event, call func(Handler) Decision) Decision {
	decisions := make([]Decision, 0, len(c.handlers))
	for _, h := range c.handlers {
		d := c.safeCall(ctx, ev, h, call)
		decisions = append(decisions, d)
	}
	return Fold(decisions)
}

// safeCall recovers from a panicking hook and treats it as ExceptionThrown
// with allow=false, save=false, keep=false, per spec section 7: "Errors
// inside hooks are caught, logged ..., and treated as allow=false,
// save=false, keep=false unless the hook set is configured otherwise."
func (c *Chain) safeCall(ctx context.Context, ev Event, h Handler, call func(Handler) Decision) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = Decision{}
			for _, other := range c.handlers {
				other.ExceptionThrown(ctx, ev)
			}
		}
	}()
	return call(h)
}

func (c *Chain) ReceivedFromProducer(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.ReceivedFromProducer(ctx, ev) })
}

func (c *Chain) BeginSend(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.BeginSend(ctx, ev) })
}

func (c *Chain) CanConsumerReceive(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.CanConsumerReceive(ctx, ev) })
}

func (c *Chain) ConsumerReceived(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.ConsumerReceived(ctx, ev) })
}

func (c *Chain) ConsumerReceiveFailed(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.ConsumerReceiveFailed(ctx, ev) })
}

func (c *Chain) EndSend(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.EndSend(ctx, ev) })
}

func (c *Chain) AcknowledgeReceived(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.AcknowledgeReceived(ctx, ev) })
}

func (c *Chain) MessageTimedOut(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.MessageTimedOut(ctx, ev) })
}

func (c *Chain) AcknowledgeTimedOut(ctx context.Context, ev Event) Decision {
	return c.invoke(ctx, ev, func(h Handler) Decision { return h.AcknowledgeTimedOut(ctx, ev) })
}

func (c *Chain) MessageDequeued(ctx context.Context, ev Event) {
	for _, h := range c.handlers {
		h.MessageDequeued(ctx, ev)
	}
}

func (c *Chain) ExceptionThrown(ctx context.Context, ev Event) {
	for _, h := range c.handlers {
		h.ExceptionThrown(ctx, ev)
	}
}

func (c *Chain) SaveMessage(ctx context.Context, ev Event) bool {
	ok := true
	for _, h := range c.handlers {
		if !h.SaveMessage(ctx, ev) {
			ok = false
		}
	}
	return ok
}
