// Package queue implements the queue engine (spec C6): a per-queue state
// machine and dispatcher. Each Queue is a single-writer actor -- every
// public method that touches subscription or message state posts an event
// onto the queue's own channel and the queue's Run goroutine is the only
// reader, matching spec section 5's single-writer discipline. Shaped on
// the teacher's asyncqueue.Worker (stopCh/taskCh/wg actor loop).
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twino-framework/twino-mq/internal/handler"
	"github.com/twino-framework/twino-mq/internal/hmqerr"
	"github.com/twino-framework/twino-mq/internal/hmqwire"
	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/message"
	"github.com/twino-framework/twino-mq/internal/metrics"
	"github.com/twino-framework/twino-mq/internal/observability"
	"github.com/twino-framework/twino-mq/internal/persistence"
	"github.com/twino-framework/twino-mq/internal/queuestore"
	"github.com/twino-framework/twino-mq/internal/tracker"
)

// Status is a queue's current place in the spec C6 state machine.
type Status int

const (
	StatusRunning Status = iota
	StatusPaused
	StatusOnlyConsume
	StatusOnlyPush
	StatusRoute
	StatusPull
	StatusRoundRobin
	StatusBroadcast
	StatusPush
	StatusStopped
)

var statusNames = [...]string{
	StatusRunning:     "running",
	StatusPaused:      "paused",
	StatusOnlyConsume: "only_consume",
	StatusOnlyPush:    "only_push",
	StatusRoute:       "route",
	StatusPull:        "pull",
	StatusRoundRobin:  "round_robin",
	StatusBroadcast:   "broadcast",
	StatusPush:        "push",
	StatusStopped:     "stopped",
}

// String renders a Status per the admin CLI/introspection surface's
// lowercase, underscore-separated spelling.
func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus parses String's output back into a Status.
func ParseStatus(s string) (Status, bool) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), true
		}
	}
	return 0, false
}

// Acknowledge is a queue's delivery-confirmation policy.
type Acknowledge int

const (
	AckNone Acknowledge = iota
	AckJustRequest
	AckWaitForAcknowledge
)

// AutoDestroy governs when an empty/unsubscribed queue removes itself.
type AutoDestroy int

const (
	AutoDestroyDisabled AutoDestroy = iota
	AutoDestroyNoMessagesAndConsumers
	AutoDestroyNoMessages
	AutoDestroyNoConsumers
)

// Options configures one queue, per spec section 3's QueueOptions.
type Options struct {
	Acknowledge          Acknowledge
	SendTimeout          time.Duration
	AckTimeout           time.Duration
	MessageLimit         int
	MessageSizeLimit     int
	DelayBetweenMessages time.Duration
	UseMessageID         bool
	WaitForAck           bool
	HideClientNames      bool
	Status               Status
	AutoDestroy          AutoDestroy
}

// Consumer is the minimum a subscriber must support to receive a message.
type Consumer interface {
	ID() string
	Send(m *message.Message) error
}

// ProducerCallback notifies a producer of the final outcome of a push
// made with acknowledge=WaitForAcknowledge, or waitResponse=true.
type ProducerCallback func(code hmqerr.ResultCode, reason string)

// subscription is a queue's bookkeeping for one subscribed consumer.
// Spec: "Association between a client and a queue: clientId, joinedAt."
type subscription struct {
	clientID string
	joinedAt time.Time
	consumer Consumer
}

// Tracker is the delivery-tracker surface the engine needs (spec C5). The
// broker supplies one shared Tracker instance across every queue.
type Tracker interface {
	Follow(rec tracker.Record, deadline time.Time)
	ResolveAck(messageID string, success bool, reason string) (tracker.Record, bool)
	ResolveResponse(messageID string) (tracker.Record, bool)
	CancelByConsumer(consumerID string) []tracker.Record
}

// RouteFunc hands a message to the router (C7) for a Route-status queue,
// which never stores messages of its own.
type RouteFunc func(m *message.Message)

// ErrEmpty is returned by Pull against a Pull-status queue with nothing
// stored, per spec scenario S6: "Pull on empty queue returns Empty."
var ErrEmpty = errors.New("queue: empty")

// Queue is one named queue's state machine and dispatcher.
type Queue struct {
	name    string
	options Options
	status  Status

	store    *queuestore.Store
	handlers handler.Handler
	trk      Tracker
	persist  *persistence.Adapter
	route    RouteFunc

	subs   []*subscription
	cursor int

	inFlight     map[string]string           // consumerID -> messageID awaiting ack, for invariant 2
	pending      map[string]*message.Message // messageID -> sent message, for requeue on Keep
	lastSendAt   map[string]time.Time
	producerCbs  map[string]ProducerCallback
	delayedRetry *time.Timer

	events chan func()
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a queue in options.Status, ready for Run.
func New(name string, options Options, handlers handler.Handler, trk Tracker, persist *persistence.Adapter, route RouteFunc) *Queue {
	if handlers == nil {
		handlers = handler.NoopHandler{}
	}
	return &Queue{
		name:        name,
		options:     options,
		status:      options.Status,
		store:       queuestore.New(options.MessageLimit),
		handlers:    handlers,
		trk:         trk,
		persist:     persist,
		route:       route,
		inFlight:    make(map[string]string),
		pending:     make(map[string]*message.Message),
		lastSendAt:  make(map[string]time.Time),
		producerCbs: make(map[string]ProducerCallback),
		events:      make(chan func(), 256),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Restore seeds the store with previously persisted messages, in original
// insertion order, without re-running the persistence write-through or
// handler pipeline. Call before Run: nothing else touches the store yet,
// so no actor-loop synchronization is needed.
func (q *Queue) Restore(messages []*message.Message) {
	for _, m := range messages {
		q.store.Push(m, m.HighPriority)
	}
}

// Run is the queue's single-writer actor loop. Call it in its own
// goroutine; Stop ends it.
func (q *Queue) Run() {
	defer close(q.done)
	for {
		select {
		case <-q.stopCh:
			return
		case fn := <-q.events:
			fn()
		}
	}
}

// Stop ends the actor loop and waits for it to drain.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.done
}

// post submits fn to run on the queue's own goroutine and blocks until it
// has executed, giving callers synchronous request/response semantics
// over the actor loop without any of them touching queue state directly.
func (q *Queue) post(fn func()) {
	done := make(chan struct{})
	q.events <- func() {
		fn()
		close(done)
	}
	<-done
}

// Drain unsubscribes every consumer, resolves every outstanding producer
// callback with a negative ack, and discards any still-stored messages,
// per invariant 5: deleting a queue removes all subscriptions and cancels
// outstanding deliveries with a negative-ack to producers. Call before
// Stop.
func (q *Queue) Drain() {
	q.post(func() {
		for _, s := range append([]*subscription(nil), q.subs...) {
			q.removeSubscription(s.clientID)
		}
		for id, cb := range q.producerCbs {
			delete(q.producerCbs, id)
			cb(hmqerr.Failed, "queue deleted")
		}
		for _, v := range q.store.Drain() {
			msg := v.(*message.Message)
			if q.persist != nil {
				if err := q.persist.Remove(msg.MessageID); err != nil {
					logging.Op().Error("queue persistence remove failed", "queue", q.name, "message", msg.MessageID, "err", err)
				}
			}
		}
	})
}

// Status returns the queue's current status.
func (q *Queue) Status() Status {
	var s Status
	q.post(func() { s = q.status })
	return s
}

// SetStatus drives the statusChange event; round-robin's cursor resets
// whenever the queue stops being RoundRobin, since the cursor's meaning
// is tied to that dispatch mode.
func (q *Queue) SetStatus(s Status) {
	q.post(func() {
		q.status = s
		if s != StatusRoundRobin {
			q.cursor = 0
		}
		q.trigger()
	})
}

// Len returns the number of messages currently stored.
func (q *Queue) Len() int {
	var n int
	q.post(func() { n = q.store.Len() })
	return n
}

// SubscriberCount returns the number of currently subscribed consumers.
func (q *Queue) SubscriberCount() int {
	var n int
	q.post(func() { n = len(q.subs) })
	return n
}

// Subscribe adds c as a subscriber and attempts dispatch, per spec C6:
// "Running: ... dispatch on push and on subscribe."
func (q *Queue) Subscribe(c Consumer) {
	q.post(func() {
		q.subs = append(q.subs, &subscription{clientID: c.ID(), joinedAt: time.Now(), consumer: c})
		metrics.SetSubscriberCount(q.name, len(q.subs))
		q.trigger()
	})
}

// Unsubscribe removes a consumer, cancels its in-flight deliveries via the
// tracker, and resets the round-robin cursor -- "on consumer-drop the
// cursor resets."
func (q *Queue) Unsubscribe(clientID string) {
	q.post(func() {
		q.removeSubscription(clientID)
		q.cursor = 0
		metrics.SetSubscriberCount(q.name, len(q.subs))
	})
}

func (q *Queue) removeSubscription(clientID string) {
	for i, s := range q.subs {
		if s.clientID == clientID {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			break
		}
	}
	delete(q.inFlight, clientID)
	delete(q.lastSendAt, clientID)
	if q.trk != nil {
		for _, rec := range q.trk.CancelByConsumer(clientID) {
			if rec.QueueName == q.name {
				q.requeueCanceled(rec)
			}
		}
	}
}

// requeueCanceled puts a delivery back in the store when its consumer
// disconnects before acking: the tracker cancels the in-flight record, and
// the sent message (held in pending since onSendSucceeded) goes back to
// the head of the queue for redelivery to another subscriber.
func (q *Queue) requeueCanceled(rec tracker.Record) {
	msg, ok := q.pending[rec.MessageID]
	delete(q.pending, rec.MessageID)
	if !ok {
		return
	}
	q.store.PushFront(msg, msg.HighPriority)
	metrics.SetQueueDepth(q.name, q.store.Len())
}

// Push runs the push protocol (spec section 4.6): ReceivedFromProducer,
// conditional enqueue and persistence write-through, then a dispatch
// attempt. cb, if non-nil, is invoked exactly once with the push's final
// disposition -- immediately for Ack/JustRequest policies, or later (from
// the ack/timeout path) for WaitForAcknowledge.
func (q *Queue) Push(m *message.Message, cb ProducerCallback) {
	q.post(func() { q.handlePush(m, cb) })
}

func (q *Queue) handlePush(m *message.Message, cb ProducerCallback) {
	if q.status == StatusStopped {
		q.respond(cb, hmqerr.Failed, "queue stopped")
		return
	}
	if q.status == StatusOnlyConsume {
		q.respond(cb, hmqerr.Unacceptable, "queue accepts no new messages")
		return
	}
	if m.Expired() {
		q.respond(cb, hmqerr.Failed, "message ttl expired")
		return
	}

	ctx := context.Background()
	ev := handler.Event{QueueName: q.name, MessageID: m.MessageID}
	decision := q.handlers.ReceivedFromProducer(ctx, ev)
	if !decision.Allow {
		q.respond(cb, hmqerr.Unauthorized, "denied by policy")
		return
	}

	if q.persist != nil && (decision.Save || q.handlers.SaveMessage(ctx, ev)) {
		if err := q.persist.Insert(m.MessageID, encodeForPersistence(m)); err != nil {
			logging.Op().Error("queue persistence insert failed", "queue", q.name, "message", m.MessageID, "err", err)
		}
	}

	if q.status == StatusRoute {
		if q.route != nil {
			q.route(m)
		}
		q.respond(cb, hmqerr.Ok, "")
		return
	}

	if err := q.store.Push(m, m.HighPriority); err != nil {
		q.respond(cb, hmqerr.Failed, "Limit")
		return
	}
	metrics.RecordPushEvent(q.name, true, "Ok")
	metrics.SetQueueDepth(q.name, q.store.Len())

	if q.options.Acknowledge == AckWaitForAcknowledge && cb != nil {
		q.producerCbs[m.MessageID] = cb
	} else {
		q.respond(cb, hmqerr.Ok, "")
	}

	q.trigger()
}

func (q *Queue) respond(cb ProducerCallback, code hmqerr.ResultCode, reason string) {
	if code != hmqerr.Ok {
		metrics.RecordPushEvent(q.name, false, code.String())
	}
	if cb != nil {
		cb(code, reason)
	}
}

// Pull services an explicit pull request against a Pull-status queue,
// per spec C6: "stores; does not dispatch spontaneously, only on explicit
// pull request."
func (q *Queue) Pull() (*message.Message, error) {
	var msg *message.Message
	var err error
	q.post(func() {
		if q.status != StatusPull {
			err = fmt.Errorf("queue: pull requested on non-Pull queue %q", q.name)
			return
		}
		v, ok := q.store.Pop()
		if !ok {
			err = ErrEmpty
			return
		}
		msg = v.(*message.Message)
	})
	return msg, err
}

// trigger attempts to dispatch, if the queue's status dispatches
// spontaneously on its own (every status except Paused, OnlyPush, Pull,
// Route, and Stopped).
func (q *Queue) trigger() {
	switch q.status {
	case StatusPaused, StatusOnlyPush, StatusPull, StatusRoute, StatusStopped:
		return
	case StatusBroadcast:
		q.dispatchBroadcast()
	default: // Running, OnlyConsume, Push, RoundRobin
		q.dispatchFanout(q.status == StatusRoundRobin)
	}
}

// dispatchFanout sends messages one at a time to a single idle consumer,
// honoring invariant 2 (no second send to a busy WaitForAcknowledge
// consumer) and delayBetweenMessages. roundRobin selects strictly in
// subscription order and advances a cursor; otherwise any idle consumer is
// picked, fairness being implementation-free per spec C6.
func (q *Queue) dispatchFanout(roundRobin bool) {
	ctx := context.Background()
	for {
		if q.store.Len() == 0 || len(q.subs) == 0 {
			return
		}
		gated := make(map[string]bool)
		sent := false

		for {
			candidate, idx := q.pickCandidate(roundRobin, gated)
			if candidate == nil {
				break // every subscriber is either busy or gated this pass
			}
			if wait := q.delayRemaining(candidate.clientID); wait > 0 {
				q.scheduleRetry(wait)
				return
			}

			beginDecision := q.handlers.BeginSend(ctx, handler.Event{QueueName: q.name, ConsumerID: candidate.clientID})
			if !beginDecision.Allow {
				return
			}
			canDecision := q.handlers.CanConsumerReceive(ctx, handler.Event{QueueName: q.name, ConsumerID: candidate.clientID})
			if !canDecision.Allow {
				gated[candidate.clientID] = true
				continue
			}

			if roundRobin {
				q.cursor = (idx + 1) % len(q.subs)
			}

			v, _ := q.store.Pop()
			msg := v.(*message.Message)
			dctx, span := observability.DispatchSpan(ctx, q.name, msg.MessageID, candidate.clientID)
			start := time.Now()
			if err := candidate.consumer.Send(msg); err != nil {
				observability.EndDispatchSpan(span, false, err.Error())
				metrics.RecordDispatch(q.name, "failed", float64(time.Since(start).Milliseconds()))
				q.onSendFailed(dctx, candidate, msg, err)
			} else {
				observability.EndDispatchSpan(span, true, "")
				metrics.RecordDispatch(q.name, "sent", float64(time.Since(start).Milliseconds()))
				q.onSendSucceeded(dctx, candidate, msg)
			}
			metrics.SetQueueDepth(q.name, q.store.Len())
			sent = true
			break
		}

		if !sent {
			return
		}
	}
}

// pickCandidate returns the next subscriber eligible to receive a
// message: not already busy awaiting an ack (invariant 2) and not in
// gated, the set CanConsumerReceive has already turned down this pass.
// roundRobin starts the scan at the cursor; otherwise scanning starts at
// the front each time, which is a valid fairness choice since spec C6
// leaves Push's selection implementation-free.
func (q *Queue) pickCandidate(roundRobin bool, gated map[string]bool) (*subscription, int) {
	n := len(q.subs)
	start := 0
	if roundRobin {
		start = q.cursor % n
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := q.subs[idx]
		if gated[s.clientID] {
			continue
		}
		if q.options.Acknowledge == AckWaitForAcknowledge {
			if _, busy := q.inFlight[s.clientID]; busy {
				continue
			}
		}
		return s, idx
	}
	return nil, -1
}

// dispatchBroadcast sends one popped message to every subscriber passing
// CanConsumerReceive, per spec scenario S5: the message is removed from
// the queue regardless of how many consumers actually received it.
func (q *Queue) dispatchBroadcast() {
	ctx := context.Background()
	for q.store.Len() > 0 && len(q.subs) > 0 {
		beginDecision := q.handlers.BeginSend(ctx, handler.Event{QueueName: q.name})
		if !beginDecision.Allow {
			return
		}
		v, _ := q.store.Pop()
		msg := v.(*message.Message)

		recipients := append([]*subscription(nil), q.subs...)
		for _, s := range recipients {
			canDecision := q.handlers.CanConsumerReceive(ctx, handler.Event{QueueName: q.name, ConsumerID: s.clientID})
			if !canDecision.Allow {
				continue
			}
			clone := msg.Clone(msg.MessageID, true)
			dctx, span := observability.DispatchSpan(ctx, q.name, clone.MessageID, s.clientID)
			start := time.Now()
			if err := s.consumer.Send(clone); err != nil {
				observability.EndDispatchSpan(span, false, err.Error())
				metrics.RecordDispatch(q.name, "failed", float64(time.Since(start).Milliseconds()))
				q.onSendFailed(dctx, s, clone, err)
				continue
			}
			observability.EndDispatchSpan(span, true, "")
			metrics.RecordDispatch(q.name, "sent", float64(time.Since(start).Milliseconds()))
			q.onSendSucceeded(dctx, s, clone)
		}
		q.handlers.EndSend(ctx, handler.Event{QueueName: q.name, MessageID: msg.MessageID})
		q.finalizeDelivered(msg.MessageID)
		metrics.SetQueueDepth(q.name, q.store.Len())
	}
}

func (q *Queue) onSendFailed(ctx context.Context, s *subscription, msg *message.Message, sendErr error) {
	decision := q.handlers.ConsumerReceiveFailed(ctx, handler.Event{
		QueueName: q.name, MessageID: msg.MessageID, ConsumerID: s.clientID, Err: sendErr,
	})
	if decision.Keep == handler.KeepRequeueHead || decision.Keep == handler.KeepNoOpinion {
		q.store.PushFront(msg, msg.HighPriority)
	}
	logging.Op().Warn("consumer write failed, dropping subscriber", "queue", q.name, "consumer", s.clientID, "err", sendErr)
	q.removeSubscription(s.clientID)
}

func (q *Queue) onSendSucceeded(ctx context.Context, s *subscription, msg *message.Message) {
	q.lastSendAt[s.clientID] = time.Now()
	decision := q.handlers.ConsumerReceived(ctx, handler.Event{QueueName: q.name, MessageID: msg.MessageID, ConsumerID: s.clientID})

	needsTracking := q.options.Acknowledge == AckWaitForAcknowledge || msg.WaitResponse
	if !needsTracking {
		q.handlers.EndSend(ctx, handler.Event{QueueName: q.name, MessageID: msg.MessageID, ConsumerID: s.clientID})
		q.applyKeep(msg, decision.Keep)
		return
	}

	q.inFlight[s.clientID] = msg.MessageID
	q.pending[msg.MessageID] = msg
	deadline := time.Now().Add(q.ackDeadline())
	if q.trk != nil {
		q.trk.Follow(tracker.Record{MessageID: msg.MessageID, QueueName: q.name, ConsumerID: s.clientID}, deadline)
	}
	q.handlers.EndSend(ctx, handler.Event{QueueName: q.name, MessageID: msg.MessageID, ConsumerID: s.clientID})
}

func (q *Queue) ackDeadline() time.Duration {
	if q.options.AckTimeout > 0 {
		return q.options.AckTimeout
	}
	return 30 * time.Second
}

func (q *Queue) delayRemaining(consumerID string) time.Duration {
	if q.options.DelayBetweenMessages <= 0 {
		return 0
	}
	last, ok := q.lastSendAt[consumerID]
	if !ok {
		return 0
	}
	elapsed := time.Since(last)
	if elapsed >= q.options.DelayBetweenMessages {
		return 0
	}
	return q.options.DelayBetweenMessages - elapsed
}

func (q *Queue) scheduleRetry(after time.Duration) {
	if q.delayedRetry != nil {
		return
	}
	q.delayedRetry = time.AfterFunc(after, func() {
		q.post(func() {
			q.delayedRetry = nil
			q.trigger()
		})
	})
}

// Acknowledge handles an inbound Acknowledge frame matching an in-flight
// delivery, per spec section 4.6's ack protocol.
func (q *Queue) Acknowledge(messageID string, success bool, reason string) {
	q.post(func() { q.handleAck(messageID, success, reason) })
}

func (q *Queue) handleAck(messageID string, success bool, reason string) {
	if q.trk == nil {
		return
	}
	rec, ok := q.trk.ResolveAck(messageID, success, reason)
	if !ok {
		return // late ack after timeout, ignored per spec section 5
	}
	delete(q.inFlight, rec.ConsumerID)

	outcome := "acknowledged"
	if !success {
		outcome = "negative_ack"
	}
	ctx, span := observability.ResolutionSpan(context.Background(), q.name, messageID, outcome)
	defer span.End()

	decision := q.handlers.AcknowledgeReceived(ctx, handler.Event{
		QueueName: q.name, MessageID: messageID, ConsumerID: rec.ConsumerID, Success: success, Reason: reason,
	})
	logging.Default().Log(&logging.DeliveryLog{
		MessageID: messageID, TraceID: observability.GetTraceID(ctx), SpanID: observability.GetSpanID(ctx),
		Queue: q.name, ConsumerID: rec.ConsumerID, Outcome: outcome, Success: success, Error: reason,
	})
	metrics.RecordDeliveryOutcome(q.name, outcome, success)

	if cb, ok := q.producerCbs[messageID]; ok {
		delete(q.producerCbs, messageID)
		if decision.Ack != handler.AckSuppress {
			if success {
				cb(hmqerr.Ok, "")
			} else {
				cb(hmqerr.Failed, reason)
			}
		}
	}

	q.applyKeepByID(messageID, decision.Keep, success)
	q.trigger()
}

// HandleExpired processes a tracker.Expired notification for this queue.
// The broker routes every Expired event to its owning queue's channel;
// this keeps the tracker's sweep goroutine from ever touching queue state
// directly.
func (q *Queue) HandleExpired(e tracker.Expired) {
	q.post(func() { q.handleExpired(e) })
}

func (q *Queue) handleExpired(e tracker.Expired) {
	if e.Outcome != tracker.OutcomeTimedOut {
		return
	}
	delete(q.inFlight, e.Record.ConsumerID)

	ctx, span := observability.ResolutionSpan(context.Background(), q.name, e.Record.MessageID, "timed_out")
	defer span.End()
	metrics.RecordAckTimeoutEvent(q.name)
	logging.Default().Log(&logging.DeliveryLog{
		MessageID: e.Record.MessageID, TraceID: observability.GetTraceID(ctx), SpanID: observability.GetSpanID(ctx),
		Queue: q.name, ConsumerID: e.Record.ConsumerID, Outcome: "timed_out", Success: false,
	})

	var decision handler.Decision
	ev := handler.Event{QueueName: q.name, MessageID: e.Record.MessageID, ConsumerID: e.Record.ConsumerID}
	if q.options.WaitForAck {
		decision = q.handlers.AcknowledgeTimedOut(ctx, ev)
	} else {
		decision = q.handlers.MessageTimedOut(ctx, ev)
	}

	if cb, ok := q.producerCbs[e.Record.MessageID]; ok {
		delete(q.producerCbs, e.Record.MessageID)
		cb(hmqerr.Timeout, "")
	}

	q.applyKeepByID(e.Record.MessageID, decision.Keep, false)
	q.trigger()
}

func (q *Queue) applyKeep(msg *message.Message, keep handler.KeepDecision) {
	switch keep {
	case handler.KeepRequeueHead:
		q.store.PushFront(msg, msg.HighPriority)
	case handler.KeepRequeueTail:
		q.store.Push(msg, msg.HighPriority)
	default:
		q.finalizeDelivered(msg.MessageID)
	}
}

// applyKeepByID handles keep decisions made after the message has already
// left the store (ack/timeout path). The sent message is recovered from
// pending (populated in onSendSucceeded) so KeepRequeueHead/KeepRequeueTail
// can actually put it back in the store instead of only logging the
// decision, per scenario S3.
func (q *Queue) applyKeepByID(messageID string, keep handler.KeepDecision, success bool) {
	msg, ok := q.pending[messageID]
	delete(q.pending, messageID)

	if ok && (keep == handler.KeepRequeueHead || keep == handler.KeepRequeueTail) {
		if keep == handler.KeepRequeueHead {
			q.store.PushFront(msg, msg.HighPriority)
		} else {
			q.store.Push(msg, msg.HighPriority)
		}
		metrics.SetQueueDepth(q.name, q.store.Len())
		logging.Op().Info("delivery requeued after resolution", "queue", q.name, "message", messageID, "success", success)
		return
	}

	q.finalizeDelivered(messageID)
}

func (q *Queue) finalizeDelivered(messageID string) {
	delete(q.pending, messageID)
	if q.persist != nil {
		if err := q.persist.Remove(messageID); err != nil {
			logging.Op().Error("queue persistence remove failed", "queue", q.name, "message", messageID, "err", err)
		}
	}
	q.handlers.MessageDequeued(context.Background(), handler.Event{QueueName: q.name, MessageID: messageID})
}

// CompactPersistence rewrites this queue's persistence file when more than
// half its records are tombstoned, keeping only messages the queue still
// holds -- stored or in-flight awaiting an ack -- per spec C8's
// background compaction. A no-op for queues with no persistence adapter
// or that have not crossed the tombstone threshold.
func (q *Queue) CompactPersistence() error {
	if q.persist == nil || !q.persist.NeedsCompaction() {
		return nil
	}
	var live []persistence.Record
	q.post(func() {
		seen := make(map[string]bool)
		for _, v := range q.store.Snapshot() {
			m := v.(*message.Message)
			if seen[m.MessageID] {
				continue
			}
			seen[m.MessageID] = true
			live = append(live, persistence.Record{Op: persistence.OpInsert, ID: m.MessageID, Frame: encodeForPersistence(m)})
		}
		for id, m := range q.pending {
			if seen[id] {
				continue
			}
			seen[id] = true
			live = append(live, persistence.Record{Op: persistence.OpInsert, ID: id, Frame: encodeForPersistence(m)})
		}
	})
	if err := q.persist.Compact(live); err != nil {
		return err
	}
	metrics.RecordCompactionEvent(q.name)
	return nil
}

// encodeForPersistence serializes m with the same wire codec hmqwire uses
// for on-the-wire frames; the engine hands C8 an opaque byte blob and never
// interprets a persisted frame itself, but reusing the wire layout means
// Restore can decode a replayed record straight back into a Message.
func encodeForPersistence(m *message.Message) []byte {
	return hmqwire.Encode(m)
}
