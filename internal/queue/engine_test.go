package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/twino-framework/twino-mq/internal/handler"
	"github.com/twino-framework/twino-mq/internal/hmqerr"
	"github.com/twino-framework/twino-mq/internal/message"
	"github.com/twino-framework/twino-mq/internal/tracker"
)

type recordingConsumer struct {
	id       string
	mu       sync.Mutex
	received []*message.Message
	fail     bool
}

func (c *recordingConsumer) ID() string { return c.id }

func (c *recordingConsumer) Send(m *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errFakeSend
	}
	c.received = append(c.received, m)
	return nil
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

var errFakeSend = fakeSendError{}

type fakeSendError struct{}

func (fakeSendError) Error() string { return "send failed" }

type noopTracker struct{}

func (noopTracker) Follow(tracker.Record, time.Time)                          {}
func (noopTracker) ResolveAck(string, bool, string) (tracker.Record, bool)    { return tracker.Record{}, false }
func (noopTracker) ResolveResponse(string) (tracker.Record, bool)             { return tracker.Record{}, false }
func (noopTracker) CancelByConsumer(string) []tracker.Record                  { return nil }

// fakeTracker is a controllable stand-in for the broker's shared tracker,
// letting a test resolve an ack or drive a timeout at a moment of its own
// choosing instead of waiting on a real deadline.
type fakeTracker struct {
	mu      sync.Mutex
	records map[string]tracker.Record
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{records: make(map[string]tracker.Record)}
}

func (f *fakeTracker) Follow(rec tracker.Record, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.MessageID] = rec
}

func (f *fakeTracker) ResolveAck(messageID string, success bool, reason string) (tracker.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[messageID]
	if ok {
		delete(f.records, messageID)
	}
	return rec, ok
}

func (f *fakeTracker) ResolveResponse(string) (tracker.Record, bool) { return tracker.Record{}, false }

func (f *fakeTracker) CancelByConsumer(string) []tracker.Record { return nil }

func (f *fakeTracker) get(messageID string) (tracker.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[messageID]
	return rec, ok
}

// requeueOnNegativeHandler requeues to head on a negative ack, the way a
// broker wanting at-least-once redelivery would configure its handler
// chain; NoopHandler's own AcknowledgeReceived removes the message either
// way.
type requeueOnNegativeHandler struct{ handler.NoopHandler }

func (requeueOnNegativeHandler) AcknowledgeReceived(_ context.Context, ev handler.Event) handler.Decision {
	if ev.Success {
		return handler.Decision{Allow: true, Ack: handler.AckForward, Keep: handler.KeepRemove}
	}
	return handler.Decision{Allow: true, Ack: handler.AckForward, Keep: handler.KeepRequeueHead}
}

func newTestQueue(t *testing.T, name string, opts Options) *Queue {
	t.Helper()
	q := New(name, opts, handler.NoopHandler{}, noopTracker{}, nil, nil)
	go q.Run()
	t.Cleanup(q.Stop)
	return q
}

func pushSync(t *testing.T, q *Queue, m *message.Message) hmqerr.ResultCode {
	t.Helper()
	done := make(chan hmqerr.ResultCode, 1)
	q.Push(m, func(code hmqerr.ResultCode, reason string) { done <- code })
	select {
	case c := <-done:
		return c
	case <-time.After(time.Second):
		t.Fatalf("push callback never fired")
		return hmqerr.Failed
	}
}

func TestPushDispatchesImmediatelyToIdleConsumer(t *testing.T) {
	q := newTestQueue(t, "push-test", Options{Status: StatusPush})
	c := &recordingConsumer{id: "c1"}
	q.Subscribe(c)

	pushSync(t, q, message.New(message.TypeQueueMessage, 0))

	deadline := time.Now().Add(time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.count() != 1 {
		t.Fatalf("expected consumer to receive 1 message, got %d", c.count())
	}
}

// S4: Queue full.
func TestQueueFullRejectsThirdPush(t *testing.T) {
	q := newTestQueue(t, "full-test", Options{Status: StatusPaused, MessageLimit: 2})

	if code := pushSync(t, q, message.New(message.TypeQueueMessage, 0)); code != hmqerr.Ok {
		t.Fatalf("expected first push ok, got %v", code)
	}
	if code := pushSync(t, q, message.New(message.TypeQueueMessage, 0)); code != hmqerr.Ok {
		t.Fatalf("expected second push ok, got %v", code)
	}
	if code := pushSync(t, q, message.New(message.TypeQueueMessage, 0)); code != hmqerr.Failed {
		t.Fatalf("expected third push to fail with Limit, got %v", code)
	}
	if q.Len() != 2 {
		t.Fatalf("expected queue length to stay at 2, got %d", q.Len())
	}
}

// S5: Broadcast.
func TestBroadcastDeliversToEveryConsumerExactlyOnce(t *testing.T) {
	q := newTestQueue(t, "broadcast-test", Options{Status: StatusBroadcast})
	consumers := []*recordingConsumer{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, c := range consumers {
		q.Subscribe(c)
	}

	pushSync(t, q, message.New(message.TypeQueueMessage, 0))

	deadline := time.Now().Add(time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if q.Len() != 0 {
		t.Fatalf("expected message to be removed from queue after broadcast")
	}
	for _, c := range consumers {
		if c.count() != 1 {
			t.Fatalf("expected consumer %s to receive exactly 1 copy, got %d", c.id, c.count())
		}
	}
}

// S6: Pull.
func TestPullReturnsHeadAndEmptyOnExhaustion(t *testing.T) {
	q := newTestQueue(t, "pull-test", Options{Status: StatusPull})
	for i := 0; i < 5; i++ {
		pushSync(t, q, message.New(message.TypeQueueMessage, 0))
	}
	if q.Len() != 5 {
		t.Fatalf("expected 5 stored messages, got %d", q.Len())
	}

	msg, err := q.Pull()
	if err != nil || msg == nil {
		t.Fatalf("expected successful pull, got err=%v", err)
	}
	if q.Len() != 4 {
		t.Fatalf("expected 4 remaining after pull, got %d", q.Len())
	}

	for i := 0; i < 4; i++ {
		if _, err := q.Pull(); err != nil {
			t.Fatalf("unexpected pull error: %v", err)
		}
	}
	if _, err := q.Pull(); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty on exhausted pull queue, got %v", err)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	q := newTestQueue(t, "rr-test", Options{Status: StatusRoundRobin})
	consumers := []*recordingConsumer{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, c := range consumers {
		q.Subscribe(c)
	}

	const k = 4
	for i := 0; i < k*len(consumers); i++ {
		pushSync(t, q, message.New(message.TypeQueueMessage, 0))
	}

	deadline := time.Now().Add(time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for _, c := range consumers {
		if c.count() != k {
			t.Fatalf("expected consumer %s to receive exactly %d messages, got %d", c.id, k, c.count())
		}
	}
}

func TestOnlyConsumeRejectsNewPushesButStillDispatches(t *testing.T) {
	q := newTestQueue(t, "only-consume-test", Options{Status: StatusPaused})
	pushSync(t, q, message.New(message.TypeQueueMessage, 0))
	q.SetStatus(StatusOnlyConsume)

	if code := pushSync(t, q, message.New(message.TypeQueueMessage, 0)); code != hmqerr.Unacceptable {
		t.Fatalf("expected OnlyConsume to reject new pushes, got %v", code)
	}

	c := &recordingConsumer{id: "c1"}
	q.Subscribe(c)
	deadline := time.Now().Add(time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.count() != 1 {
		t.Fatalf("expected OnlyConsume to still dispatch the already-stored message")
	}
}

func TestSendFailureRequeuesAndDropsConsumer(t *testing.T) {
	q := newTestQueue(t, "failure-test", Options{Status: StatusPush})
	bad := &recordingConsumer{id: "bad", fail: true}
	q.Subscribe(bad)

	pushSync(t, q, message.New(message.TypeQueueMessage, 0))

	deadline := time.Now().Add(time.Second)
	for q.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if q.SubscriberCount() != 0 {
		t.Fatalf("expected unreachable consumer to be dropped")
	}
	if q.Len() != 1 {
		t.Fatalf("expected message requeued after send failure, got len=%d", q.Len())
	}
}

// S3: a negative ack requeues the delivered message to the head per the
// handler's keep decision, and redelivers it to the next idle consumer.
func TestAcknowledgeNegativeRequeuesToHead(t *testing.T) {
	trk := newFakeTracker()
	q := New("negack-test", Options{Status: StatusPush, Acknowledge: AckWaitForAcknowledge}, requeueOnNegativeHandler{}, trk, nil, nil)
	go q.Run()
	t.Cleanup(q.Stop)

	c := &recordingConsumer{id: "c1"}
	q.Subscribe(c)

	m := message.New(message.TypeQueueMessage, 0)
	m.MessageID = "m-1"
	done := make(chan hmqerr.ResultCode, 1)
	q.Push(m, func(code hmqerr.ResultCode, reason string) { done <- code })

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := trk.get("m-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the delivery to be followed by the tracker")
		}
		time.Sleep(time.Millisecond)
	}

	q.Acknowledge("m-1", false, "rejected")

	select {
	case code := <-done:
		if code != hmqerr.Failed {
			t.Fatalf("expected producer callback to see Failed on negative ack, got %v", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("producer callback never fired")
	}

	deadline = time.Now().Add(time.Second)
	for c.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.count() != 2 {
		t.Fatalf("expected the requeued message to be redelivered, got %d deliveries", c.count())
	}
	if c.received[1].MessageID != "m-1" {
		t.Fatalf("expected redelivery of the same message, got %q", c.received[1].MessageID)
	}
}

// S3 variant: an ack-deadline timeout requeues the message for redelivery,
// per NoopHandler's AcknowledgeTimedOut keep decision (requeue to tail).
func TestAcknowledgeTimeoutRequeuesToTail(t *testing.T) {
	trk := newFakeTracker()
	q := New("timeout-test", Options{Status: StatusPush, Acknowledge: AckWaitForAcknowledge, WaitForAck: true}, handler.NoopHandler{}, trk, nil, nil)
	go q.Run()
	t.Cleanup(q.Stop)

	c := &recordingConsumer{id: "c1"}
	q.Subscribe(c)

	m := message.New(message.TypeQueueMessage, 0)
	m.MessageID = "m-2"
	done := make(chan hmqerr.ResultCode, 1)
	q.Push(m, func(code hmqerr.ResultCode, reason string) { done <- code })

	var rec tracker.Record
	deadline := time.Now().Add(time.Second)
	for {
		var ok bool
		rec, ok = trk.get("m-2")
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the delivery to be followed by the tracker")
		}
		time.Sleep(time.Millisecond)
	}

	q.HandleExpired(tracker.Expired{Record: rec, Outcome: tracker.OutcomeTimedOut})

	select {
	case code := <-done:
		if code != hmqerr.Timeout {
			t.Fatalf("expected producer callback to see Timeout, got %v", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("producer callback never fired")
	}

	deadline = time.Now().Add(time.Second)
	for c.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.count() != 2 {
		t.Fatalf("expected the timed-out message to be redelivered, got %d deliveries", c.count())
	}
}
