package audit

import (
	"context"
	"testing"
	"time"

	"github.com/twino-framework/twino-mq/internal/handler"
)

func newTestSink(buf int) *Sink {
	return &Sink{
		batchSize: 10,
		entries:   make(chan Entry, buf),
		done:      make(chan struct{}),
	}
}

func TestHandlerSaveMessageEnqueuesEntry(t *testing.T) {
	s := newTestSink(4)
	h := NewHandler(s)

	if ok := h.SaveMessage(context.Background(), handler.Event{QueueName: "orders", MessageID: "m1"}); !ok {
		t.Fatalf("expected SaveMessage to allow")
	}

	select {
	case e := <-s.entries:
		if e.QueueName != "orders" || e.MessageID != "m1" || e.Event != "saved" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an audit entry to be enqueued")
	}
}

func TestHandlerAcknowledgeReceivedRecordsOutcome(t *testing.T) {
	s := newTestSink(4)
	h := NewHandler(s)

	d := h.AcknowledgeReceived(context.Background(), handler.Event{
		QueueName: "orders", MessageID: "m1", ConsumerID: "c1", Success: false, Reason: "busy",
	})
	if d.Ack != handler.AckForward || d.Keep != handler.KeepRemove {
		t.Fatalf("unexpected decision: %+v", d)
	}

	e := <-s.entries
	if e.Event != "acknowledged" || e.Success || e.Reason != "busy" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestHandlerDropsEntryWhenBufferFull(t *testing.T) {
	s := newTestSink(1)
	h := NewHandler(s)

	h.SaveMessage(context.Background(), handler.Event{QueueName: "q", MessageID: "1"})
	h.SaveMessage(context.Background(), handler.Event{QueueName: "q", MessageID: "2"})

	if len(s.entries) != 1 {
		t.Fatalf("expected buffer to stay at capacity 1, got %d", len(s.entries))
	}
}
