package handler

import (
	"context"
	"errors"
	"testing"
)

type stubHandler struct {
	NoopHandler
	decision    Decision
	exceptions  int
	dequeued    int
	saveResult  bool
	panicOnCall bool
}

func (s *stubHandler) ReceivedFromProducer(ctx context.Context, ev Event) Decision {
	if s.panicOnCall {
		panic("boom")
	}
	return s.decision
}

func (s *stubHandler) ExceptionThrown(ctx context.Context, ev Event) { s.exceptions++ }
func (s *stubHandler) MessageDequeued(ctx context.Context, ev Event) { s.dequeued++ }
func (s *stubHandler) SaveMessage(ctx context.Context, ev Event) bool { return s.saveResult }

func TestFoldAllowIsUnanimous(t *testing.T) {
	d := Fold([]Decision{{Allow: true}, {Allow: false}, {Allow: true}})
	if d.Allow {
		t.Fatalf("expected Allow=false when any decision denies")
	}
}

func TestFoldSaveIsAny(t *testing.T) {
	d := Fold([]Decision{{Allow: true, Save: false}, {Allow: true, Save: true}})
	if !d.Save {
		t.Fatalf("expected Save=true when any decision saves")
	}
}

func TestFoldStrongestAckAndKeep(t *testing.T) {
	d := Fold([]Decision{
		{Allow: true, Ack: AckNoOpinion, Keep: KeepNoOpinion},
		{Allow: true, Ack: AckForward, Keep: KeepRequeueHead},
		{Allow: true, Ack: AckSuppress, Keep: KeepRequeueTail},
	})
	if d.Ack != AckSuppress {
		t.Fatalf("expected strongest ack AckSuppress, got %v", d.Ack)
	}
	if d.Keep != KeepRequeueTail {
		t.Fatalf("expected strongest keep KeepRequeueTail, got %v", d.Keep)
	}
}

func TestChainReceivedFromProducerAggregates(t *testing.T) {
	h1 := &stubHandler{decision: Decision{Allow: true, Save: true}}
	h2 := &stubHandler{decision: Decision{Allow: false}}
	chain := NewChain(h1, h2)

	d := chain.ReceivedFromProducer(context.Background(), Event{})
	if d.Allow {
		t.Fatalf("expected chain decision Allow=false")
	}
	if !d.Save {
		t.Fatalf("expected chain decision Save=true")
	}
}

func TestChainRecoversFromPanicAndNotifiesException(t *testing.T) {
	h1 := &stubHandler{panicOnCall: true}
	h2 := &stubHandler{decision: Decision{Allow: true}}
	chain := NewChain(h1, h2)

	d := chain.ReceivedFromProducer(context.Background(), Event{})
	if d.Allow {
		t.Fatalf("expected panicking hook to fold to deny")
	}
	if h1.exceptions != 1 || h2.exceptions != 1 {
		t.Fatalf("expected both handlers notified of exception, got h1=%d h2=%d", h1.exceptions, h2.exceptions)
	}
}

func TestChainMessageDequeuedFansOutToAll(t *testing.T) {
	h1 := &stubHandler{}
	h2 := &stubHandler{}
	chain := NewChain(h1, h2)

	chain.MessageDequeued(context.Background(), Event{})
	if h1.dequeued != 1 || h2.dequeued != 1 {
		t.Fatalf("expected both handlers to observe dequeue")
	}
}

func TestChainSaveMessageRequiresAll(t *testing.T) {
	h1 := &stubHandler{saveResult: true}
	h2 := &stubHandler{saveResult: false}
	chain := NewChain(h1, h2)

	if chain.SaveMessage(context.Background(), Event{}) {
		t.Fatalf("expected SaveMessage to be false when any handler declines")
	}
}

func TestNoopHandlerDefaultsAreSane(t *testing.T) {
	var h NoopHandler
	ctx := context.Background()
	if !h.ReceivedFromProducer(ctx, Event{}).Allow {
		t.Fatalf("expected NoopHandler to allow by default")
	}
	if !h.SaveMessage(ctx, Event{}) {
		t.Fatalf("expected NoopHandler to save by default")
	}
	ackDecision := h.AcknowledgeReceived(ctx, Event{Err: errors.New("unused")})
	if ackDecision.Keep != KeepRemove {
		t.Fatalf("expected acknowledge-received default to remove the message")
	}
}
