package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/twino-framework/twino-mq/internal/broker"
	"github.com/twino-framework/twino-mq/internal/hmqclient"
	"github.com/twino-framework/twino-mq/internal/message"
	"github.com/twino-framework/twino-mq/internal/queue"
)

// startTestServer brings up a broker and its connection-handling server on
// an ephemeral localhost port and returns the address plus a cleanup func.
func startTestServer(t *testing.T) (addr string, b *broker.Broker, stop func()) {
	t.Helper()
	b = broker.New(broker.Options{AutoQueueCreation: true}, nil)
	srv := newServer(b, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.acceptLoop(ln)

	return ln.Addr().String(), b, func() {
		ln.Close()
		srv.closeAll()
		b.Close()
	}
}

func TestConnPushDeliversToSubscriber(t *testing.T) {
	addr, b, stop := startTestServer(t)
	defer stop()

	if _, err := b.CreateQueue("orders", queue.Options{Status: queue.StatusRunning}); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	received := make(chan *message.Message, 1)
	consumer := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "consumer-1", SubscribeQueues: []string{"orders"}})
	consumer.RegisterHandler(hmqclient.ConsumerDescriptor{Target: "orders", ContentType: 1}, func(m *message.Message) error {
		received <- m
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)
	defer consumer.Close()

	waitConnected(t, consumer)

	producer := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "producer-1"})
	go producer.Run(ctx)
	defer producer.Close()
	waitConnected(t, producer)

	m := message.New(message.TypeQueueMessage, 1)
	m.SetContentString("hello")
	if err := producer.Push("orders", m); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case got := <-received:
		if string(got.Content) != "hello" {
			t.Fatalf("expected content %q, got %q", "hello", got.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never received the pushed message")
	}
}

func TestConnPushAutoCreatesQueue(t *testing.T) {
	addr, b, stop := startTestServer(t)
	defer stop()

	producer := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "producer-1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go producer.Run(ctx)
	defer producer.Close()
	waitConnected(t, producer)

	m := message.New(message.TypeQueueMessage, 1)
	m.SetContentString("auto")
	code, _, err := producer.PushAndWaitAck(context.Background(), "new-queue", m, 2*time.Second)
	if err != nil {
		t.Fatalf("PushAndWaitAck: %v", err)
	}
	// no subscriber exists yet so an ack-policy-less push still returns Ok
	// once it lands in the (now auto-created) queue's store.
	_ = code

	if _, ok := b.Queue("new-queue"); !ok {
		t.Fatal("expected queue new-queue to have been auto-created")
	}
}

func TestConnDirectMessageBetweenClients(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	received := make(chan *message.Message, 1)
	bob := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "bob", Name: "bob", Type: "worker"})
	bob.RegisterHandler(hmqclient.ConsumerDescriptor{Target: "bob", ContentType: 5}, func(m *message.Message) error {
		received <- m
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bob.Run(ctx)
	defer bob.Close()
	waitConnected(t, bob)

	alice := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "alice", Name: "alice", Type: "worker"})
	go alice.Run(ctx)
	defer alice.Close()
	waitConnected(t, alice)

	m := message.New(message.TypeDirectMessage, 5)
	m.SetContentString("hi bob")
	if err := alice.Push("bob", m); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case got := <-received:
		if string(got.Content) != "hi bob" {
			t.Fatalf("expected %q, got %q", "hi bob", got.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received alice's direct message")
	}
}

func TestConnDirectMessageByTypeSelector(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	received := make(chan *message.Message, 1)
	worker := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "worker-1", Name: "w1", Type: "worker"})
	worker.RegisterHandler(hmqclient.ConsumerDescriptor{Target: "worker-1", ContentType: 9}, func(m *message.Message) error {
		received <- m
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)
	defer worker.Close()
	waitConnected(t, worker)

	dispatcher := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "dispatcher"})
	go dispatcher.Run(ctx)
	defer dispatcher.Close()
	waitConnected(t, dispatcher)

	m := message.New(message.TypeDirectMessage, 9)
	m.SetContentString("work item")
	if err := dispatcher.Push("@type:worker", m); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case got := <-received:
		if string(got.Content) != "work item" {
			t.Fatalf("expected %q, got %q", "work item", got.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the @type: broadcast")
	}
}

func waitConnected(t *testing.T, c *hmqclient.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never connected")
}
