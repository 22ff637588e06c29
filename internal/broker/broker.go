// Package broker wires together the client registry (C2), queue engines
// (C6), delivery tracker (C5), and router (C7) into one running HMQ
// broker instance. Shaped on the teacher's mq.Broker: a handful of maps
// guarded by one registry-style lock, a shared background worker (here
// the tracker's sweep goroutine instead of a cache janitor), and a single
// entry point other packages (the wire listener, the admin CLI) drive.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twino-framework/twino-mq/internal/cluster"
	"github.com/twino-framework/twino-mq/internal/handler"
	"github.com/twino-framework/twino-mq/internal/hmqerr"
	"github.com/twino-framework/twino-mq/internal/hmqwire"
	"github.com/twino-framework/twino-mq/internal/logging"
	"github.com/twino-framework/twino-mq/internal/message"
	"github.com/twino-framework/twino-mq/internal/persistence"
	"github.com/twino-framework/twino-mq/internal/queue"
	"github.com/twino-framework/twino-mq/internal/registry"
	"github.com/twino-framework/twino-mq/internal/router"
	"github.com/twino-framework/twino-mq/internal/tracker"
)

// Options configures broker-wide behavior, per spec section 6's "process
// state" list.
type Options struct {
	AutoQueueCreation  bool
	DefaultAckTimeout  time.Duration
	PersistenceDir     string // empty disables durable queues by default
	TrackerTick        time.Duration
	CompactionInterval time.Duration // how often durable queues are checked for background compaction
	Cluster            *cluster.Registry // nil disables cluster presence reporting
	BindingsFile       string            // optional bindings.yaml loaded into the "default" router on first use
}

// HandlerFactory builds the delivery-handler pipeline for a newly created
// queue. The broker's default factory returns a NoopHandler; brokers
// wanting durable or audited behavior supply their own (e.g. wrapping
// internal/audit's Postgres sink).
type HandlerFactory func(queueName string) handler.Handler

// Broker is one running HMQ broker instance: queues map, client registry,
// routers map, default delivery-handler factory, shared tracker, and
// options -- no other global state, per spec section 6.
type Broker struct {
	mu      sync.RWMutex
	queues  map[string]*queue.Queue
	routers map[string]*router.Router

	clients        *registry.Registry
	trk            *tracker.Tracker
	handlerFactory HandlerFactory
	options        Options

	clusterCancel  context.CancelFunc
	compactionStop chan struct{}
}

// New creates a Broker and starts its shared delivery-tracker sweep.
func New(options Options, handlerFactory HandlerFactory) *Broker {
	if handlerFactory == nil {
		handlerFactory = func(string) handler.Handler { return handler.NoopHandler{} }
	}
	if options.TrackerTick <= 0 {
		options.TrackerTick = 200 * time.Millisecond
	}

	b := &Broker{
		queues:         make(map[string]*queue.Queue),
		routers:        make(map[string]*router.Router),
		clients:        registry.New(),
		handlerFactory: handlerFactory,
		options:        options,
		compactionStop: make(chan struct{}),
	}
	b.trk = tracker.New(b.routeExpired)
	b.trk.Run(options.TrackerTick)

	b.clients.OnDisconnect(b.onClientDisconnect)

	if options.Cluster != nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.clusterCancel = cancel
		go options.Cluster.Run(ctx, func() int { return len(b.QueueNames()) })
	}

	if b.options.PersistenceDir != "" {
		go b.runCompactionLoop()
	}
	return b
}

// runCompactionLoop periodically checks every durable queue for background
// compaction (spec C8: "rewrites the file when more than half of records
// are tombstoned"), mirroring the shared tracker sweep's own ticker loop.
func (b *Broker) runCompactionLoop() {
	interval := b.options.CompactionInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.compactionStop:
			return
		case <-ticker.C:
			b.mu.RLock()
			queues := make([]*queue.Queue, 0, len(b.queues))
			for _, q := range b.queues {
				queues = append(queues, q)
			}
			b.mu.RUnlock()

			for _, q := range queues {
				if err := q.CompactPersistence(); err != nil {
					logging.Op().Error("background compaction failed", "queue", q.Name(), "err", err)
				}
			}
		}
	}
}

// routeExpired dispatches a timed-out tracker.Expired notification, which
// arrives on the tracker's own sweep goroutine, to its owning queue's actor
// channel. Spec section 5 requires hook/queue state only ever be touched
// from the queue's own serialized event stream; HandleExpired enforces that
// by posting onto the queue, never mutating it here. Other outcomes are
// reported synchronously by whoever resolved the record -- often the
// owning queue's own actor -- and are not forwarded: the queue ignores
// them, and posting back to a queue from inside its own actor would block.
func (b *Broker) routeExpired(e tracker.Expired) {
	if e.Outcome != tracker.OutcomeTimedOut {
		return
	}
	b.mu.RLock()
	q, ok := b.queues[normalize(e.Record.QueueName)]
	b.mu.RUnlock()
	if !ok {
		return
	}
	q.HandleExpired(e)
}

func (b *Broker) onClientDisconnect(clientID string) {
	b.mu.RLock()
	queues := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	for _, q := range queues {
		q.Unsubscribe(clientID)
	}
}

// normalize implements "Named within a broker namespace (case-insensitive)"
// from spec section 3.
func normalize(name string) string { return strings.ToLower(name) }

// Clients returns the broker's client registry (C2).
func (b *Broker) Clients() *registry.Registry { return b.clients }

// Tracker returns the broker's shared delivery tracker (C5).
func (b *Broker) Tracker() *tracker.Tracker { return b.trk }

// ClusterRegistry returns the broker's cluster presence registry, or nil
// if cluster reporting is disabled.
func (b *Broker) ClusterRegistry() *cluster.Registry { return b.options.Cluster }

// CreateQueue creates and starts a new queue, wiring in the broker's
// default handler factory, a durable persistence adapter if a persistence
// directory is configured, and the shared tracker.
func (b *Broker) CreateQueue(name string, opts queue.Options) (*queue.Queue, error) {
	key := normalize(name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[key]; exists {
		return nil, fmt.Errorf("broker: queue %q already exists", name)
	}

	var persist *persistence.Adapter
	var records []persistence.Record
	if b.options.PersistenceDir != "" {
		p, err := persistence.Open(b.options.PersistenceDir + "/" + key + ".hmqdata")
		if err != nil {
			return nil, fmt.Errorf("broker: opening persistence for %q: %w", name, err)
		}
		records, err = p.Replay()
		if err != nil {
			return nil, fmt.Errorf("broker: replaying persistence for %q: %w", name, err)
		}
		persist = p
		logging.Op().Info("replayed persisted records", "queue", name, "count", len(records))
	}

	if opts.AckTimeout <= 0 {
		opts.AckTimeout = b.options.DefaultAckTimeout
	}

	q := queue.New(name, opts, b.handlerFactory(name), b.trk, persist, func(m *message.Message) {
		b.routeMessage(m)
	})

	if len(records) > 0 {
		restored := make([]*message.Message, 0, len(records))
		for _, rec := range records {
			m, err := hmqwire.Decode(rec.Frame)
			if err != nil {
				logging.Op().Error("discarding unreadable persisted record", "queue", name, "message", rec.ID, "err", err)
				continue
			}
			restored = append(restored, m)
		}
		q.Restore(restored)
	}

	b.queues[key] = q
	go q.Run()
	return q, nil
}

// ResolveQueue returns an existing queue by name, satisfying
// router.QueueResolver.
func (b *Broker) ResolveQueue(name string) (router.QueuePusher, bool) {
	b.mu.RLock()
	q, ok := b.queues[normalize(name)]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &queuePusher{q}, true
}

// CreateQueueForRouting backs router.QueueResolver's CreateQueue: auto-creates a Running queue with
// default options, honoring options.AutoQueueCreation.
func (b *Broker) CreateQueueForRouting(name string) (router.QueuePusher, error) {
	if !b.options.AutoQueueCreation {
		return nil, errors.New("broker: auto queue creation disabled")
	}
	q, err := b.CreateQueue(name, queue.Options{Status: queue.StatusRunning})
	if err != nil {
		return nil, err
	}
	return &queuePusher{q}, nil
}

// queuePusher adapts queue.Queue's asynchronous, callback-based Push to
// router.QueuePusher's synchronous Push(m) error, by round-tripping
// through a one-shot channel.
type queuePusher struct{ q *queue.Queue }

func (p *queuePusher) Push(m *message.Message) error {
	done := make(chan error, 1)
	p.q.Push(m, func(code hmqerr.ResultCode, reason string) {
		if code == hmqerr.Ok {
			done <- nil
		} else {
			done <- fmt.Errorf("broker: routed push failed: %s (%s)", code, reason)
		}
	})
	return <-done
}

// Queue returns a previously created queue by name.
func (b *Broker) Queue(name string) (*queue.Queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[normalize(name)]
	return q, ok
}

// DeleteQueue stops a queue and drains it, per invariant 5: "Deleting a
// queue removes all subscriptions and cancels outstanding deliveries with
// a negative-ack to producers."
func (b *Broker) DeleteQueue(name string) error {
	key := normalize(name)

	b.mu.Lock()
	q, ok := b.queues[key]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("broker: no such queue %q", name)
	}
	delete(b.queues, key)
	routers := make([]*router.Router, 0, len(b.routers))
	for _, r := range b.routers {
		routers = append(routers, r)
	}
	b.mu.Unlock()

	q.SetStatus(queue.StatusStopped)
	q.Drain()
	q.Stop()

	for _, r := range routers {
		r.InvalidateQueue(name)
	}
	return nil
}

// Router returns the named router, creating it with the broker as its
// queue resolver if it does not already exist.
func (b *Broker) Router(name string, clients router.ClientSetResolver) *router.Router {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.routers[name]; ok {
		return r
	}
	r := router.New(routerResolverAdapter{b}, clients)
	if name == "default" && b.options.BindingsFile != "" {
		if err := router.LoadBindingsFile(r, b.options.BindingsFile); err != nil {
			logging.Op().Error("failed to load router bindings file", "path", b.options.BindingsFile, "err", err)
		}
	}
	b.routers[name] = r
	return r
}

// routerResolverAdapter lets Broker satisfy router.QueueResolver's
// CreateQueue(name) without exposing the broker's other CreateQueue
// overload (which also accepts queue.Options) through that interface.
type routerResolverAdapter struct{ b *Broker }

func (a routerResolverAdapter) ResolveQueue(name string) (router.QueuePusher, bool) {
	return a.b.ResolveQueue(name)
}

func (a routerResolverAdapter) CreateQueue(name string) (router.QueuePusher, error) {
	return a.b.CreateQueueForRouting(name)
}

// routeMessage hands a Route-status queue's message to the broker's
// default router, "default" -- the common case where a broker runs one
// binding table. Named routers are for brokers explicitly managing more
// than one.
func (b *Broker) routeMessage(m *message.Message) {
	b.mu.RLock()
	r, ok := b.routers["default"]
	b.mu.RUnlock()
	if !ok {
		logging.Op().Warn("route-status queue pushed with no default router configured", "target", m.Target)
		return
	}
	r.Route(m)
}

// QueueNames returns every currently registered queue name.
func (b *Broker) QueueNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for _, q := range b.queues {
		names = append(names, q.Name())
	}
	return names
}

// Close stops every queue and the shared tracker.
func (b *Broker) Close() {
	if b.options.PersistenceDir != "" {
		close(b.compactionStop)
	}

	b.mu.Lock()
	queues := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]*queue.Queue)
	b.mu.Unlock()

	for _, q := range queues {
		q.Stop()
	}
	b.trk.Stop()

	if b.clusterCancel != nil {
		b.clusterCancel()
	}
	if b.options.Cluster != nil {
		b.options.Cluster.Stop()
	}
}
