// Package router implements the router & bindings component (spec C7): an
// ordered table of rules that fan an inbound routed message out to zero or
// more queues or client sets. Shaped on the teacher's cluster.Router (an
// ordered rule table plus a short-lived resolution cache) generalized from
// routing cluster RPCs to routing HMQ messages.
package router

import (
	"sync"
	"time"

	"github.com/twino-framework/twino-mq/internal/message"
)

// Interaction controls whether Route waits for a reply from whatever it
// delivered to before returning.
type Interaction int

const (
	InteractionNone Interaction = iota
	InteractionResponse
	InteractionAcknowledge
)

// TargetKind says what a Binding forwards to.
type TargetKind int

const (
	TargetQueue TargetKind = iota
	TargetClientSet
)

// QueueResolver looks up (and optionally creates) a named queue. The
// broker implements this; the router only needs a narrow Pusher-shaped
// handle back, keeping the non-owning-reference discipline spec section 9
// asks of cyclic collaborators.
type QueueResolver interface {
	ResolveQueue(name string) (QueuePusher, bool)
	CreateQueue(name string) (QueuePusher, error)
}

// QueuePusher is the minimum a resolved queue must support to receive a
// routed message.
type QueuePusher interface {
	Push(m *message.Message) error
}

// ClientSetResolver resolves the "@name:X" / "@type:T" target syntax
// (spec section 6) to a set of deliverable clients.
type ClientSetResolver interface {
	DeliverToSet(selector string, firstOnly bool, m *message.Message) (delivered int, err error)
}

// Binding is one routing rule. Priority order is ascending (lower first,
// per spec C7); ties keep registration order.
type Binding struct {
	Priority      int
	Kind          TargetKind
	Target        string // queue name, or "@name:X" / "@type:T" selector
	FirstOnly     bool   // "only first receiver"
	AutoCreate    bool   // create the queue target if missing and the broker allows
	Interaction   Interaction
	cachedQueue   QueuePusher
	cachedAt      time.Time
}

// Result is returned for each binding a Route call touched, useful for
// logging and for tests asserting on spec scenario coverage.
type Result struct {
	Binding   *Binding
	Delivered int
	Err       error
}

// cacheTTL is the 60s queue-reference cache lifetime spec section 9 /
// Open Question 1 calls out explicitly.
const cacheTTL = 60 * time.Second

// Router owns an ordered, mutable binding table for one broker.
type Router struct {
	mu       sync.RWMutex
	bindings []*Binding
	queues   QueueResolver
	clients  ClientSetResolver
}

// New creates an empty Router.
func New(queues QueueResolver, clients ClientSetResolver) *Router {
	return &Router{queues: queues, clients: clients}
}

// Bind registers a binding, keeping the table sorted by ascending
// priority with stable order among equal priorities.
func (r *Router) Bind(b *Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := 0
	for ; i < len(r.bindings); i++ {
		if r.bindings[i].Priority > b.Priority {
			break
		}
	}
	r.bindings = append(r.bindings, nil)
	copy(r.bindings[i+1:], r.bindings[i:])
	r.bindings[i] = b
}

// Unbind removes every binding targeting name (queue name or selector).
func (r *Router) Unbind(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.bindings[:0]
	for _, b := range r.bindings {
		if b.Target != target {
			out = append(out, b)
		}
	}
	r.bindings = out
}

// InvalidateQueue marks target's cached queue reference stale, per Open
// Question 1's resolution: a queue delete during the 60s cache window must
// be observed as a cache miss on the very next route, not served from the
// cache for up to 60 more seconds.
func (r *Router) InvalidateQueue(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bindings {
		if b.Kind == TargetQueue && b.Target == name {
			b.cachedQueue = nil
			b.cachedAt = time.Time{}
		}
	}
}

// Route delivers m to every binding in priority order until a
// FirstOnly-satisfying delivery succeeds or the table is exhausted.
// Spec C7: "each returns success/fail and whether to continue" --
// Route's continue rule resolves Open Question 3: a failed binding never
// blocks the table, routing always proceeds to the next binding
// regardless of FirstOnly, since a message needing a home should not be
// dropped purely because its highest-priority binding happened to have no
// reachable receiver at that instant. See DESIGN.md for the rationale.
func (r *Router) Route(m *message.Message) []Result {
	r.mu.RLock()
	bindings := append([]*Binding(nil), r.bindings...)
	r.mu.RUnlock()

	results := make([]Result, 0, len(bindings))
	for _, b := range bindings {
		delivered, err := r.deliver(b, m)
		results = append(results, Result{Binding: b, Delivered: delivered, Err: err})
		if delivered > 0 && b.FirstOnly {
			break
		}
	}
	return results
}

func (r *Router) deliver(b *Binding, m *message.Message) (int, error) {
	switch b.Kind {
	case TargetQueue:
		q, err := r.resolveQueue(b)
		if err != nil {
			return 0, err
		}
		if err := q.Push(m); err != nil {
			return 0, err
		}
		return 1, nil
	case TargetClientSet:
		return r.clients.DeliverToSet(b.Target, b.FirstOnly, m)
	default:
		return 0, nil
	}
}

// resolveQueue returns b's target queue, using the 60s cache when fresh
// and not invalidated since it was populated.
func (r *Router) resolveQueue(b *Binding) (QueuePusher, error) {
	r.mu.RLock()
	cached := b.cachedQueue
	cachedAt := b.cachedAt
	r.mu.RUnlock()

	if cached != nil && time.Since(cachedAt) < cacheTTL {
		return cached, nil
	}

	q, ok := r.queues.ResolveQueue(b.Target)
	if !ok {
		if !b.AutoCreate {
			return nil, &NoSuchQueue{Name: b.Target}
		}
		created, err := r.queues.CreateQueue(b.Target)
		if err != nil {
			return nil, err
		}
		q = created
	}

	r.mu.Lock()
	b.cachedQueue = q
	b.cachedAt = time.Now()
	r.mu.Unlock()
	return q, nil
}

// NoSuchQueue is returned when a queue-binding's target does not exist
// and the binding disallows auto-creation.
type NoSuchQueue struct{ Name string }

func (e *NoSuchQueue) Error() string { return "router: no such queue: " + e.Name }
