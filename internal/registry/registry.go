// Package registry implements the broker's client registry (spec C2):
// every connected client is indexed by id, name, and type so the router
// and queue engine can resolve "@name:X" / "@type:T" targets and a plain
// connection id without scanning every connection. Shaped on the
// teacher's cluster.Registry (map + sync.RWMutex, register/lookup by key)
// but reader-preferring since lookups vastly outnumber
// connects/disconnects on a running broker.
package registry

import "sync"

// Client is the minimal surface the registry needs from a connection; the
// broker's connection type implements it alongside whatever else it needs
// for I/O.
type Client interface {
	ID() string
	Name() string
	Type() string
}

// DisconnectListener is notified when a client is removed from the
// registry, so the queue engine can cancel in-flight deliveries
// (delivery tracker's cancelByConsumer) and drop subscriptions.
type DisconnectListener func(clientID string)

// clientSet is a name/type index bucket that remembers insertion order, so
// "first acquirer" selection (spec glossary: "deliver only to the first
// found in the client registry's scan order") is a stable, reproducible
// scan rather than Go's randomized map iteration order.
type clientSet struct {
	order []string
	byID  map[string]Client
}

func newClientSet() *clientSet {
	return &clientSet{byID: make(map[string]Client)}
}

func (s *clientSet) add(c Client) {
	if _, exists := s.byID[c.ID()]; !exists {
		s.order = append(s.order, c.ID())
	}
	s.byID[c.ID()] = c
}

func (s *clientSet) remove(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *clientSet) snapshot() []Client {
	out := make([]Client, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Registry indexes connected clients by id (primary), name, and type.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]Client
	byName   map[string]*clientSet
	byType   map[string]*clientSet
	onRemove []DisconnectListener
}

// New creates an empty client registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]Client),
		byName: make(map[string]*clientSet),
		byType: make(map[string]*clientSet),
	}
}

// OnDisconnect registers a callback invoked after a client is removed.
// Callbacks run synchronously, in registration order, under no lock.
func (r *Registry) OnDisconnect(fn DisconnectListener) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

// Add registers a client. A second Add for the same id replaces the first.
func (r *Registry) Add(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[c.ID()] = c
	if c.Name() != "" {
		set, ok := r.byName[c.Name()]
		if !ok {
			set = newClientSet()
			r.byName[c.Name()] = set
		}
		set.add(c)
	}
	if c.Type() != "" {
		set, ok := r.byType[c.Type()]
		if !ok {
			set = newClientSet()
			r.byType[c.Type()] = set
		}
		set.add(c)
	}
}

// RemoveByID unregisters a client and runs disconnect listeners.
func (r *Registry) RemoveByID(id string) {
	r.mu.Lock()
	c, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	if set, ok := r.byName[c.Name()]; ok {
		set.remove(id)
		if len(set.byID) == 0 {
			delete(r.byName, c.Name())
		}
	}
	if set, ok := r.byType[c.Type()]; ok {
		set.remove(id)
		if len(set.byID) == 0 {
			delete(r.byType, c.Type())
		}
	}
	listeners := append([]DisconnectListener(nil), r.onRemove...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(id)
	}
}

// FindByID returns the client registered under id, if any.
func (r *Registry) FindByID(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// FindByName returns every client registered under name, in insertion
// order -- the order "first acquirer" semantics pick from.
func (r *Registry) FindByName(name string) []Client {
	return snapshot(r, r.byName, name)
}

// FindByType returns every client registered under type t, in insertion
// order.
func (r *Registry) FindByType(t string) []Client {
	return snapshot(r, r.byType, t)
}

func snapshot(r *Registry, index map[string]*clientSet, key string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := index[key]
	if !ok {
		return nil
	}
	return set.snapshot()
}

// Broadcast calls fn for every registered client satisfying predicate. fn
// receives its own copy of the client slice to call after the registry
// lock is released, so fn may itself call back into the registry.
func (r *Registry) Broadcast(predicate func(Client) bool, fn func(Client)) {
	r.mu.RLock()
	matched := make([]Client, 0, len(r.byID))
	for _, c := range r.byID {
		if predicate == nil || predicate(c) {
			matched = append(matched, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range matched {
		fn(c)
	}
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
