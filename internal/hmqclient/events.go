package hmqclient

import (
	"sync"

	"github.com/twino-framework/twino-mq/internal/message"
)

// ConnectedFunc is invoked whenever Run establishes (or re-establishes)
// a connection to the broker.
type ConnectedFunc func()

// DisconnectedFunc is invoked whenever the connection drops, including the
// first dial attempt's own failure; err is nil only when the client was
// deliberately closed.
type DisconnectedFunc func(err error)

// QueueEventFunc handles a server-pushed Event frame for one target queue.
type QueueEventFunc func(eventName string, m *message.Message)

// eventRegistry keeps callbacks for the client's three lifecycle event
// kinds, invoked in registration order -- spec.md §9's "event subscription
// via callbacks", restated with an explicit {eventName, targetKey}
// registry for queue events rather than one catch-all handler.
type eventRegistry struct {
	mu            sync.RWMutex
	onConnected   []ConnectedFunc
	onDisconnect  []DisconnectedFunc
	onQueueEvent  map[string][]QueueEventFunc // key: eventName + "|" + target
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{onQueueEvent: make(map[string][]QueueEventFunc)}
}

// OnConnected registers fn to run every time the client (re)connects.
func (c *Client) OnConnected(fn ConnectedFunc) {
	c.events.mu.Lock()
	c.events.onConnected = append(c.events.onConnected, fn)
	c.events.mu.Unlock()
}

// OnDisconnected registers fn to run every time the connection drops.
func (c *Client) OnDisconnected(fn DisconnectedFunc) {
	c.events.mu.Lock()
	c.events.onDisconnect = append(c.events.onDisconnect, fn)
	c.events.mu.Unlock()
}

// OnQueueEvent registers fn for Event frames matching eventName and
// target (e.g. "queue-status-changed" on "orders"). An empty target
// matches every target for that eventName.
func (c *Client) OnQueueEvent(eventName, target string, fn QueueEventFunc) {
	key := eventName + "|" + target
	c.events.mu.Lock()
	c.events.onQueueEvent[key] = append(c.events.onQueueEvent[key], fn)
	c.events.mu.Unlock()
}

func (r *eventRegistry) fireConnected() {
	r.mu.RLock()
	fns := append([]ConnectedFunc(nil), r.onConnected...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *eventRegistry) fireDisconnected(err error) {
	r.mu.RLock()
	fns := append([]DisconnectedFunc(nil), r.onDisconnect...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// fireQueueEvent reads the event name from m's well-known header and
// invokes every callback registered for (eventName, m.Target) plus every
// callback registered with a wildcard target for that eventName.
func (r *eventRegistry) fireQueueEvent(m *message.Message) {
	eventName, _ := m.Header("Event-Name")
	if eventName == "" {
		return
	}

	r.mu.RLock()
	fns := append([]QueueEventFunc(nil), r.onQueueEvent[eventName+"|"+m.Target]...)
	fns = append(fns, r.onQueueEvent[eventName+"|"]...)
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(eventName, m)
	}
}
