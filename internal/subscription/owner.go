package subscription

import (
	"sync"

	"github.com/npezzotti/gochat-realtime/internal/transport"
)

// Owner scopes a consumer's subscriptions. Topics it follows are requested
// again each time the connection comes back, and Close releases them all.
// A closed owner never subscribes again and its handlers stop receiving
// events, including ones already routed.
type Owner struct {
	reg  *Registry
	name string

	lock     sync.Mutex
	ids      map[string]string
	follows  map[string]Handler
	closed   bool
	unlisten func()
}

func (r *Registry) NewOwner(name string) *Owner {
	o := &Owner{
		reg:     r,
		name:    name,
		ids:     make(map[string]string),
		follows: make(map[string]Handler),
	}
	o.unlisten = r.conn.AddStateListener(o.onState)
	return o
}

// Subscribe subscribes once; the subscription is not renewed after a
// reconnect.
func (o *Owner) Subscribe(topic string, h Handler) (string, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		o.reg.log.Printf("%s: subscribe %s after close", o.name, topic)
		return "", false
	}
	return o.subscribe(topic, h)
}

// Follow subscribes now if connected and again after every reconnect until
// Unfollow or Close. It reports whether a subscription is live right away.
func (o *Owner) Follow(topic string, h Handler) bool {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		return false
	}
	o.follows[topic] = h
	if !o.reg.conn.IsConnected() {
		return false
	}
	_, ok := o.subscribe(topic, h)
	return ok
}

// Unfollow stops following topic and cancels its live subscription.
func (o *Owner) Unfollow(topic string) {
	o.lock.Lock()
	defer o.lock.Unlock()

	delete(o.follows, topic)
	if id, ok := o.ids[topic]; ok {
		delete(o.ids, topic)
		o.reg.Unsubscribe(id)
	}
}

// subscribe must be called with lock held.
func (o *Owner) subscribe(topic string, h Handler) (string, bool) {
	id, ok := o.reg.Subscribe(topic, o.guard(h))
	if ok {
		o.ids[topic] = id
	}
	return id, ok
}

func (o *Owner) guard(h Handler) Handler {
	return func(ev Event) {
		if o.Closed() {
			return
		}
		h(ev)
	}
}

func (o *Owner) onState(s transport.State) {
	o.lock.Lock()
	defer o.lock.Unlock()

	if o.closed {
		return
	}
	if s != transport.Connected {
		clear(o.ids)
		return
	}
	for topic, h := range o.follows {
		o.subscribe(topic, h)
	}
}

func (o *Owner) Closed() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.closed
}

// Close cancels every subscription made through o. It is idempotent.
func (o *Owner) Close() {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return
	}
	o.closed = true
	ids := make([]string, 0, len(o.ids))
	for _, id := range o.ids {
		ids = append(ids, id)
	}
	clear(o.ids)
	clear(o.follows)
	o.lock.Unlock()

	o.unlisten()
	for _, id := range ids {
		o.reg.Unsubscribe(id)
	}
}
