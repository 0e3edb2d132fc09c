// Package subscription keeps at most one live subscription per topic on the
// shared connection and routes inbound MESSAGE frames to their handler.
package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/npezzotti/gochat-realtime/internal/stats"
	"github.com/npezzotti/gochat-realtime/internal/transport"
	"github.com/teris-io/shortid"
)

// Conn is the part of transport.Manager the registry drives.
type Conn interface {
	SendFrame(f *frame.Frame) bool
	IsConnected() bool
	AddStateListener(fn func(transport.State)) func()
	OnTeardown(fn func())
}

// Event is one decoded inbound frame. Value holds the parsed JSON body; when
// the body is not valid JSON, ParseErr is set and only Body is meaningful.
type Event struct {
	Topic          string
	SubscriptionId string
	MessageId      string
	Body           []byte
	Value          any
	ParseErr       error
	ReceivedAt     time.Time
}

type Handler func(Event)

type entry struct {
	id      string
	topic   string
	handler Handler
}

type Registry struct {
	conn  Conn
	log   *log.Logger
	stats stats.StatsProvider
	newId func() (string, error)

	lock    sync.Mutex
	byTopic map[string]*entry
	byId    map[string]*entry
}

// NewRegistry hooks the registry into conn: entries are dropped whenever the
// connection leaves the Connected state, and unsubscribed on teardown.
// Nothing is resubscribed automatically.
func NewRegistry(conn Conn, l *log.Logger, su stats.StatsProvider) *Registry {
	su.RegisterMetric(stats.ActiveSubscriptions)

	r := &Registry{
		conn:    conn,
		log:     l,
		stats:   su,
		newId:   shortid.Generate,
		byTopic: make(map[string]*entry),
		byId:    make(map[string]*entry),
	}

	conn.AddStateListener(r.onState)
	conn.OnTeardown(r.UnsubscribeAll)
	return r
}

// Subscribe registers handler for topic, cancelling any existing
// subscription on the same topic first. It returns false when the
// connection is not up.
func (r *Registry) Subscribe(topic string, handler Handler) (string, bool) {
	if !r.conn.IsConnected() {
		r.log.Printf("subscribe %s: %v", topic, transport.ErrNotConnected)
		return "", false
	}

	sid, err := r.newId()
	if err != nil {
		r.log.Printf("subscribe %s: generate id: %v", topic, err)
		return "", false
	}
	id := "sub-" + sid

	r.lock.Lock()
	defer r.lock.Unlock()

	if prev, ok := r.byTopic[topic]; ok {
		r.remove(prev)
		r.conn.SendFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, prev.id))
	}

	e := &entry{id: id, topic: topic, handler: handler}
	r.byTopic[topic] = e
	r.byId[id] = e

	if !r.conn.SendFrame(frame.New(frame.SUBSCRIBE, frame.Id, id, frame.Destination, topic)) {
		r.remove(e)
		r.updateGauge()
		return "", false
	}

	r.updateGauge()
	return id, true
}

// Unsubscribe cancels the subscription with id. Unknown ids are ignored.
func (r *Registry) Unsubscribe(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.byId[id]
	if !ok {
		return
	}
	r.remove(e)
	r.updateGauge()

	if r.conn.IsConnected() {
		r.conn.SendFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
	}
}

// UnsubscribeAll cancels every live subscription.
func (r *Registry) UnsubscribeAll() {
	r.lock.Lock()
	defer r.lock.Unlock()

	connected := r.conn.IsConnected()
	for id, e := range r.byId {
		r.remove(e)
		if connected {
			r.conn.SendFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
		}
	}
	r.updateGauge()
}

// Topics returns the topics with a live subscription.
func (r *Registry) Topics() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	topics := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		topics = append(topics, t)
	}
	return topics
}

// Lookup returns the live subscription id for topic.
func (r *Registry) Lookup(topic string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.byTopic[topic]
	if !ok {
		return "", false
	}
	return e.id, true
}

// remove must be called with lock held.
func (r *Registry) remove(e *entry) {
	delete(r.byId, e.id)
	if cur, ok := r.byTopic[e.topic]; ok && cur == e {
		delete(r.byTopic, e.topic)
	}
}

// updateGauge must be called with lock held.
func (r *Registry) updateGauge() {
	r.stats.Set(stats.ActiveSubscriptions, len(r.byId))
}

func (r *Registry) onState(s transport.State) {
	if s == transport.Connected {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if len(r.byId) > 0 {
		r.log.Printf("connection %s, dropping %d subscriptions", s, len(r.byId))
	}
	clear(r.byId)
	clear(r.byTopic)
	r.updateGauge()
}

// HandleFrame routes a MESSAGE frame to the handler of its subscription.
// Frames for cancelled subscriptions are dropped. A panicking handler is
// logged and does not affect the connection.
func (r *Registry) HandleFrame(f *frame.Frame) {
	subId := f.Header.Get(frame.Subscription)
	dest := f.Header.Get(frame.Destination)

	r.lock.Lock()
	var e *entry
	if subId != "" {
		e = r.byId[subId]
	} else {
		e = r.byTopic[dest]
	}
	r.lock.Unlock()

	if e == nil {
		r.log.Printf("dropping frame for %q: no subscription %q", dest, subId)
		return
	}

	ev := Event{
		Topic:          e.topic,
		SubscriptionId: e.id,
		MessageId:      f.Header.Get(frame.MessageId),
		Body:           f.Body,
		ReceivedAt:     time.Now(),
	}
	ev.Value, ev.ParseErr = parseBody(f.Body)
	if ev.ParseErr != nil {
		r.log.Printf("malformed payload on %s, delivering raw body: %v", e.topic, ev.ParseErr)
	}

	r.deliver(e, ev)
}

func (r *Registry) deliver(e *entry, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Printf("handler for %s panicked: %v", e.topic, rec)
		}
	}()
	e.handler(ev)
}

func parseBody(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse payload: trailing data after json value")
	}
	return v, nil
}
