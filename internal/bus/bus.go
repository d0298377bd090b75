// Package bus is the in-process broadcast channel the auth session uses to
// invalidate every entity store on logout, and that stores use to announce
// collection changes.
package bus

import (
	"slices"
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Handler is invoked synchronously from Publish.
type Handler func(Event)

// Subscription represents an active subscription. Channel subscriptions
// expose Ch; handler subscriptions have a nil channel.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	handler Handler
}

// Ch returns the channel to receive events on. It is nil for handler
// subscriptions.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.add(&Subscription{
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	})
}

// SubscribeFunc registers a handler that Publish calls synchronously, on the
// publishing goroutine, before Publish returns. Handlers may publish.
func (b *Bus) SubscribeFunc(topicPrefix string, fn Handler) *Subscription {
	return b.add(&Subscription{
		prefix:  topicPrefix,
		handler: fn,
	})
}

func (b *Bus) add(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		if sub.ch != nil {
			close(sub.ch)
		}
	}
}

// Publish delivers an event to all matching subscribers. Handlers run first,
// in subscription order, outside the bus lock. Channel delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	var handlers []*Subscription
	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if sub.handler != nil {
			handlers = append(handlers, sub)
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full, drop event for this subscriber.
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(handlers, func(a, b *Subscription) int { return a.id - b.id })
	for _, sub := range handlers {
		sub.handler(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
