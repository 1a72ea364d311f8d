// Package dispatch provides the in-process event bus connecting the approval
// manager, plan execution, and the audit trail. Publishing is synchronous:
// every subscriber runs before Publish returns, so a caller that publishes
// after a committed write knows downstream observers have seen the event.
package dispatch

import (
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Handler consumes one event. Handlers must not block on external input;
// long work belongs in the subscriber's own goroutines.
type Handler func(evt proto.Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans events out to subscribers in registration order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	byName map[proto.EventName][]subscription
	all    []subscription
	logger *logx.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		byName: make(map[proto.EventName][]subscription),
		logger: logx.NewLogger("dispatch"),
	}
}

// Subscribe registers a handler for one event name. The returned function
// removes the subscription.
func (b *Bus) Subscribe(name proto.EventName, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byName[name] = append(b.byName[name], subscription{id: id, handler: h})

	return func() { b.unsubscribe(name, id) }
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() { b.unsubscribe("", id) }
}

func (b *Bus) unsubscribe(name proto.EventName, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.all = removeSubscription(b.all, id)
		return
	}
	b.byName[name] = removeSubscription(b.byName[name], id)
}

func removeSubscription(subs []subscription, id int) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers evt to every matching subscriber, in registration order,
// on the caller's goroutine. A panicking subscriber is logged and skipped so
// one bad observer cannot poison the publisher.
func (b *Bus) Publish(evt proto.Event) {
	b.mu.RLock()
	named := make([]subscription, len(b.byName[evt.Name]))
	copy(named, b.byName[evt.Name])
	catchAll := make([]subscription, len(b.all))
	copy(catchAll, b.all)
	b.mu.RUnlock()

	for _, s := range named {
		b.deliver(s, evt)
	}
	for _, s := range catchAll {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt proto.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic on %s: %v", evt.Name, r)
		}
	}()
	s.handler(evt)
}

// SubscriberCount reports how many handlers would see the named event.
func (b *Bus) SubscriberCount(name proto.EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byName[name]) + len(b.all)
}
