package events

import (
	"log/slog"
	"sync"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must not block; hand off to a channel for slow consumers.
type Handler func(Event)

// subKey addresses one fan-out slot in the subscriber table.
type subKey struct {
	kind       Kind
	identifier string
}

// Subscription is the token returned by Subscribe, used to cancel.
type Subscription struct {
	key subKey
	seq uint64
}

// Bus is the in-process publish/subscribe hub. Fan-out is a single table
// lookup on (kind, identifier) plus the "all" wildcard slot.
type Bus struct {
	mu      sync.RWMutex
	subs    map[subKey]map[uint64]Handler
	nextSeq uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[subKey]map[uint64]Handler),
	}
}

// Subscribe registers a handler for a kind and identifier. Use
// WildcardIdentifier to receive the kind for every identifier.
func (b *Bus) Subscribe(kind Kind, identifier string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subKey{kind: kind, identifier: identifier}
	slot, ok := b.subs[key]
	if !ok {
		slot = make(map[uint64]Handler)
		b.subs[key] = slot
	}
	b.nextSeq++
	slot[b.nextSeq] = fn
	return Subscription{key: key, seq: b.nextSeq}
}

// Unsubscribe cancels a single subscription.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot, ok := b.subs[sub.key]
	if !ok {
		return
	}
	delete(slot, sub.seq)
	if len(slot) == 0 {
		delete(b.subs, sub.key)
	}
}

// UnsubscribeIdentifier drops every subscription for an identifier across
// all kinds. Called when a room or user is destroyed.
func (b *Bus) UnsubscribeIdentifier(identifier string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.subs {
		if key.identifier == identifier {
			delete(b.subs, key)
		}
	}
}

// Publish dispatches an event to the (kind, identifier) slot, the
// (kind, roomID) slot for room-scoped subscribers, and the wildcard
// slot. Handlers run synchronously; order is not guaranteed.
func (b *Bus) Publish(evt Event) {
	keys := []string{evt.Identifier}
	if evt.RoomID != "" && evt.RoomID != evt.Identifier {
		keys = append(keys, evt.RoomID)
	}
	if evt.Identifier != WildcardIdentifier {
		keys = append(keys, WildcardIdentifier)
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, 4)
	for _, key := range keys {
		if slot, ok := b.subs[subKey{kind: evt.Kind, identifier: key}]; ok {
			for _, fn := range slot {
				handlers = append(handlers, fn)
			}
		}
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("[Bus] No subscribers", "kind", string(evt.Kind), "identifier", evt.Identifier)
		return
	}

	for _, fn := range handlers {
		fn(evt)
	}
}
