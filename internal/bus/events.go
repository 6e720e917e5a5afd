// Package bus provides in-process pub/sub used to propagate control-plane
// state changes (config reloads, recovery transitions, approval outcomes).
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

// Topics published by control-plane components.
const (
	TopicConfigChanged    = "config.changed"    // Data: []string changed keys
	TopicConfigReloaded   = "config.reloaded"   // Data: []string changed keys
	TopicConfigSaved      = "config.saved"      // Data: string path
	TopicRecoveryEntered  = "recovery.entered"  // Data: recovery.State
	TopicRecoveryExited   = "recovery.exited"   // Data: recovery.State
	TopicApprovalCreated  = "approval.created"  // Data: approval.Pending
	TopicApprovalResolved = "approval.resolved" // Data: approval.Pending
	TopicHealthCycle      = "health.cycle"      // Data: health.Snapshot
	TopicRestart          = "restart"           // Data: string kind
)

// Event represents a notification broadcast to subscribers
type Event struct {
	Topic     string
	Data      any
	Timestamp time.Time
	Source    string // "config", "recovery", "approval", ...
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Bus is a topic-keyed pub/sub hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	// Sync delivers events on the publishing goroutine. Tests use it for determinism.
	Sync bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			return true
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
// Handlers run on their own goroutines unless Sync is set.
func (b *Bus) Publish(topic, source string, data any) {
	if b == nil {
		return
	}
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}
	L_debug("bus: event published", "topic", topic, "subscribers", len(subs), "source", source)

	for _, sub := range subs {
		if b.Sync {
			deliver(sub, event)
			continue
		}
		go deliver(sub, event)
	}
}

func deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: event handler panic", "topic", event.Topic, "subscriptionID", s.id, "panic", r)
		}
	}()
	s.handler(event)
}

// Count returns the number of subscribers for a topic
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
