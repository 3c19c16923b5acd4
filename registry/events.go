package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventReady        EventType = "ready"
	EventDegraded     EventType = "degraded"
	EventFailed       EventType = "failed"
	EventUnregistered EventType = "unregistered"
)

// Event is one registry lifecycle event.
type Event struct {
	Type         EventType `json:"type"`
	ComponentID  string    `json:"component_id"`
	InstanceUUID string    `json:"instance_uuid"`
	Timestamp    time.Time `json:"timestamp"`
	Detail       string    `json:"detail,omitempty"`
}

// Subject returns the NATS subject for this event.
func (e Event) Subject() string {
	return fmt.Sprintf("registry.event.%s", e.Type)
}

// EventFilter selects event types; empty means all.
type EventFilter struct {
	Types        []EventType
	ComponentIDs []string
}

func (f EventFilter) matches(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.ComponentIDs) > 0 {
		ok := false
		for _, id := range f.ComponentIDs {
			if id == e.ComponentID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// EventSink forwards events to an external bus.
type EventSink interface {
	Publish(subject string, data []byte) error
}

// subscriberBuffer bounds each subscriber channel; slow subscribers drop
// events rather than block the registry.
const subscriberBuffer = 64

type subscriber struct {
	filter EventFilter
	ch     chan Event
}

type eventBus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
	sink EventSink
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]*subscriber)}
}

func (b *eventBus) subscribe(filter EventFilter) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{filter: filter, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Slow subscriber; drop rather than block writes.
		}
	}

	if b.sink != nil {
		if data, err := json.Marshal(e); err == nil {
			// Sink failures are the sink's problem; registry state is
			// already consistent.
			_ = b.sink.Publish(e.Subject(), data)
		}
	}
}
