package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType represents the type of a global event delivered over the
// server-sent events stream at GET /api/v1/events.
type EventType string

const (
	// EventTaskAdd fires once, right after a new task is persisted. Its
	// wire form carries no uuid field; a consumer that cares which task
	// was added should re-list tasks rather than rely on this event's
	// payload.
	EventTaskAdd EventType = "TaskAdd"
	// EventTaskUpdate fires on every status change of an existing task
	// (claimed, finished, or confirmed). Unlocking a poisoned lock
	// publishes no event.
	EventTaskUpdate EventType = "TaskUpdate"
)

// Event is a single entry on the global event stream. TaskID identifies
// the affected task and is only present on the wire for EventTaskUpdate;
// Metadata is free-form context for log lines and is never required by
// a consumer to interpret the event.
type Event struct {
	Type      EventType
	TaskID    string
	Timestamp time.Time
	Metadata  map[string]string
}

// MarshalJSON renders a bare {"type":"TaskAdd"} for additions and
// {"type":"TaskUpdate","uuid":"..."} for updates; TaskAdd never carries
// a uuid field.
func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Type != EventTaskUpdate {
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{Type: e.Type})
	}
	return json.Marshal(struct {
		Type   EventType `json:"type"`
		TaskID string    `json:"uuid"`
	}{Type: e.Type, TaskID: e.TaskID})
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
