// Package bus is the in-process event fabric. Components publish domain
// events without knowing who listens; the WebSocket hub and the project
// event log subscribe. Publishing never blocks: when a buffer is full the
// event is dropped and counted, because a slow consumer must not stall
// ingestion.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"
)

// EventType represents the type of event.
type EventType string

const (
	EventIndexingProgress   EventType = "indexing_progress"
	EventIndexingComplete   EventType = "indexing_complete"
	EventIndexingError      EventType = "indexing_error"
	EventFocusChanged       EventType = "focus_changed"
	EventDecisionAdded      EventType = "decision_added"
	EventSacredPlanCreated  EventType = "sacred_plan_created"
	EventSacredPlanApproved EventType = "sacred_plan_approved"
)

// Event is one domain event, scoped to a project.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	ProjectID string                 `json:"project_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Bus manages event subscriptions and distribution.
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// New creates an event bus. Call Start before publishing.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus. Events published after Stop are dropped.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription. The returned channel is buffered;
// a subscriber that stops draining loses events rather than blocking
// publishers.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	logging.EventsDebug("Subscriber added (total=%d)", len(b.subscribers))
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
	logging.EventsDebug("Subscriber removed (total=%d)", len(b.subscribers))
}

// Publish delivers an event to all subscribers. It never blocks: if the
// internal queue is full the event is dropped and counted.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()[:8]
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-b.stopCh:
		b.countDrop(event)
	case b.eventCh <- event:
	default:
		b.countDrop(event)
	}
}

// Drops returns the number of events dropped since startup.
func (b *Bus) Drops() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) countDrop(event *Event) {
	b.dropped.Add(1)
	metrics.EventsDroppedTotal.Inc()
	logging.EventsDebug("Dropped event %s type=%s project=%s", event.ID, event.Type, event.ProjectID)
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			b.dropped.Add(1)
			metrics.EventsDroppedTotal.Inc()
		}
	}
}
