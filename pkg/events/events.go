package events

import (
	"sync"
	"time"

	"github.com/cuemby/convsync/pkg/log"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeadLetter          EventType = "consumer.dead_letter"
	EventDualWriteFailed     EventType = "dualwrite.failed"
	EventProjectionDiverged  EventType = "reconciler.diverged"
	EventRepairFailed        EventType = "reconciler.repair_failed"
	EventRepairAlert         EventType = "reconciler.repair_alert"
	EventReconcileCompleted  EventType = "reconciler.completed"
	EventDeadLetterReplayed  EventType = "consumer.dead_letter_replayed"
	EventStoreHealthDegraded EventType = "health.degraded"
)

// Event is an operational alert about synchronization state
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	EntityID  string            `json:"entity_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher accepts events for distribution
type Publisher interface {
	Publish(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
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
	b.stopOnce.Do(func() { close(b.stopCh) })
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

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks the caller:
// when the queue is full the event is logged and dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		logger := log.WithComponent("events")
		logger.Warn().
			Str("event_type", string(event.Type)).
			Str("entity_id", event.EntityID).
			Str("message", event.Message).
			Msg("Event queue full, dropping event")
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

// LogSubscriber writes every event to the structured log until the broker stops
func LogSubscriber(b *Broker) {
	sub := b.Subscribe()
	logger := log.WithComponent("alerts")
	go func() {
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				logger.Warn().
					Str("event_id", event.ID).
					Str("event_type", string(event.Type)).
					Str("entity_id", event.EntityID).
					Fields(metadataFields(event.Metadata)).
					Msg(event.Message)
			case <-b.stopCh:
				return
			}
		}
	}()
}

func metadataFields(md map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(md))
	for k, v := range md {
		fields[k] = v
	}
	return fields
}
