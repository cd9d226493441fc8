package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names one control-plane occurrence.
type EventType string

const (
	EventNodeRegistered  EventType = "node.registered"
	EventNodeOffline     EventType = "node.offline"
	EventVmRecovered     EventType = "vm.recovered"
	EventVmError         EventType = "vm.error"
	EventVmTransitioned  EventType = "vm.transitioned"
	EventSecurityFailure EventType = "security.failure"
	EventCommandExpired  EventType = "command.expired"
	EventRelayFailover   EventType = "relay.failover"
)

// Event is one occurrence published to the bus.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Appender persists an event past the in-memory broker's window. The
// metering pipeline and notification consumers replay through it instead
// of relying solely on live subscription.
type Appender interface {
	AppendEvent(Event) error
}

// Broker is an in-process pub/sub bus with an optional durable backing log.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	log         Appender
}

// NewBroker creates a broker. log may be nil, in which case events are
// only delivered to live subscribers and are not replayable.
func NewBroker(log Appender) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		log:         log,
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers and, if a durable log is
// configured, appends it there first.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if b.log != nil {
		_ = b.log.AppendEvent(*event)
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
			// subscriber buffer full, drop for this subscriber
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
