package store

import (
	"sync"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

// Event notifies subscribers that an instance's stored state changed (set
// or removed); subscribers re-read the store rather than trust payload
// staleness.
type Event struct {
	Instance types.WorkloadInstanceName
}

// Subscriber is a channel that receives store change events.
type Subscriber chan *Event

// Broker distributes store-change notifications to the scheduler's
// on_state_change rescan and the runtime manager's hysteresis pass: a
// subscribe/publish/broadcast shape repurposed to carry instance
// identity instead of a cluster Event payload.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a broker with its distribution loop not yet started.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() { go b.run() }

// Stop stops the broker's distribution loop.
func (b *Broker) Stop() { close(b.stopCh) }

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for distribution.
func (b *Broker) Publish(event *Event) {
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
		}
	}
}
