package execution

import (
	"sync"
	"time"
)

// EventType classifies execution events.
type EventType string

const (
	EventStatus EventType = "status" // Execution status changed.
	EventStep   EventType = "step"   // A pipeline step was recorded.
)

// Event is one execution progress notification.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Status      Status    `json:"status"`
	Step        *StepLog  `json:"step,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Terminal reports whether the event closes the execution's stream.
func (e Event) Terminal() bool {
	return e.Type == EventStatus && e.Status.IsTerminal()
}

const subscriberBuffer = 32

// Broker fans execution events out to subscribers. Slow subscribers lose
// events rather than stall the pipeline, except terminal ones, which evict
// the oldest buffered event instead.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event // execution ID ("" = all) → subscribers
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan Event)}
}

// Subscribe returns a channel of events for executionID, or every
// execution when executionID is empty. The returned func unsubscribes
// and closes the channel.
func (b *Broker) Subscribe(executionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[int]chan Event)
	}
	b.subs[executionID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[executionID], id)
			if len(b.subs[executionID]) == 0 {
				delete(b.subs, executionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev without blocking.
func (b *Broker) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{ev.ExecutionID, ""} {
		for _, ch := range b.subs[key] {
			if ev.Terminal() {
				deliverTerminal(ch, ev)
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func deliverTerminal(ch chan Event, ev Event) {
	for range subscriberBuffer + 1 {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
