package owlwhisper

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType tags the variant carried by an Event.
type EventType string

// Event types surfaced on the bus.
const (
	EventPeerConnected      EventType = "PeerConnected"
	EventPeerDisconnected   EventType = "PeerDisconnected"
	EventMessageReceived    EventType = "MessageReceived"
	EventProviderFound      EventType = "ProviderFound"
	EventReconnectAttempted EventType = "ReconnectAttempted"
	EventError              EventType = "Error"
)

// Event is an immutable asynchronous occurrence. Payload is one of the
// *Payload structs below, chosen by Type.
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"` // Unix nanoseconds at enqueue time
}

// PeerEventPayload accompanies PeerConnected and PeerDisconnected. Address
// is set on connect only.
type PeerEventPayload struct {
	PeerID  string `json:"peer_id"`
	Address string `json:"address,omitempty"`
}

// MessagePayload accompanies MessageReceived.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// ProviderFoundPayload accompanies ProviderFound.
type ProviderFoundPayload struct {
	ContentID string `json:"content_id"`
	PeerID    string `json:"peer_id"`
}

// ReconnectPayload accompanies ReconnectAttempted.
type ReconnectPayload struct {
	PeerID      string `json:"peer_id"`
	Attempt     int    `json:"attempt"`
	NextDelayMS int64  `json:"next_delay_ms"`
}

// ErrorPayload accompanies Error events, including internal invariant
// violations which are surfaced here rather than swallowed.
type ErrorPayload struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// EventBus is a strictly ordered multiple-producer/single-consumer queue.
// Publishing never blocks on the consumer and never drops: the queue grows
// until drained. Events published by one producer are observed in their
// publication order.
type EventBus struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{notify: make(chan struct{}, 1)}
}

// Publish enqueues an event of the given type. Publishing on a closed bus is
// a no-op; the engine closes the bus only after all producers have stopped.
func (b *EventBus) Publish(typ EventType, payload interface{}) {
	ev := Event{Type: typ, Payload: payload, Timestamp: time.Now().UnixNano()}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is done. Each event is
// consumed exactly once.
func (b *EventBus) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue = b.queue[1:]
			// Keep the wakeup token alive while the queue is non-empty so a
			// single notification cannot strand buffered events.
			if len(b.queue) > 0 {
				select {
				case b.notify <- struct{}{}:
				default:
				}
			}
			b.mu.Unlock()
			return ev, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return Event{}, ErrNotStarted
		}

		select {
		case <-b.notify:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Event{}, ErrTimeout
			}
			return Event{}, ctx.Err()
		}
	}
}

// NextJSON drains the next event and returns it serialized, the form handed
// across the engine's external boundary.
func (b *EventBus) NextJSON(ctx context.Context) (string, error) {
	ev, err := b.Next(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Len reports the number of queued events.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the bus. Queued events remain drainable until consumed.
func (b *EventBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}
