package mesh

import (
	"log/slog"
	"sync"
	"time"

	"meshchat.dev/go/meshchat/internal/chat"
)

// Event types published on the node's bus
const (
	EventPeerConnected    = "peer.connected"
	EventPeerDisconnected = "peer.disconnected"
	EventPeerDiscovered   = "peer.discovered"
	EventPeerLost         = "peer.lost"
	EventMessagesNew      = "messages.new"
	EventMessageReceived  = "message.received"
	EventConnectionFailed = "connection.failed"
)

// Event is delivered to subscribers. Payload is one of the *Payload types
// below, chosen by Event.
type Event struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// PeerPayload accompanies peer.* events
type PeerPayload struct {
	EndpointID string `json:"endpoint_id"`
	Name       string `json:"name"`
}

// MessagesNewPayload accompanies messages.new
type MessagesNewPayload struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

// MessageReceivedPayload accompanies message.received
type MessageReceivedPayload struct {
	From    string       `json:"from"`
	Message chat.Message `json:"message"`
}

// ConnectionFailedPayload accompanies connection.failed
type ConnectionFailedPayload struct {
	EndpointID string `json:"endpoint_id"`
	Reason     string `json:"reason"`
}

const subscriberBuffer = 256

// Bus fans events out to subscribers. Publishing never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that ends the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish delivers an event to every subscriber
func (b *Bus) Publish(event string, payload any) {
	e := Event{Event: event, Time: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("Event subscriber full, dropping event", "event", event)
		}
	}
}

// Close ends every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
