// ABOUTME: In-memory fan-out hub for handler-originated inbound events.
// ABOUTME: Stream connections subscribe and receive pushes on their outbound frame stream.

package push

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/courier-gateway/internal/envelope"
)

// subscriberBufferSize is the channel buffer for each subscriber. A slow
// connection drops pushes rather than stalling the publishing handler.
const subscriberBufferSize = 64

// Hub fans handler receive-path events out to every subscribed stream
// connection. Publishing never blocks.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan *envelope.Envelope
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan *envelope.Envelope),
		logger:      logger.With("component", "push-hub"),
	}
}

// Subscribe registers a subscriber and returns its event channel and
// subscription ID. The subscription is cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) (<-chan *envelope.Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan *envelope.Envelope, subscriberBufferSize)

	h.mu.Lock()
	h.subscribers[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers an event to every subscriber. Events are dropped for
// subscribers whose channels are full.
func (h *Hub) Publish(ev *envelope.Envelope) {
	h.mu.RLock()
	targets := make([]chan *envelope.Envelope, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"channel", ev.Channel,
				"conversation", ev.Conversation)
		}
	}
}

// Unsubscribe removes a subscription. The channel is deliberately left open:
// Publish snapshots subscriber channels outside the lock, so closing here
// could race a concurrent send. Receivers stop via their own context.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[subID]; !ok {
		return
	}
	delete(h.subscribers, subID)

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close drops all subscriptions. Subscriber channels stay open for the same
// reason as in Unsubscribe.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subID := range h.subscribers {
		delete(h.subscribers, subID)
	}
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
