package realtime

import (
	"context"
	"sync"
)

const defaultBuffer = 32

// Subscription receives the messages published to one topic. C is closed
// when the subscription is removed, evicted or the hub shuts down.
type Subscription struct {
	id    uint64
	topic string
	ch    chan Message
	hub   *Hub
}

// C returns the receive side of the subscription.
func (s *Subscription) C() <-chan Message { return s.ch }

// Topic returns the subscribed event URL token.
func (s *Subscription) Topic() string { return s.topic }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer length.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics attaches hub collectors.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub is an in-process registry of subscribers keyed by topic.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	metrics *Metrics
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics: make(map[string]map[uint64]*Subscription),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers a new subscription for topic. After Close the
// returned subscription is already closed.
func (h *Hub) Subscribe(topic string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, topic: topic, ch: make(chan Message, h.buffer), hub: h}
	if h.closed {
		close(sub.ch)
		return sub
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[uint64]*Subscription)
		h.topics[topic] = set
	}
	set[sub.id] = sub
	h.metrics.subscribed(1)
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed
// subscriptions are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) bool {
	set, ok := h.topics[sub.topic]
	if !ok {
		return false
	}
	if _, ok := set[sub.id]; !ok {
		return false
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(h.topics, sub.topic)
	}
	close(sub.ch)
	h.metrics.subscribed(-1)
	return true
}

// Publish hands msg to every subscriber of topic without blocking and
// returns how many received it. Subscribers whose buffer is full are
// evicted. Nothing is retained when the topic has no subscribers.
func (h *Hub) Publish(topic string, msg Message) int {
	var delivered int
	var slow []*Subscription

	h.mu.RLock()
	for _, sub := range h.topics[topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	if len(slow) > 0 {
		h.mu.Lock()
		for _, sub := range slow {
			if h.removeLocked(sub) {
				dropped++
			}
		}
		h.mu.Unlock()
	}
	h.metrics.publish(msg.Type, delivered, dropped)
	return delivered
}

// Broadcast publishes msg on its event topic.
func (h *Hub) Broadcast(_ context.Context, msg Message) error {
	h.Publish(msg.Event, msg)
	return nil
}

// Subscribers returns the number of live subscriptions for topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics returns the number of topics with at least one subscriber.
func (h *Hub) Topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Close removes every subscription. Later subscriptions are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.topics {
		for _, sub := range set {
			h.removeLocked(sub)
		}
	}
}
