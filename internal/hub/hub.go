// Package hub fans committed events out to topic subscribers.
//
// Publishing never waits on a subscriber: every subscription owns an
// unbounded queue and a wake-up signal, and subscribers pull events lazily
// with Next. A subscription that is closed simply stops receiving; nothing
// is reported back to the publisher.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-negotiation/internal/metrics"
)

// ErrSubscriptionClosed is returned by Next once the subscription has ended
var ErrSubscriptionClosed = errors.New("hub: subscription closed")

// Sequencer extracts an ordering key and a sequence number from an event.
// A subscription never delivers a sequence lower than or equal to one it has
// already delivered for the same key.
type Sequencer[T any] func(event T) (key string, seq uint64)

// Hub is a topic based publish/subscribe fan-out
type Hub[T any] struct {
	mu        sync.RWMutex
	topics    map[string]map[*Subscription[T]]struct{}
	sequencer Sequencer[T]
	closed    bool
}

// New creates a hub. sequencer may be nil to disable per-key ordering.
func New[T any](sequencer Sequencer[T]) *Hub[T] {
	return &Hub[T]{
		topics:    make(map[string]map[*Subscription[T]]struct{}),
		sequencer: sequencer,
	}
}

// Subscribe opens a subscription on topic. Events published before this call
// are not replayed; callers resynchronise with a full fetch after subscribing.
func (h *Hub[T]) Subscribe(topic string) *Subscription[T] {
	sub := &Subscription[T]{
		id:     uuid.New().String(),
		topic:  topic,
		hub:    h,
		latest: make(map[string]uint64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.done) })
		return sub
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription[T]]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	log.Debug().Str("component", "hub").Str("topic", topic).Str("subscription_id", sub.id).Msg("subscribed")
	return sub
}

// Publish queues event for every current subscriber of topic
func (h *Hub[T]) Publish(topic string, event T) {
	h.mu.RLock()
	subs := make([]*Subscription[T], 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(event, h.sequencer)
	}
}

// SubscriberCount returns the number of open subscriptions across topics
func (h *Hub[T]) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.topics {
		count += len(subs)
	}
	return count
}

// Close ends every subscription and rejects new ones
func (h *Hub[T]) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription[T]
	for _, topicSubs := range h.topics {
		for sub := range topicSubs {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub[T]) remove(sub *Subscription[T]) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
	return true
}

// Subscription is one subscriber's lazy view of a topic
type Subscription[T any] struct {
	id    string
	topic string
	hub   *Hub[T]

	mu     sync.Mutex
	queue  []T
	latest map[string]uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID identifies the subscription in logs
func (s *Subscription[T]) ID() string {
	return s.id
}

// Topic returns the subscribed topic
func (s *Subscription[T]) Topic() string {
	return s.topic
}

// Next blocks until an event is available, the subscription is closed or ctx
// is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		select {
		case <-s.done:
			return zero, ErrSubscriptionClosed
		default:
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return zero, ErrSubscriptionClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Pending returns the number of queued, undelivered events
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription. Queued events are discarded.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.hub.remove(s) {
			metrics.Subscribers.Dec()
		}
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
		log.Debug().Str("component", "hub").Str("topic", s.topic).Str("subscription_id", s.id).Msg("unsubscribed")
	})
}

func (s *Subscription[T]) enqueue(event T, sequencer Sequencer[T]) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if sequencer != nil {
		key, seq := sequencer(event)
		if last, ok := s.latest[key]; ok && seq <= last {
			s.mu.Unlock()
			metrics.EventsSkipped.Inc()
			return
		}
		s.latest[key] = seq
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
