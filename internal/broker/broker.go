// Package broker is the in-process publish/subscribe bus that stands in for
// the air interface of a simulation.
package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/observability"
)

// ErrInvalidMessage is returned by Publish for messages that fail validation.
var ErrInvalidMessage = errors.New("invalid message")

// Message is an event carried on the broker. Validate is called on every
// publish; a message that does not validate is never delivered.
type Message interface {
	Validate() error
}

// Handler receives messages published on a subscribed topic.
type Handler func(msg Message)

// Subscription is a handle on a registered Handler.
type Subscription struct {
	ID    uuid.UUID
	Topic string

	handler Handler
	active  atomic.Bool
}

// Broker delivers published messages synchronously to the subscribers of a
// topic.
type Broker struct {
	mu      sync.RWMutex
	topics  map[string][]*Subscription
	metrics *observability.Collector
}

// New creates an empty broker. metrics may be nil.
func New(metrics *observability.Collector) *Broker {
	return &Broker{
		topics:  make(map[string][]*Subscription),
		metrics: metrics,
	}
}

// Subscribe registers handler on topic. Subscribers of a topic are invoked
// in subscription order.
func (b *Broker) Subscribe(topic string, handler Handler) *Subscription {
	sub := &Subscription{
		ID:      uuid.New(),
		Topic:   topic,
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	log.Debug().
		Str("topic", topic).
		Str("subscription", sub.ID.String()).
		Msg("subscribed")
	return sub
}

// Unsubscribe removes sub. Unknown, nil or already removed subscriptions are
// ignored.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.Topic]
	for i, s := range subs {
		if s == sub {
			// copy so that snapshots held by in-flight publishes stay intact
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, sub.Topic)
			} else {
				b.topics[sub.Topic] = next
			}
			break
		}
	}
}

// Publish delivers msg to every subscriber registered on topic when Publish
// is called. Subscribers added during delivery are not invoked; subscribers
// removed during delivery are skipped if they have not run yet. Publishing
// to a topic nobody listens to is a no-op.
func (b *Broker) Publish(topic string, msg Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message on %q", ErrInvalidMessage, topic)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w on %q: %v", ErrInvalidMessage, topic, err)
	}

	b.mu.RLock()
	snapshot := b.topics[topic]
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		b.deliver(sub, msg)
		delivered++
	}

	b.metrics.Published(delivered)
	return nil
}

// Subscribers returns the number of subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close removes every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		for _, s := range subs {
			s.active.Store(false)
		}
		delete(b.topics, topic)
	}
}

func (b *Broker) deliver(sub *Subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.CallbackPanicked("broker")
			log.Error().
				Interface("panic", r).
				Str("topic", sub.Topic).
				Str("subscription", sub.ID.String()).
				Msg("subscriber panicked")
		}
	}()

	sub.handler(msg)
}
