// Package integration mirrors simulator broker traffic onto external
// systems so that scenarios can be observed from outside the process.
package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
)

// Sink receives mirrored events.
type Sink interface {
	Name() string
	Send(topic string, payload []byte) error
	Close() error
}

// Event is the JSON envelope sent to every sink.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	Tick    uint64         `json:"tick"`
	Time    time.Time      `json:"time"`
	Payload broker.Message `json:"payload"`
}

// QueueSize bounds the events waiting for the sinks. Events are dropped
// when it is full.
const QueueSize = 256

type outbound struct {
	topic string
	data  []byte
}

// Mirror forwards broker messages to sinks from its own goroutine, so a slow
// sink never blocks the publisher. Sink failures are logged.
type Mirror struct {
	broker *broker.Broker
	clock  *simtime.Clock
	sinks  []Sink

	mu     sync.Mutex
	subs   []*broker.Subscription
	closed bool
	queue  chan outbound
	done   chan struct{}
}

// NewMirror creates a mirror writing to sinks. It watches nothing until
// Watch is called.
func NewMirror(b *broker.Broker, clock *simtime.Clock, sinks ...Sink) *Mirror {
	m := &Mirror{
		broker: b,
		clock:  clock,
		sinks:  sinks,
		queue:  make(chan outbound, QueueSize),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Watch mirrors every message published on topics.
func (m *Mirror) Watch(topics ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, topic := range topics {
		topic := topic
		m.subs = append(m.subs, m.broker.Subscribe(topic, func(msg broker.Message) {
			m.forward(topic, msg)
		}))
		log.Info().Str("topic", topic).Int("sinks", len(m.sinks)).Msg("mirroring topic")
	}
}

// Close stops mirroring, delivers queued events and closes every sink.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	close(m.queue)
	m.mu.Unlock()

	for _, sub := range subs {
		m.broker.Unsubscribe(sub)
	}
	<-m.done

	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) forward(topic string, msg broker.Message) {
	event := Event{
		ID:      uuid.New(),
		Topic:   topic,
		Type:    messageType(msg),
		Time:    time.Now().UTC(),
		Payload: msg,
	}
	if m.clock != nil {
		event.Tick = m.clock.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("marshal mirrored event failed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- outbound{topic: topic, data: data}:
	default:
		log.Warn().Str("topic", topic).Msg("mirror queue full, dropping event")
	}
}

func (m *Mirror) run() {
	defer close(m.done)

	for out := range m.queue {
		for _, s := range m.sinks {
			if err := s.Send(out.topic, out.data); err != nil {
				log.Error().
					Err(err).
					Str("sink", s.Name()).
					Str("topic", out.topic).
					Msg("mirror event failed")
				continue
			}
			log.Debug().Str("sink", s.Name()).Str("topic", out.topic).Msg("event mirrored")
		}
	}
}

// messageType returns the unqualified type name, e.g. "TxBegin".
func messageType(msg broker.Message) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", msg), "*")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
