// Package radio simulates a LoRa transceiver on top of the virtual clock and
// the broker. Transmissions are announced on TopicTxBegin and, once their
// airtime has elapsed, closed on TopicTxEnd. A receiver hears the first
// transmission whose modulation matches its own.
package radio

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/observability"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// Config wires a Radio to its collaborators.
type Config struct {
	DeviceEUI lorawan.EUI64
	Clock     *simtime.Clock
	Broker    *broker.Broker
	MAC       MAC
	Metrics   *observability.Collector
}

// Radio is one simulated transceiver.
type Radio struct {
	eui     lorawan.EUI64
	clock   *simtime.Clock
	broker  *broker.Broker
	mac     MAC
	metrics *observability.Collector

	mu     sync.Mutex
	buffer []byte
	rx     *receiveOp
}

// New creates a radio. A missing clock, broker or MAC is a
// config.ConfigurationError.
func New(cfg Config) (*Radio, error) {
	if cfg.Clock == nil {
		return nil, &config.ConfigurationError{Field: "Clock", Reason: "no clock available"}
	}
	if cfg.Broker == nil {
		return nil, &config.ConfigurationError{Field: "Broker", Reason: "no broker available"}
	}
	if cfg.MAC == nil {
		return nil, &config.ConfigurationError{Field: "MAC", Reason: "no MAC to notify"}
	}

	return &Radio{
		eui:     cfg.DeviceEUI,
		clock:   cfg.Clock,
		broker:  cfg.Broker,
		mac:     cfg.MAC,
		metrics: cfg.Metrics,
	}, nil
}

// DeviceEUI returns the identity announced in TxBegin and TxEnd.
func (r *Radio) DeviceEUI() lorawan.EUI64 {
	return r.eui
}

// Transmit announces payload on the air and returns immediately. The MAC is
// notified with TxComplete once the airtime has elapsed, just before
// TxEnd is published.
func (r *Radio) Transmit(payload []byte, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	airtime := lorawan.TimeOnAir(int(settings.Bandwidth), int(settings.SpreadingFactor), settings.CodingRate, len(payload))
	ticks := r.clock.Ticks(airtime)

	end, err := r.clock.Schedule(ticks, r.endTransmission)
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	// the begin timestamp is the base the end deadline was computed from
	begin := TxBegin{
		DeviceEUI: r.eui,
		Timestamp: end.Deadline() - ticks,
		Payload:   append([]byte(nil), payload...),
		Settings:  settings,
	}
	if err := r.broker.Publish(TopicTxBegin, begin); err != nil {
		end.Cancel()
		return fmt.Errorf("transmit: %w", err)
	}

	r.metrics.Transmitted()
	log.Debug().
		Str("eui", r.eui.String()).
		Str("datr", settings.DataRate().String()).
		Uint32("freq", settings.Frequency).
		Int("size", len(payload)).
		Dur("airtime", airtime).
		Uint64("ticks", ticks).
		Msg("transmission started")
	return nil
}

func (r *Radio) endTransmission() {
	r.mac.IOEvent(TxComplete, r.clock.Now())

	if err := r.broker.Publish(TopicTxEnd, TxEnd{DeviceEUI: r.eui}); err != nil {
		log.Error().Err(err).Str("eui", r.eui.String()).Msg("publish tx_end failed")
	}
}

// Receive listens for a transmission matching settings and returns
// immediately. The MAC is notified with RxReady once a matching
// transmission has ended, or with RxTimeout if none began within
// timeoutSymbols symbol periods. A pending receive is aborted first.
func (r *Radio) Receive(settings Settings, timeoutSymbols uint32) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	op := &receiveOp{radio: r, settings: settings}

	r.mu.Lock()
	prev := r.rx
	r.rx = op
	r.mu.Unlock()

	prev.abort()

	if err := op.start(symbolTicks(settings, timeoutSymbols, r.clock.TicksPerSecond())); err != nil {
		r.mu.Lock()
		if r.rx == op {
			r.rx = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// Collect returns a copy of the last received payload.
func (r *Radio) Collect() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buffer...)
}

// Sleep puts the radio in its low-power state. Timing is not modelled.
func (r *Radio) Sleep() {
	log.Debug().Str("eui", r.eui.String()).Msg("radio sleeping")
}

// ResetHardware blocks for one tick, the time the transceiver needs to come
// out of reset.
func (r *Radio) ResetHardware(ctx context.Context) error {
	return r.clock.Wait(ctx, 1)
}

// finish records the outcome of op and notifies the MAC.
func (r *Radio) finish(op *receiveOp, kind EventKind, payload []byte) {
	r.mu.Lock()
	if kind == RxReady {
		r.buffer = payload
	}
	if r.rx == op {
		r.rx = nil
	}
	r.mu.Unlock()

	r.metrics.Received(kind.String())
	r.mac.IOEvent(kind, r.clock.Now())
}
