package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/observability"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

const (
	// receiveDelay1 is the gap between the end of an uplink and RX1.
	receiveDelay1 = time.Second
	// rxWindowSymbols is how long a window waits for a preamble.
	rxWindowSymbols = 8
)

// device is a class A end device sending the same uplink every interval
// and opening one receive window after each of them.
type device struct {
	eui      lorawan.EUI64
	clock    *simtime.Clock
	radio    *radio.Radio
	settings radio.Settings
	payload  []byte
	interval uint64

	mu        sync.Mutex
	stopped   bool
	next      *simtime.Timer
	window    *simtime.Timer
	uplinks   int
	downlinks [][]byte
}

func newDevice(cfg config.DeviceConfig, region *lorawan.RegionConfiguration, clock *simtime.Clock, b *broker.Broker, metrics *observability.Collector) (*device, error) {
	eui := lorawan.RandomEUI64()
	if cfg.EUI != "" {
		var err error
		if eui, err = lorawan.ParseEUI64(cfg.EUI); err != nil {
			return nil, fmt.Errorf("device eui: %w", err)
		}
	}

	cr, err := lorawan.ParseCodingRate(cfg.CodingRate)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", eui, err)
	}
	settings, err := radio.SettingsForDataRate(region, cfg.DataRate, cfg.Frequency, cr, int8(cfg.Power))
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", eui, err)
	}

	maxSize, err := region.MaxPayloadSize(cfg.DataRate)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", eui, err)
	}
	if len(cfg.Payload) == 0 || len(cfg.Payload) > maxSize {
		return nil, fmt.Errorf("device %s: payload must be 1..%d bytes at DR%d", eui, maxSize, cfg.DataRate)
	}

	d := &device{
		eui:      eui,
		clock:    clock,
		settings: settings,
		payload:  []byte(cfg.Payload),
		interval: clock.Ticks(cfg.Interval),
	}
	d.radio, err = radio.New(radio.Config{
		DeviceEUI: eui,
		Clock:     clock,
		Broker:    b,
		MAC:       d,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// start schedules the first uplink one interval from now.
func (d *device) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = false
	next := d.clock.Now() + d.interval
	t, err := d.clock.Schedule(d.interval, d.transmitAt(next))
	if err != nil {
		return fmt.Errorf("device %s: %w", d.eui, err)
	}
	d.next = t
	return nil
}

func (d *device) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.next.Cancel()
	d.window.Cancel()
	d.next, d.window = nil, nil
	d.radio.Sleep()

	log.Info().
		Str("device", d.eui.String()).
		Int("uplinks", d.uplinks).
		Int("downlinks", len(d.downlinks)).
		Msg("device stopped")
}

func (d *device) transmitAt(deadline uint64) func() {
	return func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		next := deadline + d.interval
		delay := uint64(0)
		if now := d.clock.Now(); next > now {
			delay = next - now
		}
		t, err := d.clock.Schedule(delay, d.transmitAt(next))
		if err != nil {
			log.Error().Err(err).Str("device", d.eui.String()).Msg("schedule uplink failed")
		}
		d.next = t
		d.uplinks++
		d.mu.Unlock()

		if err := d.radio.Transmit(d.payload, d.settings); err != nil {
			log.Warn().Err(err).Str("device", d.eui.String()).Msg("uplink failed")
		}
	}
}

// IOEvent implements radio.MAC.
func (d *device) IOEvent(kind radio.EventKind, tick uint64) {
	logger := log.With().Str("device", d.eui.String()).Uint64("tick", tick).Logger()

	switch kind {
	case radio.TxComplete:
		logger.Debug().Int("size", len(d.payload)).Msg("uplink sent")
		d.openWindow()
	case radio.RxReady:
		payload := d.radio.Collect()
		d.mu.Lock()
		d.downlinks = append(d.downlinks, payload)
		d.mu.Unlock()
		logger.Info().Hex("payload", payload).Msg("downlink received")
		d.radio.Sleep()
	case radio.RxTimeout:
		logger.Debug().Msg("receive window closed")
		d.radio.Sleep()
	}
}

func (d *device) openWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	t, err := d.clock.Schedule(d.clock.Ticks(receiveDelay1), func() {
		if err := d.radio.Receive(d.settings, rxWindowSymbols); err != nil {
			log.Warn().Err(err).Str("device", d.eui.String()).Msg("open receive window failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("device", d.eui.String()).Msg("schedule receive window failed")
		return
	}
	d.window = t
}

func (d *device) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.downlinks...)
}
