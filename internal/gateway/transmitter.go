package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
	"github.com/lorawan-server/lorawan-sim/pkg/semtech"
)

// Transmitter puts the downlinks of a gateway on the air. A txpk carrying
// a tmst is sent when the gateway's microsecond counter reaches it,
// otherwise immediately.
type Transmitter struct {
	clock  *simtime.Clock
	broker *broker.Broker
	radio  *radio.Radio

	mu      sync.Mutex
	sub     *broker.Subscription
	pending map[*simtime.Timer]struct{}
}

// NewTransmitter subscribes r to the downlink topic of the gateway eui.
func NewTransmitter(eui lorawan.EUI64, clock *simtime.Clock, b *broker.Broker, r *radio.Radio) *Transmitter {
	t := &Transmitter{
		clock:   clock,
		broker:  b,
		radio:   r,
		pending: make(map[*simtime.Timer]struct{}),
	}
	t.sub = b.Subscribe(DownlinkTopic(eui), t.onDownlink)
	return t
}

// Close stops listening and drops downlinks not yet on the air.
func (t *Transmitter) Close() {
	t.broker.Unsubscribe(t.sub)

	t.mu.Lock()
	defer t.mu.Unlock()
	for timer := range t.pending {
		timer.Cancel()
	}
	t.pending = make(map[*simtime.Timer]struct{})
}

// SettingsForTXPK converts txpk modulation fields to radio settings.
func SettingsForTXPK(txpk semtech.TXPK) (radio.Settings, error) {
	dr, err := lorawan.ParseDataRate(txpk.DatR)
	if err != nil {
		return radio.Settings{}, err
	}
	cr := lorawan.CR4_5
	if txpk.CodR != "" {
		if cr, err = lorawan.ParseCodingRate(txpk.CodR); err != nil {
			return radio.Settings{}, err
		}
	}

	s := radio.Settings{
		Bandwidth:       uint32(dr.Bandwidth),
		SpreadingFactor: uint8(dr.SpreadFactor),
		Frequency:       semtech.FrequencyHz(txpk.Freq),
		CodingRate:      cr,
		Power:           int8(txpk.Powe),
		Channel:         int(txpk.RFCh),
	}
	if err := s.Validate(); err != nil {
		return radio.Settings{}, err
	}
	return s, nil
}

func (t *Transmitter) onDownlink(m broker.Message) {
	down, ok := m.(Downlink)
	if !ok {
		return
	}
	settings, err := SettingsForTXPK(down.TXPK)
	if err != nil {
		log.Warn().Err(err).Uint16("token", down.Token).Msg("dropping downlink")
		return
	}

	var delay uint64
	if !down.TXPK.Imme && down.TXPK.Tmst != nil {
		delay = t.delayUntilTmst(*down.TXPK.Tmst)
	}
	if delay == 0 {
		t.transmit(down, settings)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var timer *simtime.Timer
	timer, err = t.clock.Schedule(delay, func() {
		t.mu.Lock()
		delete(t.pending, timer)
		t.mu.Unlock()
		t.transmit(down, settings)
	})
	if err != nil {
		log.Error().Err(err).Uint16("token", down.Token).Msg("schedule downlink failed")
		return
	}
	t.pending[timer] = struct{}{}
}

// delayUntilTmst returns the ticks until the concentrator counter reaches
// tmst. The counter wraps, so a target more than half its range ahead is
// taken as already past.
func (t *Transmitter) delayUntilTmst(tmst uint32) uint64 {
	delta := tmst - concentratorTime(t.clock)
	if delta > 1<<31 {
		return 0
	}
	return t.clock.Ticks(time.Duration(delta) * time.Microsecond)
}

func (t *Transmitter) transmit(down Downlink, settings radio.Settings) {
	if err := t.radio.Transmit(down.TXPK.Data, settings); err != nil {
		log.Error().Err(fmt.Errorf("downlink %d: %w", down.Token, err)).Msg("transmit downlink failed")
		return
	}
	log.Debug().
		Uint16("token", down.Token).
		Str("datr", down.TXPK.DatR).
		Uint32("freq", settings.Frequency).
		Msg("downlink on air")
}
