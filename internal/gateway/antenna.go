package gateway

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// Antenna listens to the air and hands every completed transmission to the
// gateway as an Uplink on its EUI topic. Only the last transmission of each
// device is tracked and overlapping transmissions do not collide. The
// gateway's own downlinks are not heard.
type Antenna struct {
	gateway lorawan.EUI64
	broker  *broker.Broker

	mu       sync.Mutex
	inFlight map[lorawan.EUI64]radio.TxBegin
	begin    *broker.Subscription
	end      *broker.Subscription
}

// NewAntenna attaches an antenna for the gateway identified by eui.
func NewAntenna(eui lorawan.EUI64, b *broker.Broker) *Antenna {
	a := &Antenna{
		gateway:  eui,
		broker:   b,
		inFlight: make(map[lorawan.EUI64]radio.TxBegin),
	}
	a.begin = b.Subscribe(radio.TopicTxBegin, a.onBegin)
	a.end = b.Subscribe(radio.TopicTxEnd, a.onEnd)
	return a
}

// Close detaches the antenna from the air.
func (a *Antenna) Close() {
	a.broker.Unsubscribe(a.begin)
	a.broker.Unsubscribe(a.end)

	a.mu.Lock()
	a.inFlight = make(map[lorawan.EUI64]radio.TxBegin)
	a.mu.Unlock()
}

func (a *Antenna) onBegin(m broker.Message) {
	begin, ok := m.(radio.TxBegin)
	if !ok || begin.DeviceEUI == a.gateway {
		return
	}

	a.mu.Lock()
	a.inFlight[begin.DeviceEUI] = begin
	a.mu.Unlock()
}

func (a *Antenna) onEnd(m broker.Message) {
	end, ok := m.(radio.TxEnd)
	if !ok {
		return
	}

	a.mu.Lock()
	begin, ok := a.inFlight[end.DeviceEUI]
	delete(a.inFlight, end.DeviceEUI)
	a.mu.Unlock()
	if !ok || len(begin.Payload) == 0 {
		return
	}

	up := Uplink{
		DeviceEUI: begin.DeviceEUI,
		Data:      begin.Payload,
		Freq:      begin.Settings.Frequency,
		SF:        begin.Settings.SpreadingFactor,
		BW:        begin.Settings.Bandwidth,
		CR:        begin.Settings.CodingRate,
	}
	if err := a.broker.Publish(UplinkTopic(a.gateway), up); err != nil {
		log.Warn().Err(err).Str("device", end.DeviceEUI.String()).Msg("antenna dropped transmission")
	}
}
