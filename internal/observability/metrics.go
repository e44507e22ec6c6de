package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes simulator Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	TimersScheduled prometheus.Counter
	TimersFired     prometheus.Counter
	TimersCancelled prometheus.Counter
	CallbackPanics  *prometheus.CounterVec

	MessagesPublished prometheus.Counter
	Deliveries        prometheus.Counter

	Transmissions   prometheus.Counter
	ReceiveOutcomes *prometheus.CounterVec

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
}

// NewCollector registers simulator metrics against the provided registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.TimersScheduled, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simclock_timers_scheduled_total",
		Help: "Timers scheduled on the virtual clock.",
	}), "simclock_timers_scheduled_total"); err != nil {
		return nil, err
	}
	if c.TimersFired, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simclock_timers_fired_total",
		Help: "Timers whose callback was invoked.",
	}), "simclock_timers_fired_total"); err != nil {
		return nil, err
	}
	if c.TimersCancelled, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simclock_timers_cancelled_total",
		Help: "Pending timers cancelled before firing.",
	}), "simclock_timers_cancelled_total"); err != nil {
		return nil, err
	}
	if c.CallbackPanics, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_callback_panics_total",
		Help: "Recovered panics raised by timer or subscriber callbacks.",
	}, []string{"source"}), "sim_callback_panics_total"); err != nil {
		return nil, err
	}
	if c.MessagesPublished, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "Messages published on the broker.",
	}), "broker_messages_published_total"); err != nil {
		return nil, err
	}
	if c.Deliveries, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_deliveries_total",
		Help: "Subscriber callbacks invoked by the broker.",
	}), "broker_deliveries_total"); err != nil {
		return nil, err
	}
	if c.Transmissions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "radio_transmissions_total",
		Help: "Transmissions started by simulated radios.",
	}), "radio_transmissions_total"); err != nil {
		return nil, err
	}
	if c.ReceiveOutcomes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "radio_receive_outcomes_total",
		Help: "Completed receive operations by outcome.",
	}, []string{"outcome"}), "radio_receive_outcomes_total"); err != nil {
		return nil, err
	}
	if c.FramesSent, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_sent_total",
		Help: "Forwarder frames written to the network server by type.",
	}, []string{"type"}), "gateway_frames_sent_total"); err != nil {
		return nil, err
	}
	if c.FramesReceived, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_received_total",
		Help: "Forwarder frames received from the network server by type.",
	}, []string{"type"}), "gateway_frames_received_total"); err != nil {
		return nil, err
	}
	if c.DecodeErrors, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_decode_errors_total",
		Help: "Inbound datagrams dropped because they could not be decoded.",
	}), "gateway_decode_errors_total"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// TimerScheduled counts a scheduled timer.
func (c *Collector) TimerScheduled() {
	if c == nil {
		return
	}
	c.TimersScheduled.Inc()
}

// TimerFired counts a fired timer.
func (c *Collector) TimerFired() {
	if c == nil {
		return
	}
	c.TimersFired.Inc()
}

// TimerCancelled counts a cancelled timer.
func (c *Collector) TimerCancelled() {
	if c == nil {
		return
	}
	c.TimersCancelled.Inc()
}

// CallbackPanicked counts a recovered panic from source ("clock", "broker").
func (c *Collector) CallbackPanicked(source string) {
	if c == nil {
		return
	}
	c.CallbackPanics.WithLabelValues(source).Inc()
}

// Published counts one publish and its deliveries.
func (c *Collector) Published(deliveries int) {
	if c == nil {
		return
	}
	c.MessagesPublished.Inc()
	c.Deliveries.Add(float64(deliveries))
}

// Transmitted counts a radio transmission.
func (c *Collector) Transmitted() {
	if c == nil {
		return
	}
	c.Transmissions.Inc()
}

// Received counts a finished receive operation.
func (c *Collector) Received(outcome string) {
	if c == nil {
		return
	}
	c.ReceiveOutcomes.WithLabelValues(outcome).Inc()
}

// FrameSent counts an outbound forwarder frame.
func (c *Collector) FrameSent(frameType string) {
	if c == nil {
		return
	}
	c.FramesSent.WithLabelValues(frameType).Inc()
}

// FrameReceived counts an inbound forwarder frame.
func (c *Collector) FrameReceived(frameType string) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(frameType).Inc()
}

// DecodeFailed counts a dropped inbound datagram.
func (c *Collector) DecodeFailed() {
	if c == nil {
		return
	}
	c.DecodeErrors.Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
