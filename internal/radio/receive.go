package radio

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

type rxState int

const (
	rxAwaitingBegin rxState = iota
	rxAwaitingEnd
	rxCompleted
	rxTimedOut
	rxAborted
)

func (s rxState) terminal() bool {
	return s >= rxCompleted
}

// receiveOp is one Receive call. It only tracks the first matching
// transmission: once a TxBegin matches, later ones are not heard.
type receiveOp struct {
	radio    *Radio
	settings Settings

	mu       sync.Mutex
	state    rxState
	timeout  *simtime.Timer
	beginSub *broker.Subscription
	endSub   *broker.Subscription
	sender   lorawan.EUI64
	payload  []byte
}

func (op *receiveOp) start(timeoutTicks uint64) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	// superseded before it started listening
	if op.state != rxAwaitingBegin {
		return nil
	}

	r := op.radio
	timer, err := r.clock.Schedule(timeoutTicks, op.onTimeout)
	if err != nil {
		op.state = rxAborted
		return err
	}
	op.timeout = timer
	op.beginSub = r.broker.Subscribe(TopicTxBegin, op.onBegin)

	log.Debug().
		Str("eui", r.eui.String()).
		Str("datr", op.settings.DataRate().String()).
		Uint32("freq", op.settings.Frequency).
		Uint64("timeout_ticks", timeoutTicks).
		Msg("radio listening")
	return nil
}

func (op *receiveOp) onBegin(m broker.Message) {
	begin, ok := m.(TxBegin)
	if !ok {
		return
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != rxAwaitingBegin || !op.settings.Matches(begin.Settings) {
		return
	}

	r := op.radio
	op.state = rxAwaitingEnd
	op.sender = begin.DeviceEUI
	op.payload = append([]byte(nil), begin.Payload...)

	r.clock.Cancel(op.timeout)
	r.broker.Unsubscribe(op.beginSub)
	op.endSub = r.broker.Subscribe(TopicTxEnd, op.onEnd)

	log.Debug().
		Str("eui", r.eui.String()).
		Str("sender", begin.DeviceEUI.String()).
		Msg("matching transmission detected")
}

func (op *receiveOp) onEnd(m broker.Message) {
	end, ok := m.(TxEnd)
	if !ok {
		return
	}

	op.mu.Lock()
	if op.state != rxAwaitingEnd || end.DeviceEUI != op.sender {
		op.mu.Unlock()
		return
	}
	op.state = rxCompleted
	op.radio.broker.Unsubscribe(op.endSub)
	payload := op.payload
	op.mu.Unlock()

	op.radio.finish(op, RxReady, payload)
}

func (op *receiveOp) onTimeout() {
	op.mu.Lock()
	if op.state != rxAwaitingBegin {
		op.mu.Unlock()
		return
	}
	op.state = rxTimedOut
	op.radio.broker.Unsubscribe(op.beginSub)
	op.mu.Unlock()

	op.radio.finish(op, RxTimeout, nil)
}

// abort releases the timer and subscriptions of an unfinished operation
// without notifying the MAC. It is safe on a nil or finished operation.
func (op *receiveOp) abort() {
	if op == nil {
		return
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state.terminal() {
		return
	}
	op.state = rxAborted
	op.radio.clock.Cancel(op.timeout)
	op.radio.broker.Unsubscribe(op.beginSub)
	op.radio.broker.Unsubscribe(op.endSub)
}
