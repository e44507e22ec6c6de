package radio

import (
	"fmt"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// Fixed broker topics of the air interface.
const (
	TopicTxBegin = "tx_begin"
	TopicTxEnd   = "tx_end"
)

// MaxPayloadSize is the largest LoRa PHY payload.
const MaxPayloadSize = 255

// TxBegin is published when a radio starts transmitting.
type TxBegin struct {
	DeviceEUI lorawan.EUI64 `json:"eui"`
	Timestamp uint64        `json:"time"`
	Payload   []byte        `json:"data"`
	Settings  Settings      `json:"settings"`
}

// Validate implements broker.Message.
func (m TxBegin) Validate() error {
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(m.Payload), MaxPayloadSize)
	}
	return m.Settings.Validate()
}

// TxEnd is published when the transmission started by DeviceEUI is over.
type TxEnd struct {
	DeviceEUI lorawan.EUI64 `json:"eui"`
}

// Validate implements broker.Message.
func (m TxEnd) Validate() error {
	return nil
}

// EventKind identifies a notification sent to the MAC layer.
type EventKind int

const (
	TxComplete EventKind = iota
	RxReady
	RxTimeout
)

func (k EventKind) String() string {
	switch k {
	case TxComplete:
		return "tx_complete"
	case RxReady:
		return "rx_ready"
	case RxTimeout:
		return "rx_timeout"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// MAC receives radio notifications. IOEvent is called from the flow that
// advances the clock or publishes on the broker and must not block.
type MAC interface {
	IOEvent(kind EventKind, tick uint64)
}

// MACFunc adapts a function to the MAC interface.
type MACFunc func(kind EventKind, tick uint64)

// IOEvent implements MAC.
func (f MACFunc) IOEvent(kind EventKind, tick uint64) {
	f(kind, tick)
}
