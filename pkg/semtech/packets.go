package semtech

import (
	"encoding/json"
	"fmt"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// PushDataPacket forwards received packets and gateway status upstream.
type PushDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         PushDataPayload
}

// PushDataPayload is the JSON body of a PUSH_DATA frame.
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk"`
	Stat *Stat  `json:"stat,omitempty"`
}

func (p PushDataPacket) Type() PacketType { return PushData }
func (p PushDataPacket) Token() uint16    { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler. The rxpk array is
// always present, empty when there is nothing to forward.
func (p PushDataPacket) MarshalBinary() ([]byte, error) {
	payload := p.Payload
	if payload.RXPK == nil {
		payload.RXPK = []RXPK{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal PUSH_DATA body: %w", err)
	}

	b := appendHeader(make([]byte, 0, headerSize+8+len(body)), p.ProtocolVersion, p.RandomToken, PushData)
	b = append(b, p.GatewayMAC[:]...)
	return append(b, body...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PushDataPacket) UnmarshalBinary(data []byte) error {
	version, token, err := readHeader(data, PushData, headerSize+8)
	if err != nil {
		return err
	}

	var payload PushDataPayload
	if err := json.Unmarshal(data[headerSize+8:], &payload); err != nil {
		return fmt.Errorf("%w: PUSH_DATA body: %v", ErrDecode, err)
	}

	p.ProtocolVersion = version
	p.RandomToken = token
	copy(p.GatewayMAC[:], data[headerSize:headerSize+8])
	p.Payload = payload
	return nil
}

// PushAckPacket acknowledges a PUSH_DATA.
type PushAckPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

func (p PushAckPacket) Type() PacketType { return PushAck }
func (p PushAckPacket) Token() uint16    { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PushAckPacket) MarshalBinary() ([]byte, error) {
	return appendHeader(nil, p.ProtocolVersion, p.RandomToken, PushAck), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Bytes after the
// header are ignored.
func (p *PushAckPacket) UnmarshalBinary(data []byte) error {
	version, token, err := readHeader(data, PushAck, headerSize)
	if err != nil {
		return err
	}
	p.ProtocolVersion = version
	p.RandomToken = token
	return nil
}

// PullDataPacket is the gateway keepalive, opening the downstream path.
type PullDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
}

func (p PullDataPacket) Type() PacketType { return PullData }
func (p PullDataPacket) Token() uint16    { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PullDataPacket) MarshalBinary() ([]byte, error) {
	b := appendHeader(make([]byte, 0, headerSize+8), p.ProtocolVersion, p.RandomToken, PullData)
	return append(b, p.GatewayMAC[:]...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PullDataPacket) UnmarshalBinary(data []byte) error {
	version, token, err := readHeader(data, PullData, headerSize+8)
	if err != nil {
		return err
	}
	p.ProtocolVersion = version
	p.RandomToken = token
	copy(p.GatewayMAC[:], data[headerSize:headerSize+8])
	return nil
}

// PullAckPacket acknowledges a PULL_DATA.
type PullAckPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

func (p PullAckPacket) Type() PacketType { return PullAck }
func (p PullAckPacket) Token() uint16    { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PullAckPacket) MarshalBinary() ([]byte, error) {
	return appendHeader(nil, p.ProtocolVersion, p.RandomToken, PullAck), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PullAckPacket) UnmarshalBinary(data []byte) error {
	version, token, err := readHeader(data, PullAck, headerSize)
	if err != nil {
		return err
	}
	p.ProtocolVersion = version
	p.RandomToken = token
	return nil
}

// PullRespPacket asks the gateway to transmit a packet.
type PullRespPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	Payload         PullRespPayload
}

// PullRespPayload is the JSON body of a PULL_RESP frame.
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

func (p PullRespPacket) Type() PacketType { return PullResp }
func (p PullRespPacket) Token() uint16    { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PullRespPacket) MarshalBinary() ([]byte, error) {
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal PULL_RESP body: %w", err)
	}
	b := appendHeader(make([]byte, 0, headerSize+len(body)), p.ProtocolVersion, p.RandomToken, PullResp)
	return append(b, body...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *PullRespPacket) UnmarshalBinary(data []byte) error {
	version, token, err := readHeader(data, PullResp, headerSize)
	if err != nil {
		return err
	}

	var payload PullRespPayload
	if err := json.Unmarshal(data[headerSize:], &payload); err != nil {
		return fmt.Errorf("%w: PULL_RESP body: %v", ErrDecode, err)
	}

	p.ProtocolVersion = version
	p.RandomToken = token
	p.Payload = payload
	return nil
}

// TxAckPacket reports the outcome of a PULL_RESP. The JSON body is optional
// and omitted when Payload is nil.
type TxAckPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         *TxAckPayload
}

// TxAckPayload is the optional JSON body of a TX_ACK frame.
type TxAckPayload struct {
	TXPKACK TXPKACK `json:"txpk_ack"`
}

func (p TxAckPacket) Type() PacketType { return TxAck }
func (p TxAckPacket) Token() uint16    { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p TxAckPacket) MarshalBinary() ([]byte, error) {
	b := appendHeader(make([]byte, 0, headerSize+8), p.ProtocolVersion, p.RandomToken, TxAck)
	b = append(b, p.GatewayMAC[:]...)
	if p.Payload == nil {
		return b, nil
	}

	body, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal TX_ACK body: %w", err)
	}
	return append(b, body...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *TxAckPacket) UnmarshalBinary(data []byte) error {
	version, token, err := readHeader(data, TxAck, headerSize+8)
	if err != nil {
		return err
	}

	var payload *TxAckPayload
	if body := data[headerSize+8:]; len(body) > 0 {
		payload = &TxAckPayload{}
		if err := json.Unmarshal(body, payload); err != nil {
			return fmt.Errorf("%w: TX_ACK body: %v", ErrDecode, err)
		}
	}

	p.ProtocolVersion = version
	p.RandomToken = token
	copy(p.GatewayMAC[:], data[headerSize:headerSize+8])
	p.Payload = payload
	return nil
}
