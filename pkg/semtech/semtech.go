// Package semtech implements the Semtech UDP packet forwarder protocol
// (version 2) spoken between a LoRa gateway and a network server.
package semtech

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the only protocol version accepted by Decode.
const ProtocolVersion uint8 = 2

const headerSize = 4

// PacketType is the identifier carried in byte 3 of every frame.
type PacketType byte

const (
	PushData PacketType = 0x00
	PushAck  PacketType = 0x01
	PullData PacketType = 0x02
	PullResp PacketType = 0x03
	PullAck  PacketType = 0x04
	TxAck    PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// ErrDecode is wrapped by every error returned while decoding a frame.
var ErrDecode = errors.New("semtech: malformed packet")

// Packet is one protocol frame.
type Packet interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	Type() PacketType
	Token() uint16
}

// Decode parses a datagram into the packet variant named by its type byte.
func Decode(data []byte) (Packet, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	var p Packet
	switch t {
	case PushData:
		p = &PushDataPacket{}
	case PushAck:
		p = &PushAckPacket{}
	case PullData:
		p = &PullDataPacket{}
	case PullResp:
		p = &PullRespPacket{}
	case PullAck:
		p = &PullAckPacket{}
	case TxAck:
		p = &TxAckPacket{}
	default:
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", ErrDecode, byte(t))
	}

	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return p, nil
}

// PeekType validates the header and returns the packet type.
func PeekType(data []byte) (PacketType, error) {
	if len(data) < headerSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrDecode, len(data))
	}
	if data[0] != ProtocolVersion {
		return 0, fmt.Errorf("%w: unsupported protocol version %d", ErrDecode, data[0])
	}
	return PacketType(data[3]), nil
}

func appendHeader(b []byte, version uint8, token uint16, t PacketType) []byte {
	if version == 0 {
		version = ProtocolVersion
	}
	b = append(b, version, 0, 0, byte(t))
	binary.BigEndian.PutUint16(b[len(b)-3:], token)
	return b
}

// readHeader checks the header against the expected type and returns the
// version and token.
func readHeader(data []byte, want PacketType, minSize int) (uint8, uint16, error) {
	t, err := PeekType(data)
	if err != nil {
		return 0, 0, err
	}
	if t != want {
		return 0, 0, fmt.Errorf("%w: expected %s, got %s", ErrDecode, want, t)
	}
	if len(data) < minSize {
		return 0, 0, fmt.Errorf("%w: %s needs at least %d bytes, got %d", ErrDecode, want, minSize, len(data))
	}
	return data[0], binary.BigEndian.Uint16(data[1:3]), nil
}
