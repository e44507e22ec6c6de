package lorawan

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// ParseEUI64 parses a 16 character hex string. Separators (":" and "-")
// are ignored.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64

	s = strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, fmt.Errorf("parse EUI64 %q: %w", s, err)
	}

	if len(b) != len(e) {
		return e, fmt.Errorf("invalid EUI64 length: %d bytes", len(b))
	}

	copy(e[:], b)
	return e, nil
}

// RandomEUI64 returns a random identifier.
func RandomEUI64() EUI64 {
	var e EUI64
	if _, err := rand.Read(e[:]); err != nil {
		panic(fmt.Sprintf("read random EUI64: %v", err))
	}
	return e
}

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// IsZero reports whether every byte is zero.
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}

	*e = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	parsed, err := ParseEUI64(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// CodingRate is the LoRa forward error correction rate, 1 (4/5) to 4 (4/8).
type CodingRate uint8

const (
	CR4_5 CodingRate = iota + 1
	CR4_6
	CR4_7
	CR4_8
)

// String returns the Semtech JSON form, e.g. "4/5".
func (cr CodingRate) String() string {
	if cr < CR4_5 || cr > CR4_8 {
		return "OFF"
	}
	return fmt.Sprintf("4/%d", int(cr)+4)
}

// ParseCodingRate parses the "4/5" form.
func ParseCodingRate(s string) (CodingRate, error) {
	var denom int
	if _, err := fmt.Sscanf(s, "4/%d", &denom); err != nil {
		return 0, fmt.Errorf("parse coding rate %q: %w", s, err)
	}
	if denom < 5 || denom > 8 {
		return 0, fmt.Errorf("invalid coding rate %q", s)
	}
	return CodingRate(denom - 4), nil
}
