package radio

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/lorawan-server/lorawan-sim/internal/validation"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

// Settings describe one transmission or reception attempt.
type Settings struct {
	Bandwidth       uint32             `json:"bw" validate:"oneof=125000 250000 500000"`
	SpreadingFactor uint8              `json:"sf" validate:"min=6,max=12"`
	Frequency       uint32             `json:"freq"`
	CodingRate      lorawan.CodingRate `json:"cr" validate:"max=4"`
	Power           int8               `json:"power"`
	Channel         int                `json:"channel"`
}

// SettingsForDataRate builds settings from a regional DR index.
func SettingsForDataRate(region *lorawan.RegionConfiguration, dr int, freq uint32, cr lorawan.CodingRate, power int8) (Settings, error) {
	rate, err := region.DataRate(dr)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Bandwidth:       uint32(rate.Bandwidth),
		SpreadingFactor: uint8(rate.SpreadFactor),
		Frequency:       freq,
		CodingRate:      cr,
		Power:           power,
	}
	return s, s.Validate()
}

// Validate checks the modulation parameters.
func (s Settings) Validate() error {
	if err := validation.NewValidator().Validate(s); err != nil {
		return fmt.Errorf("radio settings: %w", err)
	}
	return nil
}

// Matches reports whether a receiver configured with s can hear a
// transmission using other: spreading factor, bandwidth and frequency must
// all be equal.
func (s Settings) Matches(other Settings) bool {
	return s.SpreadingFactor == other.SpreadingFactor &&
		s.Bandwidth == other.Bandwidth &&
		s.Frequency == other.Frequency
}

// DataRate returns the modulation as a LoRaWAN data rate.
func (s Settings) DataRate() lorawan.DataRate {
	return lorawan.DataRate{
		SpreadFactor: int(s.SpreadingFactor),
		Bandwidth:    int(s.Bandwidth),
	}
}

// symbolTicks returns ceil(symbols * 2^SF / BW * ticksPerSecond).
func symbolTicks(s Settings, symbols uint32, ticksPerSecond uint64) uint64 {
	if s.Bandwidth == 0 {
		return 0
	}
	chips := uint64(symbols) << s.SpreadingFactor
	bw := uint64(s.Bandwidth)

	hi, lo := bits.Mul64(chips, ticksPerSecond)
	lo, carry := bits.Add64(lo, bw-1, 0)
	hi += carry
	if hi >= bw {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, bw)
	return q
}
