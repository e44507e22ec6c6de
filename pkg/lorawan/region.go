package lorawan

import (
	"fmt"
	"strings"
)

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a LoRa data rate. Bandwidth is in Hz.
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
}

// String returns the Semtech "datr" identifier, e.g. SF7BW125.
func (dr DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", dr.SpreadFactor, dr.Bandwidth/1000)
}

// ParseDataRate parses the Semtech "datr" identifier.
func ParseDataRate(s string) (DataRate, error) {
	var dr DataRate
	if _, err := fmt.Sscanf(strings.ToUpper(s), "SF%dBW%d", &dr.SpreadFactor, &dr.Bandwidth); err != nil {
		return DataRate{}, fmt.Errorf("parse data rate %q: %w", s, err)
	}
	dr.Bandwidth *= 1000
	return dr, nil
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch strings.ToUpper(region) {
	case "EU868", "":
		return &EU868Configuration, nil
	case "US915":
		return &US915Configuration, nil
	case "CN470", "CN470_510":
		return &CN470Configuration, nil
	default:
		return nil, fmt.Errorf("unknown region %q", region)
	}
}

// DataRate returns the modulation parameters of a DR index.
func (r *RegionConfiguration) DataRate(dr int) (DataRate, error) {
	if dr < 0 || dr >= len(r.DataRates) {
		return DataRate{}, fmt.Errorf("%s: invalid data rate DR%d", r.Name, dr)
	}
	return r.DataRates[dr], nil
}

// MaxPayloadSize returns the maximum MACPayload size for a DR index.
func (r *RegionConfiguration) MaxPayloadSize(dr int) (int, error) {
	size, ok := r.MaxPayloadSizePerDR[dr]
	if !ok {
		return 0, fmt.Errorf("%s: invalid data rate DR%d", r.Name, dr)
	}
	return size, nil
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125000}, // DR0
		{SpreadFactor: 11, Bandwidth: 125000}, // DR1
		{SpreadFactor: 10, Bandwidth: 125000}, // DR2
		{SpreadFactor: 9, Bandwidth: 125000},  // DR3
		{SpreadFactor: 8, Bandwidth: 125000},  // DR4
		{SpreadFactor: 7, Bandwidth: 125000},  // DR5
		{SpreadFactor: 7, Bandwidth: 250000},  // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51,
		1: 51,
		2: 51,
		3: 115,
		4: 242,
		5: 242,
		6: 242,
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
}

// US915Configuration for US 915MHz band
var US915Configuration = RegionConfiguration{
	Name: "US915",
	DefaultChannels: []Channel{
		{Frequency: 902300000, MinDR: 0, MaxDR: 3},
		{Frequency: 902500000, MinDR: 0, MaxDR: 3},
		{Frequency: 902700000, MinDR: 0, MaxDR: 3},
		{Frequency: 902900000, MinDR: 0, MaxDR: 3},
	},
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125000}, // DR0
		{SpreadFactor: 9, Bandwidth: 125000},  // DR1
		{SpreadFactor: 8, Bandwidth: 125000},  // DR2
		{SpreadFactor: 7, Bandwidth: 125000},  // DR3
		{SpreadFactor: 8, Bandwidth: 500000},  // DR4
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 11,
		1: 53,
		2: 125,
		3: 242,
		4: 242,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
}

// CN470Configuration for China 470-510MHz band
var CN470Configuration = RegionConfiguration{
	Name:            "CN470",
	DefaultChannels: cn470DefaultChannels(),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125000}, // DR0
		{SpreadFactor: 11, Bandwidth: 125000}, // DR1
		{SpreadFactor: 10, Bandwidth: 125000}, // DR2
		{SpreadFactor: 9, Bandwidth: 125000},  // DR3
		{SpreadFactor: 8, Bandwidth: 125000},  // DR4
		{SpreadFactor: 7, Bandwidth: 125000},  // DR5
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222,
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 505300000,
}

// cn470DefaultChannels returns the first 8 uplink channels, 200kHz apart.
func cn470DefaultChannels() []Channel {
	channels := make([]Channel, 8)
	baseFreq := uint32(470300000)
	for i := range channels {
		channels[i] = Channel{
			Frequency: baseFreq + uint32(i*200000),
			MinDR:     0,
			MaxDR:     5,
		}
	}
	return channels
}
