package lorawan

import "time"

// Preamble length used by LoRaWAN end devices, in symbols. The radio adds
// 4.25 symbols on top of this.
const PreambleSymbols = 8

// SymbolPeriod returns the duration of one LoRa symbol, 2^SF / BW.
func SymbolPeriod(spreadingFactor, bandwidthHz int) time.Duration {
	if bandwidthHz <= 0 {
		return 0
	}
	return time.Second * time.Duration(1<<spreadingFactor) / time.Duration(bandwidthHz)
}

// TimeOnAir returns the transmission time of a LoRa packet carrying
// payloadLen bytes (SX127x datasheet 4.1.1.7).
//
//	Npayload = 8 + max(ceil((8PL - 4SF + 28 + 16CRC - 20IH) / (4(SF - 2DE))) * (CR + 4), 0)
//	Tpacket  = (Npreamble + 4.25) * Tsym + Npayload * Tsym
//
// CRC is always on (uplink), the header is explicit except at SF6 and low data
// rate optimisation is on when a symbol lasts 16ms or more.
func TimeOnAir(bandwidthHz, spreadingFactor int, cr CodingRate, payloadLen int) time.Duration {
	if bandwidthHz <= 0 || spreadingFactor <= 0 {
		return 0
	}
	if cr < CR4_5 || cr > CR4_8 {
		cr = CR4_5
	}

	// microseconds, as the device firmware computes it
	ts := int64(1<<spreadingFactor) * 1000000 / int64(bandwidthHz)

	ih := int64(0)
	if spreadingFactor == 6 {
		ih = 1
	}
	de := int64(0)
	if ts >= 16000 {
		de = 1
	}

	sf := int64(spreadingFactor)
	num := 8*int64(payloadLen) - 4*sf + 28 + 16 - 20*ih
	den := 4 * (sf - 2*de)

	nPayload := int64(8)
	if num > 0 && den > 0 {
		nPayload += ((num + den - 1) / den) * (int64(cr) + 4)
	}

	tPreamble := ts*(PreambleSymbols+4) + ts/4
	return time.Duration(tPreamble+nPayload*ts) * time.Microsecond
}
