package semtech

import (
	"encoding/json"
	"fmt"
	"time"
)

// RXPK is one received packet in a PUSH_DATA body.
type RXPK struct {
	Time *time.Time `json:"time,omitempty"`
	Tmst uint32     `json:"tmst"`
	Freq float64    `json:"freq"`
	Chan uint8      `json:"chan"`
	RFCh uint8      `json:"rfch"`
	Stat int8       `json:"stat"`
	Modu string     `json:"modu"`
	DatR string     `json:"datr"`
	CodR string     `json:"codr"`
	RSSI int16      `json:"rssi"`
	LSNR float64    `json:"lsnr"`
	Size uint16     `json:"size"`
	Data []byte     `json:"data"`
}

// Stat is the gateway status record in a PUSH_DATA body.
type Stat struct {
	Time ExpandedTime `json:"time"`
	Lati float64      `json:"lati"`
	Long float64      `json:"long"`
	Alti int32        `json:"alti"`
	RXNb uint32       `json:"rxnb"`
	RXOK uint32       `json:"rxok"`
	RXFW uint32       `json:"rxfw"`
	ACKR float64      `json:"ackr"`
	DWNb uint32       `json:"dwnb"`
	TXNb uint32       `json:"txnb"`
}

// TXPK is the packet to transmit in a PULL_RESP body.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe uint8   `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Size uint16  `json:"size"`
	NCRC bool    `json:"ncrc,omitempty"`
	Data []byte  `json:"data"`
}

// TXPKACK carries the transmit outcome, "NONE" on success.
type TXPKACK struct {
	Error string `json:"error"`
}

const expandedTimeLayout = "2006-01-02 15:04:05 MST"

// ExpandedTime is the "expanded" time format used by the stat record.
type ExpandedTime time.Time

// MarshalJSON implements json.Marshaler.
func (t ExpandedTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(expandedTimeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ExpandedTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(expandedTimeLayout, s)
	if err != nil {
		return fmt.Errorf("parse stat time %q: %w", s, err)
	}
	*t = ExpandedTime(parsed)
	return nil
}

// FrequencyMHz converts Hz to the MHz float used in rxpk and txpk.
func FrequencyMHz(hz uint32) float64 {
	return float64(hz) / 1e6
}

// FrequencyHz converts the MHz float of rxpk and txpk back to Hz.
func FrequencyHz(mhz float64) uint32 {
	return uint32(mhz*1e6 + 0.5)
}
