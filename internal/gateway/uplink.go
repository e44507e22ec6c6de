package gateway

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
	"github.com/lorawan-server/lorawan-sim/pkg/semtech"
)

// DownlinkTopic returns the topic on which the gateway publishes the
// packets a network server asked it to transmit.
func DownlinkTopic(eui lorawan.EUI64) string {
	return eui.String() + "/down"
}

// UplinkTopic returns the topic the gateway listens on for packets to
// forward upstream. It is the gateway EUI.
func UplinkTopic(eui lorawan.EUI64) string {
	return eui.String()
}

// Uplink is a packet heard by the gateway.
type Uplink struct {
	DeviceEUI lorawan.EUI64      `json:"eui"`
	Data      []byte             `json:"data"`
	Freq      uint32             `json:"freq"`
	SF        uint8              `json:"sf"`
	BW        uint32             `json:"bw"`
	CR        lorawan.CodingRate `json:"cr,omitempty"`
	RSSI      int16              `json:"rssi,omitempty"`
	LSNR      float64            `json:"lsnr,omitempty"`
}

// Validate implements broker.Message.
func (u Uplink) Validate() error {
	if len(u.Data) == 0 {
		return errors.New("uplink without data")
	}
	if len(u.Data) > 255 {
		return fmt.Errorf("uplink of %d bytes exceeds 255", len(u.Data))
	}
	if u.SF < 6 || u.SF > 12 {
		return fmt.Errorf("invalid spreading factor %d", u.SF)
	}
	if u.BW == 0 {
		return errors.New("uplink without bandwidth")
	}
	return nil
}

// rxpk converts the uplink to its PUSH_DATA record.
func (u Uplink) rxpk(tmst uint32) semtech.RXPK {
	cr := u.CR
	if cr == 0 {
		cr = lorawan.CR4_5
	}
	rssi := u.RSSI
	if rssi == 0 {
		rssi = -50
	}

	return semtech.RXPK{
		Tmst: tmst,
		Freq: semtech.FrequencyMHz(u.Freq),
		Stat: 1,
		Modu: "LORA",
		DatR: lorawan.DataRate{SpreadFactor: int(u.SF), Bandwidth: int(u.BW)}.String(),
		CodR: cr.String(),
		RSSI: rssi,
		LSNR: u.LSNR,
		Size: uint16(len(u.Data)),
		Data: u.Data,
	}
}

// Downlink is a packet a network server asked the gateway to transmit.
type Downlink struct {
	Token uint16       `json:"token"`
	TXPK  semtech.TXPK `json:"txpk"`
}

// Validate implements broker.Message.
func (d Downlink) Validate() error {
	if d.TXPK.Freq <= 0 {
		return errors.New("downlink without frequency")
	}
	if len(d.TXPK.Data) == 0 {
		return errors.New("downlink without data")
	}
	if _, err := SettingsForTXPK(d.TXPK); err != nil {
		return fmt.Errorf("downlink modulation: %w", err)
	}
	return nil
}
