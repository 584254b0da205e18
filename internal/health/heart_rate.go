package health

import (
	"fmt"
	"time"
)

// Flags of the Heart Rate Measurement characteristic (0x2A37)
const (
	hrFlagUint16         = 0x01
	hrFlagContact        = 0x02
	hrFlagContactSupport = 0x04
	hrFlagEnergyPresent  = 0x08
	hrFlagRRPresent      = 0x10
)

// Measurement is a decoded Heart Rate Measurement notification
type Measurement struct {
	BPM         int
	Contact     *bool // nil when the strap does not report skin contact
	EnergyKJ    *int  // cumulative since the strap was reset
	RRIntervals []time.Duration
}

// ParseMeasurement decodes a Heart Rate Measurement value.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func ParseMeasurement(buf []byte) (Measurement, error) {
	if len(buf) < 2 {
		return Measurement{}, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}
	flags := buf[0]
	var offset int

	var m Measurement
	if flags&hrFlagUint16 != 0 {
		if len(buf) < 3 {
			return Measurement{}, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		m.BPM = int(uint16(buf[1]) | uint16(buf[2])<<8)
		offset = 3
	} else {
		m.BPM = int(buf[1])
		offset = 2
	}

	if flags&hrFlagContactSupport != 0 {
		contact := flags&hrFlagContact != 0
		m.Contact = &contact
	}

	if flags&hrFlagEnergyPresent != 0 {
		if len(buf) < offset+2 {
			return Measurement{}, fmt.Errorf("energy expended missing: %d bytes", len(buf))
		}
		kj := int(uint16(buf[offset]) | uint16(buf[offset+1])<<8)
		m.EnergyKJ = &kj
		offset += 2
	}

	if flags&hrFlagRRPresent != 0 {
		// 1/1024 s resolution
		for ; offset+1 < len(buf); offset += 2 {
			raw := uint16(buf[offset]) | uint16(buf[offset+1])<<8
			m.RRIntervals = append(m.RRIntervals, time.Duration(raw)*time.Second/1024)
		}
	}
	return m, nil
}
