package link

import (
	"fmt"
	"time"

	"tinygo.org/x/bluetooth"
)

// Nordic UART style service: the host writes to RX and subscribes to TX notifications
const (
	DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultRXUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultTXUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// BLEConfig configures either end of the GATT link
type BLEConfig struct {
	ServiceUUID   string
	RXUUID        string // host -> wearable, write without response
	TXUUID        string // wearable -> host, notify
	DeviceAddress string // host only: connect to this address, empty scans by service
	LocalName     string // wearable only: advertised name
	MTU           int    // largest write or notification payload
	ScanTimeout   time.Duration
	RetryDelay    time.Duration
}

// DefaultBLEConfig returns the Nordic UART UUIDs and a conservative MTU
func DefaultBLEConfig() BLEConfig {
	return BLEConfig{
		ServiceUUID: DefaultServiceUUID,
		RXUUID:      DefaultRXUUID,
		TXUUID:      DefaultTXUUID,
		LocalName:   "lift-sync",
		MTU:         180,
		ScanTimeout: 10 * time.Second,
		RetryDelay:  3 * time.Second,
	}
}

type bleUUIDs struct {
	service, rx, tx bluetooth.UUID
}

func (c BLEConfig) parse() (bleUUIDs, error) {
	var out bleUUIDs
	var err error
	if out.service, err = bluetooth.ParseUUID(c.ServiceUUID); err != nil {
		return out, fmt.Errorf("invalid service UUID %q: %w", c.ServiceUUID, err)
	}
	if out.rx, err = bluetooth.ParseUUID(c.RXUUID); err != nil {
		return out, fmt.Errorf("invalid RX UUID %q: %w", c.RXUUID, err)
	}
	if out.tx, err = bluetooth.ParseUUID(c.TXUUID); err != nil {
		return out, fmt.Errorf("invalid TX UUID %q: %w", c.TXUUID, err)
	}
	return out, nil
}
