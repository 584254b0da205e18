package link

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BLEPeripheral is the wearable end of the BLE link. It advertises the service, receives
// frames written by the host on RX and notifies frames on TX.
type BLEPeripheral struct {
	adapter *bluetooth.Adapter
	cfg     BLEConfig
	uuids   bleUUIDs
	logger  *log.Logger

	rxChar bluetooth.Characteristic
	txChar bluetooth.Characteristic
	adv    *bluetooth.Advertisement

	mu             sync.Mutex
	connected      bool
	opened         bool
	closed         bool
	reader         FrameReader
	onFrame        FrameHandler
	onReachability ReachabilityHandler

	bleMu sync.Mutex // serializes notifications so segments of two frames never interleave
}

// NewBLEPeripheral creates the wearable end on adapter
func NewBLEPeripheral(adapter *bluetooth.Adapter, cfg BLEConfig, logger *log.Logger) (*BLEPeripheral, error) {
	if adapter == nil {
		panic("BLEPeripheral: adapter cannot be nil")
	}
	if logger == nil {
		panic("BLEPeripheral: logger cannot be nil")
	}
	uuids, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	return &BLEPeripheral{adapter: adapter, cfg: cfg, uuids: uuids, logger: logger}, nil
}

func (p *BLEPeripheral) SetHandlers(onFrame FrameHandler, onReachability ReachabilityHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = onFrame
	p.onReachability = onReachability
}

// Open registers the GATT service and starts advertising
func (p *BLEPeripheral) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.opened {
		p.mu.Unlock()
		return nil
	}
	p.opened = true
	p.mu.Unlock()

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.logger.Printf("BLEPeripheral: central %s connected=%v", device.Address.String(), connected)
		p.setConnected(connected)
	})
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	err := p.adapter.AddService(&bluetooth.Service{
		UUID: p.uuids.service,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &p.rxChar,
				UUID:   p.uuids.rx,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					p.handleWrite(value)
				},
			},
			{
				Handle: &p.txChar,
				UUID:   p.uuids.tx,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	p.adv = p.adapter.DefaultAdvertisement()
	err = p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.cfg.LocalName,
		ServiceUUIDs: []bluetooth.UUID{p.uuids.service},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	p.logger.Printf("BLEPeripheral: advertising %q with service %s", p.cfg.LocalName, p.cfg.ServiceUUID)
	return nil
}

func (p *BLEPeripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	adv := p.adv
	p.mu.Unlock()

	if adv != nil {
		return adv.Stop()
	}
	return nil
}

func (p *BLEPeripheral) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && !p.closed
}

// Write frames the payload and notifies it in MTU-sized segments
func (p *BLEPeripheral) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Reachable() {
		return ErrNotReachable
	}
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	p.bleMu.Lock()
	defer p.bleMu.Unlock()
	for _, seg := range Segment(data, p.cfg.MTU) {
		if _, err := p.txChar.Write(seg); err != nil {
			return fmt.Errorf("notify TX: %w", err)
		}
	}
	return nil
}

func (p *BLEPeripheral) handleWrite(value []byte) {
	// Some stacks never report the connection on the peripheral side; the first write proves it
	p.setConnected(true)

	p.mu.Lock()
	frames, err := p.reader.Feed(value)
	handler := p.onFrame
	p.mu.Unlock()
	if err != nil {
		p.logger.Printf("BLEPeripheral: %v, resynchronizing", err)
	}
	if handler == nil {
		return
	}
	for _, f := range frames {
		handler(f)
	}
}

func (p *BLEPeripheral) setConnected(connected bool) {
	p.mu.Lock()
	if p.connected == connected || p.closed {
		p.mu.Unlock()
		return
	}
	p.connected = connected
	if !connected {
		p.reader.Reset()
	}
	handler := p.onReachability
	p.mu.Unlock()

	if handler != nil {
		handler(connected)
	}
}

var _ Link = (*BLEPeripheral)(nil)
