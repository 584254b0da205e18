package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// BLECentral is the host end of the BLE link. It finds the wearable by address or by
// advertised service, subscribes to TX notifications and writes frames to RX.
// A dropped connection is retried until Close.
type BLECentral struct {
	adapter *bluetooth.Adapter
	cfg     BLEConfig
	uuids   bleUUIDs
	clock   timeutil.Clock
	logger  *log.Logger

	mu             sync.Mutex
	device         *bluetooth.Device // nil while disconnected
	rx             *bluetooth.DeviceCharacteristic
	onFrame        FrameHandler
	onReachability ReachabilityHandler
	opened         bool
	closed         bool
	reader         FrameReader

	bleMu     sync.Mutex // serializes characteristic writes so segments of two frames never interleave
	reconnect chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewBLECentral creates the host end on adapter
func NewBLECentral(adapter *bluetooth.Adapter, cfg BLEConfig, clock timeutil.Clock, logger *log.Logger) (*BLECentral, error) {
	if adapter == nil {
		panic("BLECentral: adapter cannot be nil")
	}
	if logger == nil {
		panic("BLECentral: logger cannot be nil")
	}
	uuids, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BLECentral{
		adapter:   adapter,
		cfg:       cfg,
		uuids:     uuids,
		clock:     clock,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (c *BLECentral) SetHandlers(onFrame FrameHandler, onReachability ReachabilityHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = onFrame
	c.onReachability = onReachability
}

// Open enables the adapter and starts the connect loop
func (c *BLECentral) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.mu.Unlock()

	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			c.logger.Printf("BLECentral: device connected: %s", device.Address.String())
			return
		}
		c.logger.Printf("BLECentral: device disconnected: %s", device.Address.String())
		c.detach()
	})
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, "ble central connect loop", func() {
		defer c.wg.Done()
		c.runConnectLoop()
	})
	c.requestReconnect()
	return nil
}

func (c *BLECentral) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	device := c.device
	c.device = nil
	c.rx = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if device != nil {
		err = device.Disconnect()
	}
	_ = c.adapter.StopScan()
	c.wg.Wait()
	c.logger.Println("BLECentral: closed")
	return err
}

func (c *BLECentral) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx != nil
}

// Write frames the payload and writes it to RX in MTU-sized segments
func (c *BLECentral) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	rx := c.rx
	c.mu.Unlock()
	if rx == nil {
		return ErrNotReachable
	}

	c.bleMu.Lock()
	defer c.bleMu.Unlock()
	for _, seg := range Segment(data, c.cfg.MTU) {
		if _, err := rx.WriteWithoutResponse(seg); err != nil {
			go c.detach()
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
	}
	return nil
}

func (c *BLECentral) requestReconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *BLECentral) runConnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnect:
		}
		for !c.Reachable() {
			if err := c.connectOnce(); err != nil {
				c.logger.Printf("BLECentral: connect failed: %v", err)
			}
			if c.Reachable() {
				break
			}
			timer := c.clock.NewTimer(c.cfg.RetryDelay)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
	}
}

func (c *BLECentral) connectOnce() error {
	address, err := c.findDevice()
	if err != nil {
		return err
	}
	c.logger.Printf("BLECentral: connecting to %s", address.String())
	device, err := c.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{c.uuids.service})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("service %s not found: %v", c.cfg.ServiceUUID, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{c.uuids.rx, c.uuids.tx})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("could not discover characteristics: %w", err)
	}
	var rx, tx *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case c.uuids.rx:
			rx = &chars[i]
		case c.uuids.tx:
			tx = &chars[i]
		}
	}
	if rx == nil || tx == nil {
		_ = device.Disconnect()
		return errors.New("RX/TX characteristics missing")
	}

	c.mu.Lock()
	c.reader.Reset()
	c.mu.Unlock()
	if err := tx.EnableNotifications(c.handleNotification); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = device.Disconnect()
		return ErrClosed
	}
	c.device = &device
	c.rx = rx
	handler := c.onReachability
	c.mu.Unlock()

	c.logger.Printf("BLECentral: link up with %s", address.String())
	if handler != nil {
		handler(true)
	}
	return nil
}

// findDevice scans for the configured address, or for the first device advertising the service
func (c *BLECentral) findDevice() (bluetooth.Address, error) {
	wantAddress := strings.ToUpper(c.cfg.DeviceAddress)

	found := make(chan bluetooth.Address, 1)
	scanDone := make(chan error, 1)
	go_func_utils.SafeGo(c.logger, "ble central scan", func() {
		scanDone <- c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if wantAddress != "" {
				if strings.ToUpper(result.Address.String()) != wantAddress {
					return
				}
			} else if !result.HasServiceUUID(c.uuids.service) {
				return
			}
			select {
			case found <- result.Address:
				c.logger.Printf("BLECentral: found %s (%s) [RSSI: %d]", result.LocalName(), result.Address.String(), result.RSSI)
			default:
			}
			_ = adapter.StopScan()
		})
	})

	timer := c.clock.NewTimer(c.cfg.ScanTimeout)
	defer timer.Stop()
	select {
	case addr := <-found:
		<-scanDone
		return addr, nil
	case err := <-scanDone:
		select {
		case addr := <-found:
			return addr, nil
		default:
		}
		if err == nil {
			err = errors.New("scan ended")
		}
		return bluetooth.Address{}, err
	case <-timer.C():
		_ = c.adapter.StopScan()
		<-scanDone
		return bluetooth.Address{}, fmt.Errorf("no device advertising %s within %v", c.cfg.ServiceUUID, c.cfg.ScanTimeout)
	case <-c.ctx.Done():
		_ = c.adapter.StopScan()
		<-scanDone
		return bluetooth.Address{}, ErrClosed
	}
}

func (c *BLECentral) handleNotification(buf []byte) {
	c.mu.Lock()
	frames, err := c.reader.Feed(buf)
	handler := c.onFrame
	c.mu.Unlock()
	if err != nil {
		c.logger.Printf("BLECentral: %v, resynchronizing", err)
	}
	if handler == nil {
		return
	}
	for _, f := range frames {
		handler(f)
	}
}

// detach marks the link down once and schedules a reconnect
func (c *BLECentral) detach() {
	c.mu.Lock()
	if c.rx == nil {
		c.mu.Unlock()
		return
	}
	c.device = nil
	c.rx = nil
	closed := c.closed
	handler := c.onReachability
	c.mu.Unlock()

	if closed {
		return
	}
	if handler != nil {
		handler(false)
	}
	c.requestReconnect()
}

var _ Link = (*BLECentral)(nil)
