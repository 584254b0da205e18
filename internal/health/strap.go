package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

var ErrAlreadyStarted = errors.New("health: source already started")

type StrapConfig struct {
	Address     string // empty connects to the first strap advertising the heart rate service
	ScanTimeout time.Duration
	RetryDelay  time.Duration
	StaleAfter  time.Duration // silence after which the connection is considered lost
}

func DefaultStrapConfig() StrapConfig {
	return StrapConfig{
		ScanTimeout: 10 * time.Second,
		RetryDelay:  3 * time.Second,
		StaleAfter:  5 * time.Second,
	}
}

// HeartRateStrap reads a standard BLE heart rate strap. The adapter connect handler
// belongs to the link, so a lost strap is detected by notification silence.
type HeartRateStrap struct {
	adapter *bluetooth.Adapter
	cfg     StrapConfig
	clock   timeutil.Clock
	logger  *log.Logger

	mu        sync.Mutex
	device    *bluetooth.Device
	lastSeen  time.Time
	energy    energyTracker
	onReading Handler
	running   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHeartRateStrap(adapter *bluetooth.Adapter, cfg StrapConfig, clock timeutil.Clock, logger *log.Logger) *HeartRateStrap {
	if adapter == nil {
		panic("HeartRateStrap: adapter cannot be nil")
	}
	if clock == nil {
		panic("HeartRateStrap: clock cannot be nil")
	}
	if logger == nil {
		panic("HeartRateStrap: logger cannot be nil")
	}
	def := DefaultStrapConfig()
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = def.ScanTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &HeartRateStrap{adapter: adapter, cfg: cfg, clock: clock, logger: logger}
}

// Start connects in the background and keeps reconnecting until Stop
func (s *HeartRateStrap) Start(ctx context.Context, onReading Handler) error {
	if onReading == nil {
		panic("HeartRateStrap: handler cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.onReading = onReading
	s.energy = energyTracker{}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, "heart rate strap", func() {
		defer s.wg.Done()
		s.runConnectLoop(ctx)
	})
	return nil
}

func (s *HeartRateStrap) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Println("HeartRateStrap: stopped")
}

func (s *HeartRateStrap) runConnectLoop(ctx context.Context) {
	defer s.disconnect()
	for {
		if err := s.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Printf("HeartRateStrap: connect failed: %v", err)
			if !s.sleep(ctx, s.cfg.RetryDelay) {
				return
			}
			continue
		}
		if !s.watch(ctx) {
			return
		}
		s.logger.Printf("HeartRateStrap: no reading for %v, reconnecting", s.cfg.StaleAfter)
		s.disconnect()
	}
}

// watch returns false when ctx ends and true when the strap went silent
func (s *HeartRateStrap) watch(ctx context.Context) bool {
	ticker := s.clock.NewTicker(s.cfg.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case now := <-ticker.C():
			s.mu.Lock()
			last := s.lastSeen
			s.mu.Unlock()
			if now.Sub(last) > s.cfg.StaleAfter {
				return true
			}
		}
	}
}

func (s *HeartRateStrap) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

func (s *HeartRateStrap) connectOnce(ctx context.Context) error {
	address, err := s.findStrap(ctx)
	if err != nil {
		return err
	}
	s.logger.Printf("HeartRateStrap: connecting to %s", address.String())
	device, err := s.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDHeartRate})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("heart rate service not found: %v", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDHeartRateMeasurement})
	if err != nil || len(chars) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("heart rate measurement characteristic not found: %v", err)
	}

	s.mu.Lock()
	s.lastSeen = s.clock.Now()
	s.mu.Unlock()
	if err := chars[0].EnableNotifications(s.handleNotification); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	s.mu.Lock()
	s.device = &device
	s.mu.Unlock()
	s.logger.Printf("HeartRateStrap: streaming from %s", address.String())
	return nil
}

func (s *HeartRateStrap) findStrap(ctx context.Context) (bluetooth.Address, error) {
	want := strings.ToUpper(s.cfg.Address)

	found := make(chan bluetooth.Address, 1)
	scanDone := make(chan error, 1)
	go_func_utils.SafeGo(s.logger, "heart rate scan", func() {
		scanDone <- s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if want != "" {
				if strings.ToUpper(result.Address.String()) != want {
					return
				}
			} else if !result.HasServiceUUID(bluetooth.ServiceUUIDHeartRate) {
				return
			}
			select {
			case found <- result.Address:
				name := result.LocalName()
				if name == "" {
					name = "Unknown"
				}
				s.logger.Printf("HeartRateStrap: found %s (%s) [RSSI: %d]", name, result.Address.String(), result.RSSI)
			default:
			}
			_ = adapter.StopScan()
		})
	})

	timer := s.clock.NewTimer(s.cfg.ScanTimeout)
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
		_ = s.adapter.StopScan()
		<-scanDone
		return bluetooth.Address{}, fmt.Errorf("no heart rate strap within %v", s.cfg.ScanTimeout)
	case <-ctx.Done():
		_ = s.adapter.StopScan()
		<-scanDone
		return bluetooth.Address{}, ctx.Err()
	}
}

func (s *HeartRateStrap) handleNotification(buf []byte) {
	m, err := ParseMeasurement(buf)
	if err != nil {
		s.logger.Printf("HeartRateStrap: %v", err)
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.lastSeen = now
	r := s.energy.reading(m, now)
	handler := s.onReading
	s.mu.Unlock()
	if handler != nil {
		handler(r)
	}
}

func (s *HeartRateStrap) disconnect() {
	s.mu.Lock()
	device := s.device
	s.device = nil
	s.mu.Unlock()
	if device == nil {
		return
	}
	if err := device.Disconnect(); err != nil {
		s.logger.Printf("HeartRateStrap: disconnect: %v", err)
	}
}

// energyTracker turns the strap's cumulative energy counter into calories since Start
type energyTracker struct {
	base *int
	last int
	wrap int // the counter saturates at 0xFFFF and may be reset by the strap
}

func (t *energyTracker) reading(m Measurement, at time.Time) Reading {
	bpm := m.BPM
	r := Reading{HeartRate: &bpm, At: at}
	if m.Contact != nil && !*m.Contact {
		r.HeartRate = nil
	}
	if m.EnergyKJ == nil {
		return r
	}
	kj := *m.EnergyKJ
	if t.base == nil {
		base := kj
		t.base = &base
	} else if kj < t.last {
		t.wrap += t.last - *t.base
		t.base = new(int)
	}
	t.last = kj
	kcal := float64(t.wrap+kj-*t.base) * kcalPerKJ
	r.Calories = &kcal
	return r
}
