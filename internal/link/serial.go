package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// SerialConfig describes a USB-CDC link to a wearable dev kit
type SerialConfig struct {
	Path        string
	BaudRate    int
	ReopenDelay time.Duration // wait between reopen attempts after the port drops
}

// Mode converts the config to the serial.Mode used when opening the port
func (c SerialConfig) Mode() *serial.Mode {
	baud := c.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// PortOpener opens the underlying port. serial.Open satisfies it through OpenSerialPort.
type PortOpener func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

// OpenSerialPort opens a real serial port
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// SerialLink carries length-prefixed frames over a serial port. The port is reopened
// after read or write failures until Close.
type SerialLink struct {
	cfg    SerialConfig
	opener PortOpener
	clock  timeutil.Clock
	logger *log.Logger

	mu             sync.Mutex
	port           io.ReadWriteCloser
	closed         bool
	opened         bool
	onFrame        FrameHandler
	onReachability ReachabilityHandler
	done           chan struct{}
	wg             sync.WaitGroup

	writeMu sync.Mutex // serializes frame writes so frames never interleave
}

// NewSerialLink creates a serial link. opener may be nil to use the real serial port.
func NewSerialLink(cfg SerialConfig, opener PortOpener, clock timeutil.Clock, logger *log.Logger) *SerialLink {
	if logger == nil {
		panic("SerialLink: logger cannot be nil")
	}
	if clock == nil {
		panic("SerialLink: clock cannot be nil")
	}
	if opener == nil {
		opener = OpenSerialPort
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = 2 * time.Second
	}
	return &SerialLink{
		cfg:    cfg,
		opener: opener,
		clock:  clock,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (l *SerialLink) SetHandlers(onFrame FrameHandler, onReachability ReachabilityHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = onFrame
	l.onReachability = onReachability
}

// Open tries the port once. A failure is not fatal: the link keeps retrying in the background
// and reports reachability when the port comes up.
func (l *SerialLink) Open(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.opened {
		l.mu.Unlock()
		return nil
	}
	l.opened = true
	l.mu.Unlock()

	l.wg.Add(1)
	go_func_utils.SafeGo(l.logger, "serial link", func() {
		defer l.wg.Done()
		l.runPortLoop()
	})
	return nil
}

func (l *SerialLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	port := l.port
	l.port = nil
	close(l.done)
	l.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	l.wg.Wait()
	return err
}

func (l *SerialLink) Reachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

func (l *SerialLink) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return ErrNotReachable
	}

	l.writeMu.Lock()
	_, err = port.Write(data)
	l.writeMu.Unlock()
	if err != nil {
		l.dropPort(port, err)
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// runPortLoop opens the port, reads until it fails, then waits and reopens
func (l *SerialLink) runPortLoop() {
	for {
		port, err := l.opener(l.cfg.Path, l.cfg.Mode())
		if err != nil {
			l.logger.Printf("SerialLink: open %s failed: %v", l.cfg.Path, err)
		} else if l.attach(port) {
			l.readPort(port)
		} else {
			_ = port.Close()
			return
		}

		timer := l.clock.NewTimer(l.cfg.ReopenDelay)
		select {
		case <-l.done:
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

func (l *SerialLink) attach(port io.ReadWriteCloser) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.port = port
	handler := l.onReachability
	l.mu.Unlock()

	l.logger.Printf("SerialLink: %s open", l.cfg.Path)
	if handler != nil {
		handler(true)
	}
	return true
}

func (l *SerialLink) readPort(port io.ReadWriteCloser) {
	var reader FrameReader
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			frames, ferr := reader.Feed(buf[:n])
			if ferr != nil {
				l.logger.Printf("SerialLink: %v, resynchronizing", ferr)
			}
			l.mu.Lock()
			handler := l.onFrame
			l.mu.Unlock()
			for _, f := range frames {
				if handler != nil {
					handler(f)
				}
			}
		}
		if err != nil {
			l.dropPort(port, err)
			return
		}
	}
}

// dropPort detaches a failed port once, notifying unreachability
func (l *SerialLink) dropPort(port io.ReadWriteCloser, cause error) {
	l.mu.Lock()
	if l.port != port {
		l.mu.Unlock()
		return
	}
	l.port = nil
	closed := l.closed
	handler := l.onReachability
	l.mu.Unlock()

	_ = port.Close()
	if closed {
		return
	}
	if !errors.Is(cause, io.EOF) {
		l.logger.Printf("SerialLink: port error: %v", cause)
	} else {
		l.logger.Printf("SerialLink: port closed by peer")
	}
	if handler != nil {
		handler(false)
	}
}

var _ Link = (*SerialLink)(nil)
