// Package relay publishes session snapshots to NATS so dashboards off the device can follow a workout.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lowaak/smart-trainer/lift-sync/internal/events"
	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
)

// Subject suffixes under the configured prefix
const (
	SubjectSnapshot = "session.snapshot" // every change
	SubjectStatus   = "session.status"   // status transitions only
)

// StatusEvent is published when the workout status changes
type StatusEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// Publisher sends JSON payloads to NATS subjects under a prefix
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *log.Logger
}

// Connect dials url and keeps reconnecting forever. Extra options are appended to the defaults.
func Connect(url, prefix string, logger *log.Logger, opts ...nats.Option) (*Publisher, error) {
	if logger == nil {
		panic("Relay: logger cannot be nil")
	}
	defaults := []nats.Option{
		nats.Name("lift-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("Relay: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Printf("Relay: reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Publisher{conn: nc, prefix: prefix, logger: logger}, nil
}

func (p *Publisher) Subject(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

func (p *Publisher) Publish(suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}
	return p.conn.Publish(p.Subject(suffix), data)
}

// Flush waits until the server has processed everything published so far
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// Relay forwards every snapshot of a coordinator to the publisher
type Relay struct {
	pub    *Publisher
	logger *log.Logger

	ch           chan session.Snapshot
	unregister   func()
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func New(pub *Publisher, snapshots *events.ChannelEvent[session.Snapshot], logger *log.Logger) *Relay {
	if pub == nil {
		panic("Relay: publisher cannot be nil")
	}
	if logger == nil {
		panic("Relay: logger cannot be nil")
	}
	r := &Relay{
		pub:      pub,
		logger:   logger,
		ch:       make(chan session.Snapshot, 16),
		doneChan: make(chan struct{}),
	}
	r.unregister = snapshots.Listen(r.ch)
	r.wg.Add(1)
	go_func_utils.SafeGo(logger, "relay", func() { defer r.wg.Done(); r.run() })
	return r
}

func (r *Relay) run() {
	var last *session.Snapshot
	for {
		select {
		case <-r.doneChan:
			return
		case snap := <-r.ch:
			if err := r.pub.Publish(SubjectSnapshot, snap.View()); err != nil {
				r.logger.Printf("Relay: publish snapshot: %v", err)
			}
			if last == nil || last.State != snap.State {
				ev := StatusEvent{SessionID: snap.SessionID, To: snap.State.Status.String(), Reason: snap.State.Reason}
				if last != nil {
					ev.From = last.State.Status.String()
				}
				if err := r.pub.Publish(SubjectStatus, ev); err != nil {
					r.logger.Printf("Relay: publish status: %v", err)
				}
			}
			last = &snap
		}
	}
}

// Shutdown stops forwarding and closes the publisher
func (r *Relay) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.unregister()
		close(r.doneChan)
		r.wg.Wait()
		if err := r.pub.Close(); err != nil {
			r.logger.Printf("Relay: close: %v", err)
		}
	})
}
