// Package bridge is the message layer between wearable and host. It sits on top of a
// link.Link and gives each message class its own ordered sender, buffers sensor chunks
// while the peer is away and replays them on recovery, reassembles fragmented transfers,
// and republishes everything inbound as one ordered event stream.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/lowaak/smart-trainer/lift-sync/internal/events"
	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/link"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// ActivationState of the bridge
type ActivationState int

const (
	Inactive   ActivationState = iota // not started or deactivated
	Activating                        // link open in progress
	Activated                         // senders running
)

func (s ActivationState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	default:
		return fmt.Sprintf("ActivationState(%d)", int(s))
	}
}

// Config tunes buffering and timeouts
type Config struct {
	// OverflowMultiplier caps buffered samples at OverflowMultiplier*model.MaxChunkSize while unreachable
	OverflowMultiplier int
	TelemetryInterval  time.Duration // minimum spacing of telemetry sends
	CommandTimeout     time.Duration // wait for a command reply
	AckTimeout         time.Duration // wait for a fragment acknowledgement
	FragmentSize       int           // bytes of encoded chunk per fragment
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		OverflowMultiplier: 2,
		TelemetryInterval:  2 * time.Second,
		CommandTimeout:     5 * time.Second,
		AckTimeout:         5 * time.Second,
		FragmentSize:       4096,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.OverflowMultiplier < 1:
		return errors.New("bridge: overflow multiplier must be at least 1")
	case c.TelemetryInterval <= 0:
		return errors.New("bridge: telemetry interval must be positive")
	case c.CommandTimeout <= 0 || c.AckTimeout <= 0:
		return errors.New("bridge: timeouts must be positive")
	case c.FragmentSize < protocol.MinFragmentSize:
		return fmt.Errorf("bridge: fragment size must be at least %d bytes", protocol.MinFragmentSize)
	}
	return nil
}

func (c Config) overflowCap() int {
	return c.OverflowMultiplier * model.MaxChunkSize
}

// Stats are cumulative counters
type Stats struct {
	ChunksQueued       uint64
	ChunksSent         uint64
	ChunksReceived     uint64
	SamplesDropped     uint64
	FragmentsSent      uint64
	FragmentsReceived  uint64
	DuplicateFragments uint64
	TelemetrySent      uint64
	TelemetryCoalesced uint64
	TelemetryDiscarded uint64
	CommandsSent       uint64
	CommandsReceived   uint64
	CommandsRejected   uint64
	InvalidFrames      uint64
}

type counters struct {
	chunksQueued, chunksSent, chunksReceived, samplesDropped        atomic.Uint64
	fragmentsSent, fragmentsReceived, duplicateFragments            atomic.Uint64
	telemetrySent, telemetryCoalesced, telemetryDiscarded           atomic.Uint64
	commandsSent, commandsReceived, commandsRejected, invalidFrames atomic.Uint64
}

// CommandHandler executes an inbound command. A nil error is acknowledged positively,
// anything else becomes a negative reply carrying err.Error().
type CommandHandler func(ctx context.Context, id string, cmd protocol.Command) error

// Bridge is the bidirectional message layer
type Bridge struct {
	cfg    Config
	link   link.Link
	clock  timeutil.Clock
	logger *log.Logger
	events *events.ChannelEvent[Event]

	mu           sync.Mutex
	state        ActivationState
	reachable    bool
	reachChanged chan struct{} // closed and replaced on every reachability change
	context      *model.SessionContext

	// bulk
	bulk        []*outChunk
	nextSeq     uint64
	resyncUntil uint64 // telemetry waits until chunks up to this seq are sent
	bulkStalled bool   // a transfer failed; retried after the next recovery
	bulkWake    chan struct{}

	// telemetry
	limiter          *rate.Limiter
	pendingTelemetry *model.HealthTelemetry
	telemetryWake    chan struct{}

	// ordered writers for control, command and reply frames
	writes    []*writeJob
	writeWake chan struct{}

	// requests awaiting a reply, keyed by envelope id
	waiting map[string]chan replyResult

	// inbound
	handlersMu sync.RWMutex
	handlers   map[protocol.CommandKind]CommandHandler
	inbound    *reassembler
	dispatch   []inboundCommand
	eventQueue []Event
	inWake     chan struct{}
	eventWake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stats  counters
}

type replyResult struct {
	reply protocol.Reply
	err   error
}

type inboundCommand struct {
	id  string
	cmd protocol.Command
}

// New creates an inactive bridge over l
func New(cfg Config, l link.Link, clock timeutil.Clock, logger *log.Logger) *Bridge {
	if l == nil {
		panic("Bridge: link cannot be nil")
	}
	if clock == nil {
		panic("Bridge: clock cannot be nil")
	}
	if logger == nil {
		panic("Bridge: logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &Bridge{
		cfg:           cfg,
		link:          l,
		clock:         clock,
		logger:        logger,
		events:        events.NewChannelEventWithMode[Event](events.BlockUntilDelivered, false),
		reachChanged:  make(chan struct{}),
		bulkWake:      make(chan struct{}, 1),
		limiter:       rate.NewLimiter(rate.Every(cfg.TelemetryInterval), 1),
		telemetryWake: make(chan struct{}, 1),
		writeWake:     make(chan struct{}, 1),
		waiting:       make(map[string]chan replyResult),
		handlers:      make(map[protocol.CommandKind]CommandHandler),
		inbound:       newReassembler(clock),
		inWake:        make(chan struct{}, 1),
		eventWake:     make(chan struct{}, 1),
	}
}

// Events is the inbound event stream. Listeners must keep draining their channel.
func (b *Bridge) Events() *events.ChannelEvent[Event] {
	return b.events
}

// Handle registers the handler for one command kind. Registering a kind twice panics.
func (b *Bridge) Handle(kind protocol.CommandKind, h CommandHandler) {
	if h == nil {
		panic("Bridge: handler cannot be nil")
	}
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	if _, ok := b.handlers[kind]; ok {
		panic(fmt.Sprintf("Bridge: handler for %s already registered", kind))
	}
	b.handlers[kind] = h
}

// Activate opens the link and starts the senders
func (b *Bridge) Activate(ctx context.Context) error {
	b.mu.Lock()
	if b.state != Inactive {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("bridge: activate while %s", state)
	}
	b.state = Activating
	b.mu.Unlock()

	b.link.SetHandlers(b.onFrame, b.onReachability)
	if err := b.link.Open(ctx); err != nil {
		b.mu.Lock()
		b.state = Inactive
		b.mu.Unlock()
		b.logger.Printf("Bridge: activation failed: %v", err)
		return &TransferError{Cause: err}
	}

	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.state = Activated
	reachable := b.link.Reachable()
	b.mu.Unlock()

	b.wg.Add(5)
	go_func_utils.SafeGo(b.logger, "bridge bulk sender", func() { defer b.wg.Done(); b.runBulkSender() })
	go_func_utils.SafeGo(b.logger, "bridge telemetry sender", func() { defer b.wg.Done(); b.runTelemetrySender() })
	go_func_utils.SafeGo(b.logger, "bridge writer", func() { defer b.wg.Done(); b.runWriter() })
	go_func_utils.SafeGo(b.logger, "bridge dispatcher", func() { defer b.wg.Done(); b.runDispatcher() })
	go_func_utils.SafeGo(b.logger, "bridge event pump", func() { defer b.wg.Done(); b.runEventPump() })

	b.logger.Printf("Bridge: activated (reachable=%v)", reachable)
	b.onReachability(reachable)
	return nil
}

// Deactivate stops the senders and closes the link. Queued chunks are kept in memory.
func (b *Bridge) Deactivate() error {
	b.mu.Lock()
	if b.state != Activated {
		b.mu.Unlock()
		return nil
	}
	b.state = Inactive
	cancel := b.cancel
	b.failWaitingLocked(ErrNotActivated)
	b.failWritesLocked(ErrNotActivated)
	b.mu.Unlock()

	cancel()
	err := b.link.Close()
	b.wg.Wait()
	b.logger.Println("Bridge: deactivated")
	return err
}

// State returns the activation state
func (b *Bridge) State() ActivationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reachable reports the last reachability seen from the link
func (b *Bridge) Reachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reachable
}

// SetContext sets the context used to tag outbound chunks that carry none
func (b *Bridge) SetContext(c *model.SessionContext) {
	b.mu.Lock()
	b.context = c.Clone()
	b.mu.Unlock()
}

// Stats returns a snapshot of the counters
func (b *Bridge) Stats() Stats {
	s := &b.stats
	return Stats{
		ChunksQueued:       s.chunksQueued.Load(),
		ChunksSent:         s.chunksSent.Load(),
		ChunksReceived:     s.chunksReceived.Load(),
		SamplesDropped:     s.samplesDropped.Load(),
		FragmentsSent:      s.fragmentsSent.Load(),
		FragmentsReceived:  s.fragmentsReceived.Load(),
		DuplicateFragments: s.duplicateFragments.Load(),
		TelemetrySent:      s.telemetrySent.Load(),
		TelemetryCoalesced: s.telemetryCoalesced.Load(),
		TelemetryDiscarded: s.telemetryDiscarded.Load(),
		CommandsSent:       s.commandsSent.Load(),
		CommandsReceived:   s.commandsReceived.Load(),
		CommandsRejected:   s.commandsRejected.Load(),
		InvalidFrames:      s.invalidFrames.Load(),
	}
}

func (b *Bridge) onReachability(reachable bool) {
	b.mu.Lock()
	if b.state != Activated || b.reachable == reachable {
		b.mu.Unlock()
		return
	}
	b.reachable = reachable
	close(b.reachChanged)
	b.reachChanged = make(chan struct{})

	if reachable {
		b.bulkStalled = false
		if n := len(b.bulk); n > 0 {
			b.resyncUntil = b.bulk[n-1].seq
			b.logger.Printf("Bridge: peer reachable, resyncing %d buffered chunk(s)", n)
		} else {
			b.logger.Println("Bridge: peer reachable")
		}
	} else {
		b.failWaitingLocked(ErrNotReachable)
		b.failWritesLocked(ErrNotReachable)
		b.enforceOverflowLocked()
		b.logger.Println("Bridge: peer unreachable")
	}
	b.emitLocked(ReachabilityEvent{Reachable: reachable})
	b.mu.Unlock()

	wake(b.bulkWake)
	wake(b.telemetryWake)
	wake(b.writeWake)
}

// checkSendable must be called with mu held
func (b *Bridge) checkSendableLocked() error {
	if b.state != Activated {
		return ErrNotActivated
	}
	if !b.reachable {
		return ErrNotReachable
	}
	return nil
}

// failWaitingLocked must be called with mu held
func (b *Bridge) failWaitingLocked(err error) {
	for id, ch := range b.waiting {
		ch <- replyResult{err: err}
		delete(b.waiting, id)
	}
}

func (b *Bridge) emitLocked(ev Event) {
	b.eventQueue = append(b.eventQueue, ev)
	wake(b.eventWake)
}

func (b *Bridge) emit(ev Event) {
	b.mu.Lock()
	b.emitLocked(ev)
	b.mu.Unlock()
}

// runEventPump publishes queued events in order so link goroutines never block on listeners
func (b *Bridge) runEventPump() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.eventWake:
		}
		for {
			b.mu.Lock()
			if len(b.eventQueue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.eventQueue[0]
			b.eventQueue[0] = nil
			b.eventQueue = b.eventQueue[1:]
			b.mu.Unlock()

			if err := b.events.NotifyContext(b.ctx, ev); err != nil {
				return
			}
		}
	}
}

// sleep waits d on the clock and returns false if the bridge stopped meanwhile
func (b *Bridge) sleep(d time.Duration) bool {
	t := b.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Bridge) write(frame []byte) error {
	err := b.link.Write(b.ctx, frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, link.ErrNotReachable):
		return ErrNotReachable
	default:
		return &TransferError{Cause: err}
	}
}
