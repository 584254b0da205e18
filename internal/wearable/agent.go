// Package wearable runs the watch side of a workout: it follows the host's commands,
// drives the capture engine and the health source, and forwards their output over the bridge.
package wearable

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/capture"
	"github.com/lowaak/smart-trainer/lift-sync/internal/events"
	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/health"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

var (
	ErrStopped   = errors.New("wearable: agent stopped")
	ErrNoSession = errors.New("wearable: no running set")
)

// Peer is the wearable end of the bridge. *bridge.Bridge satisfies it.
type Peer interface {
	Handle(kind protocol.CommandKind, h bridge.CommandHandler)
	Events() *events.ChannelEvent[bridge.Event]
	SetContext(c *model.SessionContext)
	SendChunk(chunk model.SensorChunk) error
	SendDetection(ctx context.Context, d model.PhaseChangeDetection) error
	SendTelemetry(t model.HealthTelemetry) error
	SendCommand(ctx context.Context, cmd protocol.Command) (protocol.Reply, error)
	DiscardTelemetry(sessionID string) bool
}

// Capture is the part of the capture engine the agent drives. *capture.Engine satisfies it.
type Capture interface {
	Start()
	Stop()
	IsRunning() bool
	SetContext(c *model.SessionContext)
	SetPhase(p model.Phase)
	Phase() model.Phase
}

var (
	_ Peer    = (*bridge.Bridge)(nil)
	_ Capture = (*capture.Engine)(nil)
)

// State is what a watch face would show
type State struct {
	Authenticated bool
	UserID        string
	Plan          *model.Plan
	SessionID     string
	Context       *model.SessionContext
	ExerciseName  string
	Phase         model.Phase
	Reps          int
	Capturing     bool
	LastAlert     *protocol.Alert
	Telemetry     *model.HealthTelemetry
}

type outbound struct {
	what string
	send func(ctx context.Context) error
}

// Agent glues capture, health and rep counting to the bridge
type Agent struct {
	peer    Peer
	health  health.Source
	reps    RepCounter
	logger  *log.Logger
	capture Capture
	states  *events.ChannelEvent[State]

	mu           sync.Mutex
	state        State
	healthOn     bool
	telemetryErr error

	bridgeEvents  chan bridge.Event
	stopListening func()

	outMu   sync.Mutex
	outbox  []outbound
	outWake chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewAgent creates the agent. health and reps may be nil. Attach the capture engine,
// built with Sinks(), before the bridge is activated.
func NewAgent(peer Peer, src health.Source, reps RepCounter, logger *log.Logger) *Agent {
	if peer == nil {
		panic("WearableAgent: peer cannot be nil")
	}
	if logger == nil {
		panic("WearableAgent: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		peer:         peer,
		health:       src,
		reps:         reps,
		logger:       logger,
		states:       events.NewChannelEvent[State](true),
		state:        State{Phase: model.PhaseRest},
		bridgeEvents: make(chan bridge.Event, 64),
		outWake:      make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		doneChan:     make(chan struct{}),
	}

	peer.Handle(protocol.KindStartWorkout, a.onStartWorkout)
	peer.Handle(protocol.KindEndWorkout, a.onEndWorkout)
	peer.Handle(protocol.KindStartExercise, a.onStartExercise)
	peer.Handle(protocol.KindEndExercise, a.onEndExercise)
	peer.Handle(protocol.KindStartSet, a.onStartSet)
	peer.Handle(protocol.KindEndSet, a.onEndSet)
	peer.Handle(protocol.KindPhaseUpdate, a.onPhaseUpdate)
	peer.Handle(protocol.KindAlert, a.onAlert)
	peer.Handle(protocol.KindPlanSync, a.onPlanSync)
	peer.Handle(protocol.KindAuthStatus, a.onAuthStatus)
	peer.Handle(protocol.KindLogout, a.onLogout)
	a.stopListening = peer.Events().Listen(a.bridgeEvents)

	a.wg.Add(2)
	go_func_utils.SafeGo(logger, "wearable events", func() { defer a.wg.Done(); a.runEventLoop() })
	go_func_utils.SafeGo(logger, "wearable outbox", func() { defer a.wg.Done(); a.runOutbox() })
	return a
}

// Sinks are the capture engine callbacks. They never block.
func (a *Agent) Sinks() capture.Sinks {
	return capture.Sinks{
		OnChunk:     a.onChunk,
		OnDetection: a.onDetection,
		OnPhase:     a.onPhase,
	}
}

// AttachCapture sets the engine the commands drive
func (a *Agent) AttachCapture(c Capture) {
	a.mu.Lock()
	a.capture = c
	a.mu.Unlock()
}

// States publishes every state change; a new listener gets the latest state immediately
func (a *Agent) States() *events.ChannelEvent[State] {
	return a.states
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// EndSet asks the host to end the running set, as the watch button does
func (a *Agent) EndSet(ctx context.Context) error {
	a.mu.Lock()
	c := a.state.Context
	a.mu.Unlock()
	if !c.HasActiveSet() {
		return ErrNoSession
	}
	reply, err := a.peer.SendCommand(ctx, protocol.EndSet{SetID: c.SetID, SetOrder: c.SetOrder})
	if err != nil {
		return err
	}
	if !reply.Success {
		return errors.New("wearable: host refused to end the set: " + reply.Error)
	}
	return nil
}

// Shutdown stops capture, health and the goroutines. Safe to call multiple times.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.logger.Println("WearableAgent: shutting down")
		a.stopCapture()
		a.stopHealth()
		a.stopListening()
		close(a.doneChan)
		a.cancel()
		a.wg.Wait()
	})
}

func (a *Agent) update(f func(s *State)) {
	a.mu.Lock()
	f(&a.state)
	s := a.state
	a.mu.Unlock()
	a.states.Notify(s)
}

func (a *Agent) engine() Capture {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capture
}

func (a *Agent) startCapture() {
	if e := a.engine(); e != nil && !e.IsRunning() {
		e.Start()
	}
	a.update(func(s *State) { s.Capturing = a.capture != nil && a.capture.IsRunning() })
}

// stopCapture flushes the final chunk through onChunk before returning
func (a *Agent) stopCapture() {
	if e := a.engine(); e != nil {
		e.Stop()
	}
	a.update(func(s *State) { s.Capturing = false })
}

func (a *Agent) setPhase(p model.Phase) {
	if e := a.engine(); e != nil {
		e.SetPhase(p)
	}
	if pa, ok := a.health.(health.PhaseAware); ok {
		pa.SetPhase(p)
	}
	a.update(func(s *State) { s.Phase = p })
}

func (a *Agent) startHealth() {
	if a.health == nil {
		return
	}
	a.mu.Lock()
	if a.healthOn {
		a.mu.Unlock()
		return
	}
	a.healthOn = true
	a.mu.Unlock()
	if err := a.health.Start(a.ctx, a.onReading); err != nil {
		a.logger.Printf("WearableAgent: health source: %v", err)
	}
}

func (a *Agent) stopHealth() {
	if a.health == nil {
		return
	}
	a.mu.Lock()
	on := a.healthOn
	a.healthOn = false
	a.mu.Unlock()
	if on {
		a.health.Stop()
	}
}

func (a *Agent) onReading(r health.Reading) {
	if r.HeartRate == nil && r.Calories == nil {
		return
	}
	a.mu.Lock()
	t := model.HealthTelemetry{
		HeartRate: r.HeartRate,
		Calories:  r.Calories,
		Timestamp: r.At,
		Phase:     a.state.Phase,
		SessionID: a.state.SessionID,
	}
	a.mu.Unlock()

	err := a.peer.SendTelemetry(t)
	a.mu.Lock()
	changed := !errors.Is(err, a.telemetryErr) && (err != nil || a.telemetryErr != nil)
	a.telemetryErr = err
	a.mu.Unlock()
	if changed {
		if err != nil {
			a.logger.Printf("WearableAgent: telemetry not sent: %v", err)
		} else {
			a.logger.Println("WearableAgent: telemetry flowing again")
		}
	}
	a.update(func(s *State) { s.Telemetry = &t })
}

func (a *Agent) onChunk(chunk model.SensorChunk) {
	if err := a.peer.SendChunk(chunk); err != nil {
		a.logger.Printf("WearableAgent: chunk %d not queued: %v", chunk.Sequence, err)
	}
	if a.reps == nil {
		return
	}
	if n, changed := a.reps.Observe(chunk); changed {
		setID := chunk.Context.SetID
		a.update(func(s *State) { s.Reps = n })
		a.enqueue("repsUpdate", func(ctx context.Context) error {
			_, err := a.peer.SendCommand(ctx, protocol.RepsUpdate{SetID: setID, Reps: n})
			return err
		})
	}
}

func (a *Agent) onDetection(d model.PhaseChangeDetection) {
	a.enqueue("detection", func(ctx context.Context) error {
		return a.peer.SendDetection(ctx, d)
	})
}

// onPhase follows the detector; rest/execution switches also come from the host
func (a *Agent) onPhase(p model.Phase) {
	if pa, ok := a.health.(health.PhaseAware); ok {
		pa.SetPhase(p)
	}
	a.update(func(s *State) { s.Phase = p })
}

func (a *Agent) runEventLoop() {
	for {
		select {
		case <-a.doneChan:
			return
		case ev := <-a.bridgeEvents:
			a.handleBridgeEvent(ev)
		}
	}
}

func (a *Agent) handleBridgeEvent(ev bridge.Event) {
	switch e := ev.(type) {
	case bridge.ContextEvent:
		if e.Ended {
			a.endSession(e.Context)
			return
		}
		a.applyContext(e.Context)
	case bridge.ReachabilityEvent:
		a.logger.Printf("WearableAgent: host reachable=%v", e.Reachable)
	case bridge.TransferFailedEvent:
		a.logger.Printf("WearableAgent: sensor upload stalled: %v", e.Err)
	}
}

func (a *Agent) applyContext(c *model.SessionContext) {
	if e := a.engine(); e != nil {
		e.SetContext(c)
	}
	a.peer.SetContext(c)

	a.mu.Lock()
	prevSet := ""
	if a.state.Context != nil {
		prevSet = a.state.Context.SetID
	}
	a.mu.Unlock()
	newSet := c != nil && c.SetID != prevSet
	if newSet && a.reps != nil {
		a.reps.Reset()
	}
	a.update(func(s *State) {
		s.Context = c.Clone()
		if c != nil {
			s.SessionID = c.SessionID
			s.ExerciseName = c.ExerciseName
		}
		if newSet {
			s.Reps = 0
		}
	})
}

func (a *Agent) endSession(last *model.SessionContext) {
	sessionID := a.State().SessionID
	if last != nil && last.SessionID != "" {
		sessionID = last.SessionID
	}
	a.stopCapture()
	a.stopHealth()
	if e := a.engine(); e != nil {
		e.SetContext(nil)
	}
	a.peer.SetContext(nil)
	if a.peer.DiscardTelemetry(sessionID) {
		a.logger.Printf("WearableAgent: dropped pending telemetry of %s", sessionID)
	}
	a.update(func(s *State) {
		s.Context = nil
		s.SessionID = ""
		s.ExerciseName = ""
		s.Reps = 0
		s.Telemetry = nil
	})
	a.logger.Printf("WearableAgent: session %s ended", sessionID)
}

func (a *Agent) enqueue(what string, send func(ctx context.Context) error) {
	a.outMu.Lock()
	a.outbox = append(a.outbox, outbound{what: what, send: send})
	a.outMu.Unlock()
	select {
	case a.outWake <- struct{}{}:
	default:
	}
}

func (a *Agent) runOutbox() {
	for {
		select {
		case <-a.doneChan:
			return
		case <-a.outWake:
		}
		for {
			a.outMu.Lock()
			if len(a.outbox) == 0 {
				a.outMu.Unlock()
				break
			}
			msg := a.outbox[0]
			a.outbox = a.outbox[1:]
			a.outMu.Unlock()

			if err := msg.send(a.ctx); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				a.logger.Printf("WearableAgent: %s not delivered: %v", msg.what, err)
			}
		}
	}
}
