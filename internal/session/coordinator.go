package session

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/events"
	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// ErrStopped is returned by calls made after Shutdown
var ErrStopped = errors.New("session: coordinator stopped")

// FinalChunkWait bounds how long an ending session waits for the wearable's final sensor chunk
const FinalChunkWait = 15 * time.Second

// Peer is the part of the bridge the coordinator uses
type Peer interface {
	SendContext(ctx context.Context, c *model.SessionContext) error
	SendSessionEnd(ctx context.Context, last *model.SessionContext) error
	SendCommand(ctx context.Context, cmd protocol.Command) (protocol.Reply, error)
	DiscardTelemetry(sessionID string) bool
	Handle(kind protocol.CommandKind, h bridge.CommandHandler)
	Events() *events.ChannelEvent[bridge.Event]
}

type outbound struct {
	what string
	send func(ctx context.Context) error
}

// Coordinator owns a Machine and runs it on one goroutine. User actions, bridge events and
// timer callbacks are all funneled into that goroutine; after each of them the new snapshot
// is published and the wearable is told what changed.
type Coordinator struct {
	machine   *Machine
	peer      Peer
	history   HistoryWriter
	logger    *log.Logger
	snapshots *events.ChannelEvent[Snapshot]

	actions       chan func()
	bridgeEvents  chan bridge.Event
	stopListening func()

	outMu   sync.Mutex
	outbox  []outbound
	outWake chan struct{}

	timers       *Scheduler // coordinator timers, separate from the machine's
	agg          *aggregator
	awaitingLast bool // ending, history not yet written
	last         Snapshot

	ctx          context.Context
	cancel       context.CancelFunc
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewCoordinator creates the coordinator and starts its goroutines. history may be nil.
func NewCoordinator(cfg Config, ent Entitlements, peer Peer, history HistoryWriter, clock timeutil.Clock, logger *log.Logger) *Coordinator {
	if peer == nil {
		panic("Coordinator: peer cannot be nil")
	}
	if logger == nil {
		panic("Coordinator: logger cannot be nil")
	}
	c := &Coordinator{
		peer:         peer,
		history:      history,
		logger:       logger,
		snapshots:    events.NewChannelEvent[Snapshot](true),
		actions:      make(chan func(), 64),
		bridgeEvents: make(chan bridge.Event, 64),
		outWake:      make(chan struct{}, 1),
		doneChan:     make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.machine = NewMachine(cfg, ent, clock, NewScheduler(clock, c.post), logger)
	c.timers = NewScheduler(clock, c.post)
	c.last = c.machine.Snapshot()

	peer.Handle(protocol.KindRepsUpdate, c.onRepsUpdate)
	peer.Handle(protocol.KindEndSet, c.onWearableEndSet)
	c.stopListening = peer.Events().Listen(c.bridgeEvents)

	c.wg.Add(2)
	go_func_utils.SafeGo(logger, "session loop", func() { defer c.wg.Done(); c.runSessionLoop() })
	go_func_utils.SafeGo(logger, "session outbox", func() { defer c.wg.Done(); c.runOutbox() })
	return c
}

// Snapshots publishes every new snapshot; a new listener gets the latest one immediately
func (c *Coordinator) Snapshots() *events.ChannelEvent[Snapshot] {
	return c.snapshots
}

// Shutdown stops the goroutines. Safe to call multiple times.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Println("Session: shutting down")
		c.stopListening()
		close(c.doneChan)
		c.cancel()
		c.wg.Wait()
	})
}

// post queues f for the session goroutine
func (c *Coordinator) post(f func()) {
	select {
	case c.actions <- f:
	case <-c.doneChan:
	}
}

// do runs f on the session goroutine and waits for its result
func (c *Coordinator) do(f func() error) error {
	result := make(chan error, 1)
	select {
	case c.actions <- func() { result <- f() }:
	case <-c.doneChan:
		return ErrStopped
	}
	select {
	case err := <-result:
		return err
	case <-c.doneChan:
		return ErrStopped
	}
}

func (c *Coordinator) StartWorkout(plan model.Plan) error {
	return c.do(func() error { return c.machine.StartWorkout("", plan) })
}

func (c *Coordinator) Pause() error  { return c.do(c.machine.Pause) }
func (c *Coordinator) Resume() error { return c.do(c.machine.Resume) }

// EndWorkout ends the session; it completes once history has been written
func (c *Coordinator) EndWorkout() error { return c.do(c.machine.EndWorkout) }

func (c *Coordinator) EndSet(u SetUpdate) error {
	return c.do(func() error { return c.machine.EndSet(u) })
}

func (c *Coordinator) StartSet(setID string) error {
	return c.do(func() error { return c.machine.StartSet(setID) })
}

func (c *Coordinator) UpdateSet(setID string, u SetUpdate) error {
	return c.do(func() error { return c.machine.UpdateSet(setID, u) })
}

func (c *Coordinator) AddSet() error         { return c.do(c.machine.AddSet) }
func (c *Coordinator) AddAnotherSet() error  { return c.do(c.machine.AddAnotherSet) }
func (c *Coordinator) FinishExercise() error { return c.do(c.machine.FinishExercise) }
func (c *Coordinator) SkipRest() error       { return c.do(c.machine.SkipRest) }

func (c *Coordinator) SetRestDuration(d time.Duration) error {
	return c.do(func() error { return c.machine.SetRestDuration(d) })
}

func (c *Coordinator) AcceptCompensatedRest() error { return c.do(c.machine.AcceptCompensatedRest) }

func (c *Coordinator) ChooseRestDuration(d time.Duration) error {
	return c.do(func() error { return c.machine.ChooseRestDuration(d) })
}

func (c *Coordinator) DismissPrompt() error {
	return c.do(func() error { c.machine.DismissPrompt(); return nil })
}

// Snapshot returns the current snapshot
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.do(func() error { snap = c.machine.Snapshot(); return nil })
	return snap, err
}

func (c *Coordinator) onRepsUpdate(_ context.Context, _ string, cmd protocol.Command) error {
	u := cmd.(protocol.RepsUpdate)
	return c.do(func() error { return c.machine.RecordReps(u.SetID, u.Reps) })
}

// onWearableEndSet ends the running set from the wearable; missing fields surface on the host
func (c *Coordinator) onWearableEndSet(_ context.Context, _ string, cmd protocol.Command) error {
	e := cmd.(protocol.EndSet)
	return c.do(func() error {
		if cur, ok := c.machine.Snapshot().CurrentSet(); !ok || cur.ID != e.SetID {
			return ErrNoActiveSet
		}
		return c.machine.EndSet(SetUpdate{})
	})
}

func (c *Coordinator) runSessionLoop() {
	for {
		select {
		case <-c.doneChan:
			c.logger.Println("Session: loop exiting")
			return
		case f := <-c.actions:
			f()
		case ev := <-c.bridgeEvents:
			c.handleBridgeEvent(ev)
		}
		c.afterChange()
	}
}

func (c *Coordinator) handleBridgeEvent(ev bridge.Event) {
	switch e := ev.(type) {
	case bridge.DetectionEvent:
		c.machine.HandleDetection(e.Detection)
	case bridge.ChunkEvent:
		if c.agg != nil {
			c.agg.add(e.Chunk)
		}
		if c.awaitingLast && e.Chunk.Final && (e.Chunk.Context == nil || e.Chunk.Context.SessionID == c.agg.sessionID) {
			c.timers.Cancel(TimerFinalChunk)
			c.finishEnding()
		}
	case bridge.TelemetryEvent:
		c.machine.RecordTelemetry(e.Telemetry)
	case bridge.ReachabilityEvent:
		if e.Reachable {
			if ctx := c.machine.Context(); ctx != nil {
				c.enqueue("context resync", func(rc context.Context) error { return c.peer.SendContext(rc, ctx) })
			}
		}
	case bridge.TransferFailedEvent:
		c.logger.Printf("Session: wearable transfer failed: %v", e.Err)
	}
}

// afterChange publishes the new snapshot and mirrors the changes to the wearable
func (c *Coordinator) afterChange() {
	prev, next := c.last, c.machine.Snapshot()
	c.last = next

	if !prev.State.Status.HasContext() && next.State.Status == model.SessionActive {
		c.agg = newAggregator(next.SessionID)
		c.command(protocol.StartWorkout{SessionID: next.SessionID, PlanID: next.PlanID, PlanTitle: next.PlanTitle})
	}
	c.syncSets(prev, next)
	if prev.Phase != next.Phase && next.State.Status == model.SessionActive {
		c.command(protocol.PhaseUpdate{Phase: next.Phase})
	}
	if next.Prompt != nil && !reflect.DeepEqual(prev.Prompt, next.Prompt) {
		c.alert(next.Prompt)
	}
	c.syncContext(prev, next)

	if prev.State.Status != model.SessionEnding && next.State.Status == model.SessionEnding {
		// the wearable flushes its last chunk when it gets EndWorkout; save once it arrives
		c.command(protocol.EndWorkout{SessionID: next.SessionID})
		if c.agg == nil {
			c.persist(next)
		} else {
			c.awaitingLast = true
			c.timers.Start(TimerFinalChunk, FinalChunkWait, func() {
				c.logger.Printf("Session: no final sensor chunk after %v, saving what arrived", FinalChunkWait)
				c.finishEnding()
			})
		}
	}
	if !prev.State.Status.IsTerminal() && next.State.Status.IsTerminal() && next.SessionID != "" {
		if c.peer.DiscardTelemetry(next.SessionID) {
			c.logger.Println("Session: discarded pending telemetry")
		}
		if next.State.Status == model.SessionError {
			c.timers.Cancel(TimerFinalChunk)
			c.awaitingLast = false
			c.agg = nil
		}
	}

	c.snapshots.Notify(next)
}

func (c *Coordinator) syncSets(prev, next Snapshot) {
	prevSet, hadSet := prev.CurrentSet()
	nextSet, hasSet := next.CurrentSet()
	if hadSet && (!hasSet || prevSet.ID != nextSet.ID) {
		c.command(protocol.EndSet{SetID: prevSet.ID, SetOrder: prevSet.Order})
	}
	prevEx, hadEx := activeExercise(prev)
	nextEx, hasEx := activeExercise(next)
	if hadEx && (!hasEx || prevEx.ID != nextEx.ID) {
		c.command(protocol.EndExercise{ExerciseID: prevEx.ID})
	}
	if hasEx && (!hadEx || prevEx.ID != nextEx.ID) {
		c.command(protocol.StartExercise{ExerciseID: nextEx.ID, ExerciseName: nextEx.Name, ExerciseIndex: nextEx.Index})
	}
	if hasSet && (!hadSet || prevSet.ID != nextSet.ID) {
		c.command(protocol.StartSet{ExerciseID: nextEx.ID, SetID: nextSet.ID, SetOrder: nextSet.Order})
	}
}

func activeExercise(s Snapshot) (model.ExerciseSessionState, bool) {
	if s.CurrentExercise < 0 || s.CurrentExercise >= len(s.Exercises) || !s.Exercises[s.CurrentExercise].IsActive {
		return model.ExerciseSessionState{}, false
	}
	return s.Exercises[s.CurrentExercise], true
}

func (c *Coordinator) syncContext(prev, next Snapshot) {
	switch {
	case next.Context == nil && prev.Context != nil:
		last := prev.Context
		c.enqueue("session end", func(ctx context.Context) error { return c.peer.SendSessionEnd(ctx, last) })
	case next.Context != nil && (prev.Context == nil || *prev.Context != *next.Context):
		cur := next.Context
		c.enqueue("context", func(ctx context.Context) error { return c.peer.SendContext(ctx, cur) })
	}
}

func (c *Coordinator) alert(p Prompt) {
	switch p := p.(type) {
	case AutoDetectionPrompt:
		c.command(protocol.Alert{Title: "Serie finita?", Message: "Recupero suggerito " + p.CompensatedRest.Round(time.Second).String()})
	case DecisionPrompt:
		c.command(protocol.Alert{Title: "Esercizio", Message: "Aggiungi una serie o termina l'esercizio"})
	}
}

// finishEnding writes the history of the ending session with every chunk received so far
func (c *Coordinator) finishEnding() {
	if !c.awaitingLast {
		return
	}
	c.awaitingLast = false
	snap := c.machine.Snapshot()
	if snap.State.Status != model.SessionEnding {
		c.agg = nil
		return
	}
	c.persist(snap)
}

// persist writes the workout off the session goroutine and completes the session afterwards
func (c *Coordinator) persist(snap Snapshot) {
	var aggregates []model.SensorAggregate
	if c.agg != nil {
		aggregates = c.agg.collect(snap)
		c.agg = nil
	}
	if c.history == nil {
		c.post(func() { _ = c.machine.Complete() })
		return
	}
	rec := WorkoutRecord{Snapshot: snap, Aggregates: aggregates}
	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, "session history writer", func() {
		defer c.wg.Done()
		err := c.history.WriteWorkout(c.ctx, rec)
		c.post(func() {
			if err != nil {
				c.logger.Printf("Session: history write failed: %v", err)
				c.machine.Fail("history write failed: " + err.Error())
				return
			}
			_ = c.machine.Complete()
		})
	})
}

func (c *Coordinator) command(cmd protocol.Command) {
	c.enqueue(string(cmd.Kind()), func(ctx context.Context) error {
		_, err := c.peer.SendCommand(ctx, cmd)
		return err
	})
}

func (c *Coordinator) enqueue(what string, send func(ctx context.Context) error) {
	c.outMu.Lock()
	c.outbox = append(c.outbox, outbound{what: what, send: send})
	c.outMu.Unlock()
	select {
	case c.outWake <- struct{}{}:
	default:
	}
}

// runOutbox sends to the wearable in order. Failures are logged; the context is pushed
// again when the wearable becomes reachable.
func (c *Coordinator) runOutbox() {
	for {
		select {
		case <-c.doneChan:
			return
		case <-c.outWake:
		}
		for {
			c.outMu.Lock()
			if len(c.outbox) == 0 {
				c.outMu.Unlock()
				break
			}
			msg := c.outbox[0]
			c.outbox = c.outbox[1:]
			c.outMu.Unlock()

			if err := msg.send(c.ctx); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Printf("Session: sending %s to wearable: %v", msg.what, err)
			}
		}
	}
}
