package session

import (
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// TimerID names one of the session timers
type TimerID int

const (
	TimerElapsed TimerID = iota // workout clock tick
	TimerRest                   // rest countdown
	TimerGrace                  // wait after an automatic detection
	TimerFinalChunk             // wait for the wearable's last sensor chunk before saving
)

func (id TimerID) String() string {
	switch id {
	case TimerElapsed:
		return "elapsed"
	case TimerRest:
		return "rest"
	case TimerGrace:
		return "grace"
	case TimerFinalChunk:
		return "final chunk"
	default:
		return "unknown"
	}
}

// Scheduler runs the session timers. Callbacks are handed to dispatch, which runs them on
// the session's serialization context; a callback whose timer was cancelled or replaced in
// the meantime is skipped there. Scheduler methods must only be called from that context.
type Scheduler struct {
	clock    timeutil.Clock
	dispatch func(func())
	timers   map[TimerID]*scheduled
	gen      uint64
}

type scheduled struct {
	timer timeutil.Timer
	gen   uint64
}

// NewScheduler creates a Scheduler. A nil dispatch runs callbacks on the timer goroutine.
func NewScheduler(clock timeutil.Clock, dispatch func(func())) *Scheduler {
	if clock == nil {
		panic("Scheduler: clock cannot be nil")
	}
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	return &Scheduler{
		clock:    clock,
		dispatch: dispatch,
		timers:   make(map[TimerID]*scheduled),
	}
}

// Start arms id to run fn after d, replacing a pending timer with the same id
func (s *Scheduler) Start(id TimerID, d time.Duration, fn func()) {
	s.Cancel(id)
	s.gen++
	gen := s.gen
	entry := &scheduled{gen: gen}
	s.timers[id] = entry
	entry.timer = s.clock.AfterFunc(d, func() {
		s.dispatch(func() {
			if cur, ok := s.timers[id]; !ok || cur.gen != gen {
				return
			}
			delete(s.timers, id)
			fn()
		})
	})
}

// Cancel stops id and reports whether it was pending. Other timers are unaffected.
func (s *Scheduler) Cancel(id TimerID) bool {
	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	entry.timer.Stop()
	return true
}

// CancelAll stops every timer
func (s *Scheduler) CancelAll() {
	for id := range s.timers {
		s.Cancel(id)
	}
}

// Active reports whether id is pending
func (s *Scheduler) Active(id TimerID) bool {
	_, ok := s.timers[id]
	return ok
}
