// Package session runs the workout session: the workout/exercise/set lifecycle, the rest
// countdown and the prompts that need the user. Machine is synchronous and owned by one
// goroutine; Coordinator is that goroutine.
package session

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/idgen"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// Config holds the session timings and defaults
type Config struct {
	DefaultRest        time.Duration // rest after a manually ended set
	GraceDelay         time.Duration // wait after an automatic detection before prompting
	MinCompensatedRest time.Duration // floor of the compensated rest
	TickInterval       time.Duration // workout clock resolution
	DefaultTargetReps  int           // target of a set added without a previous one
	DefaultWeight      float64
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		DefaultRest:        90 * time.Second,
		GraceDelay:         10 * time.Second,
		MinCompensatedRest: 10 * time.Second,
		TickInterval:       time.Second,
		DefaultTargetReps:  10,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.DefaultRest <= 0 || c.GraceDelay <= 0 || c.TickInterval <= 0:
		return errors.New("session: rest, grace and tick durations must be positive")
	case c.MinCompensatedRest < 0 || c.MinCompensatedRest > c.DefaultRest:
		return errors.New("session: minimum compensated rest must be between 0 and the default rest")
	case c.DefaultTargetReps < 0 || c.DefaultWeight < 0:
		return errors.New("session: default set values cannot be negative")
	}
	return nil
}

// transitions is the adjacency set of the workout state
var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.SessionIdle:     {model.SessionStarting, model.SessionError},
	model.SessionStarting: {model.SessionActive, model.SessionError},
	model.SessionActive:   {model.SessionPaused, model.SessionEnding, model.SessionError},
	model.SessionPaused:   {model.SessionActive, model.SessionEnding, model.SessionError},
	model.SessionEnding:   {model.SessionCompleted, model.SessionError},
}

// CanTransition reports whether to is reachable from from in one step
func CanTransition(from, to model.SessionStatus) bool {
	return slices.Contains(transitions[from], to)
}

type graceState struct {
	detection model.PhaseChangeDetection
	setID     string
}

// Machine is the session state machine. It is not safe for concurrent use.
type Machine struct {
	cfg    Config
	ent    Entitlements
	clock  timeutil.Clock
	sched  *Scheduler
	logger *log.Logger
	newID  func() string

	state     model.WorkoutSessionState
	sessionID string
	plan      model.Plan
	exercises []model.ExerciseSessionState // replaced, never edited in place
	current   int
	phase     model.Phase
	startedAt time.Time
	endedAt   time.Time
	elapsed   time.Duration // accumulated up to resumedAt
	resumedAt time.Time

	rest         model.RestTimerState
	restDeadline time.Time
	restPeriod   uint64
	grace        *graceState
	prompt       Prompt

	heartRate *int
	calories  *float64
}

// NewMachine creates an idle machine
func NewMachine(cfg Config, ent Entitlements, clock timeutil.Clock, sched *Scheduler, logger *log.Logger) *Machine {
	if ent == nil {
		panic("Machine: entitlements cannot be nil")
	}
	if clock == nil {
		panic("Machine: clock cannot be nil")
	}
	if sched == nil {
		panic("Machine: scheduler cannot be nil")
	}
	if logger == nil {
		panic("Machine: logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &Machine{
		cfg:     cfg,
		ent:     ent,
		clock:   clock,
		sched:   sched,
		logger:  logger,
		newID:   idgen.Entity,
		current: -1,
	}
}

// Snapshot is an immutable view of the session
type Snapshot struct {
	State           model.WorkoutSessionState
	SessionID       string
	PlanID          string
	PlanTitle       string
	Exercises       []model.ExerciseSessionState
	CurrentExercise int // -1 outside a session
	Phase           model.Phase
	Rest            model.RestTimerState
	Prompt          Prompt
	Elapsed         time.Duration
	StartedAt       time.Time
	EndedAt         time.Time
	Context         *model.SessionContext
	HeartRate       *int
	Calories        *float64
}

// CurrentSet returns the running set, if any
func (s Snapshot) CurrentSet() (model.SetSessionState, bool) {
	if s.CurrentExercise < 0 || s.CurrentExercise >= len(s.Exercises) {
		return model.SetSessionState{}, false
	}
	ex := s.Exercises[s.CurrentExercise]
	if i := ex.ActiveSet(); i >= 0 {
		return ex.Sets[i], true
	}
	return model.SetSessionState{}, false
}

// Snapshot returns the current view. Slices are shared but never modified afterwards.
func (m *Machine) Snapshot() Snapshot {
	rest := m.rest
	if rest.IsActive && m.state.Status == model.SessionActive {
		rest.Remaining = max(m.restDeadline.Sub(m.clock.Now()), 0)
	}
	return Snapshot{
		State:           m.state,
		SessionID:       m.sessionID,
		PlanID:          m.plan.ID,
		PlanTitle:       m.plan.Title,
		Exercises:       m.exercises,
		CurrentExercise: m.current,
		Phase:           m.phase,
		Rest:            rest,
		Prompt:          m.prompt,
		Elapsed:         m.elapsedNow(),
		StartedAt:       m.startedAt,
		EndedAt:         m.endedAt,
		Context:         m.Context(),
		HeartRate:       m.heartRate,
		Calories:        m.calories,
	}
}

// State returns the workout state
func (m *Machine) State() model.WorkoutSessionState {
	return m.state
}

// Context returns the correlation ids; nil unless active, paused or ending
func (m *Machine) Context() *model.SessionContext {
	if !m.state.Status.HasContext() {
		return nil
	}
	c := &model.SessionContext{
		SessionID: m.sessionID,
		PlanID:    m.plan.ID,
		PlanTitle: m.plan.Title,
	}
	if m.current >= 0 && m.current < len(m.exercises) {
		ex := m.exercises[m.current]
		c.ExerciseID = ex.ID
		c.ExerciseName = ex.Name
		c.ExerciseIndex = ex.Index
		if i := ex.ActiveSet(); i >= 0 {
			c.SetID = ex.Sets[i].ID
			c.SetOrder = ex.Sets[i].Order
			c.IsActive = m.state.Status == model.SessionActive
		}
	}
	return c
}

func (m *Machine) elapsedNow() time.Duration {
	if m.state.Status == model.SessionActive {
		return m.elapsed + m.clock.Since(m.resumedAt)
	}
	return m.elapsed
}

func (m *Machine) transition(to model.SessionStatus, action string) error {
	if !CanTransition(m.state.Status, to) {
		return &TransitionError{From: m.state.Status, Action: action}
	}
	m.logger.Printf("Session: %s -> %s (%s)", m.state.Status, to, action)
	m.state = model.WorkoutSessionState{Status: to}
	return nil
}

// StartWorkout builds the exercises of plan and starts the first one. An empty sessionID
// gets a fresh id. A plan without exercises puts the session in the error state.
func (m *Machine) StartWorkout(sessionID string, plan model.Plan) error {
	if err := m.transition(model.SessionStarting, "startWorkout"); err != nil {
		return err
	}
	if len(plan.Exercises) == 0 {
		m.Fail("plan has no exercises")
		return fmt.Errorf("session: plan %q has no exercises", plan.ID)
	}
	if sessionID == "" {
		sessionID = m.newID()
	}
	now := m.clock.Now()

	exercises := make([]model.ExerciseSessionState, len(plan.Exercises))
	for i, pe := range plan.Exercises {
		id := pe.ID
		if id == "" {
			id = m.newID()
		}
		sets := make([]model.SetSessionState, len(pe.Sets))
		for j, ps := range pe.Sets {
			sets[j] = model.SetSessionState{
				ID:         m.newID(),
				Order:      j + 1,
				TargetReps: ps.TargetReps,
				Weight:     ps.Weight,
				Status:     model.SetPlanned,
			}
		}
		exercises[i] = model.ExerciseSessionState{ID: id, Name: pe.Name, Index: i, Sets: sets}
	}

	m.sessionID = sessionID
	m.plan = plan
	m.exercises = exercises
	m.startedAt = now
	m.resumedAt = now
	m.elapsed = 0
	m.phase = model.PhaseExecution
	m.prompt = nil
	_ = m.transition(model.SessionActive, "started")
	m.scheduleTick()
	m.startExercise(0)
	return nil
}

// Pause freezes the workout clock and the rest countdown
func (m *Machine) Pause() error {
	if err := m.transition(model.SessionPaused, "pause"); err != nil {
		return err
	}
	now := m.clock.Now()
	m.elapsed += now.Sub(m.resumedAt)
	m.sched.Cancel(TimerElapsed)
	if m.rest.IsActive {
		m.rest.Remaining = max(m.restDeadline.Sub(now), 0)
		m.sched.Cancel(TimerRest)
	}
	m.cancelGrace()
	return nil
}

// Resume restarts the clocks frozen by Pause
func (m *Machine) Resume() error {
	if err := m.transition(model.SessionActive, "resume"); err != nil {
		return err
	}
	m.resumedAt = m.clock.Now()
	m.scheduleTick()
	if m.rest.IsActive {
		m.armRest(m.rest.Remaining)
	}
	return nil
}

// EndWorkout moves to ending. The running set is kept if it can be completed, otherwise
// it goes back to planned. Complete finishes the session once history has been written.
func (m *Machine) EndWorkout() error {
	running := m.state.Status == model.SessionActive
	if err := m.transition(model.SessionEnding, "endWorkout"); err != nil {
		return err
	}
	now := m.clock.Now()
	if running {
		m.elapsed += now.Sub(m.resumedAt)
	}
	m.sched.CancelAll()
	m.grace = nil
	m.rest = model.RestTimerState{}
	m.prompt = nil
	m.endedAt = now

	if m.current >= 0 && m.current < len(m.exercises) {
		ex := m.exercises[m.current]
		if si := ex.ActiveSet(); si >= 0 {
			if len(missingFields(ex.Sets[si])) == 0 {
				m.updateSet(m.current, si, func(s model.SetSessionState) model.SetSessionState {
					s.Status = model.SetCompleted
					s.CompletedAt = now
					return s
				})
			} else {
				m.updateSet(m.current, si, func(s model.SetSessionState) model.SetSessionState {
					s.Status = model.SetPlanned
					s.StartedAt = time.Time{}
					return s
				})
			}
		}
		m.finishExerciseAt(m.current, now)
	}
	return nil
}

// Complete finishes an ending session
func (m *Machine) Complete() error {
	return m.transition(model.SessionCompleted, "complete")
}

// Fail moves any non-terminal session to error and stops its timers
func (m *Machine) Fail(reason string) {
	running := m.state.Status == model.SessionActive
	if err := m.transition(model.SessionError, "fail"); err != nil {
		m.logger.Printf("Session: ignoring failure %q: %v", reason, err)
		return
	}
	if running {
		m.elapsed += m.clock.Since(m.resumedAt)
	}
	m.state.Reason = reason
	m.sched.CancelAll()
	m.grace = nil
	m.rest = model.RestTimerState{}
	m.endedAt = m.clock.Now()
	m.logger.Printf("Session: failed: %s", reason)
}

// RecordTelemetry keeps the latest health reading for display
func (m *Machine) RecordTelemetry(t model.HealthTelemetry) {
	if !m.state.Status.HasContext() || (t.SessionID != "" && t.SessionID != m.sessionID) {
		return
	}
	if t.HeartRate != nil {
		hr := *t.HeartRate
		m.heartRate = &hr
	}
	if t.Calories != nil {
		cal := *t.Calories
		m.calories = &cal
	}
}

// DismissPrompt clears the current prompt without acting on it
func (m *Machine) DismissPrompt() {
	m.prompt = nil
}

func (m *Machine) scheduleTick() {
	m.sched.Start(TimerElapsed, m.cfg.TickInterval, m.onTick)
}

func (m *Machine) onTick() {
	if m.state.Status != model.SessionActive {
		return
	}
	if m.rest.IsActive {
		m.rest.Remaining = max(m.restDeadline.Sub(m.clock.Now()), 0)
	}
	m.scheduleTick()
}

// updateExercise replaces exercise i with f's result
func (m *Machine) updateExercise(i int, f func(model.ExerciseSessionState) model.ExerciseSessionState) {
	next := slices.Clone(m.exercises)
	next[i] = f(next[i])
	m.exercises = next
}

// updateSet replaces set si of exercise ei with f's result
func (m *Machine) updateSet(ei, si int, f func(model.SetSessionState) model.SetSessionState) {
	m.updateExercise(ei, func(ex model.ExerciseSessionState) model.ExerciseSessionState {
		ex.Sets = slices.Clone(ex.Sets)
		ex.Sets[si] = f(ex.Sets[si])
		return ex
	})
}

func (m *Machine) findSet(setID string) (int, int, bool) {
	for ei, ex := range m.exercises {
		for si, s := range ex.Sets {
			if s.ID == setID {
				return ei, si, true
			}
		}
	}
	return -1, -1, false
}

// activeSet returns the running set of the current exercise
func (m *Machine) activeSet() (int, bool) {
	if m.current < 0 || m.current >= len(m.exercises) {
		return -1, false
	}
	si := m.exercises[m.current].ActiveSet()
	return si, si >= 0
}
