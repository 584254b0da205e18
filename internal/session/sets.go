package session

import (
	"fmt"
	"slices"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// SetUpdate carries the user-editable set fields; nil fields are left unchanged
type SetUpdate struct {
	TargetReps *int
	Weight     *float64
	ActualReps *int
}

func (u SetUpdate) apply(s model.SetSessionState) (model.SetSessionState, error) {
	if (u.TargetReps != nil && *u.TargetReps < 0) || (u.ActualReps != nil && *u.ActualReps < 0) ||
		(u.Weight != nil && *u.Weight < 0) {
		return s, fmt.Errorf("%w: negative set field", ErrInvalidValue)
	}
	if u.TargetReps != nil {
		s.TargetReps = *u.TargetReps
	}
	if u.Weight != nil {
		s.Weight = *u.Weight
	}
	if u.ActualReps != nil {
		s.ActualReps = *u.ActualReps
	}
	return s, nil
}

func missingFields(s model.SetSessionState) []string {
	var fields []string
	if s.TargetReps <= 0 {
		fields = append(fields, FieldTargetReps)
	}
	if s.Weight <= 0 {
		fields = append(fields, FieldWeight)
	}
	return fields
}

func (m *Machine) requireActive(action string) error {
	if m.state.Status != model.SessionActive {
		return &TransitionError{From: m.state.Status, Action: action}
	}
	return nil
}

// startExercise activates exercise i and starts its first planned set, adding a default
// set when it has none
func (m *Machine) startExercise(i int) {
	now := m.clock.Now()
	m.current = i
	m.updateExercise(i, func(ex model.ExerciseSessionState) model.ExerciseSessionState {
		ex.IsActive = true
		ex.StartedAt = now
		return ex
	})
	m.logger.Printf("Session: exercise %d %q started", i, m.exercises[i].Name)
	if si := m.exercises[i].NextPlannedSet(); si >= 0 {
		m.startSetAt(i, si)
		return
	}
	m.startSetAt(i, m.appendSet(i))
}

// appendSet adds a planned set to exercise ei, copying the targets of its last set
func (m *Machine) appendSet(ei int) int {
	ex := m.exercises[ei]
	set := model.SetSessionState{
		ID:         m.newID(),
		Order:      1,
		TargetReps: m.cfg.DefaultTargetReps,
		Weight:     m.cfg.DefaultWeight,
		Status:     model.SetPlanned,
	}
	if n := len(ex.Sets); n > 0 {
		last := ex.Sets[n-1]
		set.TargetReps = last.TargetReps
		set.Weight = last.Weight
		for _, s := range ex.Sets {
			set.Order = max(set.Order, s.Order+1)
		}
	}
	m.updateExercise(ei, func(ex model.ExerciseSessionState) model.ExerciseSessionState {
		ex.Sets = append(slices.Clip(ex.Sets), set)
		return ex
	})
	return len(m.exercises[ei].Sets) - 1
}

// underSetCap reports whether exercise ei may take another set; otherwise it raises the upgrade prompt
func (m *Machine) underSetCap(ei int) bool {
	limit := m.ent.MaxSetsPerExercise()
	ex := m.exercises[ei]
	if limit > 0 && len(ex.Sets) >= limit {
		m.prompt = UpgradePrompt{ExerciseID: ex.ID, Limit: limit}
		m.logger.Printf("Session: set limit %d reached for %q", limit, ex.Name)
		return false
	}
	return true
}

// startSetAt runs set si of exercise ei. A running rest is stopped without resolving it.
func (m *Machine) startSetAt(ei, si int) {
	now := m.clock.Now()
	m.sched.Cancel(TimerRest)
	m.cancelGrace()
	m.rest = model.RestTimerState{}
	m.prompt = nil
	m.phase = model.PhaseExecution
	m.updateSet(ei, si, func(s model.SetSessionState) model.SetSessionState {
		s.Status = model.SetActive
		s.StartedAt = now
		return s
	})
	set := m.exercises[ei].Sets[si]
	m.logger.Printf("Session: set %d of %q started", set.Order, m.exercises[ei].Name)
}

// StartSet starts a planned set of the current exercise
func (m *Machine) StartSet(setID string) error {
	if err := m.requireActive("startSet"); err != nil {
		return err
	}
	ei, si, ok := m.findSet(setID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSet, setID)
	}
	if ei != m.current || !m.exercises[ei].IsActive {
		return fmt.Errorf("session: set %s belongs to an exercise that is not active: %w", setID, ErrUnknownSet)
	}
	if _, running := m.activeSet(); running {
		return ErrSetAlreadyActive
	}
	if m.exercises[ei].Sets[si].Status != model.SetPlanned {
		return &TransitionError{From: m.state.Status, Action: "startSet on a " + m.exercises[ei].Sets[si].Status.String() + " set"}
	}
	m.startSetAt(ei, si)
	return nil
}

// EndSet applies u to the running set and completes it, starting the default rest. When a
// required field is missing the set stays active and a MissingFieldsPrompt is raised.
func (m *Machine) EndSet(u SetUpdate) error {
	return m.endSet(u, m.cfg.DefaultRest, model.RestDefault)
}

func (m *Machine) endSet(u SetUpdate, rest time.Duration, restType model.RestType) error {
	if err := m.requireActive("endSet"); err != nil {
		return err
	}
	si, ok := m.activeSet()
	if !ok {
		return ErrNoActiveSet
	}
	updated, err := u.apply(m.exercises[m.current].Sets[si])
	if err != nil {
		return err
	}
	m.cancelGrace()
	m.updateSet(m.current, si, func(model.SetSessionState) model.SetSessionState { return updated })

	if missing := missingFields(updated); len(missing) > 0 {
		m.prompt = MissingFieldsPrompt{SetID: updated.ID, Fields: missing}
		m.logger.Printf("Session: set %d cannot end, missing %v", updated.Order, missing)
		return nil
	}

	now := m.clock.Now()
	m.updateSet(m.current, si, func(s model.SetSessionState) model.SetSessionState {
		s.Status = model.SetCompleted
		s.CompletedAt = now
		return s
	})
	m.prompt = nil
	m.logger.Printf("Session: set %d completed (%d reps x %.1f)", updated.Order, updated.TargetReps, updated.Weight)
	m.startRest(rest, restType)
	return nil
}

// UpdateSet edits a set of any exercise. Completed sets stay editable.
func (m *Machine) UpdateSet(setID string, u SetUpdate) error {
	if !m.state.Status.HasContext() {
		return &TransitionError{From: m.state.Status, Action: "updateSet"}
	}
	ei, si, ok := m.findSet(setID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSet, setID)
	}
	updated, err := u.apply(m.exercises[ei].Sets[si])
	if err != nil {
		return err
	}
	m.updateSet(ei, si, func(model.SetSessionState) model.SetSessionState { return updated })
	if p, ok := m.prompt.(MissingFieldsPrompt); ok && p.SetID == setID {
		if missing := missingFields(updated); len(missing) > 0 {
			m.prompt = MissingFieldsPrompt{SetID: setID, Fields: missing}
		} else {
			m.prompt = nil
		}
	}
	return nil
}

// RecordReps stores a rep count reported by the wearable. An empty setID means the running set.
func (m *Machine) RecordReps(setID string, reps int) error {
	if setID == "" {
		si, ok := m.activeSet()
		if !ok {
			return ErrNoActiveSet
		}
		setID = m.exercises[m.current].Sets[si].ID
	}
	return m.UpdateSet(setID, SetUpdate{ActualReps: &reps})
}

// AddSet appends a planned set to the current exercise, or raises an UpgradePrompt above the cap
func (m *Machine) AddSet() error {
	if err := m.requireActive("addSet"); err != nil {
		return err
	}
	if m.current < 0 {
		return &TransitionError{From: m.state.Status, Action: "addSet without exercise"}
	}
	if m.underSetCap(m.current) {
		m.appendSet(m.current)
	}
	return nil
}

// AddAnotherSet answers a DecisionPrompt: add a set and start it
func (m *Machine) AddAnotherSet() error {
	if err := m.requireActive("addAnotherSet"); err != nil {
		return err
	}
	if _, running := m.activeSet(); running {
		return ErrSetAlreadyActive
	}
	if !m.underSetCap(m.current) {
		return nil
	}
	m.startSetAt(m.current, m.appendSet(m.current))
	return nil
}

// FinishExercise completes the current exercise and starts the next one; after the last
// exercise the workout ends
func (m *Machine) FinishExercise() error {
	if err := m.requireActive("finishExercise"); err != nil {
		return err
	}
	if _, running := m.activeSet(); running {
		return ErrSetAlreadyActive
	}
	if m.exercises[m.current].CompletedSets() == 0 {
		return ErrEmptyExercise
	}
	m.sched.Cancel(TimerRest)
	m.cancelGrace()
	m.rest = model.RestTimerState{}
	m.prompt = nil
	m.finishExerciseAt(m.current, m.clock.Now())

	if next := m.current + 1; next < len(m.exercises) {
		m.startExercise(next)
		return nil
	}
	m.logger.Println("Session: last exercise finished")
	return m.EndWorkout()
}

func (m *Machine) finishExerciseAt(ei int, now time.Time) {
	m.updateExercise(ei, func(ex model.ExerciseSessionState) model.ExerciseSessionState {
		ex.IsActive = false
		ex.IsCompleted = ex.CompletedSets() > 0
		if ex.IsCompleted {
			ex.CompletedAt = now
		}
		return ex
	})
}

func (m *Machine) startRest(d time.Duration, restType model.RestType) {
	m.phase = model.PhaseRest
	m.rest = model.RestTimerState{Duration: d, Remaining: d, Type: restType, IsActive: true}
	m.logger.Printf("Session: %s rest of %v", restType, d)
	m.armRest(d)
}

// armRest starts a new rest period ending after d
func (m *Machine) armRest(d time.Duration) {
	m.restPeriod++
	period := m.restPeriod
	m.restDeadline = m.clock.Now().Add(d)
	m.sched.Start(TimerRest, d, func() { m.onRestExpired(period) })
}

func (m *Machine) onRestExpired(period uint64) {
	if period != m.restPeriod || m.state.Status != model.SessionActive {
		return
	}
	m.resolveRest("timer")
}

// SkipRest ends the running rest now. Without a running rest it does nothing.
func (m *Machine) SkipRest() error {
	if err := m.requireActive("skipRest"); err != nil {
		return err
	}
	m.cancelGrace()
	m.resolveRest("skip")
	return nil
}

// SetRestDuration restarts the running rest with a custom duration; zero ends it now
func (m *Machine) SetRestDuration(d time.Duration) error {
	if err := m.requireActive("setRestDuration"); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: negative rest", ErrInvalidValue)
	}
	if !m.rest.IsActive {
		return ErrNoRest
	}
	m.cancelGrace()
	if d == 0 {
		m.resolveRest("custom")
		return nil
	}
	m.startRest(d, model.RestCustom)
	return nil
}

// resolveRest is the single decision at the end of a rest period. It runs at most once
// per period, whichever trigger comes first.
func (m *Machine) resolveRest(trigger string) {
	if !m.rest.IsActive {
		return
	}
	m.sched.Cancel(TimerRest)
	m.rest.IsActive = false
	m.rest.Remaining = 0
	m.logger.Printf("Session: rest ended by %s", trigger)

	ex := m.exercises[m.current]
	switch {
	case ex.NextPlannedSet() >= 0:
		m.startSetAt(m.current, ex.NextPlannedSet())
	case ex.CompletedSets() > 0:
		m.prompt = DecisionPrompt{ExerciseID: ex.ID, CompletedSets: ex.CompletedSets()}
	default:
		m.startSetAt(m.current, m.appendSet(m.current))
	}
}

// HandleDetection arms the grace timer for an end-of-set detection that matches the
// running set. It reports whether the detection was accepted.
func (m *Machine) HandleDetection(d model.PhaseChangeDetection) bool {
	if m.state.Status != model.SessionActive || d.To != model.PhaseRest {
		return false
	}
	si, ok := m.activeSet()
	if !ok {
		m.logger.Println("Session: detection ignored, no active set")
		return false
	}
	set := m.exercises[m.current].Sets[si]
	if d.SetOrder != set.Order {
		m.logger.Printf("Session: detection for set %d ignored, set %d is active", d.SetOrder, set.Order)
		return false
	}
	if d.Context != nil && d.Context.SessionID != "" && d.Context.SessionID != m.sessionID {
		m.logger.Printf("Session: detection from session %s ignored", d.Context.SessionID)
		return false
	}
	m.grace = &graceState{detection: d, setID: set.ID}
	m.sched.Start(TimerGrace, m.cfg.GraceDelay, m.onGraceFired)
	m.logger.Printf("Session: end of set %d detected, waiting %v", set.Order, m.cfg.GraceDelay)
	return true
}

func (m *Machine) cancelGrace() {
	m.grace = nil
	m.sched.Cancel(TimerGrace)
	if _, ok := m.prompt.(AutoDetectionPrompt); ok {
		m.prompt = nil
	}
}

func (m *Machine) onGraceFired() {
	g := m.grace
	m.grace = nil
	if g == nil || m.state.Status != model.SessionActive {
		return
	}
	si, ok := m.activeSet()
	if !ok || m.exercises[m.current].Sets[si].ID != g.setID {
		return
	}
	now := m.clock.Now()
	elapsed := now.Sub(g.detection.DetectedAt)
	if g.detection.DetectedAt.IsZero() || elapsed < 0 {
		elapsed = m.cfg.GraceDelay
	}
	m.prompt = AutoDetectionPrompt{
		SetID:           g.setID,
		TimeElapsed:     elapsed,
		CompensatedRest: max(m.cfg.DefaultRest-elapsed, m.cfg.MinCompensatedRest),
	}
	m.logger.Printf("Session: set still running %v after detection", elapsed)
}

// AcceptCompensatedRest answers an AutoDetectionPrompt: end the set and rest for the
// compensated duration
func (m *Machine) AcceptCompensatedRest() error {
	p, ok := m.prompt.(AutoDetectionPrompt)
	if !ok {
		return ErrNoPrompt
	}
	return m.endSet(SetUpdate{}, p.CompensatedRest, model.RestCompensated)
}

// ChooseRestDuration answers an AutoDetectionPrompt with another duration; zero ends the
// set and resolves the rest at once
func (m *Machine) ChooseRestDuration(d time.Duration) error {
	if _, ok := m.prompt.(AutoDetectionPrompt); !ok {
		return ErrNoPrompt
	}
	if d < 0 {
		return fmt.Errorf("%w: negative rest", ErrInvalidValue)
	}
	if err := m.endSet(SetUpdate{}, d, model.RestCustom); err != nil {
		return err
	}
	if d == 0 {
		m.resolveRest("detection")
	}
	return nil
}
