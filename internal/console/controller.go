package console

import (
	"context"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
	"github.com/lowaak/smart-trainer/lift-sync/internal/store"
)

// Actions are the user actions of the session coordinator
type Actions interface {
	StartWorkout(plan model.Plan) error
	Pause() error
	Resume() error
	EndWorkout() error
	EndSet(u session.SetUpdate) error
	StartSet(setID string) error
	UpdateSet(setID string, u session.SetUpdate) error
	AddSet() error
	AddAnotherSet() error
	FinishExercise() error
	SkipRest() error
	SetRestDuration(d time.Duration) error
	AcceptCompensatedRest() error
	ChooseRestDuration(d time.Duration) error
	DismissPrompt() error
}

// History is the read side of the workout history
type History interface {
	ListWorkouts(ctx context.Context, limit int) ([]store.WorkoutSummary, error)
	WorkoutSets(ctx context.Context, sessionID string) ([]store.SetRecord, error)
}

// Link reports the bridge state
type Link interface {
	State() bridge.ActivationState
	Reachable() bool
	Stats() bridge.Stats
}

const historyLimit = 50

// Controller handles UI events and turns them into session actions
type Controller struct {
	model   *Model
	actions Actions
	history History
	link    Link
	plan    *model.Plan
	logger  *log.Logger
}

// NewController wires the console to the session. history and link may be nil.
func NewController(m *Model, actions Actions, history History, link Link, logger *log.Logger) *Controller {
	if m == nil {
		panic("Controller: model cannot be nil")
	}
	if actions == nil {
		panic("Controller: actions cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	return &Controller{
		model:   m,
		actions: actions,
		history: history,
		link:    link,
		logger:  logger,
	}
}

// SetPlan loads the plan started by StartWorkout
func (c *Controller) SetPlan(p model.Plan) {
	c.plan = &p
	c.logger.Printf("Console: plan %q loaded (%d exercises)", p.Title, len(p.Exercises))
}

// OnEscapeKey handles when the Escape key is pressed
func (c *Controller) OnEscapeKey() {
	c.model.RequestCloseApplication()
}

// OnModeChange handles when the user requests a mode change
func (c *Controller) OnModeChange(mode UIMode) {
	info, ok := GetUIModeInfo(mode)
	if !ok {
		return
	}
	c.logger.Printf("Console: switching to %s", info.DisplayName)
	switch mode {
	case UIModeHistory:
		c.RefreshHistory()
	case UIModeLink:
		c.RefreshLink()
	}
	c.model.SetMode(mode)
}

// --- Workout ---

func (c *Controller) StartWorkout() {
	if c.plan == nil {
		c.logger.Printf("Console: no plan loaded - start with --session.plan_file")
		return
	}
	c.run("start workout", c.actions.StartWorkout(*c.plan))
}

// ToggleWorkout starts, pauses, or resumes the workout based on current state
func (c *Controller) ToggleWorkout() {
	switch c.model.GetSession().Status {
	case model.SessionIdle.String(), model.SessionCompleted.String(), model.SessionError.String():
		c.StartWorkout()
	case model.SessionActive.String():
		c.run("pause", c.actions.Pause())
	case model.SessionPaused.String():
		c.run("resume", c.actions.Resume())
	default:
		c.logger.Printf("Console: workout is %s", c.model.GetSession().Status)
	}
}

func (c *Controller) EndWorkout() { c.run("end workout", c.actions.EndWorkout()) }

// --- Sets ---

// StartNextSet starts the first planned set of the current exercise
func (c *Controller) StartNextSet() {
	set, ok := nextPlannedSet(c.model.GetSession())
	if !ok {
		c.logger.Printf("Console: no planned set left - press 'n' for another set")
		return
	}
	c.run("start set", c.actions.StartSet(set.ID))
}

func (c *Controller) EndSet()         { c.run("end set", c.actions.EndSet(session.SetUpdate{})) }
func (c *Controller) AddSet()         { c.run("add set", c.actions.AddSet()) }
func (c *Controller) AddAnotherSet()  { c.run("add another set", c.actions.AddAnotherSet()) }
func (c *Controller) FinishExercise() { c.run("finish exercise", c.actions.FinishExercise()) }

// AdjustWeight adds steps*WeightStep kg to the set in focus; the result never drops below zero
func (c *Controller) AdjustWeight(steps int) {
	set, ok := focusSet(c.model.GetSession())
	if !ok {
		c.logger.Printf("Console: no set to edit")
		return
	}
	w := max(set.Weight+float64(steps)*c.model.Prefs().WeightStep(), 0)
	c.run("update weight", c.actions.UpdateSet(set.ID, session.SetUpdate{Weight: &w}))
}

// AdjustTargetReps adds delta to the target reps of the set in focus
func (c *Controller) AdjustTargetReps(delta int) {
	set, ok := focusSet(c.model.GetSession())
	if !ok {
		c.logger.Printf("Console: no set to edit")
		return
	}
	reps := max(set.TargetReps+delta, 0)
	c.run("update target reps", c.actions.UpdateSet(set.ID, session.SetUpdate{TargetReps: &reps}))
}

// --- Rest and prompts ---

func (c *Controller) SkipRest() { c.run("skip rest", c.actions.SkipRest()) }

func (c *Controller) AcceptCompensatedRest() {
	c.run("accept compensated rest", c.actions.AcceptCompensatedRest())
}

// CustomRest answers an auto-detection prompt with the custom rest, or changes the running rest
func (c *Controller) CustomRest() {
	d := time.Duration(c.model.Prefs().CustomRestSeconds()) * time.Second
	v := c.model.GetSession()
	if v.Prompt != nil && v.Prompt.Kind == session.PromptKindAutoDetection {
		c.run("choose rest", c.actions.ChooseRestDuration(d))
		return
	}
	c.run("set rest", c.actions.SetRestDuration(d))
}

func (c *Controller) DismissPrompt() { c.run("dismiss prompt", c.actions.DismissPrompt()) }

// --- History and link ---

func (c *Controller) RefreshHistory() {
	if c.history == nil {
		return
	}
	workouts, err := c.history.ListWorkouts(context.Background(), historyLimit)
	if err != nil {
		c.logger.Printf("Console: list workouts: %v", err)
		return
	}
	c.model.SetHistory(HistoryState{Workouts: workouts})
}

// OnWorkoutSelected loads the sets of the workout at index in the history list
func (c *Controller) OnWorkoutSelected(index int) {
	if c.history == nil {
		return
	}
	h := c.model.GetHistory()
	if index < 0 || index >= len(h.Workouts) {
		c.logger.Printf("Console: invalid workout index: %d", index)
		return
	}
	id := h.Workouts[index].SessionID
	sets, err := c.history.WorkoutSets(context.Background(), id)
	if err != nil {
		c.logger.Printf("Console: workout %s: %v", id, err)
		return
	}
	c.model.SetHistory(HistoryState{Workouts: h.Workouts, Selected: id, Sets: sets})
}

func (c *Controller) RefreshLink() {
	if c.link == nil {
		return
	}
	c.model.SetLink(LinkState{State: c.link.State(), Reachable: c.link.Reachable(), Stats: c.link.Stats()})
}

func (c *Controller) run(action string, err error) {
	if err != nil {
		c.logger.Printf("Console: %s: %v", action, err)
	}
}

// focusSet is the running set, else the first planned set of the current exercise
func focusSet(v session.View) (session.SetView, bool) {
	ex, ok := currentExercise(v)
	if !ok {
		return session.SetView{}, false
	}
	for _, s := range ex.Sets {
		if s.Status == model.SetActive.String() {
			return s, true
		}
	}
	return nextPlannedSet(v)
}

func nextPlannedSet(v session.View) (session.SetView, bool) {
	ex, ok := currentExercise(v)
	if !ok {
		return session.SetView{}, false
	}
	for _, s := range ex.Sets {
		if s.Status == model.SetPlanned.String() {
			return s, true
		}
	}
	return session.SetView{}, false
}

func currentExercise(v session.View) (session.ExerciseView, bool) {
	if v.CurrentExercise < 0 || v.CurrentExercise >= len(v.Exercises) {
		return session.ExerciseView{}, false
	}
	return v.Exercises[v.CurrentExercise], true
}
