package model

import "time"

// SessionStatus is the overall workout session state
type SessionStatus int

const (
	SessionIdle      SessionStatus = iota // no session
	SessionStarting                       // plan accepted, building exercises
	SessionActive                         // running
	SessionPaused                         // timers frozen
	SessionEnding                         // flushing history, cancelling timers
	SessionCompleted                      // terminal
	SessionError                          // terminal, see Reason
)

func (s SessionStatus) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionStarting:
		return "starting"
	case SessionActive:
		return "active"
	case SessionPaused:
		return "paused"
	case SessionEnding:
		return "ending"
	case SessionCompleted:
		return "completed"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// HasContext reports whether a SessionContext must exist in this state
func (s SessionStatus) HasContext() bool {
	return s == SessionActive || s == SessionPaused || s == SessionEnding
}

// IsTerminal reports whether no further transitions are possible
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionError
}

// WorkoutSessionState is the status plus the error reason when Status is SessionError
type WorkoutSessionState struct {
	Status SessionStatus
	Reason string
}

// SetStatus tracks a set through planned -> active -> completed
type SetStatus int

const (
	SetPlanned   SetStatus = iota // added, not running
	SetActive                     // running, capturing
	SetCompleted                  // ended; numeric fields stay editable
)

func (s SetStatus) String() string {
	switch s {
	case SetPlanned:
		return "planned"
	case SetActive:
		return "active"
	case SetCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// SetSessionState is an immutable projection of one set
type SetSessionState struct {
	ID          string
	Order       int // 1-based, monotonic within the exercise
	TargetReps  int
	ActualReps  int
	Weight      float64
	Status      SetStatus
	StartedAt   time.Time
	CompletedAt time.Time
}

// IsActive reports whether the set is running
func (s SetSessionState) IsActive() bool { return s.Status == SetActive }

// IsCompleted reports whether the set has been ended
func (s SetSessionState) IsCompleted() bool { return s.Status == SetCompleted }

// ExerciseSessionState is an immutable projection of one exercise and its sets
type ExerciseSessionState struct {
	ID          string
	Name        string
	Index       int
	Sets        []SetSessionState
	IsActive    bool
	IsCompleted bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// CompletedSets counts the sets that have been ended
func (e ExerciseSessionState) CompletedSets() int {
	n := 0
	for _, s := range e.Sets {
		if s.IsCompleted() {
			n++
		}
	}
	return n
}

// NextPlannedSet returns the index of the first planned set, or -1
func (e ExerciseSessionState) NextPlannedSet() int {
	for i, s := range e.Sets {
		if s.Status == SetPlanned {
			return i
		}
	}
	return -1
}

// ActiveSet returns the index of the running set, or -1
func (e ExerciseSessionState) ActiveSet() int {
	for i, s := range e.Sets {
		if s.IsActive() {
			return i
		}
	}
	return -1
}

// RestType tells how a rest countdown was started
type RestType int

const (
	RestDefault     RestType = iota // default duration after a manual set end
	RestCompensated                 // default minus time already rested, after auto-detection
	RestCustom                      // user picked a duration
)

func (r RestType) String() string {
	switch r {
	case RestDefault:
		return "default"
	case RestCompensated:
		return "compensated"
	case RestCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// RestTimerState is recomputed on every tick and never persisted
type RestTimerState struct {
	Duration  time.Duration
	Remaining time.Duration
	Type      RestType
	IsActive  bool
}
