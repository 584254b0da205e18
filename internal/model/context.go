package model

// SessionContext carries the correlation ids that bind sensor and telemetry data to a plan/exercise/set
type SessionContext struct {
	SessionID     string `json:"sessionId"`
	PlanID        string `json:"planId"`
	PlanTitle     string `json:"planTitle"`
	ExerciseID    string `json:"currentExerciseId"`
	ExerciseName  string `json:"currentExerciseName"`
	SetID         string `json:"currentSetId"`
	SetOrder      int    `json:"currentSetOrder"`
	ExerciseIndex int    `json:"exerciseIndex"`
	IsActive      bool   `json:"isActive"`
}

// HasActiveSet reports whether the context points at a running set
func (c *SessionContext) HasActiveSet() bool {
	return c != nil && c.IsActive && c.SetID != ""
}

// Clone returns a copy so callers can keep a context past the owner's next update
func (c *SessionContext) Clone() *SessionContext {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
