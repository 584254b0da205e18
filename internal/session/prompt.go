package session

import "time"

// Prompt is a user-facing condition waiting for an answer. Prompts replace errors for
// everything the user can fix: the session stays consistent and the caller renders them.
type Prompt interface {
	isPrompt()
}

// Field names shown in a MissingFieldsPrompt
const (
	FieldTargetReps = "ripetizioni"
	FieldWeight     = "peso"
)

// MissingFieldsPrompt blocks ending a set until the listed fields are set; the set stays active
type MissingFieldsPrompt struct {
	SetID  string
	Fields []string
}

// DecisionPrompt asks whether to add another set or finish the exercise
type DecisionPrompt struct {
	ExerciseID    string
	CompletedSets int
}

// AutoDetectionPrompt follows an automatic end-of-set detection the user did not act on.
// The user accepts CompensatedRest or picks another duration.
type AutoDetectionPrompt struct {
	SetID           string
	TimeElapsed     time.Duration
	CompensatedRest time.Duration
}

// UpgradePrompt replaces a set addition above the entitlement limit
type UpgradePrompt struct {
	ExerciseID string
	Limit      int
}

func (MissingFieldsPrompt) isPrompt() {}
func (DecisionPrompt) isPrompt()      {}
func (AutoDetectionPrompt) isPrompt() {}
func (UpgradePrompt) isPrompt()       {}

// Entitlements limits what the user may do
type Entitlements interface {
	// MaxSetsPerExercise is the set cap; 0 means uncapped
	MaxSetsPerExercise() int
}

// DefaultFreeSetCap applies to non-premium users
const DefaultFreeSetCap = 3

// StaticEntitlements is an Entitlements with fixed values
type StaticEntitlements struct {
	Premium bool
	FreeCap int // DefaultFreeSetCap when zero
}

func (e StaticEntitlements) MaxSetsPerExercise() int {
	if e.Premium {
		return 0
	}
	if e.FreeCap <= 0 {
		return DefaultFreeSetCap
	}
	return e.FreeCap
}
