package model

// Plan is a workout plan as synced from the host's plan store
type Plan struct {
	ID        string            `json:"id" yaml:"id"`
	Title     string            `json:"title" yaml:"title"`
	Exercises []PlannedExercise `json:"exercises" yaml:"exercises"`
}

// PlannedExercise is one exercise of a plan with its pre-planned sets
type PlannedExercise struct {
	ID   string       `json:"id" yaml:"id"`
	Name string       `json:"name" yaml:"name"`
	Sets []PlannedSet `json:"sets,omitempty" yaml:"sets,omitempty"`
}

// PlannedSet holds the targets of a set that has not been run yet
type PlannedSet struct {
	TargetReps int     `json:"targetReps" yaml:"target_reps"`
	Weight     float64 `json:"weight" yaml:"weight"`
}
