package session

import (
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
)

// View is the JSON shape of a Snapshot served to dashboards and relayed to subscribers
type View struct {
	SessionID       string         `json:"sessionId,omitempty"`
	Status          string         `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	PlanID          string         `json:"planId,omitempty"`
	PlanTitle       string         `json:"planTitle,omitempty"`
	Phase           string         `json:"phase"`
	ElapsedMs       int64          `json:"elapsedMs"`
	StartedAt       string         `json:"startedAt,omitempty"`
	EndedAt         string         `json:"endedAt,omitempty"`
	CurrentExercise int            `json:"currentExercise"`
	Exercises       []ExerciseView `json:"exercises"`
	Rest            *RestView      `json:"rest,omitempty"`
	Prompt          *PromptView    `json:"prompt,omitempty"`
	HeartRate       *int           `json:"heartRate,omitempty"`
	Calories        *float64       `json:"calories,omitempty"`
}

type ExerciseView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsActive    bool      `json:"isActive"`
	IsCompleted bool      `json:"isCompleted"`
	Sets        []SetView `json:"sets"`
}

type SetView struct {
	ID         string  `json:"id"`
	Order      int     `json:"order"`
	TargetReps int     `json:"targetReps"`
	ActualReps int     `json:"actualReps"`
	Weight     float64 `json:"weight"`
	Status     string  `json:"status"`
}

type RestView struct {
	DurationMs  int64  `json:"durationMs"`
	RemainingMs int64  `json:"remainingMs"`
	Type        string `json:"type"`
}

// PromptView flattens the prompt variants; Kind tells which fields are set
type PromptView struct {
	Kind              string   `json:"kind"`
	SetID             string   `json:"setId,omitempty"`
	ExerciseID        string   `json:"exerciseId,omitempty"`
	Fields            []string `json:"fields,omitempty"`
	CompletedSets     int      `json:"completedSets,omitempty"`
	TimeElapsedMs     int64    `json:"timeElapsedMs,omitempty"`
	CompensatedRestMs int64    `json:"compensatedRestMs,omitempty"`
	Limit             int      `json:"limit,omitempty"`
}

const (
	PromptKindMissingFields = "missingFields"
	PromptKindDecision      = "decision"
	PromptKindAutoDetection = "autoDetection"
	PromptKindUpgrade       = "upgrade"
)

func ms(d time.Duration) int64 { return d.Milliseconds() }

// View projects the snapshot
func (s Snapshot) View() View {
	v := View{
		SessionID:       s.SessionID,
		Status:          s.State.Status.String(),
		Reason:          s.State.Reason,
		PlanID:          s.PlanID,
		PlanTitle:       s.PlanTitle,
		Phase:           s.Phase.String(),
		ElapsedMs:       ms(s.Elapsed),
		StartedAt:       codec.FormatTime(s.StartedAt),
		EndedAt:         codec.FormatTime(s.EndedAt),
		CurrentExercise: s.CurrentExercise,
		Exercises:       make([]ExerciseView, len(s.Exercises)),
		Prompt:          promptView(s.Prompt),
		HeartRate:       s.HeartRate,
		Calories:        s.Calories,
	}
	for i, ex := range s.Exercises {
		ev := ExerciseView{
			ID:          ex.ID,
			Name:        ex.Name,
			IsActive:    ex.IsActive,
			IsCompleted: ex.IsCompleted,
			Sets:        make([]SetView, len(ex.Sets)),
		}
		for j, set := range ex.Sets {
			ev.Sets[j] = SetView{
				ID:         set.ID,
				Order:      set.Order,
				TargetReps: set.TargetReps,
				ActualReps: set.ActualReps,
				Weight:     set.Weight,
				Status:     set.Status.String(),
			}
		}
		v.Exercises[i] = ev
	}
	if s.Rest.IsActive {
		v.Rest = &RestView{
			DurationMs:  ms(s.Rest.Duration),
			RemainingMs: ms(s.Rest.Remaining),
			Type:        s.Rest.Type.String(),
		}
	}
	return v
}

func promptView(p Prompt) *PromptView {
	switch p := p.(type) {
	case MissingFieldsPrompt:
		return &PromptView{Kind: PromptKindMissingFields, SetID: p.SetID, Fields: p.Fields}
	case DecisionPrompt:
		return &PromptView{Kind: PromptKindDecision, ExerciseID: p.ExerciseID, CompletedSets: p.CompletedSets}
	case AutoDetectionPrompt:
		return &PromptView{
			Kind:              PromptKindAutoDetection,
			SetID:             p.SetID,
			TimeElapsedMs:     ms(p.TimeElapsed),
			CompensatedRestMs: ms(p.CompensatedRest),
		}
	case UpgradePrompt:
		return &PromptView{Kind: PromptKindUpgrade, ExerciseID: p.ExerciseID, Limit: p.Limit}
	default:
		return nil
	}
}
