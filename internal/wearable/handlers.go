package wearable

import (
	"context"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

// Handlers run on the bridge dispatcher, one command at a time.

func (a *Agent) onStartWorkout(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.StartWorkout)
	a.logger.Printf("WearableAgent: workout %s started (%s)", c.SessionID, c.PlanTitle)
	a.update(func(s *State) {
		s.SessionID = c.SessionID
		s.Reps = 0
		s.LastAlert = nil
	})
	if a.reps != nil {
		a.reps.Reset()
	}
	a.startCapture()
	a.startHealth()
	return nil
}

func (a *Agent) onEndWorkout(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.EndWorkout)
	a.logger.Printf("WearableAgent: workout %s ended", c.SessionID)
	a.stopCapture()
	a.stopHealth()
	a.update(func(s *State) { s.Phase = model.PhaseRest })
	return nil
}

func (a *Agent) onStartExercise(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.StartExercise)
	a.update(func(s *State) { s.ExerciseName = c.ExerciseName })
	return nil
}

func (a *Agent) onEndExercise(_ context.Context, _ string, _ protocol.Command) error {
	a.update(func(s *State) { s.ExerciseName = "" })
	return nil
}

func (a *Agent) onStartSet(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.StartSet)
	a.logger.Printf("WearableAgent: set %d started", c.SetOrder)
	if a.reps != nil {
		a.reps.Reset()
	}
	a.update(func(s *State) { s.Reps = 0 })
	a.setPhase(model.PhaseExecution)
	return nil
}

func (a *Agent) onEndSet(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.EndSet)
	a.logger.Printf("WearableAgent: set %d ended", c.SetOrder)
	a.setPhase(model.PhaseRest)
	return nil
}

func (a *Agent) onPhaseUpdate(_ context.Context, _ string, cmd protocol.Command) error {
	a.setPhase(cmd.(protocol.PhaseUpdate).Phase)
	return nil
}

func (a *Agent) onAlert(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.Alert)
	a.logger.Printf("WearableAgent: alert %q: %s", c.Title, c.Message)
	a.update(func(s *State) { s.LastAlert = &c })
	return nil
}

func (a *Agent) onPlanSync(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.PlanSync)
	a.logger.Printf("WearableAgent: plan %q synced (%d exercises)", c.Plan.Title, len(c.Plan.Exercises))
	a.update(func(s *State) { s.Plan = &c.Plan })
	return nil
}

func (a *Agent) onAuthStatus(_ context.Context, _ string, cmd protocol.Command) error {
	c := cmd.(protocol.AuthStatus)
	a.update(func(s *State) {
		s.Authenticated = c.Authenticated
		s.UserID = c.UserID
		if !c.Authenticated {
			s.Plan = nil
		}
	})
	return nil
}

// onLogout forgets the user and stops anything running
func (a *Agent) onLogout(_ context.Context, _ string, _ protocol.Command) error {
	a.logger.Println("WearableAgent: logged out")
	a.stopCapture()
	a.stopHealth()
	a.update(func(s *State) {
		*s = State{Phase: model.PhaseRest}
	})
	return nil
}
