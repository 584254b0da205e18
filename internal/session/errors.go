package session

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

var (
	ErrUnknownSet       = errors.New("session: unknown set")
	ErrNoActiveSet      = errors.New("session: no active set")
	ErrSetAlreadyActive = errors.New("session: another set is active")
	ErrNoRest           = errors.New("session: no rest running")
	ErrNoPrompt         = errors.New("session: no matching prompt")
	ErrInvalidValue     = errors.New("session: invalid value")
	ErrEmptyExercise    = errors.New("session: exercise has no completed set")
)

// TransitionError is returned for an action the current state does not allow.
// The machine is left untouched.
type TransitionError struct {
	From   model.SessionStatus
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: %s not allowed while %s", e.Action, e.From)
}
