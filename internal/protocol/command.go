package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// CommandKind is the closed set of command discriminators
type CommandKind string

const (
	KindStartWorkout  CommandKind = "startWorkout"
	KindEndWorkout    CommandKind = "endWorkout"
	KindStartExercise CommandKind = "startExercise"
	KindEndExercise   CommandKind = "endExercise"
	KindStartSet      CommandKind = "startSet"
	KindEndSet        CommandKind = "endSet"
	KindPhaseUpdate   CommandKind = "phaseUpdate"
	KindRepsUpdate    CommandKind = "repsUpdate"
	KindAlert         CommandKind = "alert"
	KindPlanSync      CommandKind = "planSync"
	KindAuthStatus    CommandKind = "authStatus"
	KindLogout        CommandKind = "logout"
)

// CommandKinds lists every kind in declaration order
var CommandKinds = []CommandKind{
	KindStartWorkout, KindEndWorkout,
	KindStartExercise, KindEndExercise,
	KindStartSet, KindEndSet,
	KindPhaseUpdate, KindRepsUpdate,
	KindAlert, KindPlanSync,
	KindAuthStatus, KindLogout,
}

// UnknownCommandError reports a discriminator outside the closed set
type UnknownCommandError struct {
	Kind string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Kind)
}

func (e *UnknownCommandError) Is(target error) bool {
	return target == ErrInvalidData
}

// Command is one variant of the command union
type Command interface {
	Kind() CommandKind
	Validate() error
}

type StartWorkout struct {
	SessionID string `json:"sessionId"`
	PlanID    string `json:"planId"`
	PlanTitle string `json:"planTitle"`
}

type EndWorkout struct {
	SessionID string `json:"sessionId"`
}

type StartExercise struct {
	ExerciseID    string `json:"exerciseId"`
	ExerciseName  string `json:"exerciseName"`
	ExerciseIndex int    `json:"exerciseIndex"`
}

type EndExercise struct {
	ExerciseID string `json:"exerciseId"`
}

type StartSet struct {
	ExerciseID string `json:"exerciseId"`
	SetID      string `json:"setId"`
	SetOrder   int    `json:"setOrder"`
}

type EndSet struct {
	SetID    string `json:"setId"`
	SetOrder int    `json:"setOrder"`
}

type PhaseUpdate struct {
	Phase model.Phase `json:"phase"`
}

// RepsUpdate carries the count produced by the wearable rep counter
type RepsUpdate struct {
	SetID string `json:"setId"`
	Reps  int    `json:"reps"`
}

type Alert struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

type PlanSync struct {
	Plan model.Plan `json:"plan"`
}

type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
}

type Logout struct{}

func (StartWorkout) Kind() CommandKind  { return KindStartWorkout }
func (EndWorkout) Kind() CommandKind    { return KindEndWorkout }
func (StartExercise) Kind() CommandKind { return KindStartExercise }
func (EndExercise) Kind() CommandKind   { return KindEndExercise }
func (StartSet) Kind() CommandKind      { return KindStartSet }
func (EndSet) Kind() CommandKind        { return KindEndSet }
func (PhaseUpdate) Kind() CommandKind   { return KindPhaseUpdate }
func (RepsUpdate) Kind() CommandKind    { return KindRepsUpdate }
func (Alert) Kind() CommandKind         { return KindAlert }
func (PlanSync) Kind() CommandKind      { return KindPlanSync }
func (AuthStatus) Kind() CommandKind    { return KindAuthStatus }
func (Logout) Kind() CommandKind        { return KindLogout }

func (c StartWorkout) Validate() error {
	if c.SessionID == "" {
		return invalid("startWorkout: missing sessionId")
	}
	return nil
}

func (c EndWorkout) Validate() error {
	if c.SessionID == "" {
		return invalid("endWorkout: missing sessionId")
	}
	return nil
}

func (c StartExercise) Validate() error {
	if c.ExerciseID == "" {
		return invalid("startExercise: missing exerciseId")
	}
	if c.ExerciseIndex < 0 {
		return invalid("startExercise: negative exerciseIndex")
	}
	return nil
}

func (c EndExercise) Validate() error {
	if c.ExerciseID == "" {
		return invalid("endExercise: missing exerciseId")
	}
	return nil
}

func (c StartSet) Validate() error {
	if c.SetID == "" || c.SetOrder <= 0 {
		return invalid("startSet: needs setId and a positive setOrder")
	}
	return nil
}

func (c EndSet) Validate() error {
	if c.SetID == "" || c.SetOrder <= 0 {
		return invalid("endSet: needs setId and a positive setOrder")
	}
	return nil
}

func (c PhaseUpdate) Validate() error { return nil }

func (c RepsUpdate) Validate() error {
	if c.SetID == "" || c.Reps < 0 {
		return invalid("repsUpdate: needs setId and non-negative reps")
	}
	return nil
}

func (c Alert) Validate() error {
	if c.Message == "" {
		return invalid("alert: empty message")
	}
	return nil
}

func (c PlanSync) Validate() error {
	if c.Plan.ID == "" {
		return invalid("planSync: plan without id")
	}
	for i, ex := range c.Plan.Exercises {
		if ex.ID == "" {
			return invalid("planSync: exercise %d without id", i)
		}
	}
	return nil
}

func (c AuthStatus) Validate() error { return nil }
func (c Logout) Validate() error     { return nil }

// EncodeCommand renders {"command": kind, ...fields}
func EncodeCommand(cmd Command) (json.RawMessage, error) {
	if cmd == nil {
		return nil, invalid("nil command")
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	fields, err := json.Marshal(cmd)
	if err != nil {
		return nil, invalid("marshal %s: %v", cmd.Kind(), err)
	}
	kind, _ := json.Marshal(string(cmd.Kind()))

	var buf bytes.Buffer
	buf.WriteString(`{"command":`)
	buf.Write(kind)
	if inner := bytes.TrimSpace(fields[1 : len(fields)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeCommand parses a command body against the closed set of kinds
func DecodeCommand(body []byte) (Command, error) {
	var head struct {
		Command *string `json:"command"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, invalid("command body: %v", err)
	}
	if head.Command == nil {
		return nil, invalid("command body without discriminator")
	}

	var cmd Command
	var err error
	switch CommandKind(*head.Command) {
	case KindStartWorkout:
		cmd, err = decodeAs[StartWorkout](body)
	case KindEndWorkout:
		cmd, err = decodeAs[EndWorkout](body)
	case KindStartExercise:
		cmd, err = decodeAs[StartExercise](body)
	case KindEndExercise:
		cmd, err = decodeAs[EndExercise](body)
	case KindStartSet:
		cmd, err = decodeAs[StartSet](body)
	case KindEndSet:
		cmd, err = decodeAs[EndSet](body)
	case KindPhaseUpdate:
		cmd, err = decodeAs[PhaseUpdate](body)
	case KindRepsUpdate:
		cmd, err = decodeAs[RepsUpdate](body)
	case KindAlert:
		cmd, err = decodeAs[Alert](body)
	case KindPlanSync:
		cmd, err = decodeAs[PlanSync](body)
	case KindAuthStatus:
		cmd, err = decodeAs[AuthStatus](body)
	case KindLogout:
		cmd, err = decodeAs[Logout](body)
	default:
		return nil, &UnknownCommandError{Kind: *head.Command}
	}
	if err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func decodeAs[T Command](body []byte) (Command, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, invalid("%s: field %s has the wrong type", v.Kind(), typeErr.Field)
		}
		return nil, invalid("%s: %v", v.Kind(), err)
	}
	return v, nil
}
