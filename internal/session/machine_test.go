package session

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func newTestMachine(t *testing.T, ent Entitlements) (*Machine, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	m := NewMachine(DefaultConfig(), ent, clock, NewScheduler(clock, nil), log.New(io.Discard, "", 0))
	return m, clock
}

func benchPlan(sets ...model.PlannedSet) model.Plan {
	return model.Plan{
		ID:    "plan-1",
		Title: "Push day",
		Exercises: []model.PlannedExercise{
			{ID: "ex-bench", Name: "Panca piana", Sets: sets},
		},
	}
}

func currentSet(t *testing.T, m *Machine) model.SetSessionState {
	t.Helper()
	s, ok := m.Snapshot().CurrentSet()
	require.True(t, ok, "expected a running set")
	return s
}

func TestMachine_ActionsOutsideTheirStatesAreRejected(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{Premium: true})
	before := m.Snapshot()

	var terr *TransitionError
	require.ErrorAs(t, m.Pause(), &terr)
	assert.Equal(t, model.SessionIdle, terr.From)
	assert.ErrorAs(t, m.Resume(), &terr)
	assert.ErrorAs(t, m.EndWorkout(), &terr)
	assert.ErrorAs(t, m.Complete(), &terr)
	assert.ErrorAs(t, m.EndSet(SetUpdate{}), &terr)
	assert.ErrorAs(t, m.SkipRest(), &terr)
	assert.Equal(t, before, m.Snapshot())

	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))
	assert.ErrorAs(t, m.StartWorkout("s2", benchPlan()), &terr)
	assert.ErrorAs(t, m.Complete(), &terr)
	assert.ErrorAs(t, m.Resume(), &terr)
	assert.Equal(t, "s1", m.Snapshot().SessionID)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(model.SessionIdle, model.SessionStarting))
	assert.True(t, CanTransition(model.SessionPaused, model.SessionEnding))
	assert.False(t, CanTransition(model.SessionCompleted, model.SessionActive))
	assert.False(t, CanTransition(model.SessionIdle, model.SessionActive))
	for _, s := range []model.SessionStatus{model.SessionIdle, model.SessionActive, model.SessionPaused, model.SessionEnding} {
		assert.True(t, CanTransition(s, model.SessionError), s.String())
	}
}

func TestMachine_EmptyPlanFails(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	require.Error(t, m.StartWorkout("", model.Plan{ID: "empty"}))
	state := m.State()
	assert.Equal(t, model.SessionError, state.Status)
	assert.NotEmpty(t, state.Reason)
	assert.Nil(t, m.Context())
}

// plan with one exercise and no sets: a default set is created and ended with valid fields
func TestMachine_FirstSetIsCreatedAndEnded(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("", benchPlan()))

	snap := m.Snapshot()
	assert.Equal(t, model.SessionActive, snap.State.Status)
	assert.NotEmpty(t, snap.SessionID)
	require.Len(t, snap.Exercises, 1)
	require.Len(t, snap.Exercises[0].Sets, 1)
	set := currentSet(t, m)
	assert.Equal(t, 1, set.Order)
	assert.Equal(t, model.PhaseExecution, snap.Phase)

	require.NoError(t, m.EndSet(SetUpdate{TargetReps: intp(10), Weight: floatp(20)}))

	snap = m.Snapshot()
	assert.Equal(t, model.PhaseRest, snap.Phase)
	assert.Equal(t, model.SetCompleted, snap.Exercises[0].Sets[0].Status)
	assert.Equal(t, 20.0, snap.Exercises[0].Sets[0].Weight)
	assert.True(t, snap.Rest.IsActive)
	assert.Equal(t, 90*time.Second, snap.Rest.Duration)
	assert.Equal(t, model.RestDefault, snap.Rest.Type)
	assert.Nil(t, snap.Prompt)
}

func TestMachine_MissingWeightKeepsSetActive(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("", benchPlan()))
	set := currentSet(t, m)

	require.NoError(t, m.EndSet(SetUpdate{Weight: floatp(0)}))

	snap := m.Snapshot()
	assert.Equal(t, MissingFieldsPrompt{SetID: set.ID, Fields: []string{FieldWeight}}, snap.Prompt)
	assert.Equal(t, model.SetActive, snap.Exercises[0].Sets[0].Status)
	assert.Equal(t, model.PhaseExecution, snap.Phase)
	assert.False(t, snap.Rest.IsActive)

	require.NoError(t, m.UpdateSet(set.ID, SetUpdate{TargetReps: intp(0)}))
	assert.Equal(t, MissingFieldsPrompt{SetID: set.ID, Fields: []string{FieldTargetReps, FieldWeight}}, m.Snapshot().Prompt)

	require.NoError(t, m.UpdateSet(set.ID, SetUpdate{TargetReps: intp(8), Weight: floatp(40)}))
	assert.Nil(t, m.Snapshot().Prompt)
	require.NoError(t, m.EndSet(SetUpdate{}))
	assert.Equal(t, model.SetCompleted, m.Snapshot().Exercises[0].Sets[0].Status)
}

func TestMachine_NegativeValuesAreRejected(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))
	before := m.Snapshot()

	assert.ErrorIs(t, m.EndSet(SetUpdate{Weight: floatp(-1)}), ErrInvalidValue)
	assert.ErrorIs(t, m.RecordReps("", -3), ErrInvalidValue)
	assert.Equal(t, before.Exercises, m.Snapshot().Exercises)
}

func TestMachine_DetectionRaisesPromptAfterGrace(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))
	set := currentSet(t, m)

	det := model.PhaseChangeDetection{
		From:       model.PhaseExecution,
		To:         model.PhaseRest,
		DetectedAt: t0,
		SetOrder:   1,
		Context:    m.Context(),
	}
	clock.Advance(5 * time.Second)
	require.True(t, m.HandleDetection(det))

	clock.Advance(9 * time.Second)
	assert.Nil(t, m.Snapshot().Prompt)

	clock.Advance(time.Second)
	want := AutoDetectionPrompt{SetID: set.ID, TimeElapsed: 15 * time.Second, CompensatedRest: 75 * time.Second}
	assert.Equal(t, want, m.Snapshot().Prompt)
	assert.Equal(t, model.SetActive, currentSet(t, m).Status)

	require.NoError(t, m.AcceptCompensatedRest())
	snap := m.Snapshot()
	assert.Equal(t, model.SetCompleted, snap.Exercises[0].Sets[0].Status)
	assert.Equal(t, model.RestCompensated, snap.Rest.Type)
	assert.Equal(t, 75*time.Second, snap.Rest.Duration)
	assert.Nil(t, snap.Prompt)
}

func TestMachine_CompensatedRestHasFloor(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))

	clock.Advance(3 * time.Minute)
	require.True(t, m.HandleDetection(model.PhaseChangeDetection{To: model.PhaseRest, DetectedAt: t0, SetOrder: 1}))
	clock.Advance(10 * time.Second)

	p, ok := m.Snapshot().Prompt.(AutoDetectionPrompt)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, p.CompensatedRest)
}

func TestMachine_DetectionIgnored(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 10, Weight: 20})))

	assert.False(t, m.HandleDetection(model.PhaseChangeDetection{To: model.PhaseExecution, SetOrder: 1}))
	assert.False(t, m.HandleDetection(model.PhaseChangeDetection{To: model.PhaseRest, SetOrder: 2}))
	assert.False(t, m.HandleDetection(model.PhaseChangeDetection{
		To:       model.PhaseRest,
		SetOrder: 1,
		Context:  &model.SessionContext{SessionID: "other"},
	}))

	require.NoError(t, m.EndSet(SetUpdate{}))
	assert.False(t, m.HandleDetection(model.PhaseChangeDetection{To: model.PhaseRest, SetOrder: 1}))
	clock.Advance(20 * time.Second)
	assert.Nil(t, m.Snapshot().Prompt)
}

func TestMachine_ManualEndCancelsGrace(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 10, Weight: 20})))

	require.True(t, m.HandleDetection(model.PhaseChangeDetection{To: model.PhaseRest, DetectedAt: t0, SetOrder: 1}))
	clock.Advance(4 * time.Second)
	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(20 * time.Second)

	snap := m.Snapshot()
	assert.Nil(t, snap.Prompt)
	assert.Equal(t, model.RestDefault, snap.Rest.Type)
}

func TestMachine_ChooseZeroRestStartsNextSet(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 8, Weight: 25})))

	require.True(t, m.HandleDetection(model.PhaseChangeDetection{To: model.PhaseRest, DetectedAt: t0, SetOrder: 1}))
	clock.Advance(10 * time.Second)
	require.NoError(t, m.ChooseRestDuration(0))

	set := currentSet(t, m)
	assert.Equal(t, 2, set.Order)
	assert.Equal(t, model.PhaseExecution, m.Snapshot().Phase)
	assert.ErrorIs(t, m.ChooseRestDuration(0), ErrNoPrompt)
}

// two completed sets and nothing planned: the rest timer ends in a decision prompt
func TestMachine_RestExpiryAsksForDecision(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{Premium: true})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 10, Weight: 20})))

	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(90 * time.Second)
	assert.Equal(t, 2, currentSet(t, m).Order)

	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(90 * time.Second)

	snap := m.Snapshot()
	assert.Equal(t, DecisionPrompt{ExerciseID: "ex-bench", CompletedSets: 2}, snap.Prompt)
	assert.False(t, snap.Rest.IsActive)
	_, running := snap.CurrentSet()
	assert.False(t, running)

	require.NoError(t, m.AddAnotherSet())
	set := currentSet(t, m)
	assert.Equal(t, 3, set.Order)
	assert.Equal(t, 20.0, set.Weight)
}

func TestMachine_RestResolvesOnce(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{Premium: true})
	require.NoError(t, m.StartWorkout("s1", benchPlan(
		model.PlannedSet{TargetReps: 10, Weight: 20},
		model.PlannedSet{TargetReps: 10, Weight: 20},
		model.PlannedSet{TargetReps: 10, Weight: 20},
	)))

	require.NoError(t, m.EndSet(SetUpdate{}))
	require.NoError(t, m.SkipRest())
	assert.Equal(t, 2, currentSet(t, m).Order)

	// the original timer would have fired here
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, currentSet(t, m).Order)
	assert.ErrorIs(t, m.SetRestDuration(0), ErrNoRest)
	require.NoError(t, m.SkipRest())
	assert.Equal(t, 2, currentSet(t, m).Order)
}

func TestMachine_CustomRestRestartsCountdown(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 10, Weight: 20})))

	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(30 * time.Second)
	require.NoError(t, m.SetRestDuration(2*time.Minute))

	clock.Advance(90 * time.Second)
	snap := m.Snapshot()
	assert.True(t, snap.Rest.IsActive)
	assert.Equal(t, model.RestCustom, snap.Rest.Type)
	assert.Equal(t, 30*time.Second, snap.Rest.Remaining)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 2, currentSet(t, m).Order)
}

func TestMachine_PauseFreezesClocks(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 10, Weight: 20})))

	clock.Advance(10 * time.Second)
	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(30 * time.Second)
	require.NoError(t, m.Pause())
	assert.False(t, m.Context().IsActive)

	clock.Advance(10 * time.Minute)
	snap := m.Snapshot()
	assert.Equal(t, 40*time.Second, snap.Elapsed)
	assert.Equal(t, 60*time.Second, snap.Rest.Remaining)
	assert.True(t, snap.Rest.IsActive)

	require.NoError(t, m.Resume())
	clock.Advance(59 * time.Second)
	assert.True(t, m.Snapshot().Rest.IsActive)
	clock.Advance(time.Second)
	assert.Equal(t, 2, currentSet(t, m).Order)
	assert.Equal(t, 100*time.Second, m.Snapshot().Elapsed)
}

func TestMachine_SetCapRaisesUpgradePrompt(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{FreeCap: 2})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20}, model.PlannedSet{TargetReps: 10, Weight: 20})))

	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(90 * time.Second)
	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(90 * time.Second)
	require.IsType(t, DecisionPrompt{}, m.Snapshot().Prompt)

	require.NoError(t, m.AddAnotherSet())
	snap := m.Snapshot()
	assert.Equal(t, UpgradePrompt{ExerciseID: "ex-bench", Limit: 2}, snap.Prompt)
	assert.Len(t, snap.Exercises[0].Sets, 2)

	require.NoError(t, m.AddSet())
	assert.Len(t, m.Snapshot().Exercises[0].Sets, 2)
}

func TestMachine_FinishExercise(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{})
	plan := model.Plan{
		ID: "plan-2",
		Exercises: []model.PlannedExercise{
			{ID: "ex-1", Name: "Squat", Sets: []model.PlannedSet{{TargetReps: 5, Weight: 100}}},
			{ID: "ex-2", Name: "Stacchi", Sets: []model.PlannedSet{{TargetReps: 5, Weight: 120}}},
		},
	}
	require.NoError(t, m.StartWorkout("s1", plan))

	assert.ErrorIs(t, m.FinishExercise(), ErrSetAlreadyActive)
	require.NoError(t, m.EndSet(SetUpdate{}))
	clock.Advance(90 * time.Second)
	require.IsType(t, DecisionPrompt{}, m.Snapshot().Prompt)

	require.NoError(t, m.FinishExercise())
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.CurrentExercise)
	assert.True(t, snap.Exercises[0].IsCompleted)
	assert.False(t, snap.Exercises[0].IsActive)
	assert.Equal(t, "ex-2", snap.Context.ExerciseID)
	assert.Nil(t, snap.Prompt)

	require.NoError(t, m.EndSet(SetUpdate{}))
	require.NoError(t, m.FinishExercise())
	assert.Equal(t, model.SessionEnding, m.State().Status)
	require.NoError(t, m.Complete())
	assert.Equal(t, model.SessionCompleted, m.State().Status)
	assert.Nil(t, m.Context())
}

func TestMachine_EndWorkoutHandlesRunningSet(t *testing.T) {
	t.Run("valid set is kept", func(t *testing.T) {
		m, _ := newTestMachine(t, StaticEntitlements{})
		require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))
		require.NoError(t, m.EndWorkout())
		snap := m.Snapshot()
		assert.Equal(t, model.SetCompleted, snap.Exercises[0].Sets[0].Status)
		assert.True(t, snap.Exercises[0].IsCompleted)
	})
	t.Run("incomplete set goes back to planned", func(t *testing.T) {
		m, _ := newTestMachine(t, StaticEntitlements{})
		require.NoError(t, m.StartWorkout("s1", benchPlan()))
		require.NoError(t, m.EndWorkout())
		snap := m.Snapshot()
		assert.Equal(t, model.SetPlanned, snap.Exercises[0].Sets[0].Status)
		assert.True(t, snap.Exercises[0].Sets[0].StartedAt.IsZero())
		assert.False(t, snap.Exercises[0].IsCompleted)
	})
}

func TestMachine_SnapshotsAreNotMutated(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))

	before := m.Snapshot()
	require.NoError(t, m.EndSet(SetUpdate{ActualReps: intp(9)}))

	assert.Equal(t, model.SetActive, before.Exercises[0].Sets[0].Status)
	assert.Equal(t, 0, before.Exercises[0].Sets[0].ActualReps)
	assert.Equal(t, 9, m.Snapshot().Exercises[0].Sets[0].ActualReps)
}

func TestMachine_FailFromAnyLiveState(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	require.NoError(t, m.StartWorkout("s1", benchPlan(model.PlannedSet{TargetReps: 10, Weight: 20})))
	require.NoError(t, m.Pause())

	m.Fail("link lost")
	assert.Equal(t, model.WorkoutSessionState{Status: model.SessionError, Reason: "link lost"}, m.State())

	// a second failure is ignored
	m.Fail("again")
	assert.Equal(t, "link lost", m.State().Reason)
	var terr *TransitionError
	assert.True(t, errors.As(m.Resume(), &terr))
}

func TestMachine_RecordTelemetry(t *testing.T) {
	m, _ := newTestMachine(t, StaticEntitlements{})
	hr := 120
	m.RecordTelemetry(model.HealthTelemetry{HeartRate: &hr})
	assert.Nil(t, m.Snapshot().HeartRate)

	require.NoError(t, m.StartWorkout("s1", benchPlan()))
	m.RecordTelemetry(model.HealthTelemetry{HeartRate: &hr, SessionID: "s1"})
	hr = 150
	m.RecordTelemetry(model.HealthTelemetry{HeartRate: &hr, SessionID: "other"})
	require.NotNil(t, m.Snapshot().HeartRate)
	assert.Equal(t, 120, *m.Snapshot().HeartRate)
}
