package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

func TestSnapshotView(t *testing.T) {
	m, clock := newTestMachine(t, StaticEntitlements{Premium: true})
	require.NoError(t, m.StartWorkout("s-1", benchPlan(model.PlannedSet{TargetReps: 10})))

	v := m.Snapshot().View()
	assert.Equal(t, "s-1", v.SessionID)
	assert.Equal(t, "active", v.Status)
	assert.Equal(t, "execution", v.Phase)
	assert.Equal(t, "2026-03-02T18:00:00.000Z", v.StartedAt)
	assert.Empty(t, v.EndedAt)
	require.Len(t, v.Exercises, 1)
	require.Len(t, v.Exercises[0].Sets, 1)
	assert.Equal(t, "active", v.Exercises[0].Sets[0].Status)
	assert.Nil(t, v.Rest)
	assert.Nil(t, v.Prompt)

	require.NoError(t, m.EndSet(SetUpdate{}))
	v = m.Snapshot().View()
	require.NotNil(t, v.Prompt)
	assert.Equal(t, PromptKindMissingFields, v.Prompt.Kind)
	assert.Equal(t, []string{FieldWeight}, v.Prompt.Fields)

	clock.Advance(30 * time.Second)
	require.NoError(t, m.EndSet(SetUpdate{Weight: floatp(60)}))
	v = m.Snapshot().View()
	assert.Nil(t, v.Prompt)
	require.NotNil(t, v.Rest)
	assert.Equal(t, int64(90_000), v.Rest.DurationMs)
	assert.Equal(t, "default", v.Rest.Type)
	assert.Equal(t, "rest", v.Phase)
	assert.Equal(t, int64(30_000), v.ElapsedMs)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"active"`)
	assert.NotContains(t, string(data), `"prompt"`)
}

func TestPromptView(t *testing.T) {
	assert.Nil(t, promptView(nil))

	p := promptView(AutoDetectionPrompt{SetID: "set-1", TimeElapsed: 15 * time.Second, CompensatedRest: 75 * time.Second})
	require.NotNil(t, p)
	assert.Equal(t, PromptView{Kind: PromptKindAutoDetection, SetID: "set-1", TimeElapsedMs: 15_000, CompensatedRestMs: 75_000}, *p)

	p = promptView(UpgradePrompt{ExerciseID: "ex-bench", Limit: 3})
	assert.Equal(t, PromptView{Kind: PromptKindUpgrade, ExerciseID: "ex-bench", Limit: 3}, *p)

	p = promptView(DecisionPrompt{ExerciseID: "ex-bench", CompletedSets: 2})
	assert.Equal(t, PromptView{Kind: PromptKindDecision, ExerciseID: "ex-bench", CompletedSets: 2}, *p)
}
