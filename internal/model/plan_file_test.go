package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushDay = `
id: plan-push
title: Push day
exercises:
  - id: ex-bench
    name: Panca piana
    sets:
      - target_reps: 8
        weight: 80
      - target_reps: 8
        weight: 80
  - id: ex-dips
    name: Dips
`

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(strings.NewReader(pushDay))
	require.NoError(t, err)

	assert.Equal(t, "plan-push", p.ID)
	assert.Equal(t, "Push day", p.Title)
	require.Len(t, p.Exercises, 2)
	assert.Equal(t, []PlannedSet{{TargetReps: 8, Weight: 80}, {TargetReps: 8, Weight: 80}}, p.Exercises[0].Sets)
	assert.Empty(t, p.Exercises[1].Sets)
}

func TestParsePlanRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no exercises", "id: p\ntitle: t\n"},
		{"unnamed exercise", "id: p\nexercises:\n  - id: e\n"},
		{"negative weight", "id: p\nexercises:\n  - name: Squat\n    sets:\n      - target_reps: 5\n        weight: -1\n"},
		{"unknown key", "id: p\nexercise:\n  - name: Squat\n"},
		{"not yaml", "id: [p\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestPlanFileRoundTrip(t *testing.T) {
	p, err := ParsePlan(strings.NewReader(pushDay))
	require.NoError(t, err)

	data, err := MarshalPlan(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, p, loaded)
}

func TestLoadPlanFileMissing(t *testing.T) {
	_, err := LoadPlanFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
