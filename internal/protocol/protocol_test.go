package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

func TestCommand_EveryKindRoundTrips(t *testing.T) {
	commands := []Command{
		StartWorkout{SessionID: "s1", PlanID: "p1", PlanTitle: "Push"},
		EndWorkout{SessionID: "s1"},
		StartExercise{ExerciseID: "e1", ExerciseName: "Bench", ExerciseIndex: 0},
		EndExercise{ExerciseID: "e1"},
		StartSet{ExerciseID: "e1", SetID: "set1", SetOrder: 1},
		EndSet{SetID: "set1", SetOrder: 1},
		PhaseUpdate{Phase: model.PhaseRest},
		RepsUpdate{SetID: "set1", Reps: 8},
		Alert{Title: "Rest over", Message: "Next set"},
		PlanSync{Plan: model.Plan{ID: "p1", Title: "Push", Exercises: []model.PlannedExercise{{ID: "e1", Name: "Bench"}}}},
		AuthStatus{Authenticated: true, UserID: "u1"},
		Logout{},
	}
	require.Len(t, commands, len(CommandKinds))

	for i, cmd := range commands {
		t.Run(string(cmd.Kind()), func(t *testing.T) {
			assert.Equal(t, CommandKinds[i], cmd.Kind())

			body, err := EncodeCommand(cmd)
			require.NoError(t, err)

			var head map[string]any
			require.NoError(t, json.Unmarshal(body, &head))
			assert.Equal(t, string(cmd.Kind()), head["command"])

			decoded, err := DecodeCommand(body)
			require.NoError(t, err)
			assert.Equal(t, cmd, decoded)
		})
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"command":`},
		{"no discriminator", `{"setId":"x"}`},
		{"wrong field type", `{"command":"startSet","setId":"s","setOrder":"one"}`},
		{"missing required", `{"command":"startSet","setId":"s"}`},
		{"bad phase", `{"command":"phaseUpdate","phase":"warmup"}`},
		{"array", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.body))
			assert.Nil(t, cmd)
			assert.ErrorIs(t, err, ErrInvalidData)
		})
	}
}

func TestDecodeCommand_Unknown(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"command":"selfDestruct"}`))
	require.Error(t, err)
	var unknown *UnknownCommandError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "selfDestruct", unknown.Kind)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestEncodeCommand_ValidatesBeforeSending(t *testing.T) {
	_, err := EncodeCommand(EndSet{})
	assert.ErrorIs(t, err, ErrInvalidData)
	_, err = EncodeCommand(nil)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestEnvelope(t *testing.T) {
	frame, err := EncodeEnvelope(ClassReply, "req-1", OK(time.Unix(1700000000, 500_000_000)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"reply","id":"req-1","body":{"success":true,"timestamp":1700000000.5}}`, string(frame))

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(env.Body, &reply))
	assert.True(t, reply.Success)
	assert.Equal(t, int64(1700000000500), reply.Timestamp.UnixMilli())

	for _, bad := range []string{
		`nope`,
		`{"class":"gossip","body":{}}`,
		`{"class":"command","body":{"command":"logout"}}`,
		`{"class":"telemetry"}`,
	} {
		_, err := DecodeEnvelope([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidData, bad)
	}
}

func TestReply_Negative(t *testing.T) {
	data, err := json.Marshal(Fail("unknown command"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"unknown command"}`, string(data))

	var r Reply
	require.NoError(t, json.Unmarshal(data, &r))
	assert.False(t, r.Success)
	assert.Equal(t, "unknown command", r.Error)

	assert.Error(t, json.Unmarshal([]byte(`{}`), &r))
}

func TestTelemetry(t *testing.T) {
	hr := 128
	h := model.HealthTelemetry{HeartRate: &hr, Timestamp: time.UnixMilli(1700000000250), Phase: model.PhaseRest, SessionID: "s1"}
	data, err := json.Marshal(NewTelemetry(h))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"healthData","heartRate":128,"timestamp":1700000000.25,"phase":"rest","sessionId":"s1"}`, string(data))

	back, err := DecodeTelemetry(data)
	require.NoError(t, err)
	assert.Equal(t, 128, *back.HeartRate)
	assert.Nil(t, back.Calories)
	assert.True(t, h.Timestamp.Equal(back.Timestamp))

	_, err = DecodeTelemetry([]byte(`{"type":"healthData","timestamp":1,"phase":"rest"}`))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestControl_Detection(t *testing.T) {
	ctx := &model.SessionContext{SessionID: "s1", PlanID: "p1", SetID: "set2", SetOrder: 2, IsActive: true, ExerciseIndex: 1}
	det := model.PhaseChangeDetection{
		From:          model.PhaseExecution,
		To:            model.PhaseRest,
		DetectedAt:    time.UnixMilli(1700000000000).UTC(),
		ThresholdUsed: 0.08,
		DurationUsed:  time.Second,
		SetOrder:      2,
		Context:       ctx,
	}
	data, err := json.Marshal(DetectionControl(det, time.UnixMilli(1700000000100)))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "phase_change_detected", raw["type"])
	assert.Equal(t, "execution", raw["from_phase"])
	assert.Equal(t, "rest", raw["to_phase"])
	assert.Equal(t, "watch_motion_manager", raw["source"])
	assert.Equal(t, 1.0, raw["detection_duration"])
	assert.Equal(t, "set2", raw["currentSetId"])

	back, err := DecodeControl(data)
	require.NoError(t, err)
	assert.Equal(t, TypePhaseChangeDetected, back.Type)
	assert.Equal(t, det.From, back.Detection.From)
	assert.Equal(t, det.To, back.Detection.To)
	assert.True(t, det.DetectedAt.Equal(back.Detection.DetectedAt))
	assert.Equal(t, time.Second, back.Detection.DurationUsed)
	assert.Equal(t, 2, back.Detection.SetOrder)
	assert.Equal(t, ctx, back.Context)

	_, err = DecodeControl([]byte(`{"type":"phase_change_detected","from_phase":"execution","to_phase":"rest"}`))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestControl_Context(t *testing.T) {
	ctx := &model.SessionContext{SessionID: "s1", PlanID: "p1", PlanTitle: "Push", ExerciseID: "e1", ExerciseName: "Bench", SetID: "set1", SetOrder: 1, IsActive: true}

	data, err := json.Marshal(ContextControl(ctx, false))
	require.NoError(t, err)
	back, err := DecodeControl(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSessionContext, back.Type)
	assert.Equal(t, ctx, back.Context)

	data, err = json.Marshal(ContextControl(nil, true))
	require.NoError(t, err)
	back, err = DecodeControl(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSessionEnd, back.Type)
	assert.Nil(t, back.Context)

	_, err = DecodeControl([]byte(`{"type":"sessionContext"}`))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestFragment(t *testing.T) {
	order := 1
	f := Fragment{
		TransferID: "xfer-1",
		Index:      1,
		Total:      3,
		Meta:       BulkMeta{Type: TypeSensorData, Count: 100, Phase: model.PhaseExecution, SetOrder: &order},
		Data:       []byte{0x01, 0x02, 0xff},
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	back, err := DecodeFragment(data)
	require.NoError(t, err)
	assert.Equal(t, f, back)
	assert.Equal(t, "xfer-1/1", FragmentID("xfer-1", 1))

	f.Index = 3
	data, err = json.Marshal(f)
	require.NoError(t, err)
	_, err = DecodeFragment(data)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestFragment_Limits(t *testing.T) {
	tests := []struct {
		name  string
		total int
		data  []byte
	}{
		{"huge total", 1 << 40, []byte{1}},
		{"just over max fragments", MaxFragments + 1, []byte{1}},
		{"oversized data", 1, make([]byte, MaxTransferSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(Fragment{TransferID: "x", Total: tt.total, Meta: BulkMeta{Type: TypeSensorData}, Data: tt.data})
			require.NoError(t, err)
			_, err = DecodeFragment(data)
			assert.ErrorIs(t, err, ErrInvalidData)
		})
	}

	data, err := json.Marshal(Fragment{TransferID: "x", Total: MaxFragments, Meta: BulkMeta{Type: TypeSensorData}})
	require.NoError(t, err)
	_, err = DecodeFragment(data)
	assert.NoError(t, err)
}

func TestSplitPayload(t *testing.T) {
	assert.Equal(t, [][]byte{{}}, SplitPayload([]byte{}, 4))
	parts := SplitPayload([]byte("abcdefghij"), 4)
	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}, parts)
}
