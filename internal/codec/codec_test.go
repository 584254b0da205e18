package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

func fullSample(ts float64, n int64) model.SensorSample {
	values := make(map[model.Channel]float64, model.ChannelCount)
	for i, ch := range model.AllChannels {
		values[ch] = float64(i)*0.125 - 0.9
	}
	return model.NewSensorSample(ts, 50, values).WithSampleCount(n)
}

func testAggregate(samples ...model.SensorSample) model.SensorAggregate {
	return model.SensorAggregate{
		SessionID:  "session-1",
		ExerciseID: "exercise-1",
		SetID:      "set-1",
		SetOrder:   2,
		StartedAt:  time.Date(2026, 3, 4, 18, 30, 1, 123_000_000, time.UTC),
		EndedAt:    time.Date(2026, 3, 4, 18, 31, 0, 0, time.UTC),
		Samples:    samples,
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		agg  model.SensorAggregate
	}{
		{"no samples", testAggregate()},
		{"all channels absent", testAggregate(
			model.NewSensorSample(1741113001.1, 20, nil).WithSampleCount(1),
			model.NewSensorSample(1741113001.15, 20, nil).WithSampleCount(2),
		)},
		{"all channels present", testAggregate(
			fullSample(1741113001.1, 1),
			fullSample(1741113001.12, 2),
		)},
		{"mixed", testAggregate(
			model.NewSensorSample(1741113001.1, 50, map[model.Channel]float64{model.ChannelAccelX: 0.01}),
			fullSample(1741113001.12, 7),
			model.NewSensorSample(1741113001.14, 20, map[model.Channel]float64{model.ChannelMagneticZ: -41.5}),
		)},
		{"zero times", model.SensorAggregate{SetID: "s", Samples: []model.SensorSample{fullSample(1, 1)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.agg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.agg, decoded, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	agg := testAggregate(
		fullSample(1741113001.1, 1),
		model.NewSensorSample(1741113001.12, 50, map[model.Channel]float64{
			model.ChannelGravityZ:  -1,
			model.ChannelAccelX:    0.2,
			model.ChannelRotationY: 3.5,
		}),
	)

	first, err := Encode(agg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Encode(agg)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// A structurally equal copy built independently encodes identically
	clone := agg
	clone.Samples = append([]model.SensorSample(nil), agg.Samples...)
	cloneBytes, err := Encode(clone)
	require.NoError(t, err)
	assert.Equal(t, first, cloneBytes)
}

func TestEncode_NormalizesTimes(t *testing.T) {
	rome := time.FixedZone("CET", 3600)
	a := testAggregate()
	a.StartedAt = time.Date(2026, 3, 4, 19, 30, 1, 123_456_789, rome)
	b := testAggregate()
	b.StartedAt = time.Date(2026, 3, 4, 18, 30, 1, 123_000_000, time.UTC)

	encA, err := Encode(a)
	require.NoError(t, err)
	encB, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, encA, encB)

	assert.Equal(t, "2026-03-04T18:30:01.123Z", FormatTime(a.StartedAt))
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(testAggregate(fullSample(1, 1)))
	require.NoError(t, err)

	chunkBytes, err := EncodeChunk(model.SensorChunk{Phase: model.PhaseRest})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"truncated", valid[:len(valid)/2]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x01)},
		{"not a map", []byte{0x01}},
		{"chunk is not an aggregate", chunkBytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidData))
			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr))
			assert.Empty(t, cmp.Diff(model.SensorAggregate{}, agg))
		})
	}
}

func TestDecode_RejectsUnknownVersionAndChannel(t *testing.T) {
	data, err := encMode.Marshal(wireAggregate{Version: 99})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrInvalidData)

	data, err = encMode.Marshal(wireAggregate{
		Version: FormatVersion,
		Samples: []wireSample{{Channels: map[string]float64{"temperature": 21}}},
	})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.Contains(t, err.Error(), "temperature")
}

func TestChunk_RoundTrip(t *testing.T) {
	chunk := model.SensorChunk{
		Sequence: 42,
		Phase:    model.PhaseExecution,
		Final:    true,
		Context: &model.SessionContext{
			SessionID:     "s",
			PlanID:        "p",
			PlanTitle:     "Push day",
			ExerciseID:    "e",
			ExerciseName:  "Bench press",
			SetID:         "set",
			SetOrder:      3,
			ExerciseIndex: 1,
			IsActive:      true,
		},
		Samples: []model.SensorSample{fullSample(10, 1), model.NewSensorSample(10.02, 50, nil)},
	}

	data, err := EncodeChunk(chunk)
	require.NoError(t, err)
	back, err := DecodeChunk(data)
	require.NoError(t, err)
	if diff := cmp.Diff(chunk, back); diff != "" {
		t.Errorf("chunk mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeChunk_RejectsOversize(t *testing.T) {
	samples := make([]model.SensorSample, model.MaxChunkSize+1)
	_, err := EncodeChunk(model.SensorChunk{Samples: samples})
	assert.ErrorIs(t, err, ErrInvalidData)
}
