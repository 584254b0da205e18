package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorSample_Channels(t *testing.T) {
	s := NewSensorSample(1.5, 50, map[Channel]float64{
		ChannelAccelX: 0.3,
		ChannelAccelZ: 0.4,
	})
	assert.Equal(t, 2, s.PresentChannels())
	assert.InDelta(t, 0.5, s.AccelerationMagnitude(), 1e-9)

	v, ok := s.Value(ChannelAccelY)
	assert.False(t, ok)
	assert.Zero(t, v)

	// With copies; the original stays untouched
	s2 := s.With(ChannelAccelY, 1)
	_, ok = s.Value(ChannelAccelY)
	assert.False(t, ok)
	v, ok = s2.Value(ChannelAccelY)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestChannelNames(t *testing.T) {
	require.Len(t, AllChannels, 15)
	for _, ch := range AllChannels {
		parsed, ok := ChannelByName(ch.String())
		require.True(t, ok, ch.String())
		assert.Equal(t, ch, parsed)
	}
	_, ok := ChannelByName("temperature")
	assert.False(t, ok)
}

func TestPhaseText(t *testing.T) {
	for _, p := range []Phase{PhaseExecution, PhaseRest} {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var back Phase
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}
	_, err := ParsePhase("warmup")
	assert.Error(t, err)
}

func TestSessionStatus_HasContext(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionIdle, false},
		{SessionStarting, false},
		{SessionActive, true},
		{SessionPaused, true},
		{SessionEnding, true},
		{SessionCompleted, false},
		{SessionError, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.HasContext())
		})
	}
}

func TestSensorAggregate_AppendChunk(t *testing.T) {
	var agg SensorAggregate
	chunk := SensorChunk{Samples: []SensorSample{
		NewSensorSample(100.0, 50, nil),
		NewSensorSample(100.02, 50, nil),
	}}
	agg = agg.AppendChunk(chunk)
	agg = agg.AppendChunk(SensorChunk{Samples: []SensorSample{NewSensorSample(100.04, 50, nil)}})

	assert.Len(t, agg.Samples, 3)
	assert.Equal(t, time.UnixMilli(100000).UTC(), agg.StartedAt)
	assert.Equal(t, time.UnixMilli(100040).UTC(), agg.EndedAt)
}

func TestSensorAggregate_AppendInPlace(t *testing.T) {
	agg := &SensorAggregate{SetID: "set-1"}
	for i := 0; i < 3; i++ {
		agg.Append(SensorChunk{Samples: []SensorSample{NewSensorSample(200+float64(i), 50, nil)}})
	}
	assert.Len(t, agg.Samples, 3)
	assert.Equal(t, time.UnixMilli(200000).UTC(), agg.StartedAt)
	assert.Equal(t, time.UnixMilli(202000).UTC(), agg.EndedAt)

	// the copying variant leaves the receiver untouched
	before := *agg
	grown := agg.AppendChunk(SensorChunk{Samples: []SensorSample{NewSensorSample(203, 50, nil)}})
	assert.Len(t, grown.Samples, 4)
	assert.Equal(t, before, *agg)
}
