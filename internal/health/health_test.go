package health

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

var t0 = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func TestParseMeasurement(t *testing.T) {
	t.Run("uint8", func(t *testing.T) {
		m, err := ParseMeasurement([]byte{0x00, 72})
		require.NoError(t, err)
		assert.Equal(t, 72, m.BPM)
		assert.Nil(t, m.Contact)
		assert.Nil(t, m.EnergyKJ)
	})
	t.Run("uint16 with contact", func(t *testing.T) {
		m, err := ParseMeasurement([]byte{hrFlagUint16 | hrFlagContactSupport | hrFlagContact, 0x2C, 0x01})
		require.NoError(t, err)
		assert.Equal(t, 300, m.BPM)
		require.NotNil(t, m.Contact)
		assert.True(t, *m.Contact)
	})
	t.Run("energy and rr", func(t *testing.T) {
		m, err := ParseMeasurement([]byte{hrFlagEnergyPresent | hrFlagRRPresent, 120, 0x10, 0x00, 0x00, 0x04, 0x00, 0x02})
		require.NoError(t, err)
		assert.Equal(t, 120, m.BPM)
		require.NotNil(t, m.EnergyKJ)
		assert.Equal(t, 16, *m.EnergyKJ)
		assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond}, m.RRIntervals)
	})
	t.Run("too short", func(t *testing.T) {
		_, err := ParseMeasurement([]byte{0x00})
		assert.Error(t, err)
		_, err = ParseMeasurement([]byte{hrFlagUint16, 0x01})
		assert.Error(t, err)
		_, err = ParseMeasurement([]byte{hrFlagEnergyPresent, 90, 0x01})
		assert.Error(t, err)
	})
}

func TestEnergyTracker(t *testing.T) {
	var tr energyTracker
	kj := func(v int) Measurement { return Measurement{BPM: 100, EnergyKJ: &v} }

	r := tr.reading(kj(500), t0)
	require.NotNil(t, r.Calories)
	assert.Equal(t, 0.0, *r.Calories)

	r = tr.reading(kj(542), t0)
	assert.InDelta(t, 42*kcalPerKJ, *r.Calories, 1e-9)

	// strap reset its counter
	r = tr.reading(kj(8), t0)
	assert.InDelta(t, 50*kcalPerKJ, *r.Calories, 1e-9)

	r = tr.reading(Measurement{BPM: 101}, t0)
	assert.Nil(t, r.Calories)
	require.NotNil(t, r.HeartRate)
	assert.Equal(t, 101, *r.HeartRate)
}

func TestEnergyTrackerDropsHeartRateWithoutContact(t *testing.T) {
	var tr energyTracker
	off := false
	r := tr.reading(Measurement{BPM: 0, Contact: &off}, t0)
	assert.Nil(t, r.HeartRate)
}

func TestSimulatedSourceFollowsPhase(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewSimulatedSource(clock, time.Second, log.New(io.Discard, "", 0))

	rest := s.Next(t0)
	require.NotNil(t, rest.HeartRate)
	assert.Equal(t, int(restingBPM), *rest.HeartRate)
	assert.Equal(t, 0.0, *rest.Calories)

	s.SetPhase(model.PhaseExecution)
	var last Reading
	for i := 1; i <= 30; i++ {
		last = s.Next(t0.Add(time.Duration(i) * time.Second))
	}
	assert.Greater(t, *last.HeartRate, 130)
	assert.LessOrEqual(t, *last.HeartRate, int(liftingBPM))
	assert.Greater(t, *last.Calories, 0.0)

	s.SetPhase(model.PhaseRest)
	recovered := s.Next(t0.Add(60 * time.Second))
	assert.Less(t, *recovered.HeartRate, *last.HeartRate)
	assert.Greater(t, *recovered.Calories, *last.Calories)
}

func TestSimulatedSourceStreams(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewSimulatedSource(clock, time.Second, log.New(io.Discard, "", 0))

	readings := make(chan Reading, 10)
	require.NoError(t, s.Start(context.Background(), func(r Reading) { readings <- r }))
	assert.ErrorIs(t, s.Start(context.Background(), func(Reading) {}), ErrAlreadyStarted)

	clock.Advance(time.Second)
	select {
	case r := <-readings:
		assert.Equal(t, t0.Add(time.Second), r.At)
	case <-time.After(2 * time.Second):
		t.Fatal("no reading")
	}

	s.Stop()
	s.Stop()
}
