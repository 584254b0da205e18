package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func magSample(ts time.Time, mag float64) model.SensorSample {
	return model.NewSensorSample(float64(ts.UnixMilli())/1000, 50, map[model.Channel]float64{
		model.ChannelAccelX: mag,
	})
}

// feed evaluates one single-sample window per step so the magnitude series is applied unsmoothed
func feed(d *PhaseDetector, start time.Time, step time.Duration, mags []float64) []Transition {
	var out []Transition
	for i, m := range mags {
		now := start.Add(time.Duration(i) * step)
		if tr, ok := d.Evaluate([]model.SensorSample{magSample(now, m)}, now); ok {
			out = append(out, tr)
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestClassify(t *testing.T) {
	assert.Zero(t, Classify(nil))
	window := []model.SensorSample{magSample(t0, 0.1), magSample(t0, 0.3)}
	assert.InDelta(t, 0.2, Classify(window), 1e-9)
}

func TestPhaseDetector_ShortDipsNeverTriggerRest(t *testing.T) {
	d := NewPhaseDetector(DefaultDetectorConfig())
	step := 20 * time.Millisecond

	// Dips of 0.9 s under the rest threshold separated by one loud sample, repeated for 20 s
	var mags []float64
	for len(mags) < 1000 {
		mags = append(mags, repeat(0.02, 45)...)
		mags = append(mags, 0.5)
	}

	transitions := feed(d, t0, step, mags)
	assert.Empty(t, transitions)
	assert.Equal(t, model.PhaseExecution, d.Phase())
}

func TestPhaseDetector_SustainedRestTriggersExactlyOnce(t *testing.T) {
	d := NewPhaseDetector(DefaultDetectorConfig())
	step := 20 * time.Millisecond

	mags := append(repeat(0.4, 50), repeat(0.02, 200)...)
	transitions := feed(d, t0, step, mags)

	require.Len(t, transitions, 1)
	tr := transitions[0]
	assert.Equal(t, model.PhaseExecution, tr.From)
	assert.Equal(t, model.PhaseRest, tr.To)
	assert.Equal(t, 0.08, tr.Threshold)
	assert.Equal(t, time.Second, tr.Sustain)
	// First quiet sample at index 50; the sustain completes 1 s (50 samples) later
	assert.Equal(t, t0.Add(100*step), tr.At)
	assert.Equal(t, model.PhaseRest, d.Phase())
}

func TestPhaseDetector_BetweenThresholdsHolds(t *testing.T) {
	d := NewPhaseDetector(DefaultDetectorConfig())
	step := 20 * time.Millisecond

	// 0.1 g is above rest and below exec: neither transition may fire
	assert.Empty(t, feed(d, t0, step, repeat(0.1, 300)))

	d.Reset(model.PhaseRest)
	assert.Empty(t, feed(d, t0, step, repeat(0.1, 300)))
}

func TestPhaseDetector_RestToExecution(t *testing.T) {
	d := NewPhaseDetector(DefaultDetectorConfig())
	d.Reset(model.PhaseRest)
	step := 20 * time.Millisecond

	// 0.4 s loud burst is too short, then a sustained one
	mags := append(repeat(0.3, 20), repeat(0.02, 10)...)
	mags = append(mags, repeat(0.3, 40)...)
	transitions := feed(d, t0, step, mags)

	require.Len(t, transitions, 1)
	assert.Equal(t, model.PhaseRest, transitions[0].From)
	assert.Equal(t, model.PhaseExecution, transitions[0].To)
	assert.Equal(t, t0.Add(55*step), transitions[0].At)
}

func TestDetectorConfig_Validate(t *testing.T) {
	cfg := DefaultDetectorConfig()
	assert.NoError(t, cfg.Validate())

	cfg.RestThreshold = cfg.ExecThreshold
	assert.Error(t, cfg.Validate())

	assert.Panics(t, func() { NewPhaseDetector(cfg) })
}

func TestSuppressReason(t *testing.T) {
	toRest := Transition{From: model.PhaseExecution, To: model.PhaseRest}
	toExec := Transition{From: model.PhaseRest, To: model.PhaseExecution}
	active := &model.SessionContext{SetID: "set", SetOrder: 1, IsActive: true}

	assert.Empty(t, SuppressReason(toRest, active))
	assert.NotEmpty(t, SuppressReason(toExec, active))
	assert.NotEmpty(t, SuppressReason(toRest, nil))
	assert.NotEmpty(t, SuppressReason(toRest, &model.SessionContext{SetID: "set", SetOrder: 1}))
}
