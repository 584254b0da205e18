package capture

import (
	"bytes"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

type recorder struct {
	mu         sync.Mutex
	chunks     []model.SensorChunk
	detections []model.PhaseChangeDetection
	phases     []model.Phase
}

func (r *recorder) sinks() Sinks {
	return Sinks{
		OnChunk: func(c model.SensorChunk) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunks = append(r.chunks, c)
		},
		OnDetection: func(d model.PhaseChangeDetection) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.detections = append(r.detections, d)
		},
		OnPhase: func(p model.Phase) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, p)
		},
	}
}

func (r *recorder) snapshot() ([]model.SensorChunk, []model.PhaseChangeDetection, []model.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SensorChunk(nil), r.chunks...),
		append([]model.PhaseChangeDetection(nil), r.detections...),
		append([]model.Phase(nil), r.phases...)
}

func newTestEngine(t *testing.T, source MotionSource) (*Engine, *recorder, *timeutil.MockClock, *bytes.Buffer) {
	t.Helper()
	var logBuf bytes.Buffer
	rec := &recorder{}
	clock := timeutil.NewMockClock(t0)
	e := NewEngine(DefaultConfig(), source, rec.sinks(), clock, log.New(&logBuf, "", 0))
	return e, rec, clock, &logBuf
}

// step advances the mock clock by one sampling interval and waits for the sample to be processed
func step(t *testing.T, e *Engine, clock *timeutil.MockClock) {
	t.Helper()
	before := e.Stats().Samples
	clock.Advance(e.cfg.Interval(e.Phase()))
	require.Eventually(t, func() bool { return e.Stats().Samples == before+1 }, time.Second, time.Millisecond)
}

func constant(m float64) MagnitudeProfile {
	return func(time.Duration) float64 { return m }
}

func TestEngine_StartWithoutSensorIsSilent(t *testing.T) {
	e, rec, clock, logBuf := newTestEngine(t, NewUnavailableSource())

	e.Start()
	assert.False(t, e.IsRunning())
	assert.Contains(t, logBuf.String(), "unavailable")

	clock.Advance(time.Second)
	e.Stop()

	chunks, _, _ := rec.snapshot()
	assert.Empty(t, chunks)
	assert.Equal(t, Stats{}, e.Stats())
}

func TestEngine_ChunkBoundAndFinalFlush(t *testing.T) {
	e, rec, clock, _ := newTestEngine(t, NewSimulatedSource(constant(0.4)))
	e.Start()
	require.True(t, e.IsRunning())

	for i := 0; i < 250; i++ {
		step(t, e, clock)
	}
	e.Stop()
	assert.False(t, e.IsRunning())

	chunks, _, _ := rec.snapshot()
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, chunks[0].Len())
	assert.Equal(t, 100, chunks[1].Len())
	assert.Equal(t, 50, chunks[2].Len())

	finals := 0
	var last int64
	for i, c := range chunks {
		assert.LessOrEqual(t, c.Len(), model.MaxChunkSize)
		assert.Equal(t, uint64(i), c.Sequence)
		if c.Final {
			finals++
		}
		for _, s := range c.Samples {
			assert.Equal(t, last+1, s.SampleCount, "samples must stay in capture order")
			last = s.SampleCount
		}
	}
	assert.Equal(t, 1, finals)
	assert.True(t, chunks[2].Final)
}

func TestEngine_StopFlushesEmptyFinalChunk(t *testing.T) {
	e, rec, clock, _ := newTestEngine(t, NewSimulatedSource(constant(0.4)))
	e.Start()
	for i := 0; i < 100; i++ {
		step(t, e, clock)
	}
	e.Stop()
	e.Stop()

	chunks, _, _ := rec.snapshot()
	require.Len(t, chunks, 2)
	assert.False(t, chunks[0].Final)
	assert.True(t, chunks[1].Final)
	assert.Zero(t, chunks[1].Len())
}

func TestEngine_ContextTagsChunks(t *testing.T) {
	e, rec, clock, _ := newTestEngine(t, NewSimulatedSource(constant(0.4)))
	ctx := &model.SessionContext{SessionID: "s1", SetID: "set-1", SetOrder: 1, IsActive: true}
	e.SetContext(ctx)
	e.Start()
	for i := 0; i < 100; i++ {
		step(t, e, clock)
	}
	e.SetContext(nil)
	e.Stop()

	chunks, _, _ := rec.snapshot()
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].Context)
	assert.Equal(t, "s1", chunks[0].Context.SessionID)
	assert.Nil(t, chunks[1].Context)
}

func TestEngine_ContextChangeFlushesPendingSamples(t *testing.T) {
	e, rec, clock, _ := newTestEngine(t, NewSimulatedSource(constant(0.4)))
	e.SetContext(&model.SessionContext{SessionID: "s1", SetID: "set-1", SetOrder: 1, IsActive: true})
	e.Start()
	for i := 0; i < 60; i++ {
		step(t, e, clock)
	}

	e.SetContext(&model.SessionContext{SessionID: "s1", SetID: "set-2", SetOrder: 2, IsActive: true})
	require.Eventually(t, func() bool { return e.Stats().Chunks == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 40; i++ {
		step(t, e, clock)
	}
	e.Stop()

	chunks, _, _ := rec.snapshot()
	require.Len(t, chunks, 2)
	assert.Equal(t, 60, chunks[0].Len())
	assert.Equal(t, "set-1", chunks[0].Context.SetID)
	assert.False(t, chunks[0].Final)
	assert.Equal(t, 40, chunks[1].Len())
	assert.Equal(t, "set-2", chunks[1].Context.SetID)
	assert.True(t, chunks[1].Final)
}

func TestSameSet(t *testing.T) {
	set1 := &model.SessionContext{SessionID: "s1", SetID: "set-1", IsActive: true}
	tests := []struct {
		name string
		a, b *model.SessionContext
		want bool
	}{
		{"both nil", nil, nil, true},
		{"cleared", set1, nil, false},
		{"first set", nil, set1, false},
		{"set ended", set1, &model.SessionContext{SessionID: "s1", SetID: "set-1"}, true},
		{"next set", set1, &model.SessionContext{SessionID: "s1", SetID: "set-2"}, false},
		{"other session", set1, &model.SessionContext{SessionID: "s2", SetID: "set-1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameSet(tt.a, tt.b))
		})
	}
}

func TestEngine_CommandsDuringRestartDoNotDeadlock(t *testing.T) {
	e, _, _, _ := newTestEngine(t, NewSimulatedSource(constant(0.4)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			e.Start()
			wg.Add(2)
			go func() {
				defer wg.Done()
				e.SetContext(&model.SessionContext{SessionID: "s1", SetID: "set-1"})
			}()
			go func() {
				defer wg.Done()
				e.SetPhase(model.PhaseRest)
			}()
			e.Stop()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start/stop cycling with concurrent commands did not finish")
	}
	assert.False(t, e.IsRunning())
}

func TestEngine_PhaseSwitchChangesRateWithoutGap(t *testing.T) {
	e, rec, clock, _ := newTestEngine(t, NewSimulatedSource(constant(0.02)))
	e.SetContext(&model.SessionContext{SessionID: "s1", SetID: "set-2", SetOrder: 2, IsActive: true})
	e.Start()

	// Quiet from the first sample: the rest transition lands on the 51st sample (1 s at 50 Hz)
	for i := 0; i < 51; i++ {
		step(t, e, clock)
	}
	assert.Equal(t, model.PhaseRest, e.Phase())

	for i := 0; i < 10; i++ {
		step(t, e, clock)
	}
	e.Stop()

	chunks, detections, phases := rec.snapshot()
	assert.Equal(t, []model.Phase{model.PhaseRest}, phases)

	require.Len(t, detections, 1)
	assert.Equal(t, model.PhaseExecution, detections[0].From)
	assert.Equal(t, model.PhaseRest, detections[0].To)
	assert.Equal(t, 2, detections[0].SetOrder)
	assert.Equal(t, "set-2", detections[0].Context.SetID)

	require.Len(t, chunks, 1)
	samples := chunks[0].Samples
	require.Len(t, samples, 61)
	assert.Equal(t, 50.0, samples[50].Frequency)
	assert.Equal(t, 20.0, samples[51].Frequency)
	// 20 ms spacing before the switch, 50 ms after, no missing tick in between
	assert.InDelta(t, 0.02, samples[50].Timestamp-samples[49].Timestamp, 1e-6)
	assert.InDelta(t, 0.05, samples[51].Timestamp-samples[50].Timestamp, 1e-6)
	assert.Equal(t, model.PhaseRest, chunks[0].Phase)
}

func TestEngine_DetectionSuppressedWithoutActiveSet(t *testing.T) {
	e, rec, clock, logBuf := newTestEngine(t, NewSimulatedSource(constant(0.02)))
	e.Start()
	for i := 0; i < 60; i++ {
		step(t, e, clock)
	}
	e.Stop()

	_, detections, phases := rec.snapshot()
	assert.Empty(t, detections)
	assert.Equal(t, []model.Phase{model.PhaseRest}, phases)
	assert.Equal(t, uint64(1), e.Stats().Suppressed)
	assert.Contains(t, logBuf.String(), "no active set")
}

func TestEngine_ProcessSampleKeepsRollingWindow(t *testing.T) {
	e, _, _, _ := newTestEngine(t, NewSimulatedSource(constant(0.4)))
	for i := 0; i < 200; i++ {
		e.processSample(magSample(t0.Add(time.Duration(i)*20*time.Millisecond), 0.4))
	}
	// One second at 50 Hz
	assert.Len(t, e.window, 50)
	assert.Len(t, e.transmit, 0)
	assert.Equal(t, int64(200), e.sampleCount)
}

func TestEngine_SetPhaseHint(t *testing.T) {
	e, rec, clock, _ := newTestEngine(t, NewSimulatedSource(constant(0.1)))
	e.Start()
	step(t, e, clock)
	e.SetPhase(model.PhaseRest)
	require.Eventually(t, func() bool { return e.Phase() == model.PhaseRest }, time.Second, time.Millisecond)
	step(t, e, clock)
	e.Stop()

	chunks, detections, _ := rec.snapshot()
	assert.Empty(t, detections)
	require.Len(t, chunks, 1)
	assert.Equal(t, 20.0, chunks[0].Samples[1].Frequency)
}

func TestReplaySource(t *testing.T) {
	agg := model.SensorAggregate{Samples: []model.SensorSample{magSample(t0, 0.1), magSample(t0, 0.2)}}
	src := NewReplaySource(agg, false)
	require.True(t, src.Available())

	s, err := src.Read(t0.Add(time.Second), 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, s.AccelerationMagnitude(), 1e-9)
	assert.Equal(t, 20.0, s.Frequency)
	assert.InDelta(t, float64(t0.Add(time.Second).UnixMilli())/1000, s.Timestamp, 1e-9)

	_, err = src.Read(t0, 20)
	require.NoError(t, err)
	_, err = src.Read(t0, 20)
	assert.ErrorIs(t, err, ErrSourceExhausted)

	looping := NewReplaySource(agg, true)
	for i := 0; i < 5; i++ {
		_, err := looping.Read(t0, 20)
		require.NoError(t, err)
	}
	assert.False(t, NewReplaySource(model.SensorAggregate{}, true).Available())
}
