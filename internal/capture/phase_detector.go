package capture

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// DetectorConfig holds the hysteresis thresholds. RestThreshold must stay below ExecThreshold.
type DetectorConfig struct {
	RestThreshold float64       // mean magnitude (g) under which the user is considered resting
	ExecThreshold float64       // mean magnitude (g) over which the user is considered lifting
	RestSustain   time.Duration // how long the magnitude must stay under RestThreshold
	ExecSustain   time.Duration // how long the magnitude must stay over ExecThreshold
}

// DefaultDetectorConfig returns the thresholds used on the wearable
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		RestThreshold: 0.08,
		ExecThreshold: 0.15,
		RestSustain:   1000 * time.Millisecond,
		ExecSustain:   500 * time.Millisecond,
	}
}

// Validate rejects configs that would oscillate
func (c DetectorConfig) Validate() error {
	if c.RestThreshold <= 0 || c.ExecThreshold <= 0 {
		return fmt.Errorf("thresholds must be positive (rest=%v exec=%v)", c.RestThreshold, c.ExecThreshold)
	}
	if c.RestThreshold >= c.ExecThreshold {
		return fmt.Errorf("rest threshold %v must be below exec threshold %v", c.RestThreshold, c.ExecThreshold)
	}
	if c.RestSustain <= 0 || c.ExecSustain <= 0 {
		return fmt.Errorf("sustain durations must be positive")
	}
	return nil
}

// Classify returns the mean acceleration magnitude of the window. An empty window yields 0.
func Classify(window []model.SensorSample) float64 {
	if len(window) == 0 {
		return 0
	}
	mags := make([]float64, len(window))
	for i, s := range window {
		mags[i] = s.AccelerationMagnitude()
	}
	return stat.Mean(mags, nil)
}

// Transition is a phase change decided by the detector
type Transition struct {
	From      model.Phase
	To        model.Phase
	At        time.Time
	Magnitude float64
	Threshold float64
	Sustain   time.Duration
}

// PhaseDetector applies hysteresis to the window magnitude. It is not safe for concurrent use;
// the capture loop owns it.
type PhaseDetector struct {
	cfg        DetectorConfig
	phase      model.Phase
	belowSince time.Time // zero when not under the rest threshold
	aboveSince time.Time // zero when not over the exec threshold
}

// NewPhaseDetector creates a detector starting in the execution phase
func NewPhaseDetector(cfg DetectorConfig) *PhaseDetector {
	if err := cfg.Validate(); err != nil {
		panic("PhaseDetector: " + err.Error())
	}
	return &PhaseDetector{cfg: cfg, phase: model.PhaseExecution}
}

// Phase returns the phase the detector currently believes in
func (d *PhaseDetector) Phase() model.Phase {
	return d.phase
}

// Reset forces the phase, e.g. when the host announces a set start, and clears the sustain timers
func (d *PhaseDetector) Reset(phase model.Phase) {
	d.phase = phase
	d.belowSince = time.Time{}
	d.aboveSince = time.Time{}
}

// Evaluate feeds the current window. It reports a transition at most once per sustained crossing.
func (d *PhaseDetector) Evaluate(window []model.SensorSample, now time.Time) (Transition, bool) {
	if len(window) == 0 {
		return Transition{}, false
	}
	mag := Classify(window)

	switch d.phase {
	case model.PhaseExecution:
		if mag >= d.cfg.RestThreshold {
			d.belowSince = time.Time{}
			return Transition{}, false
		}
		if d.belowSince.IsZero() {
			d.belowSince = now
		}
		if now.Sub(d.belowSince) < d.cfg.RestSustain {
			return Transition{}, false
		}
		d.Reset(model.PhaseRest)
		return Transition{
			From:      model.PhaseExecution,
			To:        model.PhaseRest,
			At:        now,
			Magnitude: mag,
			Threshold: d.cfg.RestThreshold,
			Sustain:   d.cfg.RestSustain,
		}, true

	case model.PhaseRest:
		if mag <= d.cfg.ExecThreshold {
			d.aboveSince = time.Time{}
			return Transition{}, false
		}
		if d.aboveSince.IsZero() {
			d.aboveSince = now
		}
		if now.Sub(d.aboveSince) < d.cfg.ExecSustain {
			return Transition{}, false
		}
		d.Reset(model.PhaseExecution)
		return Transition{
			From:      model.PhaseRest,
			To:        model.PhaseExecution,
			At:        now,
			Magnitude: mag,
			Threshold: d.cfg.ExecThreshold,
			Sustain:   d.cfg.ExecSustain,
		}, true
	}
	return Transition{}, false
}

// SuppressReason explains why a transition is not forwarded as a detection; empty means forward it.
// Only execution->rest is ever forwarded, and only while the context points at a running set.
// The host repeats the set order check against its own active set on arrival.
func SuppressReason(t Transition, ctx *model.SessionContext) string {
	if t.From != model.PhaseExecution || t.To != model.PhaseRest {
		return "rest to execution is local only"
	}
	if !ctx.HasActiveSet() {
		return "no active set"
	}
	if ctx.SetOrder <= 0 {
		return fmt.Sprintf("invalid set order %d", ctx.SetOrder)
	}
	return ""
}
