package capture

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// ErrSourceExhausted is returned by a replay source that has no samples left
var ErrSourceExhausted = errors.New("motion source exhausted")

// MotionSource produces motion readings on demand. Read is only called from the capture loop.
type MotionSource interface {
	Available() bool
	Read(at time.Time, frequency float64) (model.SensorSample, error)
}

// MagnitudeProfile gives the acceleration magnitude (g) at an offset from the first reading
type MagnitudeProfile func(elapsed time.Duration) float64

// LiftingProfile alternates execution and rest windows. Execution oscillates around 0.4 g
// at one rep every two seconds; rest stays at 0.02 g.
func LiftingProfile(execution, rest time.Duration) MagnitudeProfile {
	period := execution + rest
	return func(elapsed time.Duration) float64 {
		if period <= 0 {
			return 0
		}
		pos := elapsed % period
		if pos >= execution {
			return 0.02
		}
		return 0.4 + 0.2*math.Sin(2*math.Pi*pos.Seconds()/2)
	}
}

// SimulatedSource synthesizes readings from a magnitude profile. It reports every channel.
type SimulatedSource struct {
	profile   MagnitudeProfile
	available bool

	mu    sync.Mutex
	start time.Time
}

// NewSimulatedSource creates an available simulated source
func NewSimulatedSource(profile MagnitudeProfile) *SimulatedSource {
	if profile == nil {
		panic("SimulatedSource: profile cannot be nil")
	}
	return &SimulatedSource{profile: profile, available: true}
}

// NewUnavailableSource returns a source that reports no motion hardware
func NewUnavailableSource() *SimulatedSource {
	return &SimulatedSource{profile: func(time.Duration) float64 { return 0 }}
}

func (s *SimulatedSource) Available() bool {
	return s.available
}

func (s *SimulatedSource) Read(at time.Time, frequency float64) (model.SensorSample, error) {
	s.mu.Lock()
	if s.start.IsZero() {
		s.start = at
	}
	elapsed := at.Sub(s.start)
	s.mu.Unlock()

	mag := s.profile(elapsed)
	phase := elapsed.Seconds()
	// Split the magnitude over x/y so the vector norm is exact
	values := map[model.Channel]float64{
		model.ChannelAccelX:        mag * 0.6,
		model.ChannelAccelY:        mag * 0.8,
		model.ChannelAccelZ:        0,
		model.ChannelRotationX:     0.1 * math.Sin(phase),
		model.ChannelRotationY:     0.1 * math.Cos(phase),
		model.ChannelRotationZ:     0,
		model.ChannelGravityX:      0,
		model.ChannelGravityY:      0,
		model.ChannelGravityZ:      -1,
		model.ChannelAttitudeRoll:  0.05 * math.Sin(phase),
		model.ChannelAttitudePitch: 0.05 * math.Cos(phase),
		model.ChannelAttitudeYaw:   0,
		model.ChannelMagneticX:     22.5,
		model.ChannelMagneticY:     -4.1,
		model.ChannelMagneticZ:     -41.0,
	}
	return model.NewSensorSample(float64(at.UnixMilli())/1000, frequency, values), nil
}

// ReplaySource plays back the samples of a stored aggregate, restamped at read time.
// Useful to reproduce a recorded session against the detector.
type ReplaySource struct {
	samples []model.SensorSample
	loop    bool

	mu   sync.Mutex
	next int
}

// NewReplaySource creates a replay source. With loop set it restarts after the last sample.
func NewReplaySource(agg model.SensorAggregate, loop bool) *ReplaySource {
	return &ReplaySource{samples: agg.Samples, loop: loop}
}

func (r *ReplaySource) Available() bool {
	return len(r.samples) > 0
}

func (r *ReplaySource) Read(at time.Time, frequency float64) (model.SensorSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.samples) {
		if !r.loop || len(r.samples) == 0 {
			return model.SensorSample{}, ErrSourceExhausted
		}
		r.next = 0
	}
	s := r.samples[r.next]
	r.next++
	s.Timestamp = float64(at.UnixMilli()) / 1000
	s.Frequency = frequency
	return s, nil
}
