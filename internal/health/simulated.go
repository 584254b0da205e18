package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

const (
	restingBPM  = 92.0
	liftingBPM  = 138.0
	bpmRiseRate = 0.2  // fraction of the gap to the target closed per second
	kcalPerBeat = 0.06 // rough strength-training expenditure
)

// PhaseAware sources adapt their readings to the lifting phase
type PhaseAware interface {
	SetPhase(p model.Phase)
}

// SimulatedSource produces a plausible heart rate that rises while lifting and recovers at rest
type SimulatedSource struct {
	clock    timeutil.Clock
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	phase   model.Phase
	bpm     float64
	kcal    float64
	last    time.Time
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var (
	_ Source     = (*SimulatedSource)(nil)
	_ PhaseAware = (*SimulatedSource)(nil)
)

func NewSimulatedSource(clock timeutil.Clock, interval time.Duration, logger *log.Logger) *SimulatedSource {
	if clock == nil {
		panic("SimulatedHealth: clock cannot be nil")
	}
	if logger == nil {
		panic("SimulatedHealth: logger cannot be nil")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SimulatedSource{clock: clock, interval: interval, logger: logger, phase: model.PhaseRest, bpm: restingBPM}
}

func (s *SimulatedSource) SetPhase(p model.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *SimulatedSource) Start(ctx context.Context, onReading Handler) error {
	if onReading == nil {
		panic("SimulatedHealth: handler cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.kcal = 0
	s.last = s.clock.Now()
	ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.clock.NewTicker(s.interval)

	s.wg.Add(1)
	go_func_utils.SafeGo(s.logger, "simulated health", func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C():
				onReading(s.Next(now))
			}
		}
	})
	s.logger.Printf("SimulatedHealth: started every %v", s.interval)
	return nil
}

func (s *SimulatedSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// Next advances the simulation to now and returns the reading
func (s *SimulatedSource) Next(now time.Time) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := now.Sub(s.last).Seconds()
	if s.last.IsZero() || dt < 0 {
		dt = 0
	}
	s.last = now

	target := restingBPM
	if s.phase == model.PhaseExecution {
		target = liftingBPM
	}
	step := bpmRiseRate * dt
	if step > 1 {
		step = 1
	}
	s.bpm += (target - s.bpm) * step
	s.kcal += s.bpm / 60 * dt * kcalPerBeat

	bpm := int(s.bpm + 0.5)
	kcal := s.kcal
	return Reading{HeartRate: &bpm, Calories: &kcal, At: now}
}
