package wearable

import (
	"sync"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// RepCounter turns execution chunks into a running repetition count for the active set
type RepCounter interface {
	// Observe returns the count after chunk and whether it changed
	Observe(chunk model.SensorChunk) (int, bool)
	Reset()
}

// PeakCounter counts acceleration peaks: a rep is a rise above High after the magnitude
// fell below Low.
type PeakCounter struct {
	High, Low float64

	mu    sync.Mutex
	armed bool
	reps  int
}

func NewPeakCounter() *PeakCounter {
	return &PeakCounter{High: 0.35, Low: 0.12, armed: true}
}

func (p *PeakCounter) Observe(chunk model.SensorChunk) (int, bool) {
	if chunk.Phase != model.PhaseExecution || !chunk.Context.HasActiveSet() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.reps
	for _, s := range chunk.Samples {
		m := s.AccelerationMagnitude()
		switch {
		case p.armed && m >= p.High:
			p.reps++
			p.armed = false
		case !p.armed && m <= p.Low:
			p.armed = true
		}
	}
	return p.reps, p.reps != before
}

func (p *PeakCounter) Reset() {
	p.mu.Lock()
	p.reps = 0
	p.armed = true
	p.mu.Unlock()
}
