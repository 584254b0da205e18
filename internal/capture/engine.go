// Package capture runs the wearable sampling loop: it reads the motion source at a
// phase-dependent rate, keeps a rolling window for phase detection and batches samples
// into chunks for the bridge.
package capture

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

// Config controls sampling and buffering
type Config struct {
	ExecutionHz float64       // sampling rate while lifting
	RestHz      float64       // sampling rate while resting
	ChunkSize   int           // transmit buffer flush size, at most model.MaxChunkSize
	Window      time.Duration // rolling window fed to the detector
	Detector    DetectorConfig
}

// DefaultConfig returns 50/20 Hz sampling, 100-sample chunks and a one second window
func DefaultConfig() Config {
	return Config{
		ExecutionHz: 50,
		RestHz:      20,
		ChunkSize:   model.MaxChunkSize,
		Window:      time.Second,
		Detector:    DefaultDetectorConfig(),
	}
}

// Validate checks the sampling parameters
func (c Config) Validate() error {
	if c.ExecutionHz <= 0 || c.RestHz <= 0 {
		return fmt.Errorf("sampling rates must be positive (execution=%v rest=%v)", c.ExecutionHz, c.RestHz)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > model.MaxChunkSize {
		return fmt.Errorf("chunk size %d out of range 1..%d", c.ChunkSize, model.MaxChunkSize)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return c.Detector.Validate()
}

// Interval returns the sampling period for a phase
func (c Config) Interval(p model.Phase) time.Duration {
	hz := c.ExecutionHz
	if p == model.PhaseRest {
		hz = c.RestHz
	}
	return time.Duration(float64(time.Second) / hz)
}

// Sinks receive the engine output. They are called on the capture goroutine and must not block.
type Sinks struct {
	OnChunk     func(model.SensorChunk)
	OnDetection func(model.PhaseChangeDetection)
	OnPhase     func(model.Phase)
}

// Stats are counters exposed for status displays
type Stats struct {
	Samples    uint64
	Chunks     uint64
	Detections uint64
	Suppressed uint64
	ReadErrors uint64
}

type engineCommandKind int

const (
	cmdSetContext engineCommandKind = iota
	cmdSetPhase
)

type engineCommand struct {
	kind    engineCommandKind
	context *model.SessionContext
	phase   model.Phase
}

// Engine is the capture loop. All buffers are owned by the loop goroutine; other goroutines
// talk to it through commands.
type Engine struct {
	cfg      Config
	source   MotionSource
	sinks    Sinks
	clock    timeutil.Clock
	logger   *log.Logger
	detector *PhaseDetector

	mu       sync.Mutex
	running  bool
	stopping bool
	cmdChan  chan engineCommand
	stopChan chan struct{}
	loopDone chan struct{} // closed when the current loop goroutine has exited
	wg       sync.WaitGroup

	currentPhase atomic.Int32
	stats        struct {
		samples, chunks, detections, suppressed, readErrors atomic.Uint64
	}

	// Owned by the capture goroutine
	phase       model.Phase
	context     *model.SessionContext
	window      []model.SensorSample
	transmit    []model.SensorSample
	sampleCount int64
	sequence    uint64
	ticker      timeutil.Ticker
	lastReadErr error
}

// NewEngine creates a stopped engine
func NewEngine(cfg Config, source MotionSource, sinks Sinks, clock timeutil.Clock, logger *log.Logger) *Engine {
	if source == nil {
		panic("CaptureEngine: source cannot be nil")
	}
	if clock == nil {
		panic("CaptureEngine: clock cannot be nil")
	}
	if logger == nil {
		panic("CaptureEngine: logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		panic("CaptureEngine: " + err.Error())
	}
	e := &Engine{
		cfg:      cfg,
		source:   source,
		sinks:    sinks,
		clock:    clock,
		logger:   logger,
		detector: NewPhaseDetector(cfg.Detector),
		phase:    model.PhaseExecution,
	}
	e.currentPhase.Store(int32(model.PhaseExecution))
	return e
}

// Start begins sampling. Without motion hardware it logs and leaves the engine stopped;
// capture is optional and the session works without it.
func (e *Engine) Start() {
	if !e.source.Available() {
		e.logger.Printf("CaptureEngine: motion source unavailable, capture disabled")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.logger.Printf("CaptureEngine: already running")
		return
	}
	e.running = true
	e.cmdChan = make(chan engineCommand, 16)
	e.stopChan = make(chan struct{})
	e.loopDone = make(chan struct{})
	e.ticker = e.clock.NewTicker(e.cfg.Interval(e.phase))

	e.logger.Printf("CaptureEngine: started in %v phase at %v", e.phase, e.cfg.Interval(e.phase))

	e.wg.Add(1)
	cmdChan, stopChan, loopDone := e.cmdChan, e.stopChan, e.loopDone
	go_func_utils.SafeGo(e.logger, "capture loop", func() {
		defer e.wg.Done()
		defer close(loopDone)
		e.runCaptureLoop(cmdChan, stopChan)
	})
}

// Stop halts sampling and flushes whatever is buffered as one final chunk, even when empty.
// It returns after the final chunk has been handed to the sink.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.stopping = false
	e.mu.Unlock()
	e.logger.Printf("CaptureEngine: stopped")
}

// IsRunning reports whether the loop is sampling
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetContext tags subsequent chunks with ctx. nil clears the context.
func (e *Engine) SetContext(ctx *model.SessionContext) {
	e.send(engineCommand{kind: cmdSetContext, context: ctx.Clone()})
}

// SetPhase forces the phase, e.g. when the host starts or ends a set
func (e *Engine) SetPhase(p model.Phase) {
	e.send(engineCommand{kind: cmdSetPhase, phase: p})
}

// Phase returns the current sampling phase
func (e *Engine) Phase() model.Phase {
	return model.Phase(e.currentPhase.Load())
}

// Stats returns a snapshot of the counters
func (e *Engine) Stats() Stats {
	return Stats{
		Samples:    e.stats.samples.Load(),
		Chunks:     e.stats.chunks.Load(),
		Detections: e.stats.detections.Load(),
		Suppressed: e.stats.suppressed.Load(),
		ReadErrors: e.stats.readErrors.Load(),
	}
}

func (e *Engine) send(cmd engineCommand) {
	e.mu.Lock()
	if !e.running {
		// Nothing is reading commands; apply directly so the next Start picks it up
		e.applyCommand(cmd)
		e.mu.Unlock()
		return
	}
	cmdChan, stopChan, loopDone := e.cmdChan, e.stopChan, e.loopDone
	e.mu.Unlock()

	select {
	case cmdChan <- cmd:
	case <-stopChan:
		// The loop is exiting; wait for it and keep the command for the next run
		<-loopDone
		e.mu.Lock()
		if e.running && e.stopChan != stopChan {
			// a new loop started meanwhile and owns the state
			e.mu.Unlock()
			e.send(cmd)
			return
		}
		e.applyCommand(cmd)
		e.mu.Unlock()
	}
}

func (e *Engine) runCaptureLoop(cmdChan <-chan engineCommand, stopChan <-chan struct{}) {
	defer func() {
		e.ticker.Stop()
		e.ticker = nil
	}()

	for {
		select {
		case <-stopChan:
			// Apply commands queued before Stop so the final chunk carries the latest context
		drain:
			for {
				select {
				case cmd := <-cmdChan:
					e.applyCommand(cmd)
				default:
					break drain
				}
			}
			e.flush(true)
			return
		case cmd := <-cmdChan:
			e.applyCommand(cmd)
		case now := <-e.ticker.C():
			e.captureOnce(now)
		}
	}
}

func (e *Engine) applyCommand(cmd engineCommand) {
	switch cmd.kind {
	case cmdSetContext:
		// buffered samples belong to the set they were captured in
		if !sameSet(e.context, cmd.context) {
			e.flush(false)
		}
		e.context = cmd.context
	case cmdSetPhase:
		e.detector.Reset(cmd.phase)
		e.switchPhase(cmd.phase)
	}
}

func sameSet(a, b *model.SessionContext) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SessionID == b.SessionID && a.SetID == b.SetID
}

func (e *Engine) captureOnce(now time.Time) {
	hz := e.cfg.ExecutionHz
	if e.phase == model.PhaseRest {
		hz = e.cfg.RestHz
	}
	sample, err := e.source.Read(now, hz)
	if err != nil {
		e.stats.readErrors.Add(1)
		if err != e.lastReadErr {
			e.logger.Printf("CaptureEngine: read failed: %v", err)
			e.lastReadErr = err
		}
		return
	}
	e.lastReadErr = nil
	e.processSample(sample)
}

// processSample runs the per-sample pipeline: index, window, detector, transmit buffer
func (e *Engine) processSample(sample model.SensorSample) {
	e.sampleCount++
	sample = sample.WithSampleCount(e.sampleCount)

	now := model.SampleTime(sample.Timestamp)
	e.window = append(e.window, sample)
	drop := 0
	for drop < len(e.window) && now.Sub(model.SampleTime(e.window[drop].Timestamp)) >= e.cfg.Window {
		drop++
	}
	if drop > 0 {
		e.window = append(e.window[:0], e.window[drop:]...)
	}

	if t, ok := e.detector.Evaluate(e.window, now); ok {
		e.handleTransition(t)
	}

	e.transmit = append(e.transmit, sample)
	if len(e.transmit) >= e.cfg.ChunkSize {
		e.flush(false)
	}
	e.stats.samples.Add(1)
}

func (e *Engine) handleTransition(t Transition) {
	e.logger.Printf("CaptureEngine: %v -> %v (magnitude %.3f, threshold %.3f)", t.From, t.To, t.Magnitude, t.Threshold)
	e.switchPhase(t.To)

	if reason := SuppressReason(t, e.context); reason != "" {
		if t.To == model.PhaseRest {
			e.stats.suppressed.Add(1)
			e.logger.Printf("CaptureEngine: detection suppressed: %s", reason)
		}
		return
	}
	e.stats.detections.Add(1)
	if e.sinks.OnDetection != nil {
		e.sinks.OnDetection(model.PhaseChangeDetection{
			From:          t.From,
			To:            t.To,
			DetectedAt:    t.At,
			ThresholdUsed: t.Threshold,
			DurationUsed:  t.Sustain,
			SetOrder:      e.context.SetOrder,
			Context:       e.context.Clone(),
		})
	}
}

// switchPhase changes the sampling interval in place; the ticker keeps running so no tick is lost
func (e *Engine) switchPhase(p model.Phase) {
	if p == e.phase {
		return
	}
	e.phase = p
	e.currentPhase.Store(int32(p))
	if e.ticker != nil {
		e.ticker.Reset(e.cfg.Interval(p))
	}
	if e.sinks.OnPhase != nil {
		e.sinks.OnPhase(p)
	}
}

// flush hands the transmit buffer to the sink. The slice is handed off by reference and
// a fresh buffer is started.
func (e *Engine) flush(final bool) {
	if len(e.transmit) == 0 && !final {
		return
	}
	chunk := model.SensorChunk{
		Sequence: e.sequence,
		Samples:  e.transmit,
		Phase:    e.phase,
		Context:  e.context.Clone(),
		Final:    final,
	}
	e.sequence++
	e.transmit = make([]model.SensorSample, 0, e.cfg.ChunkSize)
	e.stats.chunks.Add(1)
	if e.sinks.OnChunk != nil {
		e.sinks.OnChunk(chunk)
	}
}
