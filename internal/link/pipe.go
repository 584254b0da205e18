package link

import (
	"context"
	"sync"
)

// Pipe is an in-memory pair of links, used by tests and the loopback mode. Frames are
// delivered asynchronously and in order; a frame still in flight when reachability drops is lost.
type Pipe struct {
	mu        sync.Mutex
	reachable bool
	writeErr  error
	a, b      *PipeEnd
}

// PipeEnd is one side of a Pipe
type PipeEnd struct {
	pipe *Pipe
	peer *PipeEnd
	name string

	mu             sync.Mutex
	open           bool
	closed         bool
	onFrame        FrameHandler
	onReachability ReachabilityHandler

	// inbound queue drained by the delivery goroutine
	queueMu sync.Mutex
	queue   [][]byte
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPipe returns two connected ends. The pipe starts reachable.
func NewPipe() (*Pipe, *PipeEnd, *PipeEnd) {
	p := &Pipe{reachable: true}
	p.a = newPipeEnd(p, "a")
	p.b = newPipeEnd(p, "b")
	p.a.peer = p.b
	p.b.peer = p.a
	return p, p.a, p.b
}

func newPipeEnd(p *Pipe, name string) *PipeEnd {
	return &PipeEnd{
		pipe: p,
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// SetReachable changes reachability for both ends and notifies their handlers
func (p *Pipe) SetReachable(reachable bool) {
	p.mu.Lock()
	if p.reachable == reachable {
		p.mu.Unlock()
		return
	}
	p.reachable = reachable
	p.mu.Unlock()

	if !reachable {
		p.a.dropQueued()
		p.b.dropQueued()
	}
	p.a.notifyReachability(reachable)
	p.b.notifyReachability(reachable)
}

// SetWriteError makes every Write fail with err until cleared with nil
func (p *Pipe) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *Pipe) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable, p.writeErr
}

func (e *PipeEnd) SetHandlers(onFrame FrameHandler, onReachability ReachabilityHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = onFrame
	e.onReachability = onReachability
}

func (e *PipeEnd) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.open {
		e.mu.Unlock()
		return nil
	}
	e.open = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliverLoop()
	}()

	if reachable, _ := e.pipe.state(); reachable {
		e.notifyReachability(true)
	}
	return nil
}

func (e *PipeEnd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	wasOpen := e.open
	e.mu.Unlock()

	close(e.done)
	if wasOpen {
		e.wg.Wait()
	}
	return nil
}

func (e *PipeEnd) Reachable() bool {
	reachable, _ := e.pipe.state()
	return reachable && e.isOpen()
}

func (e *PipeEnd) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.isOpen() {
		return ErrClosed
	}
	reachable, writeErr := e.pipe.state()
	if writeErr != nil {
		return writeErr
	}
	if !reachable {
		return ErrNotReachable
	}
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	e.peer.enqueue(append([]byte(nil), frame...))
	return nil
}

func (e *PipeEnd) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open && !e.closed
}

func (e *PipeEnd) enqueue(frame []byte) {
	e.queueMu.Lock()
	e.queue = append(e.queue, frame)
	e.queueMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *PipeEnd) dropQueued() {
	e.queueMu.Lock()
	e.queue = nil
	e.queueMu.Unlock()
}

func (e *PipeEnd) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}
		for {
			e.queueMu.Lock()
			if len(e.queue) == 0 {
				e.queueMu.Unlock()
				break
			}
			frame := e.queue[0]
			e.queue = e.queue[1:]
			e.queueMu.Unlock()

			if reachable, _ := e.pipe.state(); !reachable {
				continue
			}
			e.mu.Lock()
			handler := e.onFrame
			e.mu.Unlock()
			if handler != nil {
				handler(frame)
			}
		}
	}
}

func (e *PipeEnd) notifyReachability(reachable bool) {
	e.mu.Lock()
	handler := e.onReachability
	active := e.open && !e.closed
	e.mu.Unlock()
	if handler != nil && active {
		handler(reachable)
	}
}

var _ Link = (*PipeEnd)(nil)
