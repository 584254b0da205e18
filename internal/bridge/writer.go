package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/idgen"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

// writeJob is one control, command or reply frame waiting for the ordered writer
type writeJob struct {
	frame []byte
	done  chan error // buffered, receives exactly one result
}

// enqueueWrite hands a frame to the writer; the result arrives on the returned channel
func (b *Bridge) enqueueWrite(frame []byte) (<-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkSendableLocked(); err != nil {
		return nil, err
	}
	job := &writeJob{frame: frame, done: make(chan error, 1)}
	b.writes = append(b.writes, job)
	wake(b.writeWake)
	return job.done, nil
}

// failWritesLocked must be called with mu held
func (b *Bridge) failWritesLocked(err error) {
	for _, job := range b.writes {
		job.done <- err
	}
	b.writes = nil
}

func (b *Bridge) runWriter() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.writeWake:
		}
		for {
			b.mu.Lock()
			if len(b.writes) == 0 {
				b.mu.Unlock()
				break
			}
			job := b.writes[0]
			b.writes[0] = nil
			b.writes = b.writes[1:]
			b.mu.Unlock()

			job.done <- b.write(job.frame)
		}
	}
}

func (b *Bridge) sendFrame(ctx context.Context, frame []byte) error {
	done, err := b.enqueueWrite(frame)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand sends cmd and waits for the peer's reply. A negative reply is returned
// together with an error wrapping ErrCommandRejected.
func (b *Bridge) SendCommand(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	body, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return protocol.Reply{}, err
	}
	id, err := idgen.Short("cmd-")
	if err != nil {
		return protocol.Reply{}, &TransferError{Cause: err}
	}
	frame, err := protocol.EncodeEnvelope(protocol.ClassCommand, id, body)
	if err != nil {
		return protocol.Reply{}, err
	}

	replies := make(chan replyResult, 1)
	b.mu.Lock()
	if err := b.checkSendableLocked(); err != nil {
		b.mu.Unlock()
		return protocol.Reply{}, err
	}
	b.waiting[id] = replies
	b.mu.Unlock()

	if err := b.sendFrame(ctx, frame); err != nil {
		b.forget(id)
		return protocol.Reply{}, err
	}
	b.stats.commandsSent.Add(1)

	timer := b.clock.NewTimer(b.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case res := <-replies:
		if res.err != nil {
			return protocol.Reply{}, res.err
		}
		if !res.reply.Success {
			return res.reply, fmt.Errorf("%w: %s: %s", ErrCommandRejected, cmd.Kind(), res.reply.Error)
		}
		return res.reply, nil
	case <-timer.C():
		b.forget(id)
		b.logger.Printf("Bridge: no reply to %s %s", cmd.Kind(), id)
		return protocol.Reply{}, &TransferError{Cause: ErrReplyTimeout}
	case <-ctx.Done():
		b.forget(id)
		return protocol.Reply{}, ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.waiting, id)
	b.mu.Unlock()
}

// SendControl sends a reliable control message and returns once the link accepted it
func (b *Bridge) SendControl(ctx context.Context, c protocol.Control) error {
	frame, err := protocol.EncodeEnvelope(protocol.ClassControl, "", c)
	if err != nil {
		return err
	}
	return b.sendFrame(ctx, frame)
}

// SendDetection forwards a phase change detection to the host
func (b *Bridge) SendDetection(ctx context.Context, d model.PhaseChangeDetection) error {
	return b.SendControl(ctx, protocol.DetectionControl(d, b.clock.Now()))
}

// SendContext pushes the session context to the wearable
func (b *Bridge) SendContext(ctx context.Context, c *model.SessionContext) error {
	return b.SendControl(ctx, protocol.ContextControl(c, false))
}

// SendSessionEnd tells the wearable the session is over
func (b *Bridge) SendSessionEnd(ctx context.Context, last *model.SessionContext) error {
	return b.SendControl(ctx, protocol.ContextControl(last, true))
}

// reply answers an inbound command or fragment. Failures are logged; the peer times out.
func (b *Bridge) reply(id string, r protocol.Reply) {
	frame, err := protocol.EncodeEnvelope(protocol.ClassReply, id, r)
	if err != nil {
		b.logger.Printf("Bridge: encode reply %s: %v", id, err)
		return
	}
	if _, err := b.enqueueWrite(frame); err != nil && !errors.Is(err, ErrNotReachable) {
		b.logger.Printf("Bridge: reply %s: %v", id, err)
	}
}

// deliverReply routes an inbound reply to the waiting request, if any
func (b *Bridge) deliverReply(id string, r protocol.Reply) {
	b.mu.Lock()
	ch, ok := b.waiting[id]
	if ok {
		delete(b.waiting, id)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Printf("Bridge: reply %s has no pending request", id)
		return
	}
	if !r.Success {
		b.stats.commandsRejected.Add(1)
	}
	ch <- replyResult{reply: r}
}
