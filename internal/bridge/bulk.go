package bridge

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
	"github.com/lowaak/smart-trainer/lift-sync/internal/idgen"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

// outChunk is a queued chunk. xfer is set once its fragments exist and survives
// reachability loss so a transfer resumes at the first unacknowledged fragment.
type outChunk struct {
	seq   uint64
	chunk model.SensorChunk
	xfer  *outTransfer
}

type outTransfer struct {
	id    string
	meta  protocol.BulkMeta
	parts [][]byte
	next  int // first fragment not yet acknowledged
}

// SendChunk queues a chunk for bulk transfer. While the peer is unreachable the queue is
// capped and the oldest samples are dropped first.
func (b *Bridge) SendChunk(chunk model.SensorChunk) error {
	if chunk.Len() > model.MaxChunkSize {
		return fmt.Errorf("bridge: chunk of %d samples: %w", chunk.Len(), ErrInvalidData)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Activated {
		return ErrNotActivated
	}
	if chunk.Context == nil {
		chunk.Context = b.context.Clone()
	}
	b.nextSeq++
	b.bulk = append(b.bulk, &outChunk{seq: b.nextSeq, chunk: chunk})
	b.stats.chunksQueued.Add(1)
	if !b.reachable {
		b.enforceOverflowLocked()
	}
	wake(b.bulkWake)
	return nil
}

// Pending returns the number of buffered samples not yet acknowledged by the peer
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedLocked()
}

func (b *Bridge) bufferedLocked() int {
	n := 0
	for _, c := range b.bulk {
		n += c.chunk.Len()
	}
	return n
}

// enforceOverflowLocked trims the oldest samples above the cap. A trimmed chunk starts a
// fresh transfer; the peer discards the abandoned partial one. Must be called with mu held.
func (b *Bridge) enforceOverflowLocked() {
	excess := b.bufferedLocked() - b.cfg.overflowCap()
	if excess <= 0 {
		return
	}
	dropped := 0
	kept := b.bulk[:0]
	for _, c := range b.bulk {
		if excess > 0 && c.chunk.Len() > 0 {
			n := min(excess, c.chunk.Len())
			c.chunk.Samples = c.chunk.Samples[n:]
			c.xfer = nil
			excess -= n
			dropped += n
			if c.chunk.Len() == 0 && !c.chunk.Final {
				continue
			}
		}
		kept = append(kept, c)
	}
	clear(b.bulk[len(kept):])
	b.bulk = kept
	b.stats.samplesDropped.Add(uint64(dropped))
	b.logger.Printf("Bridge: WARNING overflow buffer full, dropped %d oldest sample(s), %d buffered", dropped, b.bufferedLocked())
}

func (b *Bridge) runBulkSender() {
	for {
		c, ok := b.nextBulk()
		if !ok {
			return
		}
		if err := b.transfer(c); err != nil {
			b.mu.Lock()
			b.bulkStalled = true
			b.emitLocked(TransferFailedEvent{Err: err})
			b.mu.Unlock()
			b.logger.Printf("Bridge: bulk transfer stalled until the peer reconnects: %v", err)
		}
	}
}

// nextBulk waits until the head chunk may be sent
func (b *Bridge) nextBulk() (*outChunk, bool) {
	for {
		b.mu.Lock()
		if b.state == Activated && b.reachable && !b.bulkStalled && len(b.bulk) > 0 {
			c := b.bulk[0]
			b.mu.Unlock()
			return c, true
		}
		b.mu.Unlock()

		select {
		case <-b.ctx.Done():
			return nil, false
		case <-b.bulkWake:
		}
	}
}

// headLocked reports whether c is still the head with transfer xfer
func (b *Bridge) headLocked(c *outChunk, xfer *outTransfer) bool {
	return len(b.bulk) > 0 && b.bulk[0] == c && c.xfer == xfer
}

func (b *Bridge) popLocked(c *outChunk) {
	if len(b.bulk) > 0 && b.bulk[0] == c {
		b.bulk[0] = nil
		b.bulk = b.bulk[1:]
	}
}

// transfer sends the fragments of c that are still unacknowledged. It returns nil when the
// chunk was delivered or when sending must pause (reachability lost, queue trimmed).
func (b *Bridge) transfer(c *outChunk) error {
	b.mu.Lock()
	xfer, chunk := c.xfer, c.chunk
	b.mu.Unlock()

	if xfer == nil {
		data, err := codec.EncodeChunk(chunk)
		if err == nil && len(data) > protocol.MaxTransferSize {
			err = fmt.Errorf("%d bytes exceed the transfer limit", len(data))
		}
		if err != nil {
			b.logger.Printf("Bridge: dropping unencodable chunk %d: %v", chunk.Sequence, err)
			b.mu.Lock()
			b.popLocked(c)
			b.mu.Unlock()
			return nil
		}
		id, err := idgen.Short("xfer-")
		if err != nil {
			return &TransferError{Cause: err}
		}
		fresh := &outTransfer{
			id:    id,
			meta:  protocol.NewBulkMeta(chunk, b.clock.Now()),
			parts: protocol.SplitPayload(data, b.cfg.FragmentSize),
		}
		b.mu.Lock()
		if !b.headLocked(c, nil) {
			b.mu.Unlock()
			return nil
		}
		c.xfer = fresh
		b.mu.Unlock()
		xfer = fresh
	}

	for {
		b.mu.Lock()
		if !b.headLocked(c, xfer) || b.state != Activated || !b.reachable {
			b.mu.Unlock()
			return nil
		}
		i := xfer.next
		if i >= len(xfer.parts) {
			b.popLocked(c)
			b.mu.Unlock()
			b.stats.chunksSent.Add(1)
			wake(b.telemetryWake)
			return nil
		}
		id := protocol.FragmentID(xfer.id, i)
		acks := make(chan replyResult, 1)
		b.waiting[id] = acks
		changed := b.reachChanged
		b.mu.Unlock()

		frame, err := protocol.EncodeEnvelope(protocol.ClassFragment, id, protocol.Fragment{
			TransferID: xfer.id,
			Index:      i,
			Total:      len(xfer.parts),
			Meta:       xfer.meta,
			Data:       xfer.parts[i],
		})
		if err != nil {
			b.forget(id)
			return err
		}
		if err := b.write(frame); err != nil {
			b.forget(id)
			if errors.Is(err, ErrNotReachable) {
				return nil
			}
			return err
		}
		b.stats.fragmentsSent.Add(1)

		timer := b.clock.NewTimer(b.cfg.AckTimeout)
		select {
		case res := <-acks:
			timer.Stop()
			if res.err != nil {
				return nil
			}
			if !res.reply.Success {
				return &TransferError{Cause: fmt.Errorf("fragment %s rejected: %s", id, res.reply.Error)}
			}
			b.mu.Lock()
			if c.xfer == xfer && xfer.next == i {
				xfer.next = i + 1
			}
			b.mu.Unlock()
		case <-changed:
			timer.Stop()
			b.forget(id)
			return nil
		case <-timer.C():
			b.forget(id)
			return &TransferError{Cause: fmt.Errorf("fragment %s: %w", id, ErrReplyTimeout)}
		case <-b.ctx.Done():
			timer.Stop()
			return nil
		}
	}
}
