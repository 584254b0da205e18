package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
)

const (
	completedMemory = 256             // recently completed transfers whose late duplicates are ignored
	staleTransfer   = 5 * time.Minute // partial transfers untouched this long are abandoned
	maxPartial      = 32              // partial transfers kept at once; the least recently touched is evicted
)

// onFrame is the link frame handler. It must not block: commands go to the dispatcher
// and events to the event pump.
func (b *Bridge) onFrame(frame []byte) {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		b.invalidFrame("envelope", err)
		return
	}

	switch env.Class {
	case protocol.ClassReply:
		var r protocol.Reply
		if err := json.Unmarshal(env.Body, &r); err != nil {
			b.invalidFrame("reply "+env.ID, err)
			return
		}
		b.deliverReply(env.ID, r)

	case protocol.ClassCommand:
		cmd, err := protocol.DecodeCommand(env.Body)
		if err != nil {
			b.invalidFrame("command "+env.ID, err)
			b.reply(env.ID, protocol.Fail(err.Error()))
			return
		}
		b.stats.commandsReceived.Add(1)
		b.mu.Lock()
		b.dispatch = append(b.dispatch, inboundCommand{id: env.ID, cmd: cmd})
		b.mu.Unlock()
		wake(b.inWake)

	case protocol.ClassControl:
		c, err := protocol.DecodeControl(env.Body)
		if err != nil {
			b.invalidFrame("control", err)
			return
		}
		if c.Type == protocol.TypePhaseChangeDetected {
			b.emit(DetectionEvent{Detection: c.Detection})
		} else {
			b.emit(ContextEvent{Context: c.Context, Ended: c.Type == protocol.TypeSessionEnd})
		}

	case protocol.ClassTelemetry:
		t, err := protocol.DecodeTelemetry(env.Body)
		if err != nil {
			b.invalidFrame("telemetry", err)
			return
		}
		b.emit(TelemetryEvent{Telemetry: t})

	case protocol.ClassFragment:
		b.onFragment(env)
	}
}

func (b *Bridge) onFragment(env protocol.Envelope) {
	f, err := protocol.DecodeFragment(env.Body)
	if err != nil {
		b.invalidFrame("fragment "+env.ID, err)
		b.reply(env.ID, protocol.Fail(err.Error()))
		return
	}
	b.stats.fragmentsReceived.Add(1)

	data, status, err := b.inbound.add(f)
	if err != nil {
		b.invalidFrame("fragment "+env.ID, err)
		b.reply(env.ID, protocol.Fail(err.Error()))
		return
	}
	// duplicates are acknowledged again; the first ack may have been lost
	b.reply(env.ID, protocol.OK(b.clock.Now()))

	switch status {
	case fragmentDuplicate:
		b.stats.duplicateFragments.Add(1)
	case fragmentCompleted:
		chunk, err := codec.DecodeChunk(data)
		if err != nil {
			b.invalidFrame("transfer "+f.TransferID, err)
			return
		}
		b.stats.chunksReceived.Add(1)
		b.emit(ChunkEvent{TransferID: f.TransferID, Chunk: chunk})
	}
}

func (b *Bridge) invalidFrame(what string, err error) {
	b.stats.invalidFrames.Add(1)
	b.logger.Printf("Bridge: WARNING dropping invalid %s: %v", what, err)
}

// runDispatcher runs inbound command handlers one at a time in arrival order
func (b *Bridge) runDispatcher() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.inWake:
		}
		for {
			b.mu.Lock()
			if len(b.dispatch) == 0 {
				b.mu.Unlock()
				break
			}
			in := b.dispatch[0]
			b.dispatch = b.dispatch[1:]
			b.mu.Unlock()

			b.handleCommand(in)
		}
	}
}

func (b *Bridge) handleCommand(in inboundCommand) {
	kind := in.cmd.Kind()
	b.handlersMu.RLock()
	h, ok := b.handlers[kind]
	b.handlersMu.RUnlock()
	if !ok {
		b.logger.Printf("Bridge: WARNING no handler for command %s", kind)
		b.reply(in.id, protocol.Fail(fmt.Sprintf("unsupported command %s", kind)))
		return
	}

	if err := h(b.ctx, in.id, in.cmd); err != nil {
		b.logger.Printf("Bridge: command %s %s failed: %v", kind, in.id, err)
		b.reply(in.id, protocol.Fail(err.Error()))
	} else {
		b.reply(in.id, protocol.OK(b.clock.Now()))
	}
	b.emit(CommandEvent{ID: in.id, Command: in.cmd})
}

type fragmentStatus int

const (
	fragmentStored    fragmentStatus = iota // new piece, transfer incomplete
	fragmentDuplicate                       // piece seen before
	fragmentCompleted                       // last missing piece, data is the whole payload
)

type inTransfer struct {
	parts    [][]byte
	received int
	size     int
	seen     time.Time
}

// reassembler joins fragments into payloads. Adding the same fragment twice is harmless.
type reassembler struct {
	clock timeutil.Clock

	mu        sync.Mutex
	transfers map[string]*inTransfer
	completed map[string]struct{}
	order     []string
}

func newReassembler(clock timeutil.Clock) *reassembler {
	return &reassembler{
		clock:     clock,
		transfers: make(map[string]*inTransfer),
		completed: make(map[string]struct{}),
	}
}

func (r *reassembler) add(f protocol.Fragment) ([]byte, fragmentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.sweep(now)

	if _, done := r.completed[f.TransferID]; done {
		return nil, fragmentDuplicate, nil
	}
	if f.Total <= 0 || f.Total > protocol.MaxFragments || f.Index < 0 || f.Index >= f.Total {
		return nil, 0, fmt.Errorf("transfer %s: fragment %d of %d: %w", f.TransferID, f.Index, f.Total, ErrInvalidData)
	}
	t, ok := r.transfers[f.TransferID]
	if !ok {
		if len(r.transfers) >= maxPartial {
			r.evictOldest()
		}
		t = &inTransfer{parts: make([][]byte, f.Total)}
		r.transfers[f.TransferID] = t
	}
	if len(t.parts) != f.Total {
		return nil, 0, fmt.Errorf("transfer %s: total changed from %d to %d: %w",
			f.TransferID, len(t.parts), f.Total, ErrInvalidData)
	}
	t.seen = now
	if t.parts[f.Index] != nil {
		return nil, fragmentDuplicate, nil
	}
	data := f.Data
	if data == nil {
		data = []byte{}
	}
	if t.size+len(data) > protocol.MaxTransferSize {
		delete(r.transfers, f.TransferID)
		return nil, 0, fmt.Errorf("transfer %s: larger than %d bytes: %w", f.TransferID, protocol.MaxTransferSize, ErrInvalidData)
	}
	t.size += len(data)
	t.parts[f.Index] = data
	t.received++
	if t.received < f.Total {
		return nil, fragmentStored, nil
	}

	delete(r.transfers, f.TransferID)
	r.completed[f.TransferID] = struct{}{}
	r.order = append(r.order, f.TransferID)
	if len(r.order) > completedMemory {
		delete(r.completed, r.order[0])
		r.order = r.order[1:]
	}
	return bytes.Join(t.parts, nil), fragmentCompleted, nil
}

func (r *reassembler) sweep(now time.Time) {
	for id, t := range r.transfers {
		if now.Sub(t.seen) > staleTransfer {
			delete(r.transfers, id)
		}
	}
}

func (r *reassembler) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, t := range r.transfers {
		if oldestID == "" || t.seen.Before(oldest) {
			oldestID, oldest = id, t.seen
		}
	}
	delete(r.transfers, oldestID)
}

// Partial returns the number of transfers still missing fragments
func (r *reassembler) Partial() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}
