package bridge

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

// SendTelemetry submits a health reading. Readings are rate limited; a reading submitted
// while another is still waiting replaces it.
func (b *Bridge) SendTelemetry(t model.HealthTelemetry) error {
	if t.HeartRate == nil && t.Calories == nil {
		return fmt.Errorf("bridge: telemetry without readings: %w", ErrInvalidData)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkSendableLocked(); err != nil {
		return err
	}
	if b.pendingTelemetry != nil {
		b.stats.telemetryCoalesced.Add(1)
	}
	b.pendingTelemetry = &t
	wake(b.telemetryWake)
	return nil
}

// DiscardTelemetry drops a pending reading of sessionID, or any pending reading when
// sessionID is empty. It reports whether something was dropped.
func (b *Bridge) DiscardTelemetry(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pendingTelemetry
	if p == nil || (sessionID != "" && p.SessionID != sessionID) {
		return false
	}
	b.pendingTelemetry = nil
	b.stats.telemetryDiscarded.Add(1)
	return true
}

// telemetryReadyLocked: a reading is waiting and buffered chunks from before the last
// recovery have been replayed
func (b *Bridge) telemetryReadyLocked() bool {
	if b.pendingTelemetry == nil || b.checkSendableLocked() != nil {
		return false
	}
	return len(b.bulk) == 0 || b.bulk[0].seq > b.resyncUntil
}

func (b *Bridge) runTelemetrySender() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.telemetryWake:
		}

		for {
			b.mu.Lock()
			ready := b.telemetryReadyLocked()
			b.mu.Unlock()
			if !ready {
				break
			}

			now := b.clock.Now()
			r := b.limiter.ReserveN(now, 1)
			if d := r.DelayFrom(now); d > 0 {
				if !b.sleep(d) {
					return
				}
			}

			b.mu.Lock()
			if !b.telemetryReadyLocked() {
				b.mu.Unlock()
				r.CancelAt(b.clock.Now())
				break
			}
			t := *b.pendingTelemetry
			b.pendingTelemetry = nil
			b.mu.Unlock()

			if err := b.sendTelemetry(t); err != nil {
				if errors.Is(err, ErrNotReachable) {
					b.mu.Lock()
					if b.pendingTelemetry == nil {
						b.pendingTelemetry = &t
					}
					b.mu.Unlock()
					break
				}
				b.logger.Printf("Bridge: telemetry lost: %v", err)
				continue
			}
			b.stats.telemetrySent.Add(1)
		}
	}
}

func (b *Bridge) sendTelemetry(t model.HealthTelemetry) error {
	frame, err := protocol.EncodeEnvelope(protocol.ClassTelemetry, "", protocol.NewTelemetry(t))
	if err != nil {
		return err
	}
	return b.write(frame)
}
