package bridge

import (
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/protocol"
)

// Event is one item of the bridge event stream
type Event interface {
	isBridgeEvent()
}

// CommandEvent is emitted for every valid inbound command, after its handler ran
type CommandEvent struct {
	ID      string
	Command protocol.Command
}

// TelemetryEvent carries an inbound health reading
type TelemetryEvent struct {
	Telemetry model.HealthTelemetry
}

// ReachabilityEvent reports a reachability change
type ReachabilityEvent struct {
	Reachable bool
}

// ChunkEvent carries a reassembled, decoded sensor chunk
type ChunkEvent struct {
	TransferID string
	Chunk      model.SensorChunk
}

// DetectionEvent carries a phase change detected on the wearable
type DetectionEvent struct {
	Detection model.PhaseChangeDetection
}

// ContextEvent carries a session context update from the host; Ended marks sessionEnd
type ContextEvent struct {
	Context *model.SessionContext
	Ended   bool
}

// TransferFailedEvent reports a bulk transfer stalled by a transport error.
// The chunk stays queued and is retried on the next reachability recovery.
type TransferFailedEvent struct {
	Err error
}

func (CommandEvent) isBridgeEvent()        {}
func (TelemetryEvent) isBridgeEvent()      {}
func (ReachabilityEvent) isBridgeEvent()   {}
func (ChunkEvent) isBridgeEvent()          {}
func (DetectionEvent) isBridgeEvent()      {}
func (ContextEvent) isBridgeEvent()        {}
func (TransferFailedEvent) isBridgeEvent() {}
