package protocol

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// EpochSeconds converts t to the float seconds used on the wire
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// FromEpochSeconds is the inverse of EpochSeconds at millisecond precision
func FromEpochSeconds(s float64) time.Time {
	return model.SampleTime(s)
}

// Reply answers a command: {success, timestamp} or {error}
type Reply struct {
	Success   bool
	Timestamp time.Time
	Error     string
}

// OK builds a positive reply
func OK(at time.Time) Reply {
	return Reply{Success: true, Timestamp: at}
}

// Fail builds a negative reply
func Fail(reason string) Reply {
	return Reply{Error: reason}
}

type wireReply struct {
	Success   *bool    `json:"success,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	Error     *string  `json:"error,omitempty"`
}

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.Error != "" || !r.Success {
		reason := r.Error
		if reason == "" {
			reason = "rejected"
		}
		return json.Marshal(wireReply{Error: &reason})
	}
	success := true
	ts := EpochSeconds(r.Timestamp)
	return json.Marshal(wireReply{Success: &success, Timestamp: &ts})
}

func (r *Reply) UnmarshalJSON(data []byte) error {
	var w wireReply
	if err := json.Unmarshal(data, &w); err != nil {
		return invalid("reply: %v", err)
	}
	switch {
	case w.Error != nil:
		*r = Reply{Error: *w.Error}
	case w.Success != nil:
		*r = Reply{Success: *w.Success}
		if w.Timestamp != nil {
			r.Timestamp = FromEpochSeconds(*w.Timestamp)
		}
		if !r.Success {
			r.Error = "rejected"
		}
	default:
		return invalid("reply without success or error")
	}
	return nil
}

// Telemetry is {type:"healthData", heartRate?, calories?, timestamp, phase}
type Telemetry struct {
	Type      string      `json:"type"`
	HeartRate *int        `json:"heartRate,omitempty"`
	Calories  *float64    `json:"calories,omitempty"`
	Timestamp float64     `json:"timestamp"`
	Phase     model.Phase `json:"phase"`
	SessionID string      `json:"sessionId,omitempty"`
}

const TypeHealthData = "healthData"

// NewTelemetry converts a health reading to its wire form
func NewTelemetry(t model.HealthTelemetry) Telemetry {
	return Telemetry{
		Type:      TypeHealthData,
		HeartRate: t.HeartRate,
		Calories:  t.Calories,
		Timestamp: EpochSeconds(t.Timestamp),
		Phase:     t.Phase,
		SessionID: t.SessionID,
	}
}

// Health converts back to the model type
func (t Telemetry) Health() model.HealthTelemetry {
	return model.HealthTelemetry{
		HeartRate: t.HeartRate,
		Calories:  t.Calories,
		Timestamp: FromEpochSeconds(t.Timestamp),
		Phase:     t.Phase,
		SessionID: t.SessionID,
	}
}

// DecodeTelemetry parses and validates a telemetry body
func DecodeTelemetry(body []byte) (model.HealthTelemetry, error) {
	var t Telemetry
	if err := json.Unmarshal(body, &t); err != nil {
		return model.HealthTelemetry{}, invalid("telemetry: %v", err)
	}
	if t.Type != TypeHealthData {
		return model.HealthTelemetry{}, invalid("telemetry type %q", t.Type)
	}
	if t.HeartRate == nil && t.Calories == nil {
		return model.HealthTelemetry{}, invalid("telemetry without readings")
	}
	return t.Health(), nil
}

// Control message types
const (
	TypePhaseChangeDetected = "phase_change_detected"
	TypeSessionContext      = "sessionContext"
	TypeSessionEnd          = "sessionEnd"

	DetectionSource = "watch_motion_manager"
)

// ContextFields is the flattened session context shared by several messages
type ContextFields struct {
	SessionID           string `json:"sessionId,omitempty"`
	PlanID              string `json:"planId,omitempty"`
	PlanTitle           string `json:"planTitle,omitempty"`
	CurrentExerciseID   string `json:"currentExerciseId,omitempty"`
	CurrentExerciseName string `json:"currentExerciseName,omitempty"`
	CurrentSetID        string `json:"currentSetId,omitempty"`
	CurrentSetOrder     int    `json:"currentSetOrder,omitempty"`
	ExerciseIndex       int    `json:"exerciseIndex"`
	IsActive            bool   `json:"isActive"`
}

func contextFields(c *model.SessionContext) ContextFields {
	if c == nil {
		return ContextFields{}
	}
	return ContextFields{
		SessionID:           c.SessionID,
		PlanID:              c.PlanID,
		PlanTitle:           c.PlanTitle,
		CurrentExerciseID:   c.ExerciseID,
		CurrentExerciseName: c.ExerciseName,
		CurrentSetID:        c.SetID,
		CurrentSetOrder:     c.SetOrder,
		ExerciseIndex:       c.ExerciseIndex,
		IsActive:            c.IsActive,
	}
}

func (f ContextFields) context() *model.SessionContext {
	if f.SessionID == "" {
		return nil
	}
	return &model.SessionContext{
		SessionID:     f.SessionID,
		PlanID:        f.PlanID,
		PlanTitle:     f.PlanTitle,
		ExerciseID:    f.CurrentExerciseID,
		ExerciseName:  f.CurrentExerciseName,
		SetID:         f.CurrentSetID,
		SetOrder:      f.CurrentSetOrder,
		ExerciseIndex: f.ExerciseIndex,
		IsActive:      f.IsActive,
	}
}

// Control is the union of reliable unanswered messages. Exactly one of Detection or
// Context is meaningful, selected by Type.
type Control struct {
	Type      string
	Detection model.PhaseChangeDetection // TypePhaseChangeDetected
	Context   *model.SessionContext      // TypeSessionContext, TypeSessionEnd
	SentAt    time.Time
}

type wireControl struct {
	Type              string   `json:"type"`
	FromPhase         string   `json:"from_phase,omitempty"`
	ToPhase           string   `json:"to_phase,omitempty"`
	DetectedAt        *float64 `json:"detected_at,omitempty"`
	ThresholdUsed     *float64 `json:"threshold_used,omitempty"`
	DetectionDuration *float64 `json:"detection_duration,omitempty"`
	Source            string   `json:"source,omitempty"`
	WatchTimestamp    *float64 `json:"watch_timestamp,omitempty"`
	ContextFields
}

// DetectionControl wraps a detection for sending
func DetectionControl(d model.PhaseChangeDetection, sentAt time.Time) Control {
	return Control{Type: TypePhaseChangeDetected, Detection: d, Context: d.Context, SentAt: sentAt}
}

// ContextControl wraps a context update; nil or ended contexts become sessionEnd
func ContextControl(c *model.SessionContext, ended bool) Control {
	t := TypeSessionContext
	if ended || c == nil {
		t = TypeSessionEnd
	}
	return Control{Type: t, Context: c.Clone()}
}

func (c Control) MarshalJSON() ([]byte, error) {
	w := wireControl{Type: c.Type, ContextFields: contextFields(c.Context)}
	if c.Type == TypePhaseChangeDetected {
		d := c.Detection
		detectedAt := EpochSeconds(d.DetectedAt)
		threshold := d.ThresholdUsed
		duration := d.DurationUsed.Seconds()
		watchTS := EpochSeconds(c.SentAt)
		w.FromPhase = d.From.String()
		w.ToPhase = d.To.String()
		w.DetectedAt = &detectedAt
		w.ThresholdUsed = &threshold
		w.DetectionDuration = &duration
		w.Source = DetectionSource
		w.WatchTimestamp = &watchTS
		if w.CurrentSetOrder == 0 {
			w.CurrentSetOrder = d.SetOrder
		}
	}
	return json.Marshal(w)
}

// DecodeControl parses and validates a control body
func DecodeControl(body []byte) (Control, error) {
	var w wireControl
	if err := json.Unmarshal(body, &w); err != nil {
		return Control{}, invalid("control: %v", err)
	}
	switch w.Type {
	case TypeSessionContext, TypeSessionEnd:
		ctx := w.ContextFields.context()
		if w.Type == TypeSessionContext && ctx == nil {
			return Control{}, invalid("sessionContext without sessionId")
		}
		return Control{Type: w.Type, Context: ctx}, nil

	case TypePhaseChangeDetected:
		from, err := model.ParsePhase(w.FromPhase)
		if err != nil {
			return Control{}, invalid("detection from_phase: %v", err)
		}
		to, err := model.ParsePhase(w.ToPhase)
		if err != nil {
			return Control{}, invalid("detection to_phase: %v", err)
		}
		if w.DetectedAt == nil || w.ThresholdUsed == nil || w.DetectionDuration == nil {
			return Control{}, invalid("detection missing detected_at, threshold_used or detection_duration")
		}
		ctx := w.ContextFields.context()
		c := Control{
			Type:    w.Type,
			Context: ctx,
			Detection: model.PhaseChangeDetection{
				From:          from,
				To:            to,
				DetectedAt:    FromEpochSeconds(*w.DetectedAt),
				ThresholdUsed: *w.ThresholdUsed,
				DurationUsed:  time.Duration(*w.DetectionDuration * float64(time.Second)),
				SetOrder:      w.CurrentSetOrder,
				Context:       ctx,
			},
		}
		if w.WatchTimestamp != nil {
			c.SentAt = FromEpochSeconds(*w.WatchTimestamp)
		}
		return c, nil

	default:
		return Control{}, invalid("control type %q", w.Type)
	}
}

// BulkMeta is {type:"sensorData", count, timestamp, phase, sessionId?, ...}
type BulkMeta struct {
	Type          string      `json:"type"`
	Count         int         `json:"count"`
	Timestamp     float64     `json:"timestamp"`
	Phase         model.Phase `json:"phase"`
	SessionID     string      `json:"sessionId,omitempty"`
	PlanID        string      `json:"planId,omitempty"`
	ExerciseID    string      `json:"exerciseId,omitempty"`
	SetID         string      `json:"setId,omitempty"`
	SetOrder      *int        `json:"setOrder,omitempty"`
	ExerciseIndex *int        `json:"exerciseIndex,omitempty"`
}

const TypeSensorData = "sensorData"

// NewBulkMeta describes a chunk for the transfer header
func NewBulkMeta(chunk model.SensorChunk, at time.Time) BulkMeta {
	m := BulkMeta{
		Type:      TypeSensorData,
		Count:     chunk.Len(),
		Timestamp: EpochSeconds(at),
		Phase:     chunk.Phase,
	}
	if c := chunk.Context; c != nil {
		m.SessionID = c.SessionID
		m.PlanID = c.PlanID
		m.ExerciseID = c.ExerciseID
		m.SetID = c.SetID
		order, index := c.SetOrder, c.ExerciseIndex
		m.SetOrder = &order
		m.ExerciseIndex = &index
	}
	return m
}

// Transfer limits. Fragments that could exceed them are rejected as invalid.
const (
	MaxTransferSize = 1 << 20 // encoded chunk bytes
	MinFragmentSize = 64
	MaxFragments    = MaxTransferSize / MinFragmentSize
)

// Fragment is one piece of an encoded chunk. Fragments of a transfer share TransferID.
type Fragment struct {
	TransferID string   `json:"transferId"`
	Index      int      `json:"index"`
	Total      int      `json:"total"`
	Meta       BulkMeta `json:"meta"`
	Data       []byte   `json:"data"`
}

// FragmentID is the envelope id of a fragment; its acknowledgement reply carries the same id
func FragmentID(transferID string, index int) string {
	return transferID + "/" + strconv.Itoa(index)
}

// DecodeFragment parses and validates a fragment body
func DecodeFragment(body []byte) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(body, &f); err != nil {
		return Fragment{}, invalid("fragment: %v", err)
	}
	if f.TransferID == "" || f.Total <= 0 || f.Index < 0 || f.Index >= f.Total {
		return Fragment{}, invalid("fragment %q index %d of %d", f.TransferID, f.Index, f.Total)
	}
	if f.Total > MaxFragments || len(f.Data) > MaxTransferSize {
		return Fragment{}, invalid("fragment %q exceeds transfer limits (%d pieces, %d bytes)", f.TransferID, f.Total, len(f.Data))
	}
	if f.Meta.Type != TypeSensorData {
		return Fragment{}, invalid("fragment meta type %q", f.Meta.Type)
	}
	return f, nil
}

// SplitPayload cuts data into pieces of at most size bytes; empty data yields one empty piece
func SplitPayload(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
