package codec

import (
	"fmt"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

type wireContext struct {
	SessionID     string `cbor:"sessionId"`
	PlanID        string `cbor:"planId"`
	PlanTitle     string `cbor:"planTitle"`
	ExerciseID    string `cbor:"exerciseId"`
	ExerciseName  string `cbor:"exerciseName"`
	SetID         string `cbor:"setId"`
	SetOrder      int    `cbor:"setOrder"`
	ExerciseIndex int    `cbor:"exerciseIndex"`
	IsActive      bool   `cbor:"isActive"`
}

type wireChunk struct {
	Version  int          `cbor:"v"`
	Sequence uint64       `cbor:"seq"`
	Phase    string       `cbor:"phase"`
	Final    bool         `cbor:"final"`
	Context  *wireContext `cbor:"ctx,omitempty"`
	Samples  []wireSample `cbor:"samples"`
}

// EncodeChunk renders a chunk for a bulk transfer. Chunks larger than MaxChunkSize are rejected
// with ErrInvalidData before anything is sent.
func EncodeChunk(chunk model.SensorChunk) ([]byte, error) {
	if chunk.Len() > model.MaxChunkSize {
		return nil, fmt.Errorf("chunk of %d samples: %w", chunk.Len(), ErrInvalidData)
	}
	phase, err := chunk.Phase.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("chunk phase: %w", ErrInvalidData)
	}
	w := wireChunk{
		Version:  FormatVersion,
		Sequence: chunk.Sequence,
		Phase:    string(phase),
		Final:    chunk.Final,
		Samples:  toWireSamples(chunk.Samples),
	}
	if c := chunk.Context; c != nil {
		w.Context = &wireContext{
			SessionID:     c.SessionID,
			PlanID:        c.PlanID,
			PlanTitle:     c.PlanTitle,
			ExerciseID:    c.ExerciseID,
			ExerciseName:  c.ExerciseName,
			SetID:         c.SetID,
			SetOrder:      c.SetOrder,
			ExerciseIndex: c.ExerciseIndex,
			IsActive:      c.IsActive,
		}
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}
	return data, nil
}

// DecodeChunk parses a chunk received from a bulk transfer
func DecodeChunk(data []byte) (model.SensorChunk, error) {
	if len(data) == 0 {
		return model.SensorChunk{}, decodeErr("empty payload", nil)
	}
	var w wireChunk
	if err := decMode.Unmarshal(data, &w); err != nil {
		return model.SensorChunk{}, decodeErr("malformed chunk", err)
	}
	if w.Version != FormatVersion {
		return model.SensorChunk{}, decodeErr(fmt.Sprintf("unsupported format version %d", w.Version), nil)
	}
	if len(w.Samples) > model.MaxChunkSize {
		return model.SensorChunk{}, decodeErr(fmt.Sprintf("chunk carries %d samples", len(w.Samples)), nil)
	}
	phase, err := model.ParsePhase(w.Phase)
	if err != nil {
		return model.SensorChunk{}, decodeErr("bad phase", err)
	}
	samples, err := fromWireSamples(w.Samples)
	if err != nil {
		return model.SensorChunk{}, err
	}
	chunk := model.SensorChunk{
		Sequence: w.Sequence,
		Samples:  samples,
		Phase:    phase,
		Final:    w.Final,
	}
	if c := w.Context; c != nil {
		chunk.Context = &model.SessionContext{
			SessionID:     c.SessionID,
			PlanID:        c.PlanID,
			PlanTitle:     c.PlanTitle,
			ExerciseID:    c.ExerciseID,
			ExerciseName:  c.ExerciseName,
			SetID:         c.SetID,
			SetOrder:      c.SetOrder,
			ExerciseIndex: c.ExerciseIndex,
			IsActive:      c.IsActive,
		}
	}
	return chunk, nil
}
