package model

import (
	"math"
	"time"
)

// SensorAggregate consolidates every sample captured for one set into a single record.
// It is the unit persisted as a blob and replayed by the replay source.
type SensorAggregate struct {
	SessionID  string
	ExerciseID string
	SetID      string
	SetOrder   int
	StartedAt  time.Time
	EndedAt    time.Time
	Samples    []SensorSample
}

// AppendChunk returns a copy of a with the chunk samples added in order
func (a SensorAggregate) AppendChunk(chunk SensorChunk) SensorAggregate {
	out := a
	out.Samples = append([]SensorSample(nil), a.Samples...)
	out.Append(chunk)
	return out
}

// Append adds the chunk samples in place, widening the time bounds when needed
func (a *SensorAggregate) Append(chunk SensorChunk) {
	a.Samples = append(a.Samples, chunk.Samples...)
	for _, s := range chunk.Samples {
		ts := SampleTime(s.Timestamp)
		if a.StartedAt.IsZero() || ts.Before(a.StartedAt) {
			a.StartedAt = ts
		}
		if ts.After(a.EndedAt) {
			a.EndedAt = ts
		}
	}
}

// SampleTime converts a sample timestamp (float seconds) to a UTC time at millisecond precision
func SampleTime(ts float64) time.Time {
	return time.UnixMilli(int64(math.Round(ts * 1000))).UTC()
}
