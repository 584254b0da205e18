// Package codec is the deterministic binary encoding of sensor aggregates and chunks.
// Aggregates are stored as blobs; chunks travel inside bulk transfers on the link.
package codec

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// FormatVersion is written into every aggregate. Decode rejects other versions.
const FormatVersion = 1

// TimeLayout is the fixed timestamp rendering: UTC, millisecond precision
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding sorts map keys and picks the shortest lossless float form
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building decoder: %v", err))
	}
}

type wireSample struct {
	Channels    map[string]float64 `cbor:"ch,omitempty"`
	Frequency   float64            `cbor:"hz"`
	SampleCount int64              `cbor:"n"`
	Timestamp   float64            `cbor:"ts"`
}

type wireAggregate struct {
	Version    int          `cbor:"v"`
	SessionID  string       `cbor:"sessionId"`
	ExerciseID string       `cbor:"exerciseId"`
	SetID      string       `cbor:"setId"`
	SetOrder   int          `cbor:"setOrder"`
	StartedAt  string       `cbor:"startedAt"`
	EndedAt    string       `cbor:"endedAt"`
	Samples    []wireSample `cbor:"samples"`
}

// FormatTime renders t in the fixed layout. The zero time renders as the empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Millisecond).Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Encode renders the aggregate deterministically: equal aggregates give identical bytes.
// Times are normalized to UTC milliseconds, so an aggregate round-trips exactly when
// its times already are.
func Encode(agg model.SensorAggregate) ([]byte, error) {
	w := wireAggregate{
		Version:    FormatVersion,
		SessionID:  agg.SessionID,
		ExerciseID: agg.ExerciseID,
		SetID:      agg.SetID,
		SetOrder:   agg.SetOrder,
		StartedAt:  FormatTime(agg.StartedAt),
		EndedAt:    FormatTime(agg.EndedAt),
		Samples:    toWireSamples(agg.Samples),
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate: %w", err)
	}
	return data, nil
}

// Decode parses an aggregate. Any malformed input yields a *DecodeError and a zero aggregate.
func Decode(data []byte) (model.SensorAggregate, error) {
	if len(data) == 0 {
		return model.SensorAggregate{}, decodeErr("empty payload", nil)
	}
	var w wireAggregate
	if err := decMode.Unmarshal(data, &w); err != nil {
		return model.SensorAggregate{}, decodeErr("malformed aggregate", err)
	}
	if w.Version != FormatVersion {
		return model.SensorAggregate{}, decodeErr(fmt.Sprintf("unsupported format version %d", w.Version), nil)
	}
	started, err := ParseTime(w.StartedAt)
	if err != nil {
		return model.SensorAggregate{}, decodeErr("bad startedAt", err)
	}
	ended, err := ParseTime(w.EndedAt)
	if err != nil {
		return model.SensorAggregate{}, decodeErr("bad endedAt", err)
	}
	samples, err := fromWireSamples(w.Samples)
	if err != nil {
		return model.SensorAggregate{}, err
	}
	return model.SensorAggregate{
		SessionID:  w.SessionID,
		ExerciseID: w.ExerciseID,
		SetID:      w.SetID,
		SetOrder:   w.SetOrder,
		StartedAt:  started,
		EndedAt:    ended,
		Samples:    samples,
	}, nil
}

func toWireSamples(samples []model.SensorSample) []wireSample {
	out := make([]wireSample, len(samples))
	for i, s := range samples {
		ws := wireSample{
			Frequency:   s.Frequency,
			SampleCount: s.SampleCount,
			Timestamp:   s.Timestamp,
		}
		for _, ch := range model.AllChannels {
			if v, ok := s.Value(ch); ok {
				if ws.Channels == nil {
					ws.Channels = make(map[string]float64, model.ChannelCount)
				}
				ws.Channels[ch.String()] = v
			}
		}
		out[i] = ws
	}
	return out
}

func fromWireSamples(ws []wireSample) ([]model.SensorSample, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	out := make([]model.SensorSample, len(ws))
	for i, w := range ws {
		values := make(map[model.Channel]float64, len(w.Channels))
		for name, v := range w.Channels {
			ch, ok := model.ChannelByName(name)
			if !ok {
				return nil, decodeErr(fmt.Sprintf("sample %d: unknown channel %q", i, name), nil)
			}
			values[ch] = v
		}
		out[i] = model.NewSensorSample(w.Timestamp, w.Frequency, values).WithSampleCount(w.SampleCount)
	}
	return out, nil
}
