package session

import (
	"context"
	"slices"

	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// WorkoutRecord is what gets persisted when a session ends
type WorkoutRecord struct {
	Snapshot   Snapshot
	Aggregates []model.SensorAggregate // sensor data per set, in exercise and set order
}

// HistoryWriter persists finished workouts
type HistoryWriter interface {
	WriteWorkout(ctx context.Context, rec WorkoutRecord) error
}

// aggregator collects the sensor chunks of one session per set
type aggregator struct {
	sessionID string
	bySet     map[string]*model.SensorAggregate
}

func newAggregator(sessionID string) *aggregator {
	return &aggregator{sessionID: sessionID, bySet: make(map[string]*model.SensorAggregate)}
}

// add files chunk under its set; chunks of other sessions or without a set are ignored
func (a *aggregator) add(chunk model.SensorChunk) bool {
	c := chunk.Context
	if c == nil || c.SessionID != a.sessionID || c.SetID == "" || chunk.Len() == 0 {
		return false
	}
	agg, ok := a.bySet[c.SetID]
	if !ok {
		agg = &model.SensorAggregate{
			SessionID:  c.SessionID,
			ExerciseID: c.ExerciseID,
			SetID:      c.SetID,
			SetOrder:   c.SetOrder,
		}
		a.bySet[c.SetID] = agg
	}
	agg.Append(chunk)
	return true
}

// collect returns the aggregates ordered like the sets in snap
func (a *aggregator) collect(snap Snapshot) []model.SensorAggregate {
	var out []model.SensorAggregate
	seen := make(map[string]bool, len(a.bySet))
	for _, ex := range snap.Exercises {
		for _, s := range ex.Sets {
			if agg, ok := a.bySet[s.ID]; ok {
				out = append(out, *agg)
				seen[s.ID] = true
			}
		}
	}
	// data for sets the session no longer knows about still gets stored
	var rest []string
	for id := range a.bySet {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	for _, id := range rest {
		out = append(out, *a.bySet[id])
	}
	return out
}
