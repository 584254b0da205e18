package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
)

// ErrNotFound is returned when a workout or set has no stored record
var ErrNotFound = errors.New("store: not found")

// WorkoutSummary is one row of the workout history
type WorkoutSummary struct {
	SessionID     string        `json:"sessionId"`
	PlanID        string        `json:"planId"`
	PlanTitle     string        `json:"planTitle"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       time.Time     `json:"endedAt"`
	Elapsed       time.Duration `json:"elapsed"`
	CompletedSets int           `json:"completedSets"`
	HeartRate     *int          `json:"heartRate,omitempty"`
	Calories      *float64      `json:"calories,omitempty"`
}

// SetRecord is a stored set
type SetRecord struct {
	SetID         string    `json:"setId"`
	ExerciseID    string    `json:"exerciseId"`
	ExerciseName  string    `json:"exerciseName"`
	ExerciseIndex int       `json:"exerciseIndex"`
	Order         int       `json:"order"`
	TargetReps    int       `json:"targetReps"`
	ActualReps    int       `json:"actualReps"`
	Weight        float64   `json:"weight"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	Samples       int       `json:"samples"` // sensor samples stored for the set
}

// HistoryStore writes finished workouts and reads them back
type HistoryStore struct {
	db     *DB
	blobs  BlobStore
	logger *log.Logger
}

func NewHistoryStore(db *DB, blobs BlobStore, logger *log.Logger) *HistoryStore {
	if db == nil {
		panic("HistoryStore: db cannot be nil")
	}
	if blobs == nil {
		panic("HistoryStore: blob store cannot be nil")
	}
	if logger == nil {
		panic("HistoryStore: logger cannot be nil")
	}
	return &HistoryStore{db: db, blobs: blobs, logger: logger}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return codec.FormatTime(t)
}

func scanTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return codec.ParseTime(s.String)
}

// WriteWorkout stores rec. Blobs are written first so a committed row never points at a
// missing blob. Writing the same session again replaces it.
func (h *HistoryStore) WriteWorkout(ctx context.Context, rec session.WorkoutRecord) error {
	snap := rec.Snapshot
	if snap.SessionID == "" {
		return errors.New("store: workout without session id")
	}

	refs := make([]string, len(rec.Aggregates))
	for i, agg := range rec.Aggregates {
		data, err := codec.Encode(agg)
		if err != nil {
			return fmt.Errorf("store: encode set %s: %w", agg.SetID, err)
		}
		refs[i] = aggregateKey(snap.SessionID, agg.SetID)
		if err := h.blobs.Put(ctx, refs[i], data); err != nil {
			return err
		}
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var heartRate, calories any
	if snap.HeartRate != nil {
		heartRate = *snap.HeartRate
	}
	if snap.Calories != nil {
		calories = *snap.Calories
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workouts (session_id, plan_id, plan_title, started_at, ended_at, elapsed_ms, heart_rate, calories)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			plan_id = excluded.plan_id, plan_title = excluded.plan_title,
			started_at = excluded.started_at, ended_at = excluded.ended_at,
			elapsed_ms = excluded.elapsed_ms, heart_rate = excluded.heart_rate, calories = excluded.calories`,
		snap.SessionID, snap.PlanID, snap.PlanTitle, nullTime(snap.StartedAt), nullTime(snap.EndedAt),
		snap.Elapsed.Milliseconds(), heartRate, calories)
	if err != nil {
		return fmt.Errorf("store: insert workout: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workout_sets WHERE session_id = ?`, snap.SessionID); err != nil {
		return fmt.Errorf("store: clear sets: %w", err)
	}
	for _, ex := range snap.Exercises {
		for _, s := range ex.Sets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workout_sets (set_id, session_id, exercise_id, exercise_name, exercise_index, set_order,
					target_reps, actual_reps, weight, status, started_at, completed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, snap.SessionID, ex.ID, ex.Name, ex.Index, s.Order,
				s.TargetReps, s.ActualReps, s.Weight, s.Status.String(), nullTime(s.StartedAt), nullTime(s.CompletedAt))
			if err != nil {
				return fmt.Errorf("store: insert set %s: %w", s.ID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sensor_records WHERE session_id = ? AND format_version >= 1`, snap.SessionID); err != nil {
		return fmt.Errorf("store: clear sensor records: %w", err)
	}
	for i, agg := range rec.Aggregates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sensor_records (session_id, exercise_id, set_id, set_order, format_version, blob_ref,
				sample_count, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.SessionID, agg.ExerciseID, agg.SetID, agg.SetOrder, codec.FormatVersion, refs[i],
			len(agg.Samples), nullTime(agg.StartedAt), nullTime(agg.EndedAt))
		if err != nil {
			return fmt.Errorf("store: insert sensor record %s: %w", agg.SetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	h.logger.Printf("Store: saved workout %s (%d set aggregate(s))", snap.SessionID, len(rec.Aggregates))
	return nil
}

// ListWorkouts returns the most recent workouts first; limit <= 0 returns all
func (h *HistoryStore) ListWorkouts(ctx context.Context, limit int) ([]WorkoutSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT w.session_id, w.plan_id, w.plan_title, w.started_at, w.ended_at, w.elapsed_ms, w.heart_rate, w.calories,
			(SELECT COUNT(*) FROM workout_sets s WHERE s.session_id = w.session_id AND s.status = 'completed')
		FROM workouts w
		ORDER BY w.started_at DESC, w.session_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list workouts: %w", err)
	}
	defer rows.Close()

	var out []WorkoutSummary
	for rows.Next() {
		var (
			w              WorkoutSummary
			started, ended sql.NullString
			elapsedMs      int64
			heartRate      sql.NullInt64
			calories       sql.NullFloat64
		)
		if err := rows.Scan(&w.SessionID, &w.PlanID, &w.PlanTitle, &started, &ended, &elapsedMs, &heartRate, &calories, &w.CompletedSets); err != nil {
			return nil, fmt.Errorf("store: scan workout: %w", err)
		}
		if w.StartedAt, err = scanTime(started); err != nil {
			return nil, err
		}
		if w.EndedAt, err = scanTime(ended); err != nil {
			return nil, err
		}
		w.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		if heartRate.Valid {
			hr := int(heartRate.Int64)
			w.HeartRate = &hr
		}
		if calories.Valid {
			w.Calories = &calories.Float64
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WorkoutSets returns the sets of a workout in exercise and set order
func (h *HistoryStore) WorkoutSets(ctx context.Context, sessionID string) ([]SetRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT s.set_id, s.exercise_id, s.exercise_name, s.exercise_index, s.set_order, s.target_reps, s.actual_reps,
			s.weight, s.status, s.started_at, s.completed_at,
			COALESCE((SELECT SUM(r.sample_count) FROM sensor_records r
				WHERE r.session_id = s.session_id AND r.set_id = s.set_id AND r.format_version >= 1), 0)
		FROM workout_sets s
		WHERE s.session_id = ?
		ORDER BY s.exercise_index, s.set_order`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list sets: %w", err)
	}
	defer rows.Close()

	var out []SetRecord
	for rows.Next() {
		var (
			s                  SetRecord
			started, completed sql.NullString
		)
		if err := rows.Scan(&s.SetID, &s.ExerciseID, &s.ExerciseName, &s.ExerciseIndex, &s.Order, &s.TargetReps,
			&s.ActualReps, &s.Weight, &s.Status, &started, &completed, &s.Samples); err != nil {
			return nil, fmt.Errorf("store: scan set: %w", err)
		}
		if s.StartedAt, err = scanTime(started); err != nil {
			return nil, err
		}
		if s.CompletedAt, err = scanTime(completed); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		var n int
		if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workouts WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
			return nil, fmt.Errorf("store: lookup workout: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: workout %s", ErrNotFound, sessionID)
		}
	}
	return out, nil
}

// LoadAggregate reads and decodes the sensor data stored for a set. Several records for the
// same set (a migrated legacy one next to a live one) are merged in time order.
func (h *HistoryStore) LoadAggregate(ctx context.Context, sessionID, setID string) (model.SensorAggregate, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT blob_ref FROM sensor_records
		WHERE session_id = ? AND set_id = ? AND format_version >= 1 AND blob_ref IS NOT NULL
		ORDER BY started_at, id`, sessionID, setID)
	if err != nil {
		return model.SensorAggregate{}, fmt.Errorf("store: lookup sensor records: %w", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return model.SensorAggregate{}, fmt.Errorf("store: scan sensor record: %w", err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.SensorAggregate{}, err
	}
	if len(refs) == 0 {
		return model.SensorAggregate{}, fmt.Errorf("%w: sensor data for set %s", ErrNotFound, setID)
	}

	var out model.SensorAggregate
	for i, ref := range refs {
		data, err := h.blobs.Get(ctx, ref)
		if err != nil {
			return model.SensorAggregate{}, err
		}
		agg, err := codec.Decode(data)
		if err != nil {
			return model.SensorAggregate{}, fmt.Errorf("store: blob %s: %w", ref, err)
		}
		if i == 0 {
			out = agg
			continue
		}
		out = out.AppendChunk(model.SensorChunk{Samples: agg.Samples})
	}
	return out, nil
}
