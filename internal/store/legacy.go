package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
)

// legacyColumns holds the per-sample column of each channel, indexed by model.Channel
var legacyColumns = [model.ChannelCount]string{
	"accel_x", "accel_y", "accel_z",
	"rotation_x", "rotation_y", "rotation_z",
	"gravity_x", "gravity_y", "gravity_z",
	"attitude_roll", "attitude_pitch", "attitude_yaw",
	"magnetic_x", "magnetic_y", "magnetic_z",
}

// a record is legacy when it has no format version and still carries a sample timestamp
const legacyWhere = `format_version = 0 AND ts IS NOT NULL`

type legacyGroup struct {
	sessionID, setID string
}

// MigrateLegacy rewrites per-sample rows into one blob-backed record per set. Each set is
// converted in its own transaction; converted and blob-backed records are never touched
// again, so running it twice is a no-op. It returns the number of sets converted.
func (h *HistoryStore) MigrateLegacy(ctx context.Context) (int, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT session_id, set_id FROM sensor_records
		WHERE `+legacyWhere+`
		GROUP BY session_id, set_id
		ORDER BY MIN(id)`)
	if err != nil {
		return 0, fmt.Errorf("store: find legacy records: %w", err)
	}
	var groups []legacyGroup
	for rows.Next() {
		var g legacyGroup
		if err := rows.Scan(&g.sessionID, &g.setID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan legacy group: %w", err)
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	migrated := 0
	for _, g := range groups {
		ok, err := h.migrateLegacySet(ctx, g)
		if err != nil {
			return migrated, err
		}
		if ok {
			migrated++
		}
	}
	if migrated > 0 {
		h.logger.Printf("Store: migrated %d legacy sensor set(s)", migrated)
	}
	return migrated, nil
}

func (h *HistoryStore) migrateLegacySet(ctx context.Context, g legacyGroup) (bool, error) {
	agg, ids, err := h.loadLegacySet(ctx, g)
	if err != nil || len(ids) == 0 {
		return false, err
	}

	data, err := codec.Encode(agg)
	if err != nil {
		return false, fmt.Errorf("store: encode legacy set %s: %w", g.setID, err)
	}
	key := legacyKey(g.sessionID, g.setID, ids[0])
	if err := h.blobs.Put(ctx, key, data); err != nil {
		return false, err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	nulls := make([]string, len(legacyColumns))
	for i, col := range legacyColumns {
		nulls[i] = col + " = NULL"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sensor_records SET format_version = ?, blob_ref = ?, sample_count = ?, started_at = ?, ended_at = ?,
			ts = NULL, frequency = NULL, sample_index = NULL, `+strings.Join(nulls, ", ")+`
		WHERE id = ? AND `+legacyWhere,
		codec.FormatVersion, key, len(agg.Samples), nullTime(agg.StartedAt), nullTime(agg.EndedAt), ids[0])
	if err != nil {
		return false, fmt.Errorf("store: convert legacy record %d: %w", ids[0], err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// converted by someone else in the meantime
		return false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)-1), ",")
	if placeholders != "" {
		args := make([]any, 0, len(ids)-1)
		for _, id := range ids[1:] {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sensor_records WHERE `+legacyWhere+` AND id IN (`+placeholders+`)`, args...); err != nil {
			return false, fmt.Errorf("store: remove legacy records: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

// loadLegacySet reads the samples of one set in capture order along with their row ids
func (h *HistoryStore) loadLegacySet(ctx context.Context, g legacyGroup) (model.SensorAggregate, []int64, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, exercise_id, set_order, ts, frequency, sample_index, `+strings.Join(legacyColumns[:], ", ")+`
		FROM sensor_records
		WHERE session_id = ? AND set_id = ? AND `+legacyWhere+`
		ORDER BY ts, id`, g.sessionID, g.setID)
	if err != nil {
		return model.SensorAggregate{}, nil, fmt.Errorf("store: read legacy set %s: %w", g.setID, err)
	}
	defer rows.Close()

	agg := model.SensorAggregate{SessionID: g.sessionID, SetID: g.setID}
	var (
		ids     []int64
		samples []model.SensorSample
	)
	for rows.Next() {
		var (
			id         int64
			exerciseID string
			setOrder   int
			ts         float64
			freq       sql.NullFloat64
			index      sql.NullInt64
			values     [model.ChannelCount]sql.NullFloat64
		)
		dest := []any{&id, &exerciseID, &setOrder, &ts, &freq, &index}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return model.SensorAggregate{}, nil, fmt.Errorf("store: scan legacy record: %w", err)
		}

		sample := model.SensorSample{Timestamp: ts, Frequency: freq.Float64, SampleCount: index.Int64}
		for ch, v := range values {
			if v.Valid {
				sample = sample.With(model.Channel(ch), v.Float64)
			}
		}
		ids = append(ids, id)
		samples = append(samples, sample)
		agg.ExerciseID = exerciseID
		agg.SetOrder = setOrder
	}
	if err := rows.Err(); err != nil {
		return model.SensorAggregate{}, nil, err
	}

	return agg.AppendChunk(model.SensorChunk{Samples: samples}), ids, nil
}
