package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// GetWorldState returns the stored current-state rows for a theatre.
// Rows that no delta has touched are absent; the Kernel overlays pack
// defaults.
func (s *Store) GetWorldState(ctx context.Context, theatreID string) (models.WorldState, error) {
	state := models.WorldState{
		TheatreID: theatreID,
		Variables: make(map[string]float64),
		Threads:   make(map[string]models.ThreadState),
		Objects:   make(map[string]string),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT var_id, value FROM world_var_current WHERE theatre_id = ?`, theatreID)
	if err != nil {
		return state, classify(err, "read world_var_current")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return state, classify(err, "scan world_var_current")
		}
		state.Variables[id] = v
	}
	if err := rows.Err(); err != nil {
		return state, classify(err, "iterate world_var_current")
	}

	trows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, phase, progress, last_advanced_at FROM thread_state_current WHERE theatre_id = ?`, theatreID)
	if err != nil {
		return state, classify(err, "read thread_state_current")
	}
	defer trows.Close()
	for trows.Next() {
		var id string
		var ts models.ThreadState
		if err := trows.Scan(&id, &ts.Phase, &ts.Progress, &ts.LastAdvancedAt); err != nil {
			return state, classify(err, "scan thread_state_current")
		}
		state.Threads[id] = ts
	}
	if err := trows.Err(); err != nil {
		return state, classify(err, "iterate thread_state_current")
	}

	orows, err := s.db.QueryContext(ctx,
		`SELECT object_id, holder FROM object_holder_current WHERE theatre_id = ?`, theatreID)
	if err != nil {
		return state, classify(err, "read object_holder_current")
	}
	defer orows.Close()
	for orows.Next() {
		var id, holder string
		if err := orows.Scan(&id, &holder); err != nil {
			return state, classify(err, "scan object_holder_current")
		}
		state.Objects[id] = holder
	}
	return state, classify(orows.Err(), "iterate object_holder_current")
}

// GetAppliedDelta looks up a previously applied delta by idempotency key.
func (s *Store) GetAppliedDelta(ctx context.Context, theatreID, idempotencyKey string) (*models.AppliedDeltaRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT d.delta_id, d.theatre_id, d.idempotency_key, d.cause,
		        d.var_changes, d.thread_changes, d.object_changes, d.applied_at
		   FROM world_delta_idempotency i
		   JOIN world_deltas d ON d.delta_id = i.delta_id
		  WHERE i.theatre_id = ? AND i.idempotency_key = ?`,
		theatreID, idempotencyKey)

	var rec models.AppliedDeltaRecord
	var varRaw, threadRaw, objRaw string
	err := row.Scan(&rec.DeltaID, &rec.TheatreID, &rec.IdempotencyKey, &rec.Cause,
		&varRaw, &threadRaw, &objRaw, &rec.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, "read applied delta")
	}
	if err := json.Unmarshal([]byte(varRaw), &rec.VarChanges); err != nil {
		return nil, false, apperr.Storagef(err, "decode var_changes")
	}
	if err := json.Unmarshal([]byte(threadRaw), &rec.ThreadChanges); err != nil {
		return nil, false, apperr.Storagef(err, "decode thread_changes")
	}
	if err := json.Unmarshal([]byte(objRaw), &rec.ObjectChanges); err != nil {
		return nil, false, apperr.Storagef(err, "decode object_changes")
	}
	return &rec, true, nil
}

// ApplyDeltaTx writes a resolved delta in one transaction: the current-
// state rows it changes, the immutable delta record, the idempotency-key
// row, and one event per affected entity. A duplicate idempotency key
// surfaces as conflict so the Kernel's replay path can take over.
func (s *Store) ApplyDeltaTx(ctx context.Context, record models.AppliedDeltaRecord, changed models.WorldState, events []models.Event) error {
	varRaw, err := json.Marshal(record.VarChanges)
	if err != nil {
		return apperr.Storagef(err, "encode var_changes")
	}
	threadRaw, err := json.Marshal(record.ThreadChanges)
	if err != nil {
		return apperr.Storagef(err, "encode thread_changes")
	}
	objRaw, err := json.Marshal(record.ObjectChanges)
	if err != nil {
		return apperr.Storagef(err, "encode object_changes")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO world_delta_idempotency (theatre_id, idempotency_key, delta_id, created_at)
			 VALUES (?, ?, ?, ?)`,
			record.TheatreID, record.IdempotencyKey, record.DeltaID, record.AppliedAt); err != nil {
			if uniqueViolation(err) {
				return apperr.Conflictf("idempotency key %q already applied", record.IdempotencyKey)
			}
			return classify(err, "insert idempotency key")
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO world_deltas (delta_id, theatre_id, idempotency_key, cause,
			                           var_changes, thread_changes, object_changes, applied_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			record.DeltaID, record.TheatreID, record.IdempotencyKey, record.Cause,
			string(varRaw), string(threadRaw), string(objRaw), record.AppliedAt); err != nil {
			return classify(err, "insert delta record")
		}

		for id, v := range changed.Variables {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO world_var_current (theatre_id, var_id, value, updated_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT (theatre_id, var_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				record.TheatreID, id, v, record.AppliedAt); err != nil {
				return classify(err, "upsert world_var_current")
			}
		}
		for id, ts := range changed.Threads {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO thread_state_current (theatre_id, thread_id, phase, progress, last_advanced_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (theatre_id, thread_id) DO UPDATE SET
				   phase = excluded.phase, progress = excluded.progress, last_advanced_at = excluded.last_advanced_at`,
				record.TheatreID, id, ts.Phase, ts.Progress, ts.LastAdvancedAt); err != nil {
				return classify(err, "upsert thread_state_current")
			}
		}
		for id, holder := range changed.Objects {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO object_holder_current (theatre_id, object_id, holder, updated_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT (theatre_id, object_id) DO UPDATE SET holder = excluded.holder, updated_at = excluded.updated_at`,
				record.TheatreID, id, holder, record.AppliedAt); err != nil {
				return classify(err, "upsert object_holder_current")
			}
		}

		return insertEvents(ctx, tx, events)
	})
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []models.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return apperr.Storagef(err, "encode event payload")
		}
		var targetUser, targetStage string
		if len(ev.Target.UserIDs) > 0 {
			raw, err := json.Marshal(ev.Target.UserIDs)
			if err != nil {
				return apperr.Storagef(err, "encode event target users")
			}
			targetUser = string(raw)
		}
		targetStage = ev.Target.StageID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO world_event_log (event_id, theatre_id, at, kind, payload,
			                              produced_by_delta, target_user_id, target_stage_id, target_theatre)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.TheatreID, ev.At, ev.Kind, string(payload),
			nullable(ev.ProducedByDelta), nullable(targetUser), nullable(targetStage), ev.Target.TheatreWide); err != nil {
			return classify(err, "insert event")
		}
	}
	return nil
}

// AppendEvents appends events outside a delta transaction (engine
// lifecycle events: votes, spreads, discoveries, ...).
func (s *Store) AppendEvents(ctx context.Context, events []models.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvents(ctx, tx, events)
	})
}

// ReplayEvents returns the event log for one theatre in [from, to),
// ordered by time then event id for a stable replay order.
func (s *Store) ReplayEvents(ctx context.Context, theatreID string, from, to time.Time) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, theatre_id, at, kind, payload, produced_by_delta,
		        target_user_id, target_stage_id, target_theatre
		   FROM world_event_log
		  WHERE theatre_id = ? AND at >= ? AND at < ?
		  ORDER BY at, event_id`,
		theatreID, from, to)
	if err != nil {
		return nil, classify(err, "read event log")
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var payload string
		var producedBy, targetUsers, targetStage sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.TheatreID, &ev.At, &ev.Kind, &payload,
			&producedBy, &targetUsers, &targetStage, &ev.Target.TheatreWide); err != nil {
			return nil, classify(err, "scan event")
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, apperr.Storagef(err, "decode event payload")
		}
		ev.ProducedByDelta = producedBy.String
		ev.Target.StageID = targetStage.String
		if targetUsers.Valid && targetUsers.String != "" {
			if err := json.Unmarshal([]byte(targetUsers.String), &ev.Target.UserIDs); err != nil {
				return nil, apperr.Storagef(err, "decode event target users")
			}
		}
		out = append(out, ev)
	}
	return out, classify(rows.Err(), "iterate event log")
}

// InsertSnapshot persists one snapshot row.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.Snapshot) error {
	raw, err := json.Marshal(snap.FullState)
	if err != nil {
		return apperr.Storagef(err, "encode snapshot state")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO world_state_snapshot (snapshot_id, theatre_id, taken_at, state_hash, full_state)
			 VALUES (?, ?, ?, ?, ?)`,
			snap.SnapshotID, snap.TheatreID, snap.TakenAt, snap.StateHash, string(raw))
		return classify(err, "insert snapshot")
	})
}

// LatestSnapshot returns the most recent snapshot for a theatre.
func (s *Store) LatestSnapshot(ctx context.Context, theatreID string) (*models.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_id, theatre_id, taken_at, state_hash, full_state
		   FROM world_state_snapshot WHERE theatre_id = ?
		  ORDER BY taken_at DESC LIMIT 1`, theatreID)
	var snap models.Snapshot
	var raw string
	err := row.Scan(&snap.SnapshotID, &snap.TheatreID, &snap.TakenAt, &snap.StateHash, &raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, "read snapshot")
	}
	if err := json.Unmarshal([]byte(raw), &snap.FullState); err != nil {
		return nil, false, apperr.Storagef(err, "decode snapshot state")
	}
	return &snap, true, nil
}

// nullable maps "" to SQL NULL for optional VARCHAR columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
