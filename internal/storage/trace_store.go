package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// InsertTrace persists a newly left trace.
func (s *Store) InsertTrace(ctx context.Context, t models.Trace) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO traces (trace_id, theatre_id, creator_id, stage_id, type, content,
			                     visibility, discovery_difficulty, created_at, expires_at, discovery_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TraceID, t.TheatreID, t.CreatorID, t.StageID, string(t.Type), nullable(t.Content),
			string(t.Visibility), t.DiscoveryDifficulty, t.CreatedAt, t.ExpiresAt, t.DiscoveryCount)
		if uniqueViolation(err) {
			return apperr.Conflictf("trace %q already exists", t.TraceID)
		}
		return classify(err, "insert trace")
	})
}

// GetTrace reads one trace.
func (s *Store) GetTrace(ctx context.Context, traceID string) (models.Trace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trace_id, theatre_id, creator_id, stage_id, type, content, visibility,
		        discovery_difficulty, created_at, expires_at, discovery_count
		   FROM traces WHERE trace_id = ?`, traceID)
	return scanTrace(row)
}

func scanTrace(row rowScanner) (models.Trace, error) {
	var t models.Trace
	var typ, vis string
	var content sql.NullString
	err := row.Scan(&t.TraceID, &t.TheatreID, &t.CreatorID, &t.StageID, &typ, &content,
		&vis, &t.DiscoveryDifficulty, &t.CreatedAt, &t.ExpiresAt, &t.DiscoveryCount)
	if err == sql.ErrNoRows {
		return t, apperr.NotFoundf("trace not found")
	}
	if err != nil {
		return t, classify(err, "read trace")
	}
	t.Type, t.Visibility, t.Content = models.TraceType(typ), models.Visibility(vis), content.String
	return t, nil
}

// ListTracesAtStage returns the non-expired traces at a stage.
func (s *Store) ListTracesAtStage(ctx context.Context, stageID string, now time.Time) ([]models.Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trace_id, theatre_id, creator_id, stage_id, type, content, visibility,
		        discovery_difficulty, created_at, expires_at, discovery_count
		   FROM traces WHERE stage_id = ? AND expires_at > ?
		  ORDER BY created_at DESC`, stageID, now)
	if err != nil {
		return nil, classify(err, "list traces")
	}
	defer rows.Close()
	var out []models.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err(), "iterate traces")
}

// RecordDiscoveryTx inserts the one-per-(trace, discoverer) attempt row
// and, when the attempt succeeded, bumps the trace's discovery count in
// the same transaction. A repeat attempt surfaces as validation_error.
func (s *Store) RecordDiscoveryTx(ctx context.Context, d models.Discovery) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trace_discoveries (discovery_id, trace_id, discoverer_id, at, success)
			 VALUES (?, ?, ?, ?, ?)`,
			d.DiscoveryID, d.TraceID, d.DiscovererID, d.At, d.Success); err != nil {
			if uniqueViolation(err) {
				return apperr.Validationf("user %q has already attempted this trace", d.DiscovererID)
			}
			return classify(err, "insert discovery")
		}
		if !d.Success {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE traces SET discovery_count = discovery_count + 1 WHERE trace_id = ?`, d.TraceID)
		return classify(err, "bump discovery count")
	})
}

// CountActiveTraces counts non-expired traces at a stage for the density
// heat bucket.
func (s *Store) CountActiveTraces(ctx context.Context, stageID string, now time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM traces WHERE stage_id = ? AND expires_at > ?`, stageID, now)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, classify(err, "count traces")
	}
	return n, nil
}
