package storage

import (
	"context"
	"time"

	"github.com/theatreos/engine/internal/models"
)

// Archive queries: the read-only surface over expired entities. Expired
// rows are never mutated and never feed live state; these methods exist
// so players and operators can still look at what the world used to hold.

// ListExpiredEvidence returns a theatre's expired evidence, newest first.
func (s *Store) ListExpiredEvidence(ctx context.Context, theatreID string, now time.Time, limit int) ([]models.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_id, theatre_id, owner_id, name, grade, rarity, type, source_scene,
		        source_stage, obtained_at, expires_at, verified, tradeable, consumed, metadata
		   FROM evidences WHERE theatre_id = ? AND expires_at <= ?
		  ORDER BY expires_at DESC LIMIT ?`, theatreID, now, limit)
	if err != nil {
		return nil, classify(err, "list expired evidence")
	}
	defer rows.Close()
	var out []models.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "iterate expired evidence")
}

// ListExpiredRumors returns a theatre's expired rumors, newest first.
func (s *Store) ListExpiredRumors(ctx context.Context, theatreID string, limit int) ([]models.Rumor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rumor_id, theatre_id, author_id, content, target_thread, target_character,
		        status, credibility, spread_count, published_at, expires_at, created_at
		   FROM rumors WHERE theatre_id = ? AND status = 'expired'
		  ORDER BY expires_at DESC LIMIT ?`, theatreID, limit)
	if err != nil {
		return nil, classify(err, "list expired rumors")
	}
	defer rows.Close()
	var out []models.Rumor
	for rows.Next() {
		r, err := scanRumor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "iterate expired rumors")
}

// ListExpiredTraces returns a theatre's expired traces, newest first.
func (s *Store) ListExpiredTraces(ctx context.Context, theatreID string, now time.Time, limit int) ([]models.Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trace_id, theatre_id, creator_id, stage_id, type, content, visibility,
		        discovery_difficulty, created_at, expires_at, discovery_count
		   FROM traces WHERE theatre_id = ? AND expires_at <= ?
		  ORDER BY expires_at DESC LIMIT ?`, theatreID, now, limit)
	if err != nil {
		return nil, classify(err, "list expired traces")
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
	return out, classify(rows.Err(), "iterate expired traces")
}
