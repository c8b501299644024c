package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// InsertRumor persists a draft or published rumor.
func (s *Store) InsertRumor(ctx context.Context, r models.Rumor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var publishedAt any
		if r.PublishedAt != nil {
			publishedAt = *r.PublishedAt
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rumors (rumor_id, theatre_id, author_id, content, target_thread,
			                     target_character, status, credibility, spread_count,
			                     published_at, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RumorID, r.TheatreID, r.AuthorID, r.Content, nullable(r.TargetThread),
			nullable(r.TargetCharacter), string(r.Status), r.Credibility, r.SpreadCount,
			publishedAt, r.ExpiresAt, r.CreatedAt)
		if uniqueViolation(err) {
			return apperr.Conflictf("rumor %q already exists", r.RumorID)
		}
		return classify(err, "insert rumor")
	})
}

// GetRumor reads one rumor.
func (s *Store) GetRumor(ctx context.Context, rumorID string) (models.Rumor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rumor_id, theatre_id, author_id, content, target_thread, target_character,
		        status, credibility, spread_count, published_at, expires_at, created_at
		   FROM rumors WHERE rumor_id = ?`, rumorID)
	return scanRumor(row)
}

func scanRumor(row rowScanner) (models.Rumor, error) {
	var r models.Rumor
	var thread, character sql.NullString
	var status string
	var publishedAt sql.NullTime
	err := row.Scan(&r.RumorID, &r.TheatreID, &r.AuthorID, &r.Content, &thread, &character,
		&status, &r.Credibility, &r.SpreadCount, &publishedAt, &r.ExpiresAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, apperr.NotFoundf("rumor not found")
	}
	if err != nil {
		return r, classify(err, "read rumor")
	}
	r.TargetThread, r.TargetCharacter = thread.String, character.String
	r.Status = models.RumorStatus(status)
	if publishedAt.Valid {
		t := publishedAt.Time
		r.PublishedAt = &t
	}
	return r, nil
}

// PublishRumor moves a draft to active with its publish time and expiry.
func (s *Store) PublishRumor(ctx context.Context, rumorID string, publishedAt, expiresAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rumors SET status = 'active', published_at = ?, expires_at = ?
			  WHERE rumor_id = ? AND status = 'draft'`, publishedAt, expiresAt, rumorID)
		if err != nil {
			return classify(err, "publish rumor")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "publish rumor")
		}
		if n == 0 {
			return apperr.Conflictf("rumor %q is not a draft", rumorID)
		}
		return nil
	})
}

// RecordSpreadTx inserts the (rumor, spreader) row, bumps the spread
// count, and flips active -> viral at the threshold — one transaction, so
// the count a reader sees always matches the spread rows. Returns the new
// count and whether the rumor just went viral.
func (s *Store) RecordSpreadTx(ctx context.Context, sp models.Spread) (int, bool, error) {
	var count int
	var wentViral bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rumor_spreads (spread_id, rumor_id, spreader_id, stage_id, at)
			 VALUES (?, ?, ?, ?, ?)`,
			sp.SpreadID, sp.RumorID, sp.SpreaderID, nullable(sp.StageID), sp.At); err != nil {
			if uniqueViolation(err) {
				return apperr.Validationf("user %q has already spread this rumor", sp.SpreaderID)
			}
			return classify(err, "insert spread")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rumors SET spread_count = spread_count + 1 WHERE rumor_id = ?`, sp.RumorID); err != nil {
			return classify(err, "bump spread count")
		}
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status, spread_count FROM rumors WHERE rumor_id = ?`, sp.RumorID).
			Scan(&status, &count); err != nil {
			return classify(err, "read spread count")
		}
		if models.RumorStatus(status) == models.RumorActive && count >= models.ViralSpreadThreshold {
			if _, err := tx.ExecContext(ctx,
				`UPDATE rumors SET status = 'viral' WHERE rumor_id = ?`, sp.RumorID); err != nil {
				return classify(err, "mark viral")
			}
			wentViral = true
		}
		return nil
	})
	return count, wentViral, err
}

// DebunkRumor marks a rumor debunked.
func (s *Store) DebunkRumor(ctx context.Context, rumorID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rumors SET status = 'debunked' WHERE rumor_id = ? AND status IN ('active', 'viral')`, rumorID)
		if err != nil {
			return classify(err, "debunk rumor")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "debunk rumor")
		}
		if n == 0 {
			return apperr.Conflictf("rumor %q is not active", rumorID)
		}
		return nil
	})
}

// ListRumors returns a theatre's rumors, optionally filtered by status.
func (s *Store) ListRumors(ctx context.Context, theatreID string, status models.RumorStatus) ([]models.Rumor, error) {
	query := `SELECT rumor_id, theatre_id, author_id, content, target_thread, target_character,
	                 status, credibility, spread_count, published_at, expires_at, created_at
	            FROM rumors WHERE theatre_id = ?`
	args := []any{theatreID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list rumors")
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
	return out, classify(rows.Err(), "iterate rumors")
}

// StageSpreadHeat counts spreads per stage for non-expired rumors of one
// theatre; the scheduler may read this as a heat signal.
func (s *Store) StageSpreadHeat(ctx context.Context, theatreID string, now time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sp.stage_id, COUNT(*)
		   FROM rumor_spreads sp
		   JOIN rumors r ON r.rumor_id = sp.rumor_id
		  WHERE r.theatre_id = ? AND r.expires_at > ? AND sp.stage_id IS NOT NULL
		  GROUP BY sp.stage_id`, theatreID, now)
	if err != nil {
		return nil, classify(err, "read stage heat")
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, classify(err, "scan stage heat")
		}
		out[stage] = n
	}
	return out, classify(rows.Err(), "iterate stage heat")
}

// ExpireRumors transitions overdue active/viral rumors to expired and
// returns the affected ids.
func (s *Store) ExpireRumors(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT rumor_id FROM rumors WHERE status IN ('active', 'viral') AND expires_at <= ?`, now)
		if err != nil {
			return classify(err, "list overdue rumors")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return classify(err, "scan overdue rumor")
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return classify(err, "iterate overdue rumors")
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE rumors SET status = 'expired' WHERE status IN ('active', 'viral') AND expires_at <= ?`, now)
		return classify(err, "expire rumors")
	})
	return ids, err
}
