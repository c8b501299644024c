package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// InsertEvidence persists a newly granted item.
func (s *Store) InsertEvidence(ctx context.Context, e models.Evidence) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return apperr.Storagef(err, "encode evidence metadata")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO evidences (evidence_id, theatre_id, owner_id, name, grade, rarity, type,
			                        source_scene, source_stage, obtained_at, expires_at,
			                        verified, tradeable, consumed, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EvidenceID, e.TheatreID, e.OwnerID, e.Name, string(e.Grade), e.Rarity, e.Type,
			nullable(e.SourceScene), nullable(e.SourceStage), e.ObtainedAt, e.ExpiresAt,
			e.Verified, e.Tradeable, e.Consumed, string(meta))
		if uniqueViolation(err) {
			return apperr.Conflictf("evidence %q already exists", e.EvidenceID)
		}
		return classify(err, "insert evidence")
	})
}

// GetEvidence reads one item, expired or not; the caller decides whether
// an expired item may be mutated.
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (models.Evidence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT evidence_id, theatre_id, owner_id, name, grade, rarity, type, source_scene,
		        source_stage, obtained_at, expires_at, verified, tradeable, consumed, metadata
		   FROM evidences WHERE evidence_id = ?`, evidenceID)
	return scanEvidence(row)
}

func scanEvidence(row rowScanner) (models.Evidence, error) {
	var e models.Evidence
	var grade string
	var rarity, typ, scene, stage, meta sql.NullString
	err := row.Scan(&e.EvidenceID, &e.TheatreID, &e.OwnerID, &e.Name, &grade, &rarity, &typ,
		&scene, &stage, &e.ObtainedAt, &e.ExpiresAt, &e.Verified, &e.Tradeable, &e.Consumed, &meta)
	if err == sql.ErrNoRows {
		return e, apperr.NotFoundf("evidence not found")
	}
	if err != nil {
		return e, classify(err, "read evidence")
	}
	e.Grade = models.Grade(grade)
	e.Rarity, e.Type, e.SourceScene, e.SourceStage = rarity.String, typ.String, scene.String, stage.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return e, apperr.Storagef(err, "decode evidence metadata")
		}
	}
	return e, nil
}

// ListEvidenceByOwner returns a user's non-expired items in a theatre.
func (s *Store) ListEvidenceByOwner(ctx context.Context, theatreID, ownerID string, now time.Time) ([]models.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_id, theatre_id, owner_id, name, grade, rarity, type, source_scene,
		        source_stage, obtained_at, expires_at, verified, tradeable, consumed, metadata
		   FROM evidences
		  WHERE theatre_id = ? AND owner_id = ? AND expires_at > ?
		  ORDER BY obtained_at DESC`, theatreID, ownerID, now)
	if err != nil {
		return nil, classify(err, "list evidence")
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
	return out, classify(rows.Err(), "iterate evidence")
}

// TransferEvidenceTx changes the owner and writes the audit record in one
// transaction. The WHERE clause re-asserts every transfer precondition
// against the live row, so a racing transfer or consume loses cleanly.
func (s *Store) TransferEvidenceTx(ctx context.Context, t models.Transfer, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE evidences SET owner_id = ?
			  WHERE evidence_id = ? AND owner_id = ? AND consumed = false
			    AND tradeable = true AND expires_at > ?`,
			t.ToUserID, t.EvidenceID, t.FromUserID, now)
		if err != nil {
			return classify(err, "transfer evidence")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "transfer evidence")
		}
		if n == 0 {
			return apperr.Conflictf("evidence %q not transferable by %q", t.EvidenceID, t.FromUserID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO evidence_transfers (transfer_id, evidence_id, from_user_id, to_user_id, transferred_at)
			 VALUES (?, ?, ?, ?, ?)`,
			t.TransferID, t.EvidenceID, t.FromUserID, t.ToUserID, t.TransferredAt)
		return classify(err, "insert transfer record")
	})
}

// MarkEvidenceConsumed flips the one-way consumed flag.
func (s *Store) MarkEvidenceConsumed(ctx context.Context, evidenceID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE evidences SET consumed = true
			  WHERE evidence_id = ? AND consumed = false AND expires_at > ?`, evidenceID, now)
		if err != nil {
			return classify(err, "consume evidence")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "consume evidence")
		}
		if n == 0 {
			return apperr.Conflictf("evidence %q already consumed or expired", evidenceID)
		}
		return nil
	})
}

// MarkEvidenceVerified records a successful verification.
func (s *Store) MarkEvidenceVerified(ctx context.Context, evidenceID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE evidences SET verified = true WHERE evidence_id = ?`, evidenceID)
		return classify(err, "verify evidence")
	})
}

// ListEvidenceExpiringBefore returns non-consumed items whose expiry
// falls in (now, deadline]; the sweeper turns these into expiring
// notifications.
func (s *Store) ListEvidenceExpiringBefore(ctx context.Context, now, deadline time.Time) ([]models.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT evidence_id, theatre_id, owner_id, name, grade, rarity, type, source_scene,
		        source_stage, obtained_at, expires_at, verified, tradeable, consumed, metadata
		   FROM evidences
		  WHERE consumed = false AND expires_at > ? AND expires_at <= ?`, now, deadline)
	if err != nil {
		return nil, classify(err, "list expiring evidence")
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
	return out, classify(rows.Err(), "iterate expiring evidence")
}
