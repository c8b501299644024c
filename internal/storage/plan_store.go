package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// InsertPlanTx persists one hour plan, marks its slot published, and
// inserts the gate instances the plan carries — all in one transaction,
// so a crash never leaves a published slot without its gates. A slot
// that is already published surfaces as conflict; the scheduler driver
// treats that as plan-already-exists.
func (s *Store) InsertPlanTx(ctx context.Context, plan models.HourPlan, gates []models.GateInstance) error {
	beats, err := json.Marshal(plan.Beats)
	if err != nil {
		return apperr.Storagef(err, "encode plan beats")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO published_slots (theatre_id, slot_start, plan_id) VALUES (?, ?, ?)`,
			plan.TheatreID, plan.SlotStart, plan.PlanID); err != nil {
			if uniqueViolation(err) {
				return apperr.Conflictf("slot %s already planned for theatre %q",
					plan.SlotStart.Format(time.RFC3339), plan.TheatreID)
			}
			return classify(err, "publish slot")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hour_plans (plan_id, theatre_id, slot_start, primary_thread_id,
			                         support_thread_ids, beats, gates, generated_at, source, explain_note)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.PlanID, plan.TheatreID, plan.SlotStart, plan.PrimaryThreadID,
			strings.Join(plan.SupportThreadIDs, ","), string(beats),
			strings.Join(plan.GateIDs, ","), plan.GeneratedAt, string(plan.Source),
			nullable(plan.ExplainNote)); err != nil {
			return classify(err, "insert hour plan")
		}
		for _, g := range gates {
			if err := insertGateTx(ctx, tx, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasPlanForSlot reports whether a plan is already published for the
// slot, letting the scheduler tick skip work it has already done.
func (s *Store) HasPlanForSlot(ctx context.Context, theatreID string, slotStart time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM published_slots WHERE theatre_id = ? AND slot_start = ?`, theatreID, slotStart)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classify(err, "check published slot")
	}
	return true, nil
}

// ListRecentPlans returns the latest n plans for a theatre, newest first.
// The scheduler reads these for variety weighting and staleness boosts.
func (s *Store) ListRecentPlans(ctx context.Context, theatreID string, n int) ([]models.HourPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id, theatre_id, slot_start, primary_thread_id, support_thread_ids,
		        beats, gates, generated_at, source, explain_note
		   FROM hour_plans WHERE theatre_id = ?
		  ORDER BY slot_start DESC LIMIT ?`, theatreID, n)
	if err != nil {
		return nil, classify(err, "list recent plans")
	}
	defer rows.Close()
	var out []models.HourPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err(), "iterate plans")
}

// GetPlanBySlot returns the published plan for one slot.
func (s *Store) GetPlanBySlot(ctx context.Context, theatreID string, slotStart time.Time) (models.HourPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT plan_id, theatre_id, slot_start, primary_thread_id, support_thread_ids,
		        beats, gates, generated_at, source, explain_note
		   FROM hour_plans WHERE theatre_id = ? AND slot_start = ?`, theatreID, slotStart)
	return scanPlan(row)
}

func scanPlan(row rowScanner) (models.HourPlan, error) {
	var p models.HourPlan
	var supports, beats, gates, source string
	var note sql.NullString
	err := row.Scan(&p.PlanID, &p.TheatreID, &p.SlotStart, &p.PrimaryThreadID,
		&supports, &beats, &gates, &p.GeneratedAt, &source, &note)
	if err == sql.ErrNoRows {
		return p, apperr.NotFoundf("hour plan not found")
	}
	if err != nil {
		return p, classify(err, "read hour plan")
	}
	if supports != "" {
		p.SupportThreadIDs = strings.Split(supports, ",")
	}
	if gates != "" {
		p.GateIDs = strings.Split(gates, ",")
	}
	if err := json.Unmarshal([]byte(beats), &p.Beats); err != nil {
		return p, apperr.Storagef(err, "decode plan beats")
	}
	p.Source = models.PlanSource(source)
	p.ExplainNote = note.String
	return p, nil
}
