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

// gateTally is the JSON blob stored in gate_instances.tally.
type gateTally struct {
	Votes  map[string]int64 `json:"votes"`
	Stakes map[string]int64 `json:"stakes"`
}

// InsertGate inserts one gate instance in state scheduled.
func (s *Store) InsertGate(ctx context.Context, g models.GateInstance) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertGateTx(ctx, tx, g)
	})
}

func insertGateTx(ctx context.Context, tx *sql.Tx, g models.GateInstance) error {
	tally, err := json.Marshal(gateTally{Votes: g.VoteTally, Stakes: g.StakeTally})
	if err != nil {
		return apperr.Storagef(err, "encode gate tally")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO gate_instances (gate_id, theatre_id, slot_id, template_id, options,
		                             open_at, close_at, resolve_at, state, tally)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GateID, g.TheatreID, g.SlotID, g.TemplateID, strings.Join(g.Options, ","),
		g.OpenAt, g.CloseAt, g.ResolveAt, string(g.State), string(tally))
	if uniqueViolation(err) {
		return apperr.Conflictf("gate %q already exists", g.GateID)
	}
	return classify(err, "insert gate")
}

// GetGate reads one gate instance.
func (s *Store) GetGate(ctx context.Context, gateID string) (models.GateInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT gate_id, theatre_id, slot_id, template_id, options, open_at, close_at,
		        resolve_at, state, tally, winning_option, settled_at, explain_card
		   FROM gate_instances WHERE gate_id = ?`, gateID)
	return scanGate(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanGate(row rowScanner) (models.GateInstance, error) {
	var g models.GateInstance
	var options, state, tallyRaw string
	var winning, card sql.NullString
	var settledAt sql.NullTime
	err := row.Scan(&g.GateID, &g.TheatreID, &g.SlotID, &g.TemplateID, &options,
		&g.OpenAt, &g.CloseAt, &g.ResolveAt, &state, &tallyRaw, &winning, &settledAt, &card)
	if err == sql.ErrNoRows {
		return g, apperr.NotFoundf("gate not found")
	}
	if err != nil {
		return g, classify(err, "read gate")
	}
	if options != "" {
		g.Options = strings.Split(options, ",")
	}
	g.State = models.GateState(state)
	var tally gateTally
	if err := json.Unmarshal([]byte(tallyRaw), &tally); err != nil {
		return g, apperr.Storagef(err, "decode gate tally")
	}
	g.VoteTally, g.StakeTally = tally.Votes, tally.Stakes
	g.WinningOption = winning.String
	if settledAt.Valid {
		t := settledAt.Time
		g.SettledAt = &t
	}
	if card.Valid && card.String != "" {
		var ec models.ExplainCard
		if err := json.Unmarshal([]byte(card.String), &ec); err != nil {
			return g, apperr.Storagef(err, "decode explain card")
		}
		g.ExplainCard = &ec
	}
	return g, nil
}

// ListDueGates returns non-terminal gates whose next time-driven
// transition is due at or before now. The gate driver walks this once
// per tick.
func (s *Store) ListDueGates(ctx context.Context, now time.Time) ([]models.GateInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gate_id, theatre_id, slot_id, template_id, options, open_at, close_at,
		        resolve_at, state, tally, winning_option, settled_at, explain_card
		   FROM gate_instances
		  WHERE (state = 'scheduled' AND open_at <= ?)
		     OR (state = 'open' AND close_at <= ?)
		     OR (state = 'closing' AND resolve_at <= ?)
		  ORDER BY resolve_at`,
		now, now, now)
	if err != nil {
		return nil, classify(err, "list due gates")
	}
	defer rows.Close()
	var out []models.GateInstance
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, classify(rows.Err(), "iterate due gates")
}

// TransitionGate moves a gate from one state to another, compare-and-set
// style. Returns false when the gate was not in `from` — a racing driver
// already moved it, which callers treat as already-done.
func (s *Store) TransitionGate(ctx context.Context, gateID string, from, to models.GateState) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE gate_instances SET state = ? WHERE gate_id = ? AND state = ?`,
			string(to), gateID, string(from))
		if err != nil {
			return classify(err, "transition gate")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "transition gate")
		}
		moved = n == 1
		return nil
	})
	return moved, err
}

// GetVoteByIdempotency returns a vote previously recorded with the key.
func (s *Store) GetVoteByIdempotency(ctx context.Context, gateID, key string) (*models.Vote, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT vote_id, gate_id, user_id, option_id, cast_at, idempotency_key
		   FROM gate_votes WHERE gate_id = ? AND idempotency_key = ?`, gateID, key)
	var v models.Vote
	err := row.Scan(&v.VoteID, &v.GateID, &v.UserID, &v.OptionID, &v.CastAt, &v.IdempotencyKey)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, "read vote by idempotency")
	}
	return &v, true, nil
}

// UpsertVote replaces any earlier vote by the same user on the same gate
// (the last vote wins) while asserting the gate is still open inside the
// same transaction as the write.
func (s *Store) UpsertVote(ctx context.Context, v models.Vote) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM gate_instances WHERE gate_id = ?`, v.GateID).Scan(&state)
		if err == sql.ErrNoRows {
			return apperr.NotFoundf("gate not found")
		}
		if err != nil {
			return classify(err, "read gate state")
		}
		if models.GateState(state) != models.GateOpen {
			return apperr.Conflictf("gate is %s, not open", state)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM gate_votes WHERE gate_id = ? AND user_id = ?`, v.GateID, v.UserID); err != nil {
			return classify(err, "supersede vote")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gate_votes (vote_id, gate_id, user_id, option_id, cast_at, idempotency_key)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.VoteID, v.GateID, v.UserID, v.OptionID, v.CastAt, v.IdempotencyKey)
		return classify(err, "insert vote")
	})
}

// VoteTally counts live votes per option.
func (s *Store) VoteTally(ctx context.Context, gateID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT option_id, COUNT(*) FROM gate_votes WHERE gate_id = ? GROUP BY option_id`, gateID)
	if err != nil {
		return nil, classify(err, "tally votes")
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var opt string
		var n int64
		if err := rows.Scan(&opt, &n); err != nil {
			return nil, classify(err, "scan vote tally")
		}
		out[opt] = n
	}
	return out, classify(rows.Err(), "iterate vote tally")
}

// GetStakeByIdempotency returns a stake previously recorded with the key.
func (s *Store) GetStakeByIdempotency(ctx context.Context, gateID, key string) (*models.Stake, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT stake_id, gate_id, user_id, option_id, amount, placed_at, idempotency_key
		   FROM gate_stakes WHERE gate_id = ? AND idempotency_key = ?`, gateID, key)
	var st models.Stake
	err := row.Scan(&st.StakeID, &st.GateID, &st.UserID, &st.OptionID, &st.Amount, &st.PlacedAt, &st.IdempotencyKey)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, "read stake by idempotency")
	}
	return &st, true, nil
}

// PlaceStakeTx debits the wallet and inserts the stake in one
// transaction, re-checking the gate is open inside it. Either both
// happen or neither does.
func (s *Store) PlaceStakeTx(ctx context.Context, theatreID string, st models.Stake) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM gate_instances WHERE gate_id = ?`, st.GateID).Scan(&state)
		if err == sql.ErrNoRows {
			return apperr.NotFoundf("gate not found")
		}
		if err != nil {
			return classify(err, "read gate state")
		}
		if models.GateState(state) != models.GateOpen {
			return apperr.Conflictf("gate is %s, not open", state)
		}
		if err := debitWalletTx(ctx, tx, theatreID, st.UserID, st.Amount); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gate_stakes (stake_id, gate_id, user_id, option_id, amount, placed_at, idempotency_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.StakeID, st.GateID, st.UserID, st.OptionID, st.Amount, st.PlacedAt, st.IdempotencyKey)
		if uniqueViolation(err) {
			return apperr.Conflictf("stake idempotency key already used")
		}
		return classify(err, "insert stake")
	})
}

// ListStakes returns every stake on a gate.
func (s *Store) ListStakes(ctx context.Context, gateID string) ([]models.Stake, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stake_id, gate_id, user_id, option_id, amount, placed_at, idempotency_key
		   FROM gate_stakes WHERE gate_id = ? ORDER BY placed_at, stake_id`, gateID)
	if err != nil {
		return nil, classify(err, "list stakes")
	}
	defer rows.Close()
	var out []models.Stake
	for rows.Next() {
		var st models.Stake
		if err := rows.Scan(&st.StakeID, &st.GateID, &st.UserID, &st.OptionID,
			&st.Amount, &st.PlacedAt, &st.IdempotencyKey); err != nil {
			return nil, classify(err, "scan stake")
		}
		out = append(out, st)
	}
	return out, classify(rows.Err(), "iterate stakes")
}

// ResolveGateTx finalizes a gate in one transaction: compare-and-set
// closing -> resolved, persist the winner, tallies, and explain card,
// insert one settlement row per winning stake, and credit the wallets.
// The unique (gate, stake) settlement constraint plus the state CAS make
// a retried resolve a no-op.
func (s *Store) ResolveGateTx(ctx context.Context, g models.GateInstance, settlements []models.Settlement) error {
	tally, err := json.Marshal(gateTally{Votes: g.VoteTally, Stakes: g.StakeTally})
	if err != nil {
		return apperr.Storagef(err, "encode gate tally")
	}
	card, err := json.Marshal(g.ExplainCard)
	if err != nil {
		return apperr.Storagef(err, "encode explain card")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE gate_instances
			    SET state = 'resolved', tally = ?, winning_option = ?, settled_at = ?, explain_card = ?
			  WHERE gate_id = ? AND state = 'closing'`,
			string(tally), g.WinningOption, g.SettledAt, string(card), g.GateID)
		if err != nil {
			return classify(err, "resolve gate")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "resolve gate")
		}
		if n == 0 {
			return apperr.Conflictf("gate %q is not in closing state", g.GateID)
		}
		for _, stl := range settlements {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO gate_settlements (settlement_id, gate_id, stake_id, user_id, credited, settled_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				stl.SettlementID, stl.GateID, stl.StakeID, stl.UserID, stl.Credited, stl.SettledAt); err != nil {
				if uniqueViolation(err) {
					return apperr.Conflictf("stake %q already settled", stl.StakeID)
				}
				return classify(err, "insert settlement")
			}
			if stl.Credited > 0 {
				if err := creditWalletTx(ctx, tx, g.TheatreID, stl.UserID, stl.Credited); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// CancelGateTx cancels a gate from scheduled or open and refunds every
// stake in the same transaction.
func (s *Store) CancelGateTx(ctx context.Context, g models.GateInstance, refunds []models.Settlement) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE gate_instances SET state = 'cancelled'
			  WHERE gate_id = ? AND state IN ('scheduled', 'open')`, g.GateID)
		if err != nil {
			return classify(err, "cancel gate")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "cancel gate")
		}
		if n == 0 {
			return apperr.Conflictf("gate %q cannot be cancelled from its current state", g.GateID)
		}
		for _, r := range refunds {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO gate_settlements (settlement_id, gate_id, stake_id, user_id, credited, settled_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				r.SettlementID, r.GateID, r.StakeID, r.UserID, r.Credited, r.SettledAt); err != nil {
				if uniqueViolation(err) {
					return apperr.Conflictf("stake %q already refunded", r.StakeID)
				}
				return classify(err, "insert refund settlement")
			}
			if err := creditWalletTx(ctx, tx, g.TheatreID, r.UserID, r.Credited); err != nil {
				return err
			}
		}
		return nil
	})
}
