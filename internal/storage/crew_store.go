package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// CreateCrewTx inserts the crew and its leader membership atomically,
// asserting the founder has no membership in the theatre yet.
func (s *Store) CreateCrewTx(ctx context.Context, c models.Crew, leader models.Membership) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := assertNoMembership(ctx, tx, c.TheatreID, leader.UserID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO crews (crew_id, theatre_id, name, tier, reputation, total_contribution, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.CrewID, c.TheatreID, c.Name, int(c.Tier), c.Reputation, c.TotalContribution, c.CreatedAt); err != nil {
			if uniqueViolation(err) {
				return apperr.Conflictf("crew %q already exists", c.CrewID)
			}
			return classify(err, "insert crew")
		}
		return insertMembershipTx(ctx, tx, leader)
	})
}

func assertNoMembership(ctx context.Context, tx *sql.Tx, theatreID, userID string) error {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM crew_memberships WHERE theatre_id = ? AND user_id = ?`, theatreID, userID).Scan(&one)
	if err == nil {
		return apperr.Conflictf("user %q already belongs to a crew in this theatre", userID)
	}
	if err != sql.ErrNoRows {
		return classify(err, "check membership")
	}
	return nil
}

func insertMembershipTx(ctx context.Context, tx *sql.Tx, m models.Membership) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO crew_memberships (crew_id, user_id, theatre_id, role, contribution, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.CrewID, m.UserID, m.TheatreID, string(m.Role), m.Contribution, m.JoinedAt)
	if uniqueViolation(err) {
		return apperr.Conflictf("user %q is already a member of crew %q", m.UserID, m.CrewID)
	}
	return classify(err, "insert membership")
}

// GetCrew reads one crew.
func (s *Store) GetCrew(ctx context.Context, crewID string) (models.Crew, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT crew_id, theatre_id, name, tier, reputation, total_contribution, created_at
		   FROM crews WHERE crew_id = ?`, crewID)
	var c models.Crew
	var tier int
	err := row.Scan(&c.CrewID, &c.TheatreID, &c.Name, &tier, &c.Reputation, &c.TotalContribution, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, apperr.NotFoundf("crew not found")
	}
	if err != nil {
		return c, classify(err, "read crew")
	}
	c.Tier = models.CrewTier(tier)
	return c, nil
}

// ListMembers returns a crew's memberships.
func (s *Store) ListMembers(ctx context.Context, crewID string) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT crew_id, user_id, theatre_id, role, contribution, joined_at
		   FROM crew_memberships WHERE crew_id = ? ORDER BY joined_at`, crewID)
	if err != nil {
		return nil, classify(err, "list members")
	}
	defer rows.Close()
	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		var role string
		if err := rows.Scan(&m.CrewID, &m.UserID, &m.TheatreID, &role, &m.Contribution, &m.JoinedAt); err != nil {
			return nil, classify(err, "scan membership")
		}
		m.Role = models.MemberRole(role)
		out = append(out, m)
	}
	return out, classify(rows.Err(), "iterate members")
}

// GetMembership returns a user's membership in a theatre, if any.
func (s *Store) GetMembership(ctx context.Context, theatreID, userID string) (*models.Membership, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT crew_id, user_id, theatre_id, role, contribution, joined_at
		   FROM crew_memberships WHERE theatre_id = ? AND user_id = ?`, theatreID, userID)
	var m models.Membership
	var role string
	err := row.Scan(&m.CrewID, &m.UserID, &m.TheatreID, &role, &m.Contribution, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err, "read membership")
	}
	m.Role = models.MemberRole(role)
	return &m, true, nil
}

// AddMemberTx inserts a membership while asserting the crew's tier cap
// and the one-crew-per-theatre rule inside the transaction.
func (s *Store) AddMemberTx(ctx context.Context, m models.Membership, maxMembers int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := assertNoMembership(ctx, tx, m.TheatreID, m.UserID); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM crew_memberships WHERE crew_id = ?`, m.CrewID).Scan(&count); err != nil {
			return classify(err, "count members")
		}
		if count >= maxMembers {
			return apperr.Conflictf("crew %q is full (%d members)", m.CrewID, count)
		}
		return insertMembershipTx(ctx, tx, m)
	})
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, crewID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM crew_memberships WHERE crew_id = ? AND user_id = ?`, crewID, userID)
		if err != nil {
			return classify(err, "remove member")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "remove member")
		}
		if n == 0 {
			return apperr.NotFoundf("user %q is not a member of crew %q", userID, crewID)
		}
		return nil
	})
}

// TransferLeadershipTx swaps the leader role between two members.
func (s *Store) TransferLeadershipTx(ctx context.Context, crewID, fromUserID, toUserID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE crew_memberships SET role = 'member' WHERE crew_id = ? AND user_id = ? AND role = 'leader'`,
			crewID, fromUserID)
		if err != nil {
			return classify(err, "demote leader")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "demote leader")
		}
		if n == 0 {
			return apperr.Conflictf("user %q is not the leader of crew %q", fromUserID, crewID)
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE crew_memberships SET role = 'leader' WHERE crew_id = ? AND user_id = ?`, crewID, toUserID)
		if err != nil {
			return classify(err, "promote leader")
		}
		n, err = res.RowsAffected()
		if err != nil {
			return classify(err, "promote leader")
		}
		if n == 0 {
			return apperr.NotFoundf("user %q is not a member of crew %q", toUserID, crewID)
		}
		return nil
	})
}

// DisbandCrewTx deletes the crew, its memberships, and its pooled
// resources.
func (s *Store) DisbandCrewTx(ctx context.Context, crewID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM shared_resources WHERE crew_id = ?`,
			`DELETE FROM crew_memberships WHERE crew_id = ?`,
			`DELETE FROM crews WHERE crew_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, crewID); err != nil {
				return classify(err, "disband crew")
			}
		}
		return nil
	})
}

// InsertCrewAction persists a new collective action.
func (s *Store) InsertCrewAction(ctx context.Context, a models.CrewAction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO crew_actions (action_id, crew_id, theatre_id, action_type, state,
			                           quorum, participants, deadline, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ActionID, a.CrewID, a.TheatreID, a.ActionType, string(a.State),
			a.Quorum, strings.Join(a.Participants, ","), a.Deadline, a.CreatedAt)
		if uniqueViolation(err) {
			return apperr.Conflictf("action %q already exists", a.ActionID)
		}
		return classify(err, "insert crew action")
	})
}

// GetCrewAction reads one action.
func (s *Store) GetCrewAction(ctx context.Context, actionID string) (models.CrewAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT action_id, crew_id, theatre_id, action_type, state, quorum, participants,
		        deadline, created_at, completed_at
		   FROM crew_actions WHERE action_id = ?`, actionID)
	return scanCrewAction(row)
}

func scanCrewAction(row rowScanner) (models.CrewAction, error) {
	var a models.CrewAction
	var state, participants string
	var completedAt sql.NullTime
	err := row.Scan(&a.ActionID, &a.CrewID, &a.TheatreID, &a.ActionType, &state,
		&a.Quorum, &participants, &a.Deadline, &a.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return a, apperr.NotFoundf("crew action not found")
	}
	if err != nil {
		return a, classify(err, "read crew action")
	}
	a.State = models.CrewActionState(state)
	if participants != "" {
		a.Participants = strings.Split(participants, ",")
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return a, nil
}

// JoinCrewActionTx appends a participant and flips pending -> in_progress
// when the quorum is met. Returns the updated action.
func (s *Store) JoinCrewActionTx(ctx context.Context, actionID, userID string) (models.CrewAction, error) {
	var out models.CrewAction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanCrewAction(tx.QueryRowContext(ctx,
			`SELECT action_id, crew_id, theatre_id, action_type, state, quorum, participants,
			        deadline, created_at, completed_at
			   FROM crew_actions WHERE action_id = ?`, actionID))
		if err != nil {
			return err
		}
		if a.State != models.ActionPending && a.State != models.ActionInProgress {
			return apperr.Conflictf("action %q is %s", actionID, a.State)
		}
		for _, p := range a.Participants {
			if p == userID {
				return apperr.Validationf("user %q already joined action %q", userID, actionID)
			}
		}
		a.Participants = append(a.Participants, userID)
		if a.State == models.ActionPending && len(a.Participants) >= a.Quorum {
			a.State = models.ActionInProgress
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE crew_actions SET participants = ?, state = ? WHERE action_id = ?`,
			strings.Join(a.Participants, ","), string(a.State), actionID); err != nil {
			return classify(err, "join crew action")
		}
		out = a
		return nil
	})
	return out, err
}

// CompleteCrewAction marks an in_progress action completed.
func (s *Store) CompleteCrewAction(ctx context.Context, actionID string, completedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE crew_actions SET state = 'completed', completed_at = ?
			  WHERE action_id = ? AND state = 'in_progress'`, completedAt, actionID)
		if err != nil {
			return classify(err, "complete crew action")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "complete crew action")
		}
		if n == 0 {
			return apperr.Conflictf("action %q is not in progress", actionID)
		}
		return nil
	})
}

// ExpireCrewActions transitions overdue pending/in_progress actions to
// expired and returns the affected ids.
func (s *Store) ExpireCrewActions(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT action_id FROM crew_actions
			  WHERE state IN ('pending', 'in_progress') AND deadline <= ?`, now)
		if err != nil {
			return classify(err, "list overdue actions")
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return classify(err, "scan overdue action")
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return classify(err, "iterate overdue actions")
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE crew_actions SET state = 'expired'
			  WHERE state IN ('pending', 'in_progress') AND deadline <= ?`, now)
		return classify(err, "expire actions")
	})
	return ids, err
}

// ShareResourceTx adds quantity to the crew pool and credits the
// sharer's contribution in one transaction.
func (s *Store) ShareResourceTx(ctx context.Context, crewID, userID, resourceID string, quantity, contribution int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shared_resources (crew_id, resource_id, quantity)
			 VALUES (?, ?, ?)
			 ON CONFLICT (crew_id, resource_id) DO UPDATE SET quantity = shared_resources.quantity + excluded.quantity`,
			crewID, resourceID, quantity); err != nil {
			return classify(err, "share resource")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE crew_memberships SET contribution = contribution + ? WHERE crew_id = ? AND user_id = ?`,
			contribution, crewID, userID)
		if err != nil {
			return classify(err, "credit contribution")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "credit contribution")
		}
		if n == 0 {
			return apperr.NotFoundf("user %q is not a member of crew %q", userID, crewID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE crews SET total_contribution = total_contribution + ? WHERE crew_id = ?`,
			contribution, crewID)
		return classify(err, "credit crew contribution")
	})
}

// ClaimResourceTx removes quantity from the pool, failing if the pool
// would go negative.
func (s *Store) ClaimResourceTx(ctx context.Context, crewID, resourceID string, quantity int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE shared_resources SET quantity = quantity - ?
			  WHERE crew_id = ? AND resource_id = ? AND quantity >= ?`,
			quantity, crewID, resourceID, quantity)
		if err != nil {
			return classify(err, "claim resource")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify(err, "claim resource")
		}
		if n == 0 {
			return apperr.Conflictf("crew pool has less than %d of %q", quantity, resourceID)
		}
		return nil
	})
}

// ListSharedResources returns a crew's pooled resources.
func (s *Store) ListSharedResources(ctx context.Context, crewID string) ([]models.SharedResource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT crew_id, resource_id, quantity FROM shared_resources WHERE crew_id = ? ORDER BY resource_id`, crewID)
	if err != nil {
		return nil, classify(err, "list shared resources")
	}
	defer rows.Close()
	var out []models.SharedResource
	for rows.Next() {
		var r models.SharedResource
		if err := rows.Scan(&r.CrewID, &r.ResourceID, &r.Quantity); err != nil {
			return nil, classify(err, "scan shared resource")
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "iterate shared resources")
}
