package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// CreateTheatre inserts a new theatre row.
func (s *Store) CreateTheatre(ctx context.Context, t models.Theatre) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO theatres (theatre_id, name, city, timezone, bound_theme_pack_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.TheatreID, t.Name, t.City, t.Timezone, nullable(t.BoundThemePackID), t.CreatedAt)
		if uniqueViolation(err) {
			return apperr.Conflictf("theatre %q already exists", t.TheatreID)
		}
		return classify(err, "insert theatre")
	})
}

// GetTheatre looks up one theatre.
func (s *Store) GetTheatre(ctx context.Context, theatreID string) (models.Theatre, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT theatre_id, name, city, timezone, bound_theme_pack_id, created_at
		   FROM theatres WHERE theatre_id = ?`, theatreID)
	var t models.Theatre
	var city, pack sql.NullString
	err := row.Scan(&t.TheatreID, &t.Name, &city, &t.Timezone, &pack, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, apperr.NotFoundf("theatre %q not found", theatreID)
	}
	if err != nil {
		return t, classify(err, "read theatre")
	}
	t.City, t.BoundThemePackID = city.String, pack.String
	return t, nil
}

// ListTheatres returns every theatre; the background drivers iterate this
// to run one tick per world.
func (s *Store) ListTheatres(ctx context.Context) ([]models.Theatre, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT theatre_id, name, city, timezone, bound_theme_pack_id, created_at FROM theatres ORDER BY theatre_id`)
	if err != nil {
		return nil, classify(err, "list theatres")
	}
	defer rows.Close()
	var out []models.Theatre
	for rows.Next() {
		var t models.Theatre
		var city, pack sql.NullString
		if err := rows.Scan(&t.TheatreID, &t.Name, &city, &t.Timezone, &pack, &t.CreatedAt); err != nil {
			return nil, classify(err, "scan theatre")
		}
		t.City, t.BoundThemePackID = city.String, pack.String
		out = append(out, t)
	}
	return out, classify(rows.Err(), "iterate theatres")
}

// GetBoundPack implements themepack.TheatreBinder.
func (s *Store) GetBoundPack(ctx context.Context, theatreID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bound_theme_pack_id FROM theatres WHERE theatre_id = ?`, theatreID)
	var pack sql.NullString
	err := row.Scan(&pack)
	if err == sql.ErrNoRows {
		return "", false, apperr.NotFoundf("theatre %q not found", theatreID)
	}
	if err != nil {
		return "", false, classify(err, "read bound pack")
	}
	return pack.String, pack.Valid && pack.String != "", nil
}

// SetBoundPack implements themepack.TheatreBinder.
func (s *Store) SetBoundPack(ctx context.Context, theatreID, packID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE theatres SET bound_theme_pack_id = ? WHERE theatre_id = ?`, packID, theatreID)
		if err != nil {
			return classify(err, "bind theme pack")
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return apperr.NotFoundf("theatre %q not found", theatreID)
		}
		return classify(err, "bind theme pack")
	})
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (user_id, display_name, role, active, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			u.UserID, u.DisplayName, u.Role.String(), u.Active, time.Now().UTC())
		if uniqueViolation(err) {
			return apperr.Conflictf("user %q already exists", u.UserID)
		}
		return classify(err, "insert user")
	})
}

// GetUser looks up one user.
func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, role, active FROM users WHERE user_id = ?`, userID)
	var u models.User
	var role string
	err := row.Scan(&u.UserID, &u.DisplayName, &role, &u.Active)
	if err == sql.ErrNoRows {
		return u, apperr.NotFoundf("user %q not found", userID)
	}
	if err != nil {
		return u, classify(err, "read user")
	}
	u.Role, _ = models.ParseRole(role)
	return u, nil
}

// UpsertStage inserts or replaces a stage. Tags are stored as a
// comma-joined string; stage tag sets are small and only ever matched by
// intersection.
func (s *Store) UpsertStage(ctx context.Context, st models.Stage) error {
	if !st.Valid() {
		return apperr.Validationf("stage %q ring radii must be non-increasing C >= B >= A", st.StageID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stages (stage_id, theatre_id, name, lat, lng, ring_c_m, ring_b_m, ring_a_m, tags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (stage_id) DO UPDATE SET
			   name = excluded.name, lat = excluded.lat, lng = excluded.lng,
			   ring_c_m = excluded.ring_c_m, ring_b_m = excluded.ring_b_m, ring_a_m = excluded.ring_a_m,
			   tags = excluded.tags`,
			st.StageID, st.TheatreID, st.Name, st.Lat, st.Lng,
			st.RingCMeters, st.RingBMeters, st.RingAMeters,
			strings.Join(st.Tags, ","), time.Now().UTC())
		return classify(err, "upsert stage")
	})
}

// ListStages returns every stage of one theatre.
func (s *Store) ListStages(ctx context.Context, theatreID string) ([]models.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_id, theatre_id, name, lat, lng, ring_c_m, ring_b_m, ring_a_m, tags
		   FROM stages WHERE theatre_id = ? ORDER BY stage_id`, theatreID)
	if err != nil {
		return nil, classify(err, "list stages")
	}
	defer rows.Close()
	var out []models.Stage
	for rows.Next() {
		var st models.Stage
		var tags sql.NullString
		if err := rows.Scan(&st.StageID, &st.TheatreID, &st.Name, &st.Lat, &st.Lng,
			&st.RingCMeters, &st.RingBMeters, &st.RingAMeters, &tags); err != nil {
			return nil, classify(err, "scan stage")
		}
		if tags.String != "" {
			st.Tags = strings.Split(tags.String, ",")
		}
		out = append(out, st)
	}
	return out, classify(rows.Err(), "iterate stages")
}

// GetWallet returns a user's wallet in a theatre, zero-balance if absent.
func (s *Store) GetWallet(ctx context.Context, theatreID, userID string) (models.Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ticket_balance FROM user_wallets WHERE theatre_id = ? AND user_id = ?`, theatreID, userID)
	w := models.Wallet{UserID: userID, TheatreID: theatreID}
	err := row.Scan(&w.TicketBalance)
	if err == sql.ErrNoRows {
		return w, nil
	}
	return w, classify(err, "read wallet")
}

// CreditWallet adds amount tickets to a wallet, creating it if absent.
// Used by operator grants and gate settlement refund paths.
func (s *Store) CreditWallet(ctx context.Context, theatreID, userID string, amount int64) error {
	if amount <= 0 {
		return apperr.Validationf("credit amount must be positive")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return creditWalletTx(ctx, tx, theatreID, userID, amount)
	})
}

func creditWalletTx(ctx context.Context, tx *sql.Tx, theatreID, userID string, amount int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO user_wallets (user_id, theatre_id, ticket_balance, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (theatre_id, user_id) DO UPDATE SET ticket_balance = user_wallets.ticket_balance + excluded.ticket_balance`,
		userID, theatreID, amount, time.Now().UTC())
	return classify(err, "credit wallet")
}

// debitWalletTx subtracts amount, failing if the balance would go
// negative. The guarded UPDATE makes the check-and-debit one statement.
func debitWalletTx(ctx context.Context, tx *sql.Tx, theatreID, userID string, amount int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE user_wallets SET ticket_balance = ticket_balance - ?
		  WHERE theatre_id = ? AND user_id = ? AND ticket_balance >= ?`,
		amount, theatreID, userID, amount)
	if err != nil {
		return classify(err, "debit wallet")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "debit wallet")
	}
	if n == 0 {
		return apperr.InsufficientFundsf("wallet balance below %d for user %q", amount, userID)
	}
	return nil
}
