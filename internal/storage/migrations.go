package storage

import (
	"context"

	"github.com/theatreos/engine/internal/apperr"
)

// schema is applied in order at startup. Every row carries its primary
// key, theatre_id where scoped, and created_at. DuckDB's CREATE TABLE IF
// NOT EXISTS makes this safe to re-run.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS theatres (
		theatre_id VARCHAR PRIMARY KEY,
		name VARCHAR NOT NULL,
		city VARCHAR,
		timezone VARCHAR NOT NULL,
		bound_theme_pack_id VARCHAR,
		created_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id VARCHAR PRIMARY KEY,
		display_name VARCHAR NOT NULL,
		role VARCHAR NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS user_wallets (
		user_id VARCHAR NOT NULL,
		theatre_id VARCHAR NOT NULL,
		ticket_balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT current_timestamp,
		PRIMARY KEY (theatre_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS stages (
		stage_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		lat DOUBLE NOT NULL,
		lng DOUBLE NOT NULL,
		ring_c_m DOUBLE NOT NULL,
		ring_b_m DOUBLE NOT NULL,
		ring_a_m DOUBLE NOT NULL,
		tags VARCHAR,
		created_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS world_var_current (
		theatre_id VARCHAR NOT NULL,
		var_id VARCHAR NOT NULL,
		value DOUBLE NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (theatre_id, var_id)
	)`,
	`CREATE TABLE IF NOT EXISTS thread_state_current (
		theatre_id VARCHAR NOT NULL,
		thread_id VARCHAR NOT NULL,
		phase VARCHAR NOT NULL,
		progress DOUBLE NOT NULL,
		last_advanced_at TIMESTAMP NOT NULL,
		PRIMARY KEY (theatre_id, thread_id)
	)`,
	`CREATE TABLE IF NOT EXISTS object_holder_current (
		theatre_id VARCHAR NOT NULL,
		object_id VARCHAR NOT NULL,
		holder VARCHAR NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (theatre_id, object_id)
	)`,
	`CREATE TABLE IF NOT EXISTS world_delta_idempotency (
		theatre_id VARCHAR NOT NULL,
		idempotency_key VARCHAR NOT NULL,
		delta_id VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT current_timestamp,
		PRIMARY KEY (theatre_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS world_deltas (
		delta_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		idempotency_key VARCHAR NOT NULL,
		cause VARCHAR NOT NULL,
		var_changes VARCHAR NOT NULL,
		thread_changes VARCHAR NOT NULL,
		object_changes VARCHAR NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS world_state_snapshot (
		snapshot_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		taken_at TIMESTAMP NOT NULL,
		state_hash VARCHAR NOT NULL,
		full_state VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS world_event_log (
		event_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		at TIMESTAMP NOT NULL,
		kind VARCHAR NOT NULL,
		payload VARCHAR NOT NULL,
		produced_by_delta VARCHAR,
		target_user_id VARCHAR,
		target_stage_id VARCHAR,
		target_theatre BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS hour_plans (
		plan_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		slot_start TIMESTAMP NOT NULL,
		primary_thread_id VARCHAR NOT NULL,
		support_thread_ids VARCHAR NOT NULL,
		beats VARCHAR NOT NULL,
		gates VARCHAR NOT NULL,
		generated_at TIMESTAMP NOT NULL,
		source VARCHAR NOT NULL,
		explain_note VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS published_slots (
		theatre_id VARCHAR NOT NULL,
		slot_start TIMESTAMP NOT NULL,
		plan_id VARCHAR NOT NULL,
		PRIMARY KEY (theatre_id, slot_start)
	)`,
	`CREATE TABLE IF NOT EXISTS gate_instances (
		gate_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		slot_id VARCHAR NOT NULL,
		template_id VARCHAR NOT NULL,
		options VARCHAR NOT NULL,
		open_at TIMESTAMP NOT NULL,
		close_at TIMESTAMP NOT NULL,
		resolve_at TIMESTAMP NOT NULL,
		state VARCHAR NOT NULL,
		tally VARCHAR NOT NULL,
		winning_option VARCHAR,
		settled_at TIMESTAMP,
		explain_card VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS gate_votes (
		vote_id VARCHAR PRIMARY KEY,
		gate_id VARCHAR NOT NULL,
		user_id VARCHAR NOT NULL,
		option_id VARCHAR NOT NULL,
		cast_at TIMESTAMP NOT NULL,
		idempotency_key VARCHAR NOT NULL,
		UNIQUE (gate_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gate_stakes (
		stake_id VARCHAR PRIMARY KEY,
		gate_id VARCHAR NOT NULL,
		user_id VARCHAR NOT NULL,
		option_id VARCHAR NOT NULL,
		amount BIGINT NOT NULL,
		placed_at TIMESTAMP NOT NULL,
		idempotency_key VARCHAR NOT NULL,
		settled BOOLEAN NOT NULL DEFAULT false,
		UNIQUE (gate_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS gate_settlements (
		settlement_id VARCHAR PRIMARY KEY,
		gate_id VARCHAR NOT NULL,
		stake_id VARCHAR NOT NULL,
		user_id VARCHAR NOT NULL,
		credited BIGINT NOT NULL,
		settled_at TIMESTAMP NOT NULL,
		UNIQUE (gate_id, stake_id)
	)`,
	`CREATE TABLE IF NOT EXISTS evidences (
		evidence_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		owner_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		grade VARCHAR NOT NULL,
		rarity VARCHAR,
		type VARCHAR,
		source_scene VARCHAR,
		source_stage VARCHAR,
		obtained_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT false,
		tradeable BOOLEAN NOT NULL DEFAULT true,
		consumed BOOLEAN NOT NULL DEFAULT false,
		metadata VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS evidence_transfers (
		transfer_id VARCHAR PRIMARY KEY,
		evidence_id VARCHAR NOT NULL,
		from_user_id VARCHAR NOT NULL,
		to_user_id VARCHAR NOT NULL,
		transferred_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rumors (
		rumor_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		author_id VARCHAR NOT NULL,
		content VARCHAR NOT NULL,
		target_thread VARCHAR,
		target_character VARCHAR,
		status VARCHAR NOT NULL,
		credibility DOUBLE NOT NULL,
		spread_count INTEGER NOT NULL DEFAULT 0,
		published_at TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rumor_spreads (
		spread_id VARCHAR PRIMARY KEY,
		rumor_id VARCHAR NOT NULL,
		spreader_id VARCHAR NOT NULL,
		stage_id VARCHAR,
		at TIMESTAMP NOT NULL,
		UNIQUE (rumor_id, spreader_id)
	)`,
	`CREATE TABLE IF NOT EXISTS traces (
		trace_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		creator_id VARCHAR NOT NULL,
		stage_id VARCHAR NOT NULL,
		type VARCHAR NOT NULL,
		content VARCHAR,
		visibility VARCHAR NOT NULL,
		discovery_difficulty DOUBLE NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		discovery_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS trace_discoveries (
		discovery_id VARCHAR PRIMARY KEY,
		trace_id VARCHAR NOT NULL,
		discoverer_id VARCHAR NOT NULL,
		at TIMESTAMP NOT NULL,
		success BOOLEAN NOT NULL,
		UNIQUE (trace_id, discoverer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS crews (
		crew_id VARCHAR PRIMARY KEY,
		theatre_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		tier INTEGER NOT NULL,
		reputation DOUBLE NOT NULL DEFAULT 0,
		total_contribution BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS crew_memberships (
		crew_id VARCHAR NOT NULL,
		user_id VARCHAR NOT NULL,
		theatre_id VARCHAR NOT NULL,
		role VARCHAR NOT NULL,
		contribution BIGINT NOT NULL DEFAULT 0,
		joined_at TIMESTAMP NOT NULL,
		PRIMARY KEY (crew_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS crew_actions (
		action_id VARCHAR PRIMARY KEY,
		crew_id VARCHAR NOT NULL,
		theatre_id VARCHAR NOT NULL,
		action_type VARCHAR NOT NULL,
		state VARCHAR NOT NULL,
		quorum INTEGER NOT NULL,
		participants VARCHAR NOT NULL,
		deadline TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS shared_resources (
		crew_id VARCHAR NOT NULL,
		resource_id VARCHAR NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (crew_id, resource_id)
	)`,
	`CREATE TABLE IF NOT EXISTS token_blacklist (
		token_id VARCHAR PRIMARY KEY,
		revoked_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Storagef(err, "migration #%d", i)
		}
	}
	return nil
}
