// Package gate runs the time-bounded decision markets: it accepts votes
// and wallet-backed stakes while a gate is open, walks the gate state
// machine on driver ticks, resolves deterministically at resolve time,
// settles stakes back to wallets, and writes the outcome to the Kernel
// as an idempotent delta.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

// Store is the storage contract the engine needs. internal/storage
// implements it; engine tests use an in-memory fake.
type Store interface {
	InsertGate(ctx context.Context, g models.GateInstance) error
	GetGate(ctx context.Context, gateID string) (models.GateInstance, error)
	ListDueGates(ctx context.Context, now time.Time) ([]models.GateInstance, error)
	TransitionGate(ctx context.Context, gateID string, from, to models.GateState) (bool, error)

	GetVoteByIdempotency(ctx context.Context, gateID, key string) (*models.Vote, bool, error)
	UpsertVote(ctx context.Context, v models.Vote) error
	VoteTally(ctx context.Context, gateID string) (map[string]int64, error)

	GetStakeByIdempotency(ctx context.Context, gateID, key string) (*models.Stake, bool, error)
	PlaceStakeTx(ctx context.Context, theatreID string, st models.Stake) error
	ListStakes(ctx context.Context, gateID string) ([]models.Stake, error)

	ResolveGateTx(ctx context.Context, g models.GateInstance, settlements []models.Settlement) error
	CancelGateTx(ctx context.Context, g models.GateInstance, refunds []models.Settlement) error
}

// PackResolver resolves the theme pack bound to a theatre.
type PackResolver interface {
	GetForTheatre(ctx context.Context, theatreID string) (*themepack.Pack, error)
}

// DeltaApplier is the Kernel slice the engine uses to write outcomes.
type DeltaApplier interface {
	ApplyDelta(ctx context.Context, req models.DeltaRequest) (*models.AppliedDeltaRecord, error)
}

// Engine owns vote/stake intake and the gate lifecycle.
type Engine struct {
	store  Store
	packs  PackResolver
	kernel DeltaApplier
	rec    *events.Recorder
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-gate serialization of resolve/cancel
}

// New constructs an Engine.
func New(store Store, packs PackResolver, kernel DeltaApplier, rec *events.Recorder) *Engine {
	return &Engine{
		store:  store,
		packs:  packs,
		kernel: kernel,
		rec:    rec,
		clock:  func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) gateLock(gateID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[gateID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[gateID] = l
	}
	return l
}

// template resolves the gate's template through the theatre's bound pack.
func (e *Engine) template(ctx context.Context, g models.GateInstance) (models.GateTemplate, error) {
	pack, err := e.packs.GetForTheatre(ctx, g.TheatreID)
	if err != nil {
		return models.GateTemplate{}, err
	}
	tpl, ok := pack.Gates[g.TemplateID]
	if !ok {
		return models.GateTemplate{}, apperr.Validationf("unknown gate template id %q", g.TemplateID)
	}
	return tpl, nil
}

// openForIntake asserts the gate accepts votes/stakes right now. The
// close boundary is time-exact: a gate still marked open past close_at
// (driver lag) rejects intake anyway.
func (e *Engine) openForIntake(g models.GateInstance, now time.Time) error {
	if g.State != models.GateOpen {
		return apperr.Conflictf("gate is %s, not open", g.State).WithDetail("code", "gate_not_open")
	}
	if !now.Before(g.CloseAt) {
		return apperr.Conflictf("gate closed at %s", g.CloseAt.Format(time.RFC3339)).WithDetail("code", "gate_not_open")
	}
	return nil
}

func validOption(g models.GateInstance, optionID string) bool {
	for _, o := range g.Options {
		if o == optionID {
			return true
		}
	}
	return false
}

// Vote upserts the caller's single live vote on a gate. Re-casting with
// a new key supersedes the earlier vote; retrying with the same key
// returns the recorded vote unchanged.
func (e *Engine) Vote(ctx context.Context, gateID, userID, optionID, idempotencyKey string) (*models.Vote, error) {
	if idempotencyKey == "" {
		return nil, apperr.Validationf("idempotency_key is required")
	}
	if existing, found, err := e.store.GetVoteByIdempotency(ctx, gateID, idempotencyKey); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}

	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	if err := e.openForIntake(g, now); err != nil {
		return nil, err
	}
	if !validOption(g, optionID) {
		return nil, apperr.Validationf("option %q is not on this gate", optionID).WithDetail("code", "option_invalid")
	}

	v := models.Vote{
		VoteID:         uuid.NewString(),
		GateID:         gateID,
		UserID:         userID,
		OptionID:       optionID,
		CastAt:         now,
		IdempotencyKey: idempotencyKey,
	}
	if err := e.store.UpsertVote(ctx, v); err != nil {
		return nil, err
	}
	metrics.VotesCast.Inc()

	payload := map[string]any{"gate_id": gateID, "option_id": optionID}
	if tpl, err := e.template(ctx, g); err == nil && tpl.RevealLiveTally {
		if tally, err := e.store.VoteTally(ctx, gateID); err == nil {
			payload["tally"] = tally
		}
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: g.TheatreID,
		At:        now,
		Kind:      models.EventVoteCast,
		Payload:   payload,
		Target:    models.EventTarget{TheatreWide: true},
	})
	return &v, nil
}

// Stake debits the caller's wallet and escrows the amount on an option.
// The debit and the stake row are one atomic step; a retried key returns
// the original stake without double-debiting.
func (e *Engine) Stake(ctx context.Context, gateID, userID, optionID string, amount int64, idempotencyKey string) (*models.Stake, error) {
	if idempotencyKey == "" {
		return nil, apperr.Validationf("idempotency_key is required")
	}
	if amount <= 0 {
		return nil, apperr.Validationf("stake amount must be positive")
	}
	if existing, found, err := e.store.GetStakeByIdempotency(ctx, gateID, idempotencyKey); err != nil {
		return nil, err
	} else if found {
		return existing, nil
	}

	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	if err := e.openForIntake(g, now); err != nil {
		return nil, err
	}
	if !validOption(g, optionID) {
		return nil, apperr.Validationf("option %q is not on this gate", optionID).WithDetail("code", "option_invalid")
	}

	st := models.Stake{
		StakeID:        uuid.NewString(),
		GateID:         gateID,
		UserID:         userID,
		OptionID:       optionID,
		Amount:         amount,
		PlacedAt:       now,
		IdempotencyKey: idempotencyKey,
	}
	if err := e.store.PlaceStakeTx(ctx, g.TheatreID, st); err != nil {
		return nil, err
	}
	metrics.StakesPlaced.Inc()

	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: g.TheatreID,
		At:        now,
		Kind:      models.EventStakePlaced,
		Payload:   map[string]any{"gate_id": gateID, "option_id": optionID, "amount": amount},
		Target:    models.EventTarget{UserIDs: []string{userID}},
	})
	return &st, nil
}

// Get returns a gate. While it is open or closing, the live vote tally is
// stripped when the template does not reveal it, and the stake tally is
// always withheld until resolution.
func (e *Engine) Get(ctx context.Context, gateID string) (models.GateInstance, error) {
	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return g, err
	}
	if g.State == models.GateOpen || g.State == models.GateClosing {
		tally, err := e.store.VoteTally(ctx, gateID)
		if err != nil {
			return g, err
		}
		tpl, err := e.template(ctx, g)
		if err == nil && !tpl.RevealLiveTally {
			tally = nil
		}
		g.VoteTally = tally
		g.StakeTally = nil
	}
	return g, nil
}

// Cancel cancels a scheduled or open gate and refunds every stake. Only
// the operator path calls this; role enforcement happens at the boundary.
func (e *Engine) Cancel(ctx context.Context, gateID string) error {
	lock := e.gateLock(gateID)
	lock.Lock()
	defer lock.Unlock()

	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	if g.State != models.GateScheduled && g.State != models.GateOpen {
		return apperr.Conflictf("gate is %s and cannot be cancelled", g.State)
	}
	stakes, err := e.store.ListStakes(ctx, gateID)
	if err != nil {
		return err
	}
	now := e.clock()
	refunds := make([]models.Settlement, 0, len(stakes))
	for _, st := range stakes {
		refunds = append(refunds, models.Settlement{
			SettlementID: uuid.NewString(),
			GateID:       gateID,
			StakeID:      st.StakeID,
			UserID:       st.UserID,
			Credited:     st.Amount,
			SettledAt:    now,
		})
	}
	if err := e.store.CancelGateTx(ctx, g, refunds); err != nil {
		return err
	}
	metrics.GatesResolved.WithLabelValues(string(models.GateCancelled)).Inc()
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: g.TheatreID,
		At:        now,
		Kind:      models.EventGateCancelled,
		Payload:   map[string]any{"gate_id": gateID, "refunded_stakes": len(refunds)},
		Target:    models.EventTarget{TheatreWide: true},
	})
	return nil
}

// Tick drives every due time transition once. Called by the gate
// lifecycle driver; every step is idempotent, so overlapping or retried
// ticks are harmless.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	due, err := e.store.ListDueGates(ctx, now)
	if err != nil {
		return err
	}
	for _, g := range due {
		if err := ctx.Err(); err != nil {
			return apperr.Timeoutf("tick cancelled: %v", err)
		}
		if err := e.advance(ctx, g, now); err != nil {
			if apperr.Retryable(err) {
				logging.Warn().Err(err).Str("gate_id", g.GateID).Msg("gate transition failed, will retry next tick")
				continue
			}
			logging.Error().Err(err).Str("gate_id", g.GateID).Msg("gate transition rejected")
		}
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, g models.GateInstance, now time.Time) error {
	switch g.State {
	case models.GateScheduled:
		moved, err := e.store.TransitionGate(ctx, g.GateID, models.GateScheduled, models.GateOpen)
		if err != nil || !moved {
			return err
		}
		e.rec.Record(ctx, models.Event{
			EventID:   uuid.NewString(),
			TheatreID: g.TheatreID,
			At:        now,
			Kind:      models.EventGateOpened,
			Payload:   map[string]any{"gate_id": g.GateID, "options": g.Options, "close_at": g.CloseAt},
			Target:    models.EventTarget{TheatreWide: true},
		})
	case models.GateOpen:
		moved, err := e.store.TransitionGate(ctx, g.GateID, models.GateOpen, models.GateClosing)
		if err != nil || !moved {
			return err
		}
		e.rec.Record(ctx, models.Event{
			EventID:   uuid.NewString(),
			TheatreID: g.TheatreID,
			At:        now,
			Kind:      models.EventGateClosing,
			Payload:   map[string]any{"gate_id": g.GateID, "resolve_at": g.ResolveAt},
			Target:    models.EventTarget{TheatreWide: true},
		})
	case models.GateClosing:
		return e.Resolve(ctx, g.GateID)
	}
	return nil
}
