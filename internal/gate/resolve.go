package gate

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
)

// Resolve finalizes one gate: freeze the tallies, pick the winner,
// settle stakes, build the Explain Card, and write the outcome to the
// Kernel under the gate's fixed resolve key. Each sub-step is idempotent
// (state CAS, per-stake settlement ids, kernel idempotency key), so a
// crash mid-way is repaired by the next driver tick re-running this.
func (e *Engine) Resolve(ctx context.Context, gateID string) error {
	lock := e.gateLock(gateID)
	lock.Lock()
	defer lock.Unlock()

	g, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	if g.State == models.GateResolved {
		return nil
	}
	if g.State != models.GateClosing {
		return apperr.Conflictf("gate %q is %s, not closing", gateID, g.State)
	}
	tpl, err := e.template(ctx, g)
	if err != nil {
		return err
	}

	votes, err := e.store.VoteTally(ctx, gateID)
	if err != nil {
		return err
	}
	stakes, err := e.store.ListStakes(ctx, gateID)
	if err != nil {
		return err
	}

	res := resolveOutcome(g, tpl, votes, stakes)
	now := e.clock()

	settlements := make([]models.Settlement, 0, len(stakes))
	for _, st := range stakes {
		credited := res.Payouts[st.StakeID]
		settlements = append(settlements, models.Settlement{
			SettlementID: uuid.NewString(),
			GateID:       gateID,
			StakeID:      st.StakeID,
			UserID:       st.UserID,
			Credited:     credited,
			SettledAt:    now,
		})
	}

	card := &models.ExplainCard{
		Title:               tpl.Title,
		WinningOption:       res.Winner,
		OptionTally:         votes,
		StakeTally:          res.StakeAmounts,
		EvidenceUsed:        nil,
		ConsequencesApplied: res.ConsequenceNotes,
		GeneratedAt:         now,
	}

	g.VoteTally = votes
	g.StakeTally = res.StakeAmounts
	g.WinningOption = res.Winner
	g.SettledAt = &now
	g.ExplainCard = card

	// The Kernel delta goes first: if the process dies between the two
	// writes the gate stays closing and the next tick re-runs this whole
	// function — the outcome recomputes identically from the frozen tally
	// and the delta's fixed key replays as a no-op.
	if len(res.VarConsequences) > 0 || len(res.ThreadConsequences) > 0 {
		_, err = e.kernel.ApplyDelta(ctx, models.DeltaRequest{
			TheatreID:      g.TheatreID,
			IdempotencyKey: "gate_resolve:" + gateID,
			Cause:          "gate:" + gateID,
			VarChanges:     res.VarConsequences,
			ThreadChanges:  res.ThreadConsequences,
		})
		if err != nil && apperr.KindOf(err) != apperr.Conflict {
			return err
		}
	}

	if err := e.store.ResolveGateTx(ctx, g, settlements); err != nil {
		return err
	}

	metrics.GatesResolved.WithLabelValues(string(models.GateResolved)).Inc()
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: g.TheatreID,
		At:        now,
		Kind:      models.EventGateResolved,
		Payload: map[string]any{
			"gate_id":        gateID,
			"winning_option": res.Winner,
			"explain_card":   card,
		},
		Target: models.EventTarget{TheatreWide: true},
	})
	return nil
}

// outcome is everything resolveOutcome derives from a frozen tally.
type outcome struct {
	Winner             string
	StakeAmounts       map[string]int64 // option -> total staked amount
	Payouts            map[string]int64 // stake_id -> wallet credit
	VarConsequences    []models.VarChange
	ThreadConsequences []models.ThreadChange
	ConsequenceNotes   []string
}

// resolveOutcome is the pure resolution function: given the frozen vote
// tally and stake list, it is fully deterministic.
//
// Winner selection: composite = voteWeight * vote_share + stakeWeight *
// stake_weight_share, each share normalized over the gate's options.
// Ties break to the higher stake weight, then to the lexically lowest
// option id.
//
// Settlement: stakes on the winning option are credited a proportional
// share of the full pool (amount * pool / winning_amount_pool, floored);
// losing stakes forfeit to the pool. When nobody staked the winning
// option the whole pool is refunded — there is no market to pay out.
func resolveOutcome(g models.GateInstance, tpl models.GateTemplate, votes map[string]int64, stakes []models.Stake) outcome {
	weigh := weightFunc(tpl.WeightRule)

	stakeAmounts := make(map[string]int64, len(g.Options))
	stakeWeights := make(map[string]float64, len(g.Options))
	for _, st := range stakes {
		stakeAmounts[st.OptionID] += st.Amount
		stakeWeights[st.OptionID] += weigh(st.Amount)
	}

	var totalVotes, totalPool int64
	var totalWeight float64
	for _, n := range votes {
		totalVotes += n
	}
	for _, a := range stakeAmounts {
		totalPool += a
	}
	for _, w := range stakeWeights {
		totalWeight += w
	}

	vw, sw := tpl.ResolveWeights.Vote, tpl.ResolveWeights.Stake
	if vw == 0 && sw == 0 {
		vw, sw = 0.5, 0.5
	}

	options := append([]string(nil), g.Options...)
	sort.Strings(options)

	winner := ""
	bestScore, bestStakeWeight := math.Inf(-1), math.Inf(-1)
	for _, opt := range options {
		var voteShare, stakeShare float64
		if totalVotes > 0 {
			voteShare = float64(votes[opt]) / float64(totalVotes)
		}
		if totalWeight > 0 {
			stakeShare = stakeWeights[opt] / totalWeight
		}
		score := vw*voteShare + sw*stakeShare
		// Options iterate in sorted order, so a strict greater-than on the
		// tie-break keeps the lowest option id.
		if score > bestScore+1e-12 ||
			(math.Abs(score-bestScore) <= 1e-12 && stakeWeights[opt] > bestStakeWeight+1e-12) {
			winner, bestScore, bestStakeWeight = opt, score, stakeWeights[opt]
		}
	}

	payouts := make(map[string]int64, len(stakes))
	winningPool := stakeAmounts[winner]
	switch {
	case winningPool > 0:
		for _, st := range stakes {
			if st.OptionID == winner {
				payouts[st.StakeID] = st.Amount * totalPool / winningPool
			}
		}
	case totalPool > 0:
		for _, st := range stakes {
			payouts[st.StakeID] = st.Amount
		}
	}

	out := outcome{Winner: winner, StakeAmounts: stakeAmounts, Payouts: payouts}
	if winner == tpl.WinOption() {
		out.VarConsequences = tpl.ConsequencesWin
		out.ThreadConsequences = tpl.ThreadConsequencesWin
	} else {
		out.VarConsequences = tpl.ConsequencesLose
		out.ThreadConsequences = tpl.ThreadConsequencesLose
	}
	for _, vc := range out.VarConsequences {
		out.ConsequenceNotes = append(out.ConsequenceNotes, "var "+vc.VarID)
	}
	for _, tc := range out.ThreadConsequences {
		out.ConsequenceNotes = append(out.ConsequenceNotes, "thread "+tc.ThreadID)
	}
	return out
}

// weightFunc maps a template's weight_rule to its stake weighting. The
// default sqrt dampens whale influence on the composite score.
func weightFunc(rule string) func(int64) float64 {
	switch rule {
	case "linear":
		return func(a int64) float64 { return float64(a) }
	case "log":
		return func(a int64) float64 { return math.Log1p(float64(a)) }
	default: // "sqrt"
		return func(a int64) float64 { return math.Sqrt(float64(a)) }
	}
}

// Plan creates a gate instance in state scheduled from a template. The
// scheduler persists planned gates alongside the hour plan; this path is
// for operator-injected gates.
func (e *Engine) Plan(ctx context.Context, theatreID, slotID, templateID string, openAt, closeAt, resolveAt time.Time) (models.GateInstance, error) {
	pack, err := e.packs.GetForTheatre(ctx, theatreID)
	if err != nil {
		return models.GateInstance{}, err
	}
	tpl, ok := pack.Gates[templateID]
	if !ok {
		return models.GateInstance{}, apperr.Validationf("unknown gate template id %q", templateID)
	}
	if !openAt.Before(closeAt) || closeAt.After(resolveAt) {
		return models.GateInstance{}, apperr.Validationf("gate times must satisfy open < close <= resolve")
	}
	g := models.GateInstance{
		GateID:     uuid.NewString(),
		TheatreID:  theatreID,
		SlotID:     slotID,
		TemplateID: templateID,
		Options:    tpl.Options,
		OpenAt:     openAt,
		CloseAt:    closeAt,
		ResolveAt:  resolveAt,
		State:      models.GateScheduled,
	}
	if err := e.store.InsertGate(ctx, g); err != nil {
		return models.GateInstance{}, err
	}
	return g, nil
}
