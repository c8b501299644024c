package gate

import (
	"context"
	"testing"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

type fakeStore struct {
	gates       map[string]*models.GateInstance
	votes       map[string]*models.Vote // (gate|user) -> vote
	votesByKey  map[string]*models.Vote // (gate|ikey) -> vote
	stakes      []models.Stake
	stakesByKey map[string]*models.Stake
	wallets     map[string]int64 // (theatre|user) -> balance
	settled     map[string]bool  // (gate|stake)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		gates:       map[string]*models.GateInstance{},
		votes:       map[string]*models.Vote{},
		votesByKey:  map[string]*models.Vote{},
		stakesByKey: map[string]*models.Stake{},
		wallets:     map[string]int64{},
		settled:     map[string]bool{},
	}
}

func (f *fakeStore) InsertGate(_ context.Context, g models.GateInstance) error {
	cp := g
	f.gates[g.GateID] = &cp
	return nil
}

func (f *fakeStore) GetGate(_ context.Context, gateID string) (models.GateInstance, error) {
	g, ok := f.gates[gateID]
	if !ok {
		return models.GateInstance{}, apperr.NotFoundf("gate not found")
	}
	return *g, nil
}

func (f *fakeStore) ListDueGates(_ context.Context, now time.Time) ([]models.GateInstance, error) {
	var out []models.GateInstance
	for _, g := range f.gates {
		switch {
		case g.State == models.GateScheduled && !g.OpenAt.After(now),
			g.State == models.GateOpen && !g.CloseAt.After(now),
			g.State == models.GateClosing && !g.ResolveAt.After(now):
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionGate(_ context.Context, gateID string, from, to models.GateState) (bool, error) {
	g, ok := f.gates[gateID]
	if !ok {
		return false, apperr.NotFoundf("gate not found")
	}
	if g.State != from {
		return false, nil
	}
	g.State = to
	return true, nil
}

func (f *fakeStore) GetVoteByIdempotency(_ context.Context, gateID, key string) (*models.Vote, bool, error) {
	v, ok := f.votesByKey[gateID+"|"+key]
	return v, ok, nil
}

func (f *fakeStore) UpsertVote(_ context.Context, v models.Vote) error {
	g, ok := f.gates[v.GateID]
	if !ok {
		return apperr.NotFoundf("gate not found")
	}
	if g.State != models.GateOpen {
		return apperr.Conflictf("gate is %s, not open", g.State)
	}
	cp := v
	f.votes[v.GateID+"|"+v.UserID] = &cp
	f.votesByKey[v.GateID+"|"+v.IdempotencyKey] = &cp
	return nil
}

func (f *fakeStore) VoteTally(_ context.Context, gateID string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, v := range f.votes {
		if v.GateID == gateID {
			out[v.OptionID]++
		}
	}
	return out, nil
}

func (f *fakeStore) GetStakeByIdempotency(_ context.Context, gateID, key string) (*models.Stake, bool, error) {
	st, ok := f.stakesByKey[gateID+"|"+key]
	return st, ok, nil
}

func (f *fakeStore) PlaceStakeTx(_ context.Context, theatreID string, st models.Stake) error {
	g, ok := f.gates[st.GateID]
	if !ok {
		return apperr.NotFoundf("gate not found")
	}
	if g.State != models.GateOpen {
		return apperr.Conflictf("gate is %s, not open", g.State)
	}
	wkey := theatreID + "|" + st.UserID
	if f.wallets[wkey] < st.Amount {
		return apperr.InsufficientFundsf("balance below %d", st.Amount)
	}
	f.wallets[wkey] -= st.Amount
	f.stakes = append(f.stakes, st)
	f.stakesByKey[st.GateID+"|"+st.IdempotencyKey] = &f.stakes[len(f.stakes)-1]
	return nil
}

func (f *fakeStore) ListStakes(_ context.Context, gateID string) ([]models.Stake, error) {
	var out []models.Stake
	for _, st := range f.stakes {
		if st.GateID == gateID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveGateTx(_ context.Context, g models.GateInstance, settlements []models.Settlement) error {
	cur, ok := f.gates[g.GateID]
	if !ok || cur.State != models.GateClosing {
		return apperr.Conflictf("gate not in closing state")
	}
	for _, s := range settlements {
		key := s.GateID + "|" + s.StakeID
		if f.settled[key] {
			return apperr.Conflictf("already settled")
		}
		f.settled[key] = true
		if s.Credited > 0 {
			f.wallets[g.TheatreID+"|"+s.UserID] += s.Credited
		}
	}
	cp := g
	cp.State = models.GateResolved
	f.gates[g.GateID] = &cp
	return nil
}

func (f *fakeStore) CancelGateTx(_ context.Context, g models.GateInstance, refunds []models.Settlement) error {
	cur, ok := f.gates[g.GateID]
	if !ok || (cur.State != models.GateScheduled && cur.State != models.GateOpen) {
		return apperr.Conflictf("gate cannot be cancelled")
	}
	for _, r := range refunds {
		f.wallets[g.TheatreID+"|"+r.UserID] += r.Credited
	}
	cur.State = models.GateCancelled
	return nil
}

type fakeKernel struct{ applied map[string]models.DeltaRequest }

func (f *fakeKernel) ApplyDelta(_ context.Context, req models.DeltaRequest) (*models.AppliedDeltaRecord, error) {
	if _, dup := f.applied[req.IdempotencyKey]; dup {
		return &models.AppliedDeltaRecord{IdempotencyKey: req.IdempotencyKey, Replayed: true}, nil
	}
	f.applied[req.IdempotencyKey] = req
	return &models.AppliedDeltaRecord{IdempotencyKey: req.IdempotencyKey}, nil
}

type fakeAppender struct{ events []models.Event }

func (f *fakeAppender) AppendEvents(_ context.Context, evs []models.Event) error {
	f.events = append(f.events, evs...)
	return nil
}

type fakePacks struct{ pack *themepack.Pack }

func (f fakePacks) GetForTheatre(context.Context, string) (*themepack.Pack, error) {
	return f.pack, nil
}

func testTemplate() models.GateTemplate {
	return models.GateTemplate{
		TemplateID:     "g1",
		Title:          "Who takes the ledger?",
		Options:        []string{"A", "B"},
		WinOptionID:    "B",
		WeightRule:     "sqrt",
		ResolveWeights: models.ResolveWeights{Vote: 0.5, Stake: 0.5},
		ConsequencesWin: []models.VarChange{{VarID: "v1", Delta: 0.1}},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeKernel) {
	t.Helper()
	store := newFakeStore()
	kern := &fakeKernel{applied: map[string]models.DeltaRequest{}}
	pack := &themepack.Pack{
		PackID: "p1",
		Gates:  map[string]models.GateTemplate{"g1": testTemplate()},
	}
	rec := events.NewRecorder(&fakeAppender{}, nil)
	return New(store, fakePacks{pack: pack}, kern, rec), store, kern
}

func openGate(store *fakeStore, now time.Time) *models.GateInstance {
	g := &models.GateInstance{
		GateID:     "gate1",
		TheatreID:  "th1",
		SlotID:     "slot1",
		TemplateID: "g1",
		Options:    []string{"A", "B"},
		OpenAt:     now.Add(-time.Minute),
		CloseAt:    now.Add(54 * time.Minute),
		ResolveAt:  now.Add(59 * time.Minute),
		State:      models.GateOpen,
	}
	store.gates[g.GateID] = g
	return g
}

func TestVoteSupersedesAndDeduplicates(t *testing.T) {
	e, store, _ := newTestEngine(t)
	now := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	openGate(store, now)
	ctx := context.Background()

	v1, err := e.Vote(ctx, "gate1", "u1", "A", "key1")
	if err != nil {
		t.Fatal(err)
	}
	// Retry with the same key returns the recorded vote.
	v1again, err := e.Vote(ctx, "gate1", "u1", "A", "key1")
	if err != nil {
		t.Fatal(err)
	}
	if v1again.VoteID != v1.VoteID {
		t.Fatal("idempotent retry must return the original vote")
	}

	// A new key supersedes: still one live vote for the user.
	if _, err := e.Vote(ctx, "gate1", "u1", "B", "key2"); err != nil {
		t.Fatal(err)
	}
	tally, _ := store.VoteTally(ctx, "gate1")
	if tally["A"] != 0 || tally["B"] != 1 {
		t.Fatalf("want 1 live vote on B, got %v", tally)
	}
}

func TestVoteRejectsAtCloseBoundary(t *testing.T) {
	e, store, _ := newTestEngine(t)
	now := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	g := openGate(store, now)

	// One tick before close: accepted.
	e.clock = func() time.Time { return g.CloseAt.Add(-time.Nanosecond) }
	if _, err := e.Vote(context.Background(), "gate1", "u1", "A", "k1"); err != nil {
		t.Fatalf("vote just before close must pass: %v", err)
	}
	// Exactly at close: rejected even though the driver has not
	// transitioned the gate yet.
	e.clock = func() time.Time { return g.CloseAt }
	_, err := e.Vote(context.Background(), "gate1", "u2", "A", "k2")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("vote at close_at must be rejected, got %v", err)
	}
}

func TestStakeDebitsAndDeduplicates(t *testing.T) {
	e, store, _ := newTestEngine(t)
	now := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	openGate(store, now)
	store.wallets["th1|u3"] = 150
	ctx := context.Background()

	st, err := e.Stake(ctx, "gate1", "u3", "A", 100, "sk1")
	if err != nil {
		t.Fatal(err)
	}
	if store.wallets["th1|u3"] != 50 {
		t.Fatalf("wallet must be debited to 50, got %d", store.wallets["th1|u3"])
	}
	again, err := e.Stake(ctx, "gate1", "u3", "A", 100, "sk1")
	if err != nil {
		t.Fatal(err)
	}
	if again.StakeID != st.StakeID {
		t.Fatal("idempotent retry must return the original stake")
	}
	if store.wallets["th1|u3"] != 50 {
		t.Fatalf("retry must not double-debit, balance %d", store.wallets["th1|u3"])
	}

	_, err = e.Stake(ctx, "gate1", "u3", "A", 100, "sk2")
	if apperr.KindOf(err) != apperr.InsufficientFunds {
		t.Fatalf("want insufficient_funds, got %v", err)
	}
}

// The worked example: one vote each side, 100 staked on A vs 400 on B,
// sqrt weighting, 0.5/0.5 composite. B wins and u4's 400 returns 500.
func TestResolveCompositeAndSettlement(t *testing.T) {
	e, store, kern := newTestEngine(t)
	now := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	openGate(store, now)
	store.wallets["th1|u3"] = 100
	store.wallets["th1|u4"] = 400
	ctx := context.Background()

	mustVote := func(user, opt string) {
		t.Helper()
		if _, err := e.Vote(ctx, "gate1", user, opt, "vk-"+user); err != nil {
			t.Fatal(err)
		}
	}
	mustVote("u1", "A")
	mustVote("u2", "B")
	if _, err := e.Stake(ctx, "gate1", "u3", "A", 100, "sk-u3"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Stake(ctx, "gate1", "u4", "B", 400, "sk-u4"); err != nil {
		t.Fatal(err)
	}

	store.gates["gate1"].State = models.GateClosing
	if err := e.Resolve(ctx, "gate1"); err != nil {
		t.Fatal(err)
	}

	g := store.gates["gate1"]
	if g.State != models.GateResolved {
		t.Fatalf("want resolved, got %s", g.State)
	}
	if g.WinningOption != "B" {
		t.Fatalf("want winner B, got %q", g.WinningOption)
	}
	if store.wallets["th1|u3"] != 0 {
		t.Fatalf("u3 forfeits: want 0, got %d", store.wallets["th1|u3"])
	}
	if store.wallets["th1|u4"] != 500 {
		t.Fatalf("u4 payout: want 500, got %d", store.wallets["th1|u4"])
	}
	if g.ExplainCard == nil || g.ExplainCard.WinningOption != "B" {
		t.Fatal("explain card must carry the winner")
	}
	if _, ok := kern.applied["gate_resolve:gate1"]; !ok {
		t.Fatal("resolution must apply the kernel delta under its fixed key")
	}

	// Re-firing the resolver is a no-op.
	if err := e.Resolve(ctx, "gate1"); err != nil {
		t.Fatalf("re-resolve must be a no-op, got %v", err)
	}
	if store.wallets["th1|u4"] != 500 {
		t.Fatalf("re-resolve must not double-pay, got %d", store.wallets["th1|u4"])
	}
}

func TestResolveOutcomeTieBreaks(t *testing.T) {
	g := models.GateInstance{Options: []string{"B", "A"}}
	tpl := models.GateTemplate{Options: []string{"A", "B"}}

	// Fully symmetric: the lexically lowest option id wins.
	out := resolveOutcome(g, tpl, map[string]int64{"A": 1, "B": 1}, nil)
	if out.Winner != "A" {
		t.Fatalf("symmetric tie must break to lowest option id, got %q", out.Winner)
	}

	// Equal composite score, higher stake weight wins first.
	stakes := []models.Stake{
		{StakeID: "s1", UserID: "u1", OptionID: "B", Amount: 100},
	}
	out = resolveOutcome(g, tpl, map[string]int64{"A": 2, "B": 0}, stakes)
	// A has vote share 1.0*0.5 = 0.5; B has stake share 1.0*0.5 = 0.5.
	if out.Winner != "B" {
		t.Fatalf("tie must break to higher stake weight, got %q", out.Winner)
	}
}

func TestResolveRefundsWhenWinnerUnstaked(t *testing.T) {
	g := models.GateInstance{Options: []string{"A", "B"}}
	tpl := models.GateTemplate{Options: []string{"A", "B"}, ResolveWeights: models.ResolveWeights{Vote: 1, Stake: 0}}
	stakes := []models.Stake{
		{StakeID: "s1", UserID: "u1", OptionID: "B", Amount: 250},
	}
	out := resolveOutcome(g, tpl, map[string]int64{"A": 3}, stakes)
	if out.Winner != "A" {
		t.Fatalf("want A, got %q", out.Winner)
	}
	if out.Payouts["s1"] != 250 {
		t.Fatalf("unstaked winner must refund the pool, got %d", out.Payouts["s1"])
	}
}

func TestCancelRefundsStakes(t *testing.T) {
	e, store, kern := newTestEngine(t)
	now := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	openGate(store, now)
	store.wallets["th1|u1"] = 300
	ctx := context.Background()

	if _, err := e.Stake(ctx, "gate1", "u1", "A", 300, "sk"); err != nil {
		t.Fatal(err)
	}
	if err := e.Cancel(ctx, "gate1"); err != nil {
		t.Fatal(err)
	}
	if store.wallets["th1|u1"] != 300 {
		t.Fatalf("cancel must refund, got %d", store.wallets["th1|u1"])
	}
	if len(kern.applied) != 0 {
		t.Fatal("cancel must not apply any kernel delta")
	}

	// Post-cancel intake is rejected and leaves the wallet alone.
	_, err := e.Vote(ctx, "gate1", "u2", "A", "vk")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("vote on cancelled gate must conflict, got %v", err)
	}
	_, err = e.Stake(ctx, "gate1", "u1", "A", 100, "sk2")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("stake on cancelled gate must conflict, got %v", err)
	}
	if store.wallets["th1|u1"] != 300 {
		t.Fatalf("rejected stake must not touch the wallet, got %d", store.wallets["th1|u1"])
	}
}

func TestTickWalksLifecycle(t *testing.T) {
	e, store, _ := newTestEngine(t)
	base := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	g := &models.GateInstance{
		GateID:     "gate1",
		TheatreID:  "th1",
		TemplateID: "g1",
		Options:    []string{"A", "B"},
		OpenAt:     base,
		CloseAt:    base.Add(55 * time.Minute),
		ResolveAt:  base.Add(time.Hour),
		State:      models.GateScheduled,
	}
	store.gates[g.GateID] = g
	ctx := context.Background()

	if err := e.Tick(ctx, base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if g.State != models.GateOpen {
		t.Fatalf("want open, got %s", g.State)
	}
	if err := e.Tick(ctx, base.Add(56*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if g.State != models.GateClosing {
		t.Fatalf("want closing, got %s", g.State)
	}
	e.clock = func() time.Time { return base.Add(61 * time.Minute) }
	if err := e.Tick(ctx, base.Add(61*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if store.gates["gate1"].State != models.GateResolved {
		t.Fatalf("want resolved, got %s", store.gates["gate1"].State)
	}
}
