package scheduler

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

type fakeStore struct {
	plans  []models.HourPlan
	gates  []models.GateInstance
	stages []models.Stage
}

func (f *fakeStore) HasPlanForSlot(_ context.Context, theatreID string, slotStart time.Time) (bool, error) {
	for _, p := range f.plans {
		if p.TheatreID == theatreID && p.SlotStart.Equal(slotStart) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertPlanTx(_ context.Context, plan models.HourPlan, gates []models.GateInstance) error {
	f.plans = append(f.plans, plan)
	f.gates = append(f.gates, gates...)
	return nil
}

func (f *fakeStore) ListRecentPlans(_ context.Context, theatreID string, n int) ([]models.HourPlan, error) {
	var out []models.HourPlan
	for i := len(f.plans) - 1; i >= 0 && len(out) < n; i-- {
		if f.plans[i].TheatreID == theatreID {
			out = append(out, f.plans[i])
		}
	}
	return out, nil
}

func (f *fakeStore) ListStages(_ context.Context, _ string) ([]models.Stage, error) {
	return f.stages, nil
}

type fakeState struct{ state models.WorldState }

func (f fakeState) GetState(context.Context, string) (models.WorldState, error) {
	return f.state, nil
}

type fakePacks struct{ pack *themepack.Pack }

func (f fakePacks) GetForTheatre(context.Context, string) (*themepack.Pack, error) {
	return f.pack, nil
}

func plannerPack() *themepack.Pack {
	return &themepack.Pack{
		PackID: "p1",
		Variables: map[string]themepack.WorldVariableDef{
			"tension": {VarID: "tension", Min: 0, Max: 1, Default: 0.5, MaxChangePerHour: 0.2},
		},
		Threads: map[string]themepack.ThreadDef{
			"heist":  {ThreadID: "heist", Phases: []string{"setup", "climax"}, InitialPhase: "setup", WorldVars: []string{"tension"}},
			"romance": {ThreadID: "romance", Phases: []string{"meet", "part"}, InitialPhase: "meet"},
		},
		Beats: map[string]themepack.BeatTemplate{
			"b_chase": {
				TemplateID: "b_chase", ThreadID: "heist", ThreadPhaseIn: []string{"setup"},
				StageTagAny: []string{"alley"}, MoodAny: []string{"tense", "frantic"},
				OptionalGateTemplateID: "g_split",
			},
			"b_letter": {
				TemplateID: "b_letter", ThreadID: "romance", ThreadPhaseIn: []string{"meet"},
				StageTagAny: []string{"plaza"},
			},
			"b_rescue": {TemplateID: "b_rescue", ThreadID: "heist", Rescue: true},
		},
		Gates: map[string]models.GateTemplate{
			"g_split": {TemplateID: "g_split", Options: []string{"split", "stay"}},
		},
	}
}

func plannerState() models.WorldState {
	return models.WorldState{
		TheatreID: "th1",
		Variables: map[string]float64{"tension": 0.7},
		Threads: map[string]models.ThreadState{
			"heist":   {Phase: "setup", Progress: 0.2},
			"romance": {Phase: "meet", Progress: 0.1},
		},
		Objects: map[string]string{},
	}
}

func plannerStages() []models.Stage {
	return []models.Stage{
		{StageID: "s_alley", TheatreID: "th1", Tags: []string{"alley"}, RingCMeters: 300, RingBMeters: 150, RingAMeters: 50},
		{StageID: "s_plaza", TheatreID: "th1", Tags: []string{"plaza"}, RingCMeters: 300, RingBMeters: 150, RingAMeters: 50},
	}
}

func newTestPlanner(store *fakeStore) *Planner {
	rec := events.NewRecorder(nopAppender{}, nil)
	return New(store, fakeState{state: plannerState()}, fakePacks{pack: plannerPack()}, rec, Config{
		SlotDuration:      time.Hour,
		BeatBudget:        3,
		GateResolveMargin: 5 * time.Minute,
	})
}

type nopAppender struct{}

func (nopAppender) AppendEvents(context.Context, []models.Event) error { return nil }

var slot = time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

func TestPlanSlotProducesBeatsAndGates(t *testing.T) {
	store := &fakeStore{stages: plannerStages()}
	p := newTestPlanner(store)

	plan, err := p.PlanSlot(context.Background(), "th1", slot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PrimaryThreadID == "" {
		t.Fatal("plan must select a primary thread")
	}
	if len(plan.Beats) == 0 {
		t.Fatal("plan must carry beats")
	}
	for _, b := range plan.Beats {
		if b.StageID == "" {
			t.Fatalf("beat %s has no stage", b.TemplateID)
		}
	}
	// The chase beat carries its gate; the instance must cover the slot.
	if len(store.gates) > 0 {
		g := store.gates[0]
		if !g.OpenAt.Equal(slot) {
			t.Fatalf("gate opens at slot start, got %v", g.OpenAt)
		}
		if !g.CloseAt.Equal(slot.Add(55 * time.Minute)) {
			t.Fatalf("gate closes at slot end minus margin, got %v", g.CloseAt)
		}
		if !g.ResolveAt.Equal(slot.Add(time.Hour)) {
			t.Fatalf("gate resolves at slot end, got %v", g.ResolveAt)
		}
		if len(g.Options) == 0 {
			t.Fatal("gate instance must carry its template options")
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	a := &fakeStore{stages: plannerStages()}
	b := &fakeStore{stages: plannerStages()}

	planA, err := newTestPlanner(a).PlanSlot(context.Background(), "th1", slot, nil)
	if err != nil {
		t.Fatal(err)
	}
	planB, err := newTestPlanner(b).PlanSlot(context.Background(), "th1", slot, nil)
	if err != nil {
		t.Fatal(err)
	}

	planA.GeneratedAt, planB.GeneratedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(planA, planB) {
		t.Fatalf("identical inputs must reproduce the identical plan:\n%+v\n%+v", planA, planB)
	}
}

func TestPlanSlotIdempotentPerSlot(t *testing.T) {
	store := &fakeStore{stages: plannerStages()}
	p := newTestPlanner(store)
	ctx := context.Background()

	if _, err := p.PlanSlot(ctx, "th1", slot, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.PlanSlot(ctx, "th1", slot, nil); err == nil {
		t.Fatal("replanning a published slot must refuse")
	}
	if len(store.plans) != 1 {
		t.Fatalf("want exactly one stored plan, got %d", len(store.plans))
	}
}

func TestOverridePinsAndExcludes(t *testing.T) {
	store := &fakeStore{stages: plannerStages()}
	p := newTestPlanner(store)

	plan, err := p.PlanSlot(context.Background(), "th1", slot, &models.Override{PinThreadID: "romance"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.PrimaryThreadID != "romance" {
		t.Fatalf("pinned thread must lead, got %q", plan.PrimaryThreadID)
	}
	if plan.Source != models.PlanSourceOverride {
		t.Fatalf("overridden plan must be marked, got %q", plan.Source)
	}

	store2 := &fakeStore{stages: plannerStages()}
	plan2, err := newTestPlanner(store2).PlanSlot(context.Background(), "th1", slot, &models.Override{ExcludeThreadID: "heist"})
	if err != nil {
		t.Fatal(err)
	}
	if plan2.PrimaryThreadID == "heist" {
		t.Fatal("excluded thread must not lead")
	}
	for _, s := range plan2.SupportThreadIDs {
		if s == "heist" {
			t.Fatal("excluded thread must not support either")
		}
	}
}

func TestRescueBeatsFillShortfall(t *testing.T) {
	pack := plannerPack()
	// Make every regular beat fail its phase precondition.
	state := plannerState()
	state.Threads["heist"] = models.ThreadState{Phase: "climax"}
	state.Threads["romance"] = models.ThreadState{Phase: "part"}

	store := &fakeStore{stages: plannerStages()}
	rec := events.NewRecorder(nopAppender{}, nil)
	p := New(store, fakeState{state: state}, fakePacks{pack: pack}, rec, Config{
		SlotDuration: time.Hour, BeatBudget: 2, GateResolveMargin: 5 * time.Minute,
	})

	plan, err := p.PlanSlot(context.Background(), "th1", slot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Beats) == 0 {
		t.Fatal("rescue beats must fill an empty candidate set")
	}
	for _, b := range plan.Beats {
		if b.TemplateID != "b_rescue" {
			t.Fatalf("only rescue beats can survive here, got %q", b.TemplateID)
		}
	}
}

func TestSilentSlotWhenNothingFits(t *testing.T) {
	pack := plannerPack()
	delete(pack.Beats, "b_rescue")
	state := plannerState()
	state.Threads["heist"] = models.ThreadState{Phase: "climax"}
	state.Threads["romance"] = models.ThreadState{Phase: "part"}

	store := &fakeStore{stages: plannerStages()}
	rec := events.NewRecorder(nopAppender{}, nil)
	p := New(store, fakeState{state: state}, fakePacks{pack: pack}, rec, Config{
		SlotDuration: time.Hour, BeatBudget: 2, GateResolveMargin: 5 * time.Minute,
	})

	plan, err := p.PlanSlot(context.Background(), "th1", slot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Beats) != 0 {
		t.Fatal("silent slot carries no beats")
	}
	if plan.ExplainNote == "" {
		t.Fatal("silent slot must carry an explain note")
	}
}

func TestOneBeatPerStagePerSlot(t *testing.T) {
	pack := plannerPack()
	// Two beats compete for the single alley stage.
	pack.Beats["b_chase2"] = themepack.BeatTemplate{
		TemplateID: "b_chase2", ThreadID: "heist", ThreadPhaseIn: []string{"setup"},
		StageTagAny: []string{"alley"},
	}
	store := &fakeStore{stages: []models.Stage{
		{StageID: "s_alley", TheatreID: "th1", Tags: []string{"alley"}, RingCMeters: 300, RingBMeters: 150, RingAMeters: 50},
	}}
	rec := events.NewRecorder(nopAppender{}, nil)
	p := New(store, fakeState{state: plannerState()}, fakePacks{pack: pack}, rec, Config{
		SlotDuration: time.Hour, BeatBudget: 3, GateResolveMargin: 5 * time.Minute,
	})

	plan, err := p.PlanSlot(context.Background(), "th1", slot, nil)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, b := range plan.Beats {
		if seen[b.StageID] {
			t.Fatalf("stage %q assigned twice in one slot", b.StageID)
		}
		seen[b.StageID] = true
	}
}
