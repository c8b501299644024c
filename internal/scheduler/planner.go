// Package scheduler generates the hour plan for each upcoming slot: it
// scores and selects story threads against current world state, fills
// the slot's beat budget from the theme pack's templates (falling back
// to rescue beats), binds beats to stages, and plans the slot's gates.
// Plan generation is deterministic: all randomness is seeded from
// (theatre, slot start, state hash), so a replay regenerates the
// identical plan.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/kernel"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

// Store is the storage contract the planner needs.
type Store interface {
	HasPlanForSlot(ctx context.Context, theatreID string, slotStart time.Time) (bool, error)
	InsertPlanTx(ctx context.Context, plan models.HourPlan, gates []models.GateInstance) error
	ListRecentPlans(ctx context.Context, theatreID string, n int) ([]models.HourPlan, error)
	ListStages(ctx context.Context, theatreID string) ([]models.Stage, error)
}

// StateReader is the Kernel slice the planner reads (never writes).
type StateReader interface {
	GetState(ctx context.Context, theatreID string) (models.WorldState, error)
}

// PackResolver resolves the pack bound to a theatre.
type PackResolver interface {
	GetForTheatre(ctx context.Context, theatreID string) (*themepack.Pack, error)
}

// Config holds the planner's tuning knobs.
type Config struct {
	SlotDuration      time.Duration
	BeatBudget        int
	SupportThreads    int
	GateResolveMargin time.Duration // close_at = slot end - margin
	RecentWindow      int           // plans consulted for variety/staleness
}

// Planner generates hour plans. Safe for concurrent use.
type Planner struct {
	store Store
	state StateReader
	packs PackResolver
	rec   *events.Recorder
	cfg   Config
}

// New constructs a Planner.
func New(store Store, state StateReader, packs PackResolver, rec *events.Recorder, cfg Config) *Planner {
	if cfg.BeatBudget <= 0 {
		cfg.BeatBudget = 3
	}
	if cfg.SupportThreads <= 0 {
		cfg.SupportThreads = 2
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 5
	}
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = time.Hour
	}
	return &Planner{store: store, state: state, packs: packs, rec: rec, cfg: cfg}
}

// uuidNamespace roots the deterministic ids plans and their gates carry.
// Name-based ids keep regenerated plans byte-identical.
var uuidNamespace = uuid.MustParse("b3a9274e-6f1c-5d08-9f44-05a1c0de6e2f")

func deterministicID(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return uuid.NewSHA1(uuidNamespace, h.Sum(nil)).String()
}

// PlanSlot generates and persists the plan for one slot. Planning a slot
// that is already published fails with a Conflict error and leaves the
// stored plan untouched.
func (p *Planner) PlanSlot(ctx context.Context, theatreID string, slotStart time.Time, override *models.Override) (models.HourPlan, error) {
	start := time.Now()
	defer func() { metrics.PlanDuration.Observe(time.Since(start).Seconds()) }()

	if exists, err := p.store.HasPlanForSlot(ctx, theatreID, slotStart); err != nil {
		return models.HourPlan{}, err
	} else if exists {
		return models.HourPlan{}, apperr.Conflictf("slot %s already planned", slotStart.Format(time.RFC3339))
	}

	pack, err := p.packs.GetForTheatre(ctx, theatreID)
	if err != nil {
		return models.HourPlan{}, err
	}
	state, err := p.state.GetState(ctx, theatreID)
	if err != nil {
		return models.HourPlan{}, err
	}
	recent, err := p.store.ListRecentPlans(ctx, theatreID, p.cfg.RecentWindow)
	if err != nil {
		return models.HourPlan{}, err
	}
	stages, err := p.store.ListStages(ctx, theatreID)
	if err != nil {
		return models.HourPlan{}, err
	}

	plan, gates := p.build(theatreID, slotStart, pack, state, recent, stages, override)
	plan.GeneratedAt = time.Now().UTC()

	if err := p.store.InsertPlanTx(ctx, plan, gates); err != nil {
		return models.HourPlan{}, err
	}
	metrics.PlansGenerated.WithLabelValues(string(plan.Source)).Inc()
	p.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: theatreID,
		At:        plan.GeneratedAt,
		Kind:      models.EventPlanGenerated,
		Payload: map[string]any{
			"plan_id":        plan.PlanID,
			"slot_start":     slotStart,
			"primary_thread": plan.PrimaryThreadID,
			"beats":          len(plan.Beats),
			"gates":          len(plan.GateIDs),
		},
		Target: models.EventTarget{TheatreWide: true},
	})
	return plan, nil
}

// build is the pure planning function; everything it needs arrives as an
// argument and its only entropy source is the seeded generator.
func (p *Planner) build(theatreID string, slotStart time.Time, pack *themepack.Pack, state models.WorldState, recent []models.HourPlan, stages []models.Stage, override *models.Override) (models.HourPlan, []models.GateInstance) {
	stateHash := kernel.StateHash(state)
	rng := rand.New(rand.NewSource(seed(theatreID, slotStart, stateHash)))

	source := models.PlanSourceAuto
	if override != nil {
		source = models.PlanSourceOverride
	}
	plan := models.HourPlan{
		PlanID:    deterministicID("plan", theatreID, slotStart.Format(time.RFC3339), stateHash),
		TheatreID: theatreID,
		SlotStart: slotStart,
		Source:    source,
	}

	primary, supports := p.selectThreads(pack, state, recent, override)
	if primary == "" {
		plan.ExplainNote = "silent slot: no featureable thread in the bound pack"
		return plan, nil
	}
	plan.PrimaryThreadID = primary
	plan.SupportThreadIDs = supports

	selected := append([]string{primary}, supports...)
	candidates := p.candidateBeats(pack, state, selected)
	beatsChosen := p.rollBeats(rng, candidates, recent, override)
	if len(beatsChosen) < p.cfg.BeatBudget {
		beatsChosen = p.fillRescue(rng, beatsChosen, pack)
	}
	if len(beatsChosen) == 0 {
		plan.ExplainNote = "silent slot: no beat satisfied its preconditions and the pack has no rescue beats"
		return plan, nil
	}

	slotID := deterministicID("slot", theatreID, slotStart.Format(time.RFC3339))
	beats, gates := p.bindBeats(rng, pack, theatreID, slotID, slotStart, beatsChosen, stages, recent)
	plan.Beats = beats
	for _, g := range gates {
		plan.GateIDs = append(plan.GateIDs, g.GateID)
	}
	return plan, gates
}

func seed(theatreID string, slotStart time.Time, stateHash string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", theatreID, slotStart.Unix(), stateHash)
	return int64(h.Sum64())
}

// selectThreads scores every pack thread and picks one primary plus up
// to SupportThreads of the next-highest-scoring threads as supports; the
// supports are not checked for conflicts with each other or the primary.
func (p *Planner) selectThreads(pack *themepack.Pack, state models.WorldState, recent []models.HourPlan, override *models.Override) (string, []string) {
	type scored struct {
		id    string
		score float64
	}
	var ranked []scored
	for _, id := range sortedThreadIDs(pack) {
		def := pack.Threads[id]
		if override != nil && override.ExcludeThreadID == id {
			continue
		}
		ts := state.Threads[id]
		phase := ts.Phase
		if phase == "" {
			phase = def.InitialPhase
		}

		score := 1.0
		if def.IsTerminal(phase) {
			// A finished thread can still dress the stage but should
			// rarely lead the hour.
			score = 0.1
		}
		// Alignment: the mean of the variables this thread reacts to.
		if len(def.WorldVars) > 0 {
			var sum float64
			for _, v := range def.WorldVars {
				sum += state.Variables[v]
			}
			score += sum / float64(len(def.WorldVars))
		}
		score += stalenessBoost(id, recent)
		if override != nil && override.PinThreadID == id {
			score += 100
		}
		ranked = append(ranked, scored{id: id, score: score})
	}
	if len(ranked) == 0 {
		return "", nil
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	primary := ranked[0].id
	var supports []string
	for _, s := range ranked[1:] {
		if len(supports) >= p.cfg.SupportThreads {
			break
		}
		supports = append(supports, s.id)
	}
	return primary, supports
}

// stalenessBoost rewards threads absent from the recent plans: one tenth
// per plan since last featured; a thread missing from every recent plan
// gets one tenth times (number of recent plans + 1).
func stalenessBoost(threadID string, recent []models.HourPlan) float64 {
	for i, plan := range recent {
		if plan.PrimaryThreadID == threadID {
			return 0.1 * float64(i)
		}
		for _, s := range plan.SupportThreadIDs {
			if s == threadID {
				return 0.1 * float64(i)
			}
		}
	}
	return 0.1 * float64(len(recent)+1)
}

// candidateBeats filters the pack's templates down to those whose thread
// is selected, whose phase gate admits the thread's current phase, whose
// world conditions hold, and which the thread's phase allow-list admits.
func (p *Planner) candidateBeats(pack *themepack.Pack, state models.WorldState, selected []string) []themepack.BeatTemplate {
	selectedSet := make(map[string]bool, len(selected))
	for _, id := range selected {
		selectedSet[id] = true
	}
	var out []themepack.BeatTemplate
	for _, id := range sortedBeatIDs(pack) {
		b := pack.Beats[id]
		if b.Rescue || !selectedSet[b.ThreadID] {
			continue
		}
		def, ok := pack.Threads[b.ThreadID]
		if !ok {
			continue
		}
		phase := state.Threads[b.ThreadID].Phase
		if phase == "" {
			phase = def.InitialPhase
		}
		if len(b.ThreadPhaseIn) > 0 && !contains(b.ThreadPhaseIn, phase) {
			continue
		}
		if allowed := def.AllowedBeatTypes[phase]; len(allowed) > 0 && !contains(allowed, b.TemplateID) {
			continue
		}
		ok = true
		for _, c := range b.WorldConditions {
			if !c.Satisfied(state.Variables[c.VarID]) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, b)
		}
	}
	return out
}

// rollBeats draws templates without replacement, weighted down when a
// template appeared in the recent plans.
func (p *Planner) rollBeats(rng *rand.Rand, candidates []themepack.BeatTemplate, recent []models.HourPlan, override *models.Override) []themepack.BeatTemplate {
	recentTemplates := make(map[string]bool)
	for _, plan := range recent {
		for _, b := range plan.Beats {
			recentTemplates[b.TemplateID] = true
		}
	}

	weights := make([]float64, len(candidates))
	for i, b := range candidates {
		weights[i] = 1.0
		if recentTemplates[b.TemplateID] {
			weights[i] = 0.25
		}
		if override != nil && override.InjectBeatID == b.TemplateID {
			weights[i] = 1000
		}
	}

	var chosen []themepack.BeatTemplate
	for len(chosen) < p.cfg.BeatBudget && len(candidates) > 0 {
		i := weightedPick(rng, weights)
		chosen = append(chosen, candidates[i])
		candidates = append(candidates[:i], candidates[i+1:]...)
		weights = append(weights[:i], weights[i+1:]...)
	}
	return chosen
}

func (p *Planner) fillRescue(rng *rand.Rand, chosen []themepack.BeatTemplate, pack *themepack.Pack) []themepack.BeatTemplate {
	rescue := pack.RescueBeats()
	sort.Slice(rescue, func(i, j int) bool { return rescue[i].TemplateID < rescue[j].TemplateID })
	for len(chosen) < p.cfg.BeatBudget && len(rescue) > 0 {
		i := rng.Intn(len(rescue))
		chosen = append(chosen, rescue[i])
		rescue = append(rescue[:i], rescue[i+1:]...)
	}
	return chosen
}

// bindBeats assigns each chosen template a stage (tag intersection,
// least-recently-featured tie-break, one beat per stage per slot) and
// plans the gates the beats carry. A beat with no assignable stage is
// dropped — a plan never names a stage outside the theatre.
func (p *Planner) bindBeats(rng *rand.Rand, pack *themepack.Pack, theatreID, slotID string, slotStart time.Time, chosen []themepack.BeatTemplate, stages []models.Stage, recent []models.HourPlan) ([]models.Beat, []models.GateInstance) {
	lastFeatured := make(map[string]int) // stage -> plans since featured (0 = most recent)
	for i, plan := range recent {
		for _, b := range plan.Beats {
			if _, seen := lastFeatured[b.StageID]; !seen {
				lastFeatured[b.StageID] = i
			}
		}
	}
	staleness := func(stageID string) int {
		if i, seen := lastFeatured[stageID]; seen {
			return i
		}
		return len(recent) + 1
	}

	used := make(map[string]bool)
	var beats []models.Beat
	var gates []models.GateInstance
	for _, tmpl := range chosen {
		var eligible []models.Stage
		for _, st := range stages {
			if used[st.StageID] {
				continue
			}
			if len(tmpl.StageTagAny) == 0 || intersects(st.Tags, tmpl.StageTagAny) {
				eligible = append(eligible, st)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		sort.Slice(eligible, func(i, j int) bool {
			si, sj := staleness(eligible[i].StageID), staleness(eligible[j].StageID)
			if si != sj {
				return si > sj
			}
			return eligible[i].StageID < eligible[j].StageID
		})
		stage := eligible[0]
		used[stage.StageID] = true

		beat := models.Beat{
			BeatID:                 deterministicID("beat", theatreID, slotID, tmpl.TemplateID),
			TemplateID:             tmpl.TemplateID,
			ThreadID:               tmpl.ThreadID,
			StageID:                stage.StageID,
			CameraStyle:            pickOne(rng, tmpl.CameraStyleAny),
			Mood:                   pickOne(rng, tmpl.MoodAny),
			OptionalGateTemplateID: tmpl.OptionalGateTemplateID,
		}
		if len(tmpl.PropAny) > 0 {
			beat.Props = []string{pickOne(rng, tmpl.PropAny)}
		}
		beats = append(beats, beat)

		if tmpl.OptionalGateTemplateID != "" {
			gateTpl, ok := pack.Gates[tmpl.OptionalGateTemplateID]
			if !ok {
				// Validate() flags this at pack load; a plan never carries a
				// gate its pack cannot resolve.
				continue
			}
			gates = append(gates, models.GateInstance{
				GateID:     deterministicID("gate", theatreID, slotID, tmpl.OptionalGateTemplateID, tmpl.TemplateID),
				TheatreID:  theatreID,
				SlotID:     slotID,
				TemplateID: tmpl.OptionalGateTemplateID,
				Options:    gateTpl.Options,
				OpenAt:     slotStart,
				CloseAt:    slotStart.Add(p.cfg.SlotDuration - p.cfg.GateResolveMargin),
				ResolveAt:  slotStart.Add(p.cfg.SlotDuration),
				State:      models.GateScheduled,
			})
		}
	}
	return beats, gates
}

func weightedPick(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

func pickOne(rng *rand.Rand, options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[rng.Intn(len(options))]
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func sortedThreadIDs(pack *themepack.Pack) []string {
	ids := make([]string, 0, len(pack.Threads))
	for id := range pack.Threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedBeatIDs(pack *themepack.Pack) []string {
	ids := make([]string, 0, len(pack.Beats))
	for id := range pack.Beats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
