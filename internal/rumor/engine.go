// Package rumor manages short player-published claims: draft (rate
// limited per author), publish, spread (once per spreader), debunk
// (evidence-weighted chance), and the per-stage heat signal the
// scheduler may read.
package rumor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

// DraftCooldown is the per-author draft rate limit.
const DraftCooldown = 10 * time.Minute

// Store is the storage contract the engine needs.
type Store interface {
	InsertRumor(ctx context.Context, r models.Rumor) error
	GetRumor(ctx context.Context, rumorID string) (models.Rumor, error)
	PublishRumor(ctx context.Context, rumorID string, publishedAt, expiresAt time.Time) error
	RecordSpreadTx(ctx context.Context, sp models.Spread) (int, bool, error)
	DebunkRumor(ctx context.Context, rumorID string) error
	ListRumors(ctx context.Context, theatreID string, status models.RumorStatus) ([]models.Rumor, error)
	StageSpreadHeat(ctx context.Context, theatreID string, now time.Time) (map[string]int, error)
}

// PackResolver resolves the pack bound to a theatre; a rumor's target
// thread/character must be declared there.
type PackResolver interface {
	GetForTheatre(ctx context.Context, theatreID string) (*themepack.Pack, error)
}

// Engine implements the rumor operations.
type Engine struct {
	store Store
	packs PackResolver
	rec   *events.Recorder
	clock func() time.Time
	randFloat func() float64 // swapped for a fixed source in tests

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // (theatre|author) -> draft limiter
}

// New constructs an Engine.
func New(store Store, packs PackResolver, rec *events.Recorder, randFloat func() float64) *Engine {
	return &Engine{
		store:     store,
		packs:     packs,
		rec:       rec,
		clock:     func() time.Time { return time.Now().UTC() },
		randFloat: randFloat,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (e *Engine) limiter(theatreID, authorID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := theatreID + "|" + authorID
	l, ok := e.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(DraftCooldown), 1)
		e.limiters[key] = l
	}
	return l
}

// DraftRequest describes one draft creation.
type DraftRequest struct {
	TheatreID       string
	AuthorID        string
	Content         string
	TargetThread    string
	TargetCharacter string
}

// Draft creates a draft rumor, enforcing the content cap and the
// per-author cooldown. Cooldown rejections carry the earliest retry
// time.
func (e *Engine) Draft(ctx context.Context, req DraftRequest) (models.Rumor, error) {
	if req.Content == "" || len([]rune(req.Content)) > models.MaxRumorContentLength {
		return models.Rumor{}, apperr.Validationf("content must be 1-%d characters", models.MaxRumorContentLength)
	}
	pack, err := e.packs.GetForTheatre(ctx, req.TheatreID)
	if err != nil {
		return models.Rumor{}, err
	}
	if req.TargetThread != "" {
		if _, ok := pack.Threads[req.TargetThread]; !ok {
			return models.Rumor{}, apperr.Validationf("unknown thread id %q", req.TargetThread)
		}
	}
	if req.TargetCharacter != "" {
		if _, ok := pack.Characters[req.TargetCharacter]; !ok {
			return models.Rumor{}, apperr.Validationf("unknown character id %q", req.TargetCharacter)
		}
	}

	lim := e.limiter(req.TheatreID, req.AuthorID)
	if !lim.Allow() {
		res := lim.Reserve()
		delay := res.Delay()
		res.Cancel()
		return models.Rumor{}, apperr.RateLimitedAt(e.clock().Add(delay),
			"draft cooldown: one rumor per %s", DraftCooldown)
	}

	now := e.clock()
	r := models.Rumor{
		RumorID:         uuid.NewString(),
		TheatreID:       req.TheatreID,
		AuthorID:        req.AuthorID,
		Content:         req.Content,
		TargetThread:    req.TargetThread,
		TargetCharacter: req.TargetCharacter,
		Status:          models.RumorDraft,
		Credibility:     0.5,
		ExpiresAt:       now.Add(models.DefaultRumorExpiry),
		CreatedAt:       now,
	}
	if err := e.store.InsertRumor(ctx, r); err != nil {
		return models.Rumor{}, err
	}
	return r, nil
}

// Publish activates a draft; the expiry clock runs from publication.
func (e *Engine) Publish(ctx context.Context, rumorID, authorID string) (models.Rumor, error) {
	r, err := e.store.GetRumor(ctx, rumorID)
	if err != nil {
		return models.Rumor{}, err
	}
	if r.AuthorID != authorID {
		return models.Rumor{}, apperr.Forbiddenf("user %q is not the author of rumor %q", authorID, rumorID)
	}
	now := e.clock()
	expiresAt := now.Add(models.DefaultRumorExpiry)
	if err := e.store.PublishRumor(ctx, rumorID, now, expiresAt); err != nil {
		return models.Rumor{}, err
	}
	r.Status = models.RumorActive
	r.PublishedAt = &now
	r.ExpiresAt = expiresAt
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: r.TheatreID,
		At:        now,
		Kind:      models.EventRumorPublished,
		Payload:   map[string]any{"rumor_id": rumorID, "content": r.Content},
		Target:    models.EventTarget{TheatreWide: true},
	})
	return r, nil
}

// Spread records one user passing the rumor on, optionally at a stage.
// A second spread by the same user is rejected; crossing the spread
// threshold flips the rumor viral.
func (e *Engine) Spread(ctx context.Context, rumorID, spreaderID, stageID string) (models.Rumor, error) {
	r, err := e.store.GetRumor(ctx, rumorID)
	if err != nil {
		return models.Rumor{}, err
	}
	now := e.clock()
	if r.IsExpired(now) {
		return models.Rumor{}, apperr.Validationf("rumor %q has expired", rumorID)
	}
	if r.Status != models.RumorActive && r.Status != models.RumorViral {
		return models.Rumor{}, apperr.Validationf("rumor %q is %s and cannot spread", rumorID, r.Status)
	}

	sp := models.Spread{
		SpreadID:   uuid.NewString(),
		RumorID:    rumorID,
		SpreaderID: spreaderID,
		StageID:    stageID,
		At:         now,
	}
	count, wentViral, err := e.store.RecordSpreadTx(ctx, sp)
	if err != nil {
		return models.Rumor{}, err
	}
	r.SpreadCount = count
	if wentViral {
		r.Status = models.RumorViral
		e.rec.Record(ctx, models.Event{
			EventID:   uuid.NewString(),
			TheatreID: r.TheatreID,
			At:        now,
			Kind:      models.EventRumorViral,
			Payload:   map[string]any{"rumor_id": rumorID, "spread_count": count},
			Target:    models.EventTarget{TheatreWide: true},
		})
	}
	return r, nil
}

// DebunkResult reports one debunk attempt.
type DebunkResult struct {
	Success     bool
	Probability float64
}

// Debunk attempts to kill a rumor; each consulted evidence item raises
// the success chance.
func (e *Engine) Debunk(ctx context.Context, rumorID, userID string, evidenceUsed []string) (DebunkResult, error) {
	r, err := e.store.GetRumor(ctx, rumorID)
	if err != nil {
		return DebunkResult{}, err
	}
	now := e.clock()
	if r.IsExpired(now) {
		return DebunkResult{}, apperr.Validationf("rumor %q has expired", rumorID)
	}
	if r.Status != models.RumorActive && r.Status != models.RumorViral {
		return DebunkResult{}, apperr.Validationf("rumor %q is %s and cannot be debunked", rumorID, r.Status)
	}

	p := models.DebunkProbability(len(evidenceUsed))
	if e.randFloat() >= p {
		return DebunkResult{Success: false, Probability: p}, nil
	}
	if err := e.store.DebunkRumor(ctx, rumorID); err != nil {
		return DebunkResult{}, err
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: r.TheatreID,
		At:        now,
		Kind:      models.EventRumorDebunked,
		Payload:   map[string]any{"rumor_id": rumorID, "debunked_by": userID, "evidence_used": evidenceUsed},
		Target:    models.EventTarget{TheatreWide: true},
	})
	return DebunkResult{Success: true, Probability: p}, nil
}

// List returns a theatre's rumors, optionally by status.
func (e *Engine) List(ctx context.Context, theatreID string, status models.RumorStatus) ([]models.Rumor, error) {
	return e.store.ListRumors(ctx, theatreID, status)
}

// StageHeat returns the per-stage spread tallies feeding the heat signal.
func (e *Engine) StageHeat(ctx context.Context, theatreID string) (map[string]int, error) {
	return e.store.StageSpreadHeat(ctx, theatreID, e.clock())
}
