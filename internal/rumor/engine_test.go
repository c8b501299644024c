package rumor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

type fakeStore struct {
	rumors  map[string]*models.Rumor
	spreads map[string]bool // (rumor|spreader)
	heat    map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rumors: map[string]*models.Rumor{}, spreads: map[string]bool{}, heat: map[string]int{}}
}

func (f *fakeStore) InsertRumor(_ context.Context, r models.Rumor) error {
	cp := r
	f.rumors[r.RumorID] = &cp
	return nil
}

func (f *fakeStore) GetRumor(_ context.Context, id string) (models.Rumor, error) {
	r, ok := f.rumors[id]
	if !ok {
		return models.Rumor{}, apperr.NotFoundf("rumor not found")
	}
	return *r, nil
}

func (f *fakeStore) PublishRumor(_ context.Context, id string, publishedAt, expiresAt time.Time) error {
	r := f.rumors[id]
	if r.Status != models.RumorDraft {
		return apperr.Conflictf("not a draft")
	}
	r.Status = models.RumorActive
	r.PublishedAt = &publishedAt
	r.ExpiresAt = expiresAt
	return nil
}

func (f *fakeStore) RecordSpreadTx(_ context.Context, sp models.Spread) (int, bool, error) {
	key := sp.RumorID + "|" + sp.SpreaderID
	if f.spreads[key] {
		return 0, false, apperr.Validationf("already spread")
	}
	f.spreads[key] = true
	r := f.rumors[sp.RumorID]
	r.SpreadCount++
	if sp.StageID != "" {
		f.heat[sp.StageID]++
	}
	if r.Status == models.RumorActive && r.SpreadCount >= models.ViralSpreadThreshold {
		r.Status = models.RumorViral
		return r.SpreadCount, true, nil
	}
	return r.SpreadCount, false, nil
}

func (f *fakeStore) DebunkRumor(_ context.Context, id string) error {
	f.rumors[id].Status = models.RumorDebunked
	return nil
}

func (f *fakeStore) ListRumors(_ context.Context, theatreID string, status models.RumorStatus) ([]models.Rumor, error) {
	var out []models.Rumor
	for _, r := range f.rumors {
		if r.TheatreID == theatreID && (status == "" || r.Status == status) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) StageSpreadHeat(_ context.Context, _ string, _ time.Time) (map[string]int, error) {
	return f.heat, nil
}

type fakePacks struct{ pack *themepack.Pack }

func (f fakePacks) GetForTheatre(context.Context, string) (*themepack.Pack, error) {
	return f.pack, nil
}

type nopAppender struct{}

func (nopAppender) AppendEvents(context.Context, []models.Event) error { return nil }

func newTestEngine(t *testing.T, randFloat func() float64) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	pack := &themepack.Pack{
		PackID:     "p1",
		Threads:    map[string]themepack.ThreadDef{"t1": {ThreadID: "t1"}},
		Characters: map[string]themepack.CharacterDef{"c1": {CharacterID: "c1"}},
	}
	if randFloat == nil {
		randFloat = func() float64 { return 0.99 }
	}
	return New(store, fakePacks{pack: pack}, events.NewRecorder(nopAppender{}, nil), randFloat), store
}

func publishActive(t *testing.T, e *Engine, authorID string) models.Rumor {
	t.Helper()
	r, err := e.Draft(context.Background(), DraftRequest{
		TheatreID: "th1", AuthorID: authorID, Content: "the ledger moves tonight",
	})
	if err != nil {
		t.Fatal(err)
	}
	pub, err := e.Publish(context.Background(), r.RumorID, authorID)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

func TestDraftContentCap(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	long := make([]rune, models.MaxRumorContentLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := e.Draft(context.Background(), DraftRequest{TheatreID: "th1", AuthorID: "u1", Content: string(long)})
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("over-length content must fail, got %v", err)
	}
}

func TestDraftCooldown(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	if _, err := e.Draft(ctx, DraftRequest{TheatreID: "th1", AuthorID: "u1", Content: "one"}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Draft(ctx, DraftRequest{TheatreID: "th1", AuthorID: "u1", Content: "two"})
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != apperr.RateLimited {
		t.Fatalf("second draft inside the cooldown must rate-limit, got %v", err)
	}
	if ae.RetryAt.IsZero() {
		t.Fatal("rate limit must carry the earliest retry time")
	}
	// A different author is unaffected.
	if _, err := e.Draft(ctx, DraftRequest{TheatreID: "th1", AuthorID: "u2", Content: "three"}); err != nil {
		t.Fatalf("cooldown is per author, got %v", err)
	}
}

func TestDraftUnknownTargetRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Draft(context.Background(), DraftRequest{
		TheatreID: "th1", AuthorID: "u1", Content: "x", TargetThread: "ghost",
	})
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("unknown thread target must fail, got %v", err)
	}
}

func TestSpreadViralityAndOneShot(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()
	r := publishActive(t, e, "author")

	for i := 0; i < models.ViralSpreadThreshold; i++ {
		got, err := e.Spread(ctx, r.RumorID, fmt.Sprintf("u%d", i), "s1")
		if err != nil {
			t.Fatalf("spread %d: %v", i, err)
		}
		if i < models.ViralSpreadThreshold-1 && got.Status == models.RumorViral {
			t.Fatalf("viral too early at spread %d", i+1)
		}
	}
	if store.rumors[r.RumorID].Status != models.RumorViral {
		t.Fatalf("10th spread must flip viral, got %s", store.rumors[r.RumorID].Status)
	}
	if store.heat["s1"] != 10 {
		t.Fatalf("stage heat must count 10 spreads, got %d", store.heat["s1"])
	}

	// u0 already spread: the 11th call is rejected.
	_, err := e.Spread(ctx, r.RumorID, "u0", "s1")
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("repeat spread must fail validation, got %v", err)
	}
}

func TestSpreadDraftRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	r, err := e.Draft(context.Background(), DraftRequest{TheatreID: "th1", AuthorID: "u1", Content: "quiet"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Spread(context.Background(), r.RumorID, "u2", "")
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("draft cannot spread, got %v", err)
	}
}

func TestDebunkProbabilityFormula(t *testing.T) {
	cases := []struct {
		evidence int
		want     float64
	}{{0, 0.3}, {1, 0.5}, {2, 0.7}, {3, 0.9}, {4, 0.95}, {10, 0.95}}
	for _, c := range cases {
		if got := models.DebunkProbability(c.evidence); got != c.want {
			t.Fatalf("DebunkProbability(%d) = %v, want %v", c.evidence, got, c.want)
		}
	}
}

func TestDebunkRollOutcomes(t *testing.T) {
	// Roll under the probability: success.
	e, store := newTestEngine(t, func() float64 { return 0.1 })
	r := publishActive(t, e, "author")
	res, err := e.Debunk(context.Background(), r.RumorID, "skeptic", []string{"e1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Probability != 0.5 {
		t.Fatalf("want success at p=0.5, got %+v", res)
	}
	if store.rumors[r.RumorID].Status != models.RumorDebunked {
		t.Fatal("successful debunk must mark the rumor")
	}

	// Roll above the probability: the rumor survives.
	e2, store2 := newTestEngine(t, func() float64 { return 0.9 })
	r2 := publishActive(t, e2, "author")
	res, err = e2.Debunk(context.Background(), r2.RumorID, "skeptic", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("roll above probability must fail")
	}
	if store2.rumors[r2.RumorID].Status != models.RumorActive {
		t.Fatal("failed debunk must leave the rumor active")
	}
}

func TestPublishOnlyByAuthor(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	r, err := e.Draft(context.Background(), DraftRequest{TheatreID: "th1", AuthorID: "u1", Content: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Publish(context.Background(), r.RumorID, "u2")
	if apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("non-author publish must be forbidden, got %v", err)
	}
}
