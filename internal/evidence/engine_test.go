package evidence

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
	items     map[string]*models.Evidence
	transfers []models.Transfer
}

func newFakeStore() *fakeStore { return &fakeStore{items: map[string]*models.Evidence{}} }

func (f *fakeStore) InsertEvidence(_ context.Context, e models.Evidence) error {
	cp := e
	f.items[e.EvidenceID] = &cp
	return nil
}

func (f *fakeStore) GetEvidence(_ context.Context, id string) (models.Evidence, error) {
	e, ok := f.items[id]
	if !ok {
		return models.Evidence{}, apperr.NotFoundf("evidence not found")
	}
	return *e, nil
}

func (f *fakeStore) ListEvidenceByOwner(_ context.Context, theatreID, ownerID string, now time.Time) ([]models.Evidence, error) {
	var out []models.Evidence
	for _, e := range f.items {
		if e.TheatreID == theatreID && e.OwnerID == ownerID && !e.IsExpired(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) TransferEvidenceTx(_ context.Context, t models.Transfer, now time.Time) error {
	e, ok := f.items[t.EvidenceID]
	if !ok || e.OwnerID != t.FromUserID || e.Consumed || !e.Tradeable || e.IsExpired(now) {
		return apperr.Conflictf("not transferable")
	}
	e.OwnerID = t.ToUserID
	f.transfers = append(f.transfers, t)
	return nil
}

func (f *fakeStore) MarkEvidenceConsumed(_ context.Context, id string, now time.Time) error {
	e, ok := f.items[id]
	if !ok || e.Consumed || e.IsExpired(now) {
		return apperr.Conflictf("cannot consume")
	}
	e.Consumed = true
	return nil
}

func (f *fakeStore) MarkEvidenceVerified(_ context.Context, id string) error {
	f.items[id].Verified = true
	return nil
}

type fakePacks struct{ pack *themepack.Pack }

func (f fakePacks) GetForTheatre(context.Context, string) (*themepack.Pack, error) {
	return f.pack, nil
}

type nopAppender struct{}

func (nopAppender) AppendEvents(context.Context, []models.Event) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	pack := &themepack.Pack{
		PackID: "p1",
		Evidence: map[string]models.EvidenceTypeDef{
			"torn_ticket": {TypeID: "torn_ticket", Name: "Torn Ticket", Grade: models.GradeC},
			"sealed_writ": {TypeID: "sealed_writ", Name: "Sealed Writ", Grade: models.GradeA},
		},
	}
	e := New(store, fakePacks{pack: pack}, events.NewRecorder(nopAppender{}, nil))
	return e, store
}

func TestGrantSetsTTLByGrade(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }

	item, err := e.Grant(context.Background(), GrantRequest{
		TheatreID: "th1", OwnerID: "u1", TypeID: "torn_ticket", Tradeable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if item.Grade != models.GradeC {
		t.Fatalf("grade comes from the type, got %s", item.Grade)
	}
	if !item.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("grade C expires in 24h, got %v", item.ExpiresAt)
	}

	writ, err := e.Grant(context.Background(), GrantRequest{
		TheatreID: "th1", OwnerID: "u1", TypeID: "sealed_writ",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !writ.ExpiresAt.Equal(now.Add(168 * time.Hour)) {
		t.Fatalf("grade A expires in 168h, got %v", writ.ExpiresAt)
	}
}

func TestGrantUnknownTypeRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Grant(context.Background(), GrantRequest{TheatreID: "th1", OwnerID: "u1", TypeID: "ghost"})
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("want validation_error, got %v", err)
	}
}

func TestTransferThenExpire(t *testing.T) {
	e, store := newTestEngine(t)
	grantAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return grantAt }

	item, err := e.Grant(context.Background(), GrantRequest{
		TheatreID: "th1", OwnerID: "u1", TypeID: "torn_ticket", Tradeable: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// One hour in: the transfer goes through.
	e.clock = func() time.Time { return grantAt.Add(time.Hour) }
	if _, err := e.Transfer(context.Background(), item.EvidenceID, "u1", "u2"); err != nil {
		t.Fatal(err)
	}
	if store.items[item.EvidenceID].OwnerID != "u2" {
		t.Fatalf("owner must be u2, got %q", store.items[item.EvidenceID].OwnerID)
	}
	if len(store.transfers) != 1 {
		t.Fatalf("transfer must write its audit record, have %d", len(store.transfers))
	}

	// One minute past expiry: mutation refused, read still works.
	e.clock = func() time.Time { return grantAt.Add(24*time.Hour + time.Minute) }
	_, err = e.Transfer(context.Background(), item.EvidenceID, "u2", "u3")
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("expired transfer must fail validation, got %v", err)
	}
	got, err := e.Get(context.Background(), item.EvidenceID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsExpired(e.clock()) {
		t.Fatal("item must read as expired")
	}
	if got.OwnerID != "u2" {
		t.Fatalf("owner unchanged after refused transfer, got %q", got.OwnerID)
	}
}

func TestTransferPreconditions(t *testing.T) {
	e, store := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	item, _ := e.Grant(ctx, GrantRequest{TheatreID: "th1", OwnerID: "u1", TypeID: "torn_ticket", Tradeable: true})

	if _, err := e.Transfer(ctx, item.EvidenceID, "u9", "u2"); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("non-owner transfer must be forbidden, got %v", err)
	}

	store.items[item.EvidenceID].Tradeable = false
	if _, err := e.Transfer(ctx, item.EvidenceID, "u1", "u2"); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("non-tradeable transfer must fail validation, got %v", err)
	}
}

func TestConsumeIsOneWay(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	item, _ := e.Grant(ctx, GrantRequest{TheatreID: "th1", OwnerID: "u1", TypeID: "torn_ticket", Tradeable: true})
	if err := e.Consume(ctx, item.EvidenceID, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Consume(ctx, item.EvidenceID, "u1"); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("double consume must fail, got %v", err)
	}
	if _, err := e.Transfer(ctx, item.EvidenceID, "u1", "u2"); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("consumed transfer must fail, got %v", err)
	}
	if _, err := e.Verify(ctx, item.EvidenceID, ""); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("consumed verify must fail, got %v", err)
	}
}

func TestVerifyChallenge(t *testing.T) {
	e, store := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	item, _ := e.Grant(ctx, GrantRequest{
		TheatreID: "th1", OwnerID: "u1", TypeID: "torn_ticket",
		Metadata: map[string]string{"secret": "s3cr3t"},
	})

	res, err := e.Verify(ctx, item.EvidenceID, "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified {
		t.Fatal("wrong challenge response must not verify")
	}

	res, err = e.Verify(ctx, item.EvidenceID, ChallengeDigest(item.EvidenceID, "s3cr3t"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.Confidence != 1 {
		t.Fatalf("correct challenge must verify with full confidence, got %+v", res)
	}
	if !store.items[item.EvidenceID].Verified {
		t.Fatal("verified flag must persist")
	}
}

func TestVerifyWithoutChallengeReportsConfidence(t *testing.T) {
	e, _ := newTestEngine(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	item, _ := e.Grant(ctx, GrantRequest{TheatreID: "th1", OwnerID: "u1", TypeID: "sealed_writ"})
	res, err := e.Verify(ctx, item.EvidenceID, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified {
		t.Fatal("challenge-less verify must not flip the flag")
	}
	if res.Confidence != 0.9 {
		t.Fatalf("grade A confidence 0.9, got %v", res.Confidence)
	}
}
