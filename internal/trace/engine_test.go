package trace

import (
	"context"
	"testing"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
)

type fakeStore struct {
	traces    map[string]*models.Trace
	attempted map[string]bool // (trace|discoverer)
}

func newFakeStore() *fakeStore {
	return &fakeStore{traces: map[string]*models.Trace{}, attempted: map[string]bool{}}
}

func (f *fakeStore) InsertTrace(_ context.Context, t models.Trace) error {
	cp := t
	f.traces[t.TraceID] = &cp
	return nil
}

func (f *fakeStore) GetTrace(_ context.Context, id string) (models.Trace, error) {
	t, ok := f.traces[id]
	if !ok {
		return models.Trace{}, apperr.NotFoundf("trace not found")
	}
	return *t, nil
}

func (f *fakeStore) ListTracesAtStage(_ context.Context, stageID string, now time.Time) ([]models.Trace, error) {
	var out []models.Trace
	for _, t := range f.traces {
		if t.StageID == stageID && !t.IsExpired(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordDiscoveryTx(_ context.Context, d models.Discovery) error {
	key := d.TraceID + "|" + d.DiscovererID
	if f.attempted[key] {
		return apperr.Validationf("already attempted")
	}
	f.attempted[key] = true
	if d.Success {
		f.traces[d.TraceID].DiscoveryCount++
	}
	return nil
}

func (f *fakeStore) CountActiveTraces(_ context.Context, stageID string, now time.Time) (int, error) {
	n := 0
	for _, t := range f.traces {
		if t.StageID == stageID && !t.IsExpired(now) {
			n++
		}
	}
	return n, nil
}

type fakeCrews struct{ members map[string]string } // user -> crew

func (f fakeCrews) GetMembership(_ context.Context, theatreID, userID string) (*models.Membership, bool, error) {
	crewID, ok := f.members[userID]
	if !ok {
		return nil, false, nil
	}
	return &models.Membership{CrewID: crewID, UserID: userID, TheatreID: theatreID}, true, nil
}

type nopAppender struct{}

func (nopAppender) AppendEvents(context.Context, []models.Event) error { return nil }

func newTestEngine(t *testing.T, crews fakeCrews, randFloat func() float64) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	if randFloat == nil {
		randFloat = func() float64 { return 0.0 } // always succeeds
	}
	return New(store, crews, events.NewRecorder(nopAppender{}, nil), randFloat), store
}

func TestLeaveSetsTTLByType(t *testing.T) {
	e, _ := newTestEngine(t, fakeCrews{}, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }

	cases := []struct {
		typ models.TraceType
		ttl time.Duration
	}{
		{models.TraceFootprint, 24 * time.Hour},
		{models.TraceMark, 72 * time.Hour},
		{models.TraceMessage, 48 * time.Hour},
		{models.TraceOffering, 168 * time.Hour},
	}
	for _, c := range cases {
		tr, err := e.Leave(context.Background(), LeaveRequest{
			TheatreID: "th1", CreatorID: "u1", StageID: "s1", Type: c.typ,
		})
		if err != nil {
			t.Fatalf("%s: %v", c.typ, err)
		}
		if !tr.ExpiresAt.Equal(now.Add(c.ttl)) {
			t.Fatalf("%s: want ttl %v, got %v", c.typ, c.ttl, tr.ExpiresAt.Sub(now))
		}
	}
}

func TestLeaveRejectsBadInput(t *testing.T) {
	e, _ := newTestEngine(t, fakeCrews{}, nil)
	if _, err := e.Leave(context.Background(), LeaveRequest{
		TheatreID: "th1", CreatorID: "u1", StageID: "s1", Type: "smoke_signal",
	}); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("unknown type must fail, got %v", err)
	}
	if _, err := e.Leave(context.Background(), LeaveRequest{
		TheatreID: "th1", CreatorID: "u1", StageID: "s1", Type: models.TraceMark, DiscoveryDifficulty: 1.5,
	}); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("difficulty out of range must fail, got %v", err)
	}
}

func TestDiscoverOneAttemptPerUser(t *testing.T) {
	e, store := newTestEngine(t, fakeCrews{}, func() float64 { return 0.99 }) // always fails the roll
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	tr, _ := e.Leave(ctx, LeaveRequest{
		TheatreID: "th1", CreatorID: "owner", StageID: "s1",
		Type: models.TraceMark, DiscoveryDifficulty: 0.5,
	})

	res, err := e.Discover(ctx, tr.TraceID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("roll of 0.99 against chance 0.5 must fail")
	}
	// The failed attempt still consumed the one try.
	_, err = e.Discover(ctx, tr.TraceID, "u1")
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("second attempt must fail validation, got %v", err)
	}
	if store.traces[tr.TraceID].DiscoveryCount != 0 {
		t.Fatal("failed attempts must not bump the discovery count")
	}
}

func TestDiscoverSuccessBumpsCount(t *testing.T) {
	e, store := newTestEngine(t, fakeCrews{}, func() float64 { return 0.1 })
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	tr, _ := e.Leave(ctx, LeaveRequest{
		TheatreID: "th1", CreatorID: "owner", StageID: "s1",
		Type: models.TraceMark, DiscoveryDifficulty: 0.5,
	})
	res, err := e.Discover(ctx, tr.TraceID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Trace == nil {
		t.Fatalf("roll of 0.1 against chance 0.5 must succeed, got %+v", res)
	}
	if store.traces[tr.TraceID].DiscoveryCount != 1 {
		t.Fatalf("discovery count must be 1, got %d", store.traces[tr.TraceID].DiscoveryCount)
	}
}

func TestDiscoverVisibilityRules(t *testing.T) {
	crews := fakeCrews{members: map[string]string{"creator": "crew1", "mate": "crew1", "stranger": "crew2"}}
	e, _ := newTestEngine(t, crews, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	priv, _ := e.Leave(ctx, LeaveRequest{
		TheatreID: "th1", CreatorID: "creator", StageID: "s1",
		Type: models.TraceMark, Visibility: models.VisibilityPrivate,
	})
	if _, err := e.Discover(ctx, priv.TraceID, "mate"); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("private trace must be forbidden, got %v", err)
	}

	crewTrace, _ := e.Leave(ctx, LeaveRequest{
		TheatreID: "th1", CreatorID: "creator", StageID: "s1",
		Type: models.TraceMark, Visibility: models.VisibilityCrew,
	})
	if _, err := e.Discover(ctx, crewTrace.TraceID, "stranger"); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("crew trace must exclude other crews, got %v", err)
	}
	if _, err := e.Discover(ctx, crewTrace.TraceID, "mate"); err != nil {
		t.Fatalf("crew mate must be allowed, got %v", err)
	}

	if _, err := e.Discover(ctx, crewTrace.TraceID, "creator"); apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("creator self-discovery must fail, got %v", err)
	}
}

func TestDiscoverExpiredRejected(t *testing.T) {
	e, _ := newTestEngine(t, fakeCrews{}, nil)
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return start }
	tr, _ := e.Leave(context.Background(), LeaveRequest{
		TheatreID: "th1", CreatorID: "owner", StageID: "s1", Type: models.TraceFootprint,
	})
	e.clock = func() time.Time { return start.Add(24*time.Hour + time.Minute) }
	_, err := e.Discover(context.Background(), tr.TraceID, "u1")
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("expired trace must reject discovery, got %v", err)
	}
}

func TestDensityBuckets(t *testing.T) {
	e, _ := newTestEngine(t, fakeCrews{}, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	count, bucket, err := e.Density(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 || bucket != models.HeatNone {
		t.Fatalf("empty stage: want none, got %d/%s", count, bucket)
	}

	for i := 0; i < 8; i++ {
		if _, err := e.Leave(ctx, LeaveRequest{
			TheatreID: "th1", CreatorID: "u1", StageID: "s1", Type: models.TraceMark,
		}); err != nil {
			t.Fatal(err)
		}
	}
	count, bucket, err = e.Density(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 8 || bucket != models.HeatHigh {
		t.Fatalf("8 traces: want high, got %d/%s", count, bucket)
	}
}

func TestBucketForDensityBoundaries(t *testing.T) {
	cases := []struct {
		n    int
		want models.HeatBucket
	}{{0, models.HeatNone}, {1, models.HeatLow}, {3, models.HeatMedium}, {8, models.HeatHigh}, {20, models.HeatVeryHigh}}
	for _, c := range cases {
		if got := models.BucketForDensity(c.n); got != c.want {
			t.Fatalf("BucketForDensity(%d) = %s, want %s", c.n, got, c.want)
		}
	}
}
