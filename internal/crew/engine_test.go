package crew

import (
	"context"
	"testing"
	"time"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
)

type fakeStore struct {
	crews     map[string]*models.Crew
	members   map[string]*models.Membership // (crew|user)
	byTheatre map[string]string             // (theatre|user) -> crew
	actions   map[string]*models.CrewAction
	pool      map[string]int64 // (crew|resource)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		crews:     map[string]*models.Crew{},
		members:   map[string]*models.Membership{},
		byTheatre: map[string]string{},
		actions:   map[string]*models.CrewAction{},
		pool:      map[string]int64{},
	}
}

func (f *fakeStore) CreateCrewTx(_ context.Context, c models.Crew, leader models.Membership) error {
	if _, taken := f.byTheatre[c.TheatreID+"|"+leader.UserID]; taken {
		return apperr.Conflictf("already in a crew")
	}
	cc := c
	f.crews[c.CrewID] = &cc
	lm := leader
	f.members[c.CrewID+"|"+leader.UserID] = &lm
	f.byTheatre[c.TheatreID+"|"+leader.UserID] = c.CrewID
	return nil
}

func (f *fakeStore) GetCrew(_ context.Context, id string) (models.Crew, error) {
	c, ok := f.crews[id]
	if !ok {
		return models.Crew{}, apperr.NotFoundf("crew not found")
	}
	return *c, nil
}

func (f *fakeStore) ListMembers(_ context.Context, crewID string) ([]models.Membership, error) {
	var out []models.Membership
	for _, m := range f.members {
		if m.CrewID == crewID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMembership(_ context.Context, theatreID, userID string) (*models.Membership, bool, error) {
	crewID, ok := f.byTheatre[theatreID+"|"+userID]
	if !ok {
		return nil, false, nil
	}
	m := f.members[crewID+"|"+userID]
	cp := *m
	return &cp, true, nil
}

func (f *fakeStore) AddMemberTx(_ context.Context, m models.Membership, maxMembers int) error {
	if _, taken := f.byTheatre[m.TheatreID+"|"+m.UserID]; taken {
		return apperr.Conflictf("already in a crew")
	}
	count := 0
	for _, mm := range f.members {
		if mm.CrewID == m.CrewID {
			count++
		}
	}
	if count >= maxMembers {
		return apperr.Conflictf("crew full")
	}
	cp := m
	f.members[m.CrewID+"|"+m.UserID] = &cp
	f.byTheatre[m.TheatreID+"|"+m.UserID] = m.CrewID
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, crewID, userID string) error {
	m, ok := f.members[crewID+"|"+userID]
	if !ok {
		return apperr.NotFoundf("not a member")
	}
	delete(f.members, crewID+"|"+userID)
	delete(f.byTheatre, m.TheatreID+"|"+userID)
	return nil
}

func (f *fakeStore) TransferLeadershipTx(_ context.Context, crewID, fromUserID, toUserID string) error {
	from, ok := f.members[crewID+"|"+fromUserID]
	if !ok || from.Role != models.CrewLeader {
		return apperr.Conflictf("not the leader")
	}
	to, ok := f.members[crewID+"|"+toUserID]
	if !ok {
		return apperr.NotFoundf("target not a member")
	}
	from.Role = models.CrewMember
	to.Role = models.CrewLeader
	return nil
}

func (f *fakeStore) DisbandCrewTx(_ context.Context, crewID string) error {
	for key, m := range f.members {
		if m.CrewID == crewID {
			delete(f.members, key)
			delete(f.byTheatre, m.TheatreID+"|"+m.UserID)
		}
	}
	delete(f.crews, crewID)
	return nil
}

func (f *fakeStore) InsertCrewAction(_ context.Context, a models.CrewAction) error {
	cp := a
	f.actions[a.ActionID] = &cp
	return nil
}

func (f *fakeStore) GetCrewAction(_ context.Context, id string) (models.CrewAction, error) {
	a, ok := f.actions[id]
	if !ok {
		return models.CrewAction{}, apperr.NotFoundf("action not found")
	}
	return *a, nil
}

func (f *fakeStore) JoinCrewActionTx(_ context.Context, actionID, userID string) (models.CrewAction, error) {
	a := f.actions[actionID]
	for _, p := range a.Participants {
		if p == userID {
			return models.CrewAction{}, apperr.Validationf("already joined")
		}
	}
	a.Participants = append(a.Participants, userID)
	if a.State == models.ActionPending && len(a.Participants) >= a.Quorum {
		a.State = models.ActionInProgress
	}
	return *a, nil
}

func (f *fakeStore) CompleteCrewAction(_ context.Context, actionID string, completedAt time.Time) error {
	a := f.actions[actionID]
	if a.State != models.ActionInProgress {
		return apperr.Conflictf("not in progress")
	}
	a.State = models.ActionCompleted
	a.CompletedAt = &completedAt
	return nil
}

func (f *fakeStore) ShareResourceTx(_ context.Context, crewID, userID, resourceID string, quantity, contribution int64) error {
	f.pool[crewID+"|"+resourceID] += quantity
	f.members[crewID+"|"+userID].Contribution += contribution
	f.crews[crewID].TotalContribution += contribution
	return nil
}

func (f *fakeStore) ClaimResourceTx(_ context.Context, crewID, resourceID string, quantity int64) error {
	key := crewID + "|" + resourceID
	if f.pool[key] < quantity {
		return apperr.Conflictf("pool short")
	}
	f.pool[key] -= quantity
	return nil
}

func (f *fakeStore) ListSharedResources(_ context.Context, crewID string) ([]models.SharedResource, error) {
	return nil, nil
}

type nopAppender struct{}

func (nopAppender) AppendEvents(context.Context, []models.Event) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return New(store, events.NewRecorder(nopAppender{}, nil)), store
}

func TestCreateOneCrewPerTheatre(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.Create(ctx, "th1", "u1", "Night Watch", models.CrewTier1); err != nil {
		t.Fatal(err)
	}
	_, err := e.Create(ctx, "th1", "u1", "Second Crew", models.CrewTier1)
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("founder already in a crew must conflict, got %v", err)
	}
}

func TestJoinRespectsTierCap(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, err := e.Create(ctx, "th1", "u1", "Night Watch", models.CrewTier1)
	if err != nil {
		t.Fatal(err)
	}
	// Tier 1 caps at 5 members; the founder is one of them.
	for i := 0; i < 4; i++ {
		if _, err := e.Join(ctx, c.CrewID, string(rune('a'+i))); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	_, err = e.Join(ctx, c.CrewID, "overflow")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("sixth member must conflict, got %v", err)
	}
}

func TestLeaderCannotLeaveWithMembers(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	c, _ := e.Create(ctx, "th1", "leader", "Night Watch", models.CrewTier1)
	if _, err := e.Join(ctx, c.CrewID, "mate"); err != nil {
		t.Fatal(err)
	}

	err := e.Leave(ctx, c.CrewID, "leader")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("leader with members must not leave, got %v", err)
	}

	// After transferring, the former leader leaves freely.
	if err := e.TransferLeadership(ctx, c.CrewID, "leader", "mate"); err != nil {
		t.Fatal(err)
	}
	if err := e.Leave(ctx, c.CrewID, "leader"); err != nil {
		t.Fatal(err)
	}
	if store.members[c.CrewID+"|mate"].Role != models.CrewLeader {
		t.Fatal("mate must now lead")
	}
}

func TestLastLeaderLeavingDisbands(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	c, _ := e.Create(ctx, "th1", "leader", "Night Watch", models.CrewTier1)
	if err := e.Leave(ctx, c.CrewID, "leader"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.crews[c.CrewID]; ok {
		t.Fatal("sole leader leaving must disband the crew")
	}
}

func TestActionTierGatingAndQuorum(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	c, _ := e.Create(ctx, "th1", "leader", "Night Watch", models.CrewTier1)
	if _, err := e.Join(ctx, c.CrewID, "mate"); err != nil {
		t.Fatal(err)
	}

	// Heist needs tier 3.
	_, err := e.InitiateAction(ctx, c.CrewID, "leader", "heist", 2)
	if apperr.KindOf(err) != apperr.ValidationError {
		t.Fatalf("tier-gated action must fail at tier 1, got %v", err)
	}

	a, err := e.InitiateAction(ctx, c.CrewID, "leader", "search_party", 2)
	if err != nil {
		t.Fatal(err)
	}
	if a.State != models.ActionPending {
		t.Fatalf("below quorum stays pending, got %s", a.State)
	}
	if !a.Deadline.Equal(a.CreatedAt.Add(models.DefaultCrewActionDeadline)) {
		t.Fatalf("deadline must default to 24h, got %v", a.Deadline.Sub(a.CreatedAt))
	}

	joined, err := e.JoinAction(ctx, a.ActionID, "mate")
	if err != nil {
		t.Fatal(err)
	}
	if joined.State != models.ActionInProgress {
		t.Fatalf("meeting quorum flips in_progress, got %s", joined.State)
	}

	// A plain member cannot initiate.
	_, err = e.InitiateAction(ctx, c.CrewID, "mate", "search_party", 1)
	if apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("member-initiated action must be forbidden, got %v", err)
	}

	if err := e.CompleteAction(ctx, a.ActionID, "leader"); err != nil {
		t.Fatal(err)
	}
	if store.actions[a.ActionID].State != models.ActionCompleted {
		t.Fatalf("want completed, got %s", store.actions[a.ActionID].State)
	}
}

func TestShareCreditsContribution(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	c, _ := e.Create(ctx, "th1", "leader", "Night Watch", models.CrewTier1)

	if err := e.ShareResource(ctx, c.CrewID, "leader", "lockpicks", 3); err != nil {
		t.Fatal(err)
	}
	if got := store.pool[c.CrewID+"|lockpicks"]; got != 3 {
		t.Fatalf("pool must hold 3, got %d", got)
	}
	if got := store.members[c.CrewID+"|leader"].Contribution; got != 3*models.ContributionPerShare {
		t.Fatalf("contribution must be %d, got %d", 3*models.ContributionPerShare, got)
	}

	if err := e.ClaimResource(ctx, c.CrewID, "leader", "lockpicks", 2); err != nil {
		t.Fatal(err)
	}
	if err := e.ClaimResource(ctx, c.CrewID, "leader", "lockpicks", 2); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("over-claim must conflict, got %v", err)
	}

	// Outsiders cannot touch the pool.
	if err := e.ShareResource(ctx, c.CrewID, "stranger", "lockpicks", 1); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("non-member share must be forbidden, got %v", err)
	}
}
