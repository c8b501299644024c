// Package crew manages multi-player groups: membership (one crew per
// user per theatre, tier-capped size, exactly one leader), tier-gated
// collective actions with quorums and deadlines, and the shared resource
// pool with its contribution ledger.
package crew

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
)

// Store is the storage contract the engine needs.
type Store interface {
	CreateCrewTx(ctx context.Context, c models.Crew, leader models.Membership) error
	GetCrew(ctx context.Context, crewID string) (models.Crew, error)
	ListMembers(ctx context.Context, crewID string) ([]models.Membership, error)
	GetMembership(ctx context.Context, theatreID, userID string) (*models.Membership, bool, error)
	AddMemberTx(ctx context.Context, m models.Membership, maxMembers int) error
	RemoveMember(ctx context.Context, crewID, userID string) error
	TransferLeadershipTx(ctx context.Context, crewID, fromUserID, toUserID string) error
	DisbandCrewTx(ctx context.Context, crewID string) error

	InsertCrewAction(ctx context.Context, a models.CrewAction) error
	GetCrewAction(ctx context.Context, actionID string) (models.CrewAction, error)
	JoinCrewActionTx(ctx context.Context, actionID, userID string) (models.CrewAction, error)
	CompleteCrewAction(ctx context.Context, actionID string, completedAt time.Time) error

	ShareResourceTx(ctx context.Context, crewID, userID, resourceID string, quantity, contribution int64) error
	ClaimResourceTx(ctx context.Context, crewID, resourceID string, quantity int64) error
	ListSharedResources(ctx context.Context, crewID string) ([]models.SharedResource, error)
}

// Engine implements the crew operations.
type Engine struct {
	store Store
	rec   *events.Recorder
	clock func() time.Time
}

// New constructs an Engine.
func New(store Store, rec *events.Recorder) *Engine {
	return &Engine{store: store, rec: rec, clock: func() time.Time { return time.Now().UTC() }}
}

// Create founds a crew with the founder as leader. Storage enforces the
// one-crew-per-theatre rule inside the same transaction.
func (e *Engine) Create(ctx context.Context, theatreID, founderID, name string, tier models.CrewTier) (models.Crew, error) {
	if name == "" {
		return models.Crew{}, apperr.Validationf("crew name is required")
	}
	if tier < models.CrewTier1 || tier > models.CrewTier3 {
		return models.Crew{}, apperr.Validationf("crew tier must be 1, 2, or 3")
	}
	now := e.clock()
	c := models.Crew{
		CrewID:    uuid.NewString(),
		TheatreID: theatreID,
		Name:      name,
		Tier:      tier,
		CreatedAt: now,
	}
	leader := models.Membership{
		CrewID:    c.CrewID,
		UserID:    founderID,
		TheatreID: theatreID,
		Role:      models.CrewLeader,
		JoinedAt:  now,
	}
	if err := e.store.CreateCrewTx(ctx, c, leader); err != nil {
		return models.Crew{}, err
	}
	return c, nil
}

// Join adds a user to a crew, bounded by the tier's member cap.
func (e *Engine) Join(ctx context.Context, crewID, userID string) (models.Membership, error) {
	c, err := e.store.GetCrew(ctx, crewID)
	if err != nil {
		return models.Membership{}, err
	}
	m := models.Membership{
		CrewID:    crewID,
		UserID:    userID,
		TheatreID: c.TheatreID,
		Role:      models.CrewMember,
		JoinedAt:  e.clock(),
	}
	if err := e.store.AddMemberTx(ctx, m, c.Tier.MaxMembers()); err != nil {
		return models.Membership{}, err
	}
	return m, nil
}

// Leave removes the caller from their crew. A leader with other members
// must transfer leadership or disband first; the last member leaving
// disbands the crew.
func (e *Engine) Leave(ctx context.Context, crewID, userID string) error {
	members, err := e.store.ListMembers(ctx, crewID)
	if err != nil {
		return err
	}
	var caller *models.Membership
	for i := range members {
		if members[i].UserID == userID {
			caller = &members[i]
			break
		}
	}
	if caller == nil {
		return apperr.NotFoundf("user %q is not a member of crew %q", userID, crewID)
	}
	if caller.Role == models.CrewLeader {
		if len(members) > 1 {
			return apperr.Conflictf("leader must transfer leadership or disband before leaving")
		}
		return e.store.DisbandCrewTx(ctx, crewID)
	}
	return e.store.RemoveMember(ctx, crewID, userID)
}

// TransferLeadership hands the leader role to another member.
func (e *Engine) TransferLeadership(ctx context.Context, crewID, fromUserID, toUserID string) error {
	if fromUserID == toUserID {
		return apperr.Validationf("cannot transfer leadership to yourself")
	}
	return e.store.TransferLeadershipTx(ctx, crewID, fromUserID, toUserID)
}

// Disband deletes a crew; only its leader may.
func (e *Engine) Disband(ctx context.Context, crewID, userID string) error {
	c, err := e.store.GetCrew(ctx, crewID)
	if err != nil {
		return err
	}
	m, ok, err := e.store.GetMembership(ctx, c.TheatreID, userID)
	if err != nil {
		return err
	}
	if !ok || m.CrewID != crewID || m.Role != models.CrewLeader {
		return apperr.Forbiddenf("only the crew leader may disband")
	}
	return e.store.DisbandCrewTx(ctx, crewID)
}

// InitiateAction starts a collective action. The action type must be
// within the crew's tier; officers and the leader may initiate.
func (e *Engine) InitiateAction(ctx context.Context, crewID, userID, actionType string, quorum int) (models.CrewAction, error) {
	c, err := e.store.GetCrew(ctx, crewID)
	if err != nil {
		return models.CrewAction{}, err
	}
	m, ok, err := e.store.GetMembership(ctx, c.TheatreID, userID)
	if err != nil {
		return models.CrewAction{}, err
	}
	if !ok || m.CrewID != crewID {
		return models.CrewAction{}, apperr.Forbiddenf("user %q is not a member of crew %q", userID, crewID)
	}
	if m.Role == models.CrewMember {
		return models.CrewAction{}, apperr.Forbiddenf("only the leader or an officer may initiate actions")
	}
	if !c.Tier.AllowsAction(actionType) {
		return models.CrewAction{}, apperr.Validationf("action type %q is not available at tier %d", actionType, c.Tier)
	}
	if quorum < 1 {
		quorum = 1
	}
	if quorum > c.Tier.MaxMembers() {
		return models.CrewAction{}, apperr.Validationf("quorum %d exceeds the tier's member cap", quorum)
	}

	now := e.clock()
	a := models.CrewAction{
		ActionID:     uuid.NewString(),
		CrewID:       crewID,
		TheatreID:    c.TheatreID,
		ActionType:   actionType,
		State:        models.ActionPending,
		Quorum:       quorum,
		Participants: []string{userID},
		Deadline:     now.Add(models.DefaultCrewActionDeadline),
		CreatedAt:    now,
	}
	if a.Quorum <= 1 {
		a.State = models.ActionInProgress
	}
	if err := e.store.InsertCrewAction(ctx, a); err != nil {
		return models.CrewAction{}, err
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: c.TheatreID,
		At:        now,
		Kind:      models.EventCrewActionStarted,
		Payload:   map[string]any{"action_id": a.ActionID, "crew_id": crewID, "action_type": actionType, "quorum": quorum},
		Target:    models.EventTarget{TheatreWide: true},
	})
	return a, nil
}

// JoinAction adds a member to a pending or running action; meeting the
// quorum flips the action in_progress.
func (e *Engine) JoinAction(ctx context.Context, actionID, userID string) (models.CrewAction, error) {
	a, err := e.store.GetCrewAction(ctx, actionID)
	if err != nil {
		return models.CrewAction{}, err
	}
	if e.clock().After(a.Deadline) {
		return models.CrewAction{}, apperr.Validationf("action %q has passed its deadline", actionID)
	}
	m, ok, err := e.store.GetMembership(ctx, a.TheatreID, userID)
	if err != nil {
		return models.CrewAction{}, err
	}
	if !ok || m.CrewID != a.CrewID {
		return models.CrewAction{}, apperr.Forbiddenf("user %q is not a member of crew %q", userID, a.CrewID)
	}
	return e.store.JoinCrewActionTx(ctx, actionID, userID)
}

// CompleteAction marks a running action done.
func (e *Engine) CompleteAction(ctx context.Context, actionID, userID string) error {
	a, err := e.store.GetCrewAction(ctx, actionID)
	if err != nil {
		return err
	}
	m, ok, err := e.store.GetMembership(ctx, a.TheatreID, userID)
	if err != nil {
		return err
	}
	if !ok || m.CrewID != a.CrewID || m.Role == models.CrewMember {
		return apperr.Forbiddenf("only the leader or an officer may complete actions")
	}
	now := e.clock()
	if err := e.store.CompleteCrewAction(ctx, actionID, now); err != nil {
		return err
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: a.TheatreID,
		At:        now,
		Kind:      models.EventCrewActionCompleted,
		Payload:   map[string]any{"action_id": actionID, "crew_id": a.CrewID, "participants": len(a.Participants)},
		Target:    models.EventTarget{TheatreWide: true},
	})
	return nil
}

// ShareResource moves quantity units into the crew pool and credits the
// sharer's contribution ledger.
func (e *Engine) ShareResource(ctx context.Context, crewID, userID, resourceID string, quantity int64) error {
	if quantity <= 0 {
		return apperr.Validationf("quantity must be positive")
	}
	m, err := e.requireMember(ctx, crewID, userID)
	if err != nil {
		return err
	}
	contribution := quantity * models.ContributionPerShare
	return e.store.ShareResourceTx(ctx, crewID, m.UserID, resourceID, quantity, contribution)
}

// ClaimResource takes quantity units out of the pool.
func (e *Engine) ClaimResource(ctx context.Context, crewID, userID, resourceID string, quantity int64) error {
	if quantity <= 0 {
		return apperr.Validationf("quantity must be positive")
	}
	if _, err := e.requireMember(ctx, crewID, userID); err != nil {
		return err
	}
	return e.store.ClaimResourceTx(ctx, crewID, resourceID, quantity)
}

// Pool returns the crew's shared resources.
func (e *Engine) Pool(ctx context.Context, crewID string) ([]models.SharedResource, error) {
	return e.store.ListSharedResources(ctx, crewID)
}

func (e *Engine) requireMember(ctx context.Context, crewID, userID string) (*models.Membership, error) {
	c, err := e.store.GetCrew(ctx, crewID)
	if err != nil {
		return nil, err
	}
	m, ok, err := e.store.GetMembership(ctx, c.TheatreID, userID)
	if err != nil {
		return nil, err
	}
	if !ok || m.CrewID != crewID {
		return nil, apperr.Forbiddenf("user %q is not a member of crew %q", userID, crewID)
	}
	return m, nil
}
