// Package evidence manages the lifecycle of owned evidence items: grant,
// list, verify, transfer, consume. Expiry is implicit in the item's
// deadline — an expired item stays readable for archive queries but
// rejects every mutation.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/events"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

// Store is the storage contract the engine needs.
type Store interface {
	InsertEvidence(ctx context.Context, e models.Evidence) error
	GetEvidence(ctx context.Context, evidenceID string) (models.Evidence, error)
	ListEvidenceByOwner(ctx context.Context, theatreID, ownerID string, now time.Time) ([]models.Evidence, error)
	TransferEvidenceTx(ctx context.Context, t models.Transfer, now time.Time) error
	MarkEvidenceConsumed(ctx context.Context, evidenceID string, now time.Time) error
	MarkEvidenceVerified(ctx context.Context, evidenceID string) error
}

// PackResolver resolves the pack bound to a theatre; a grant's type must
// be declared there.
type PackResolver interface {
	GetForTheatre(ctx context.Context, theatreID string) (*themepack.Pack, error)
}

// Engine implements the evidence operations.
type Engine struct {
	store Store
	packs PackResolver
	rec   *events.Recorder
	clock func() time.Time
}

// New constructs an Engine.
func New(store Store, packs PackResolver, rec *events.Recorder) *Engine {
	return &Engine{store: store, packs: packs, rec: rec, clock: func() time.Time { return time.Now().UTC() }}
}

// GrantRequest describes one evidence grant (from a beat payoff or an
// operator).
type GrantRequest struct {
	TheatreID   string
	OwnerID     string
	TypeID      string
	Name        string
	Rarity      string
	SourceScene string
	SourceStage string
	Tradeable   bool
	Metadata    map[string]string
}

// Grant creates an item of a pack-declared type; the expiry deadline
// follows from the type's grade.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (models.Evidence, error) {
	pack, err := e.packs.GetForTheatre(ctx, req.TheatreID)
	if err != nil {
		return models.Evidence{}, err
	}
	typeDef, ok := pack.Evidence[req.TypeID]
	if !ok {
		return models.Evidence{}, apperr.Validationf("unknown evidence type id %q", req.TypeID)
	}
	now := e.clock()
	name := req.Name
	if name == "" {
		name = typeDef.Name
	}
	item := models.Evidence{
		EvidenceID:  uuid.NewString(),
		TheatreID:   req.TheatreID,
		OwnerID:     req.OwnerID,
		Name:        name,
		Grade:       typeDef.Grade,
		Rarity:      req.Rarity,
		Type:        req.TypeID,
		SourceScene: req.SourceScene,
		SourceStage: req.SourceStage,
		ObtainedAt:  now,
		ExpiresAt:   now.Add(typeDef.Grade.TTL()),
		Tradeable:   req.Tradeable,
		Metadata:    req.Metadata,
	}
	if err := e.store.InsertEvidence(ctx, item); err != nil {
		return models.Evidence{}, err
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: req.TheatreID,
		At:        now,
		Kind:      models.EventEvidenceGranted,
		Payload:   map[string]any{"evidence_id": item.EvidenceID, "type": req.TypeID, "grade": string(item.Grade)},
		Target:    models.EventTarget{UserIDs: []string{req.OwnerID}},
	})
	return item, nil
}

// Get returns one item regardless of expiry; IsExpired tells the caller
// which side of the deadline it is on.
func (e *Engine) Get(ctx context.Context, evidenceID string) (models.Evidence, error) {
	return e.store.GetEvidence(ctx, evidenceID)
}

// ListByOwner returns a user's live items.
func (e *Engine) ListByOwner(ctx context.Context, theatreID, ownerID string) ([]models.Evidence, error) {
	return e.store.ListEvidenceByOwner(ctx, theatreID, ownerID, e.clock())
}

// Transfer moves ownership. The owner change and the audit record are
// one atomic write; every precondition failure surfaces before any write.
func (e *Engine) Transfer(ctx context.Context, evidenceID, fromUserID, toUserID string) (models.Transfer, error) {
	item, err := e.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return models.Transfer{}, err
	}
	now := e.clock()
	if err := transferable(item, fromUserID, now); err != nil {
		return models.Transfer{}, err
	}
	t := models.Transfer{
		TransferID:    uuid.NewString(),
		EvidenceID:    evidenceID,
		FromUserID:    fromUserID,
		ToUserID:      toUserID,
		TransferredAt: now,
	}
	if err := e.store.TransferEvidenceTx(ctx, t, now); err != nil {
		return models.Transfer{}, err
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: item.TheatreID,
		At:        now,
		Kind:      models.EventEvidenceTransferred,
		Payload:   map[string]any{"evidence_id": evidenceID, "from": fromUserID, "to": toUserID},
		Target:    models.EventTarget{UserIDs: []string{fromUserID, toUserID}},
	})
	return t, nil
}

func transferable(item models.Evidence, fromUserID string, now time.Time) error {
	if item.IsExpired(now) {
		return apperr.Validationf("evidence %q has expired", item.EvidenceID)
	}
	if item.Consumed {
		return apperr.Validationf("evidence %q has been consumed", item.EvidenceID)
	}
	if !item.Tradeable {
		return apperr.Validationf("evidence %q is not tradeable", item.EvidenceID)
	}
	if item.OwnerID != fromUserID {
		return apperr.Forbiddenf("user %q does not own evidence %q", fromUserID, item.EvidenceID)
	}
	return nil
}

// Consume marks an item terminally used. One-way: a consumed item cannot
// transfer, verify, or consume again.
func (e *Engine) Consume(ctx context.Context, evidenceID, ownerID string) error {
	item, err := e.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	now := e.clock()
	if item.IsExpired(now) {
		return apperr.Validationf("evidence %q has expired", evidenceID)
	}
	if item.Consumed {
		return apperr.Validationf("evidence %q has already been consumed", evidenceID)
	}
	if item.OwnerID != ownerID {
		return apperr.Forbiddenf("user %q does not own evidence %q", ownerID, evidenceID)
	}
	return e.store.MarkEvidenceConsumed(ctx, evidenceID, now)
}

// VerifyResult reports a verification outcome. Confidence is 1 for a
// passed challenge, 0 for a failed one, and a grade-dependent prior when
// no challenge is supplied.
type VerifyResult struct {
	Verified   bool
	Confidence float64
}

// Verify checks an item. With a challenge response the check is exact:
// the expected response is the digest of the id and the item's secret.
// Without one, verification reports a confidence by grade and does not
// flip the verified flag.
func (e *Engine) Verify(ctx context.Context, evidenceID, challengeResponse string) (VerifyResult, error) {
	item, err := e.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return VerifyResult{}, err
	}
	now := e.clock()
	if item.IsExpired(now) {
		return VerifyResult{}, apperr.Validationf("evidence %q has expired", evidenceID)
	}
	if item.Consumed {
		return VerifyResult{}, apperr.Validationf("evidence %q has been consumed", evidenceID)
	}

	if challengeResponse != "" {
		expected := ChallengeDigest(item.EvidenceID, item.Metadata["secret"])
		if challengeResponse != expected {
			return VerifyResult{Verified: false}, nil
		}
		if err := e.store.MarkEvidenceVerified(ctx, evidenceID); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{Verified: true, Confidence: 1}, nil
	}

	confidence := map[models.Grade]float64{
		models.GradeA: 0.9,
		models.GradeB: 0.7,
		models.GradeC: 0.5,
	}[item.Grade]
	return VerifyResult{Verified: item.Verified, Confidence: confidence}, nil
}

// ChallengeDigest computes the expected challenge response for an item.
func ChallengeDigest(evidenceID, secret string) string {
	sum := sha256.Sum256([]byte(evidenceID + secret))
	return hex.EncodeToString(sum[:])
}
