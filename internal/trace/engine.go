// Package trace manages the stage-local markers players leave behind:
// leaving a trace (TTL by type), discovery attempts (one per pair,
// difficulty-weighted), and the per-stage density heat bucket.
package trace

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
	InsertTrace(ctx context.Context, t models.Trace) error
	GetTrace(ctx context.Context, traceID string) (models.Trace, error)
	ListTracesAtStage(ctx context.Context, stageID string, now time.Time) ([]models.Trace, error)
	RecordDiscoveryTx(ctx context.Context, d models.Discovery) error
	CountActiveTraces(ctx context.Context, stageID string, now time.Time) (int, error)
}

// MembershipReader answers whether a user belongs to the creator's crew,
// needed for crew-visibility checks.
type MembershipReader interface {
	GetMembership(ctx context.Context, theatreID, userID string) (*models.Membership, bool, error)
}

// Engine implements the trace operations.
type Engine struct {
	store     Store
	crews     MembershipReader
	rec       *events.Recorder
	clock     func() time.Time
	randFloat func() float64
}

// New constructs an Engine.
func New(store Store, crews MembershipReader, rec *events.Recorder, randFloat func() float64) *Engine {
	return &Engine{
		store:     store,
		crews:     crews,
		rec:       rec,
		clock:     func() time.Time { return time.Now().UTC() },
		randFloat: randFloat,
	}
}

// LeaveRequest describes one trace creation.
type LeaveRequest struct {
	TheatreID           string
	CreatorID           string
	StageID             string
	Type                models.TraceType
	Content             string
	Visibility          models.Visibility
	DiscoveryDifficulty float64
}

// Leave creates a trace at a stage; the expiry deadline follows from the
// type's TTL.
func (e *Engine) Leave(ctx context.Context, req LeaveRequest) (models.Trace, error) {
	switch req.Type {
	case models.TraceFootprint, models.TraceMark, models.TraceMessage, models.TraceOffering:
	default:
		return models.Trace{}, apperr.Validationf("unknown trace type %q", req.Type)
	}
	switch req.Visibility {
	case models.VisibilityPublic, models.VisibilityCrew, models.VisibilityPrivate:
	case "":
		req.Visibility = models.VisibilityPublic
	default:
		return models.Trace{}, apperr.Validationf("unknown visibility %q", req.Visibility)
	}
	if req.DiscoveryDifficulty < 0 || req.DiscoveryDifficulty > 1 {
		return models.Trace{}, apperr.Validationf("discovery_difficulty must be in [0,1]")
	}

	now := e.clock()
	t := models.Trace{
		TraceID:             uuid.NewString(),
		TheatreID:           req.TheatreID,
		CreatorID:           req.CreatorID,
		StageID:             req.StageID,
		Type:                req.Type,
		Content:             req.Content,
		Visibility:          req.Visibility,
		DiscoveryDifficulty: req.DiscoveryDifficulty,
		CreatedAt:           now,
		ExpiresAt:           now.Add(req.Type.TTL()),
	}
	if err := e.store.InsertTrace(ctx, t); err != nil {
		return models.Trace{}, err
	}
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: req.TheatreID,
		At:        now,
		Kind:      models.EventTraceLeft,
		Payload:   map[string]any{"trace_id": t.TraceID, "stage_id": req.StageID, "type": string(req.Type)},
		Target:    models.EventTarget{StageID: req.StageID},
	})
	return t, nil
}

// DiscoverResult reports one discovery attempt.
type DiscoverResult struct {
	Success bool
	Trace   *models.Trace // set only on success
}

// Discover rolls one attempt against a trace. Each user gets exactly one
// attempt per trace, success chance 1 - difficulty; visibility gates who
// may attempt at all.
func (e *Engine) Discover(ctx context.Context, traceID, discovererID string) (DiscoverResult, error) {
	t, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		return DiscoverResult{}, err
	}
	now := e.clock()
	if t.IsExpired(now) {
		return DiscoverResult{}, apperr.Validationf("trace %q has expired", traceID)
	}
	if err := e.mayDiscover(ctx, t, discovererID); err != nil {
		return DiscoverResult{}, err
	}

	success := e.randFloat() < t.DiscoveryChance()
	d := models.Discovery{
		DiscoveryID:  uuid.NewString(),
		TraceID:      traceID,
		DiscovererID: discovererID,
		At:           now,
		Success:      success,
	}
	if err := e.store.RecordDiscoveryTx(ctx, d); err != nil {
		return DiscoverResult{}, err
	}
	if !success {
		return DiscoverResult{Success: false}, nil
	}
	t.DiscoveryCount++
	e.rec.Record(ctx, models.Event{
		EventID:   uuid.NewString(),
		TheatreID: t.TheatreID,
		At:        now,
		Kind:      models.EventTraceDiscovered,
		Payload:   map[string]any{"trace_id": traceID, "stage_id": t.StageID},
		Target:    models.EventTarget{UserIDs: []string{discovererID, t.CreatorID}},
	})
	return DiscoverResult{Success: true, Trace: &t}, nil
}

func (e *Engine) mayDiscover(ctx context.Context, t models.Trace, discovererID string) error {
	if discovererID == t.CreatorID {
		return apperr.Validationf("creator cannot discover their own trace")
	}
	switch t.Visibility {
	case models.VisibilityPublic:
		return nil
	case models.VisibilityPrivate:
		return apperr.Forbiddenf("trace %q is private", t.TraceID)
	case models.VisibilityCrew:
		creator, ok, err := e.crews.GetMembership(ctx, t.TheatreID, t.CreatorID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbiddenf("trace %q is crew-only and its creator has no crew", t.TraceID)
		}
		member, ok, err := e.crews.GetMembership(ctx, t.TheatreID, discovererID)
		if err != nil {
			return err
		}
		if !ok || member.CrewID != creator.CrewID {
			return apperr.Forbiddenf("trace %q is visible only to its creator's crew", t.TraceID)
		}
		return nil
	}
	return nil
}

// ListAtStage returns the live traces at a stage.
func (e *Engine) ListAtStage(ctx context.Context, stageID string) ([]models.Trace, error) {
	return e.store.ListTracesAtStage(ctx, stageID, e.clock())
}

// Density reports a stage's live-trace count and its heat bucket.
func (e *Engine) Density(ctx context.Context, stageID string) (int, models.HeatBucket, error) {
	n, err := e.store.CountActiveTraces(ctx, stageID, e.clock())
	if err != nil {
		return 0, models.HeatNone, err
	}
	return n, models.BucketForDensity(n), nil
}
