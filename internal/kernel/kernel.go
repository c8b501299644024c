// Package kernel owns the authoritative world state of each theatre:
// current variable values, thread phases, and object holders. All
// mutation flows through ApplyDelta, which is atomic, append-only, and
// idempotent per (theatre, idempotency key). Snapshots capture state at
// a point in time; the event log plus the latest snapshot reconstructs a
// theatre deterministically.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/kernel/wal"
	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/themepack"
)

// Store is the narrow storage contract the Kernel needs. internal/storage
// implements it; tests use an in-memory fake (see kernel_test.go).
// GetWorldState returns only rows that have been written — the Kernel
// merges theme-pack defaults on top.
type Store interface {
	GetWorldState(ctx context.Context, theatreID string) (models.WorldState, error)
	GetAppliedDelta(ctx context.Context, theatreID, idempotencyKey string) (*models.AppliedDeltaRecord, bool, error)
	ApplyDeltaTx(ctx context.Context, record models.AppliedDeltaRecord, changed models.WorldState, events []models.Event) error
	InsertSnapshot(ctx context.Context, snap models.Snapshot) error
	LatestSnapshot(ctx context.Context, theatreID string) (*models.Snapshot, bool, error)
	ReplayEvents(ctx context.Context, theatreID string, from, to time.Time) ([]models.Event, error)
}

// PackResolver is the slice of the Theme-Pack Registry the Kernel uses:
// every name a delta touches must resolve through the pack bound to the
// target theatre.
type PackResolver interface {
	GetForTheatre(ctx context.Context, theatreID string) (*themepack.Pack, error)
}

// Publisher receives committed events for realtime fanout. The Kernel
// never blocks on it; a slow or absent publisher has no effect on
// ApplyDelta's atomicity.
type Publisher interface {
	Publish(events []models.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish([]models.Event) {}

// Kernel serializes delta application per theatre; theatres are
// independent worlds and never contend with each other.
type Kernel struct {
	store     Store
	packs     PackResolver
	publisher Publisher
	wal       *wal.WAL // optional; nil disables the pre-commit durability buffer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Kernel. w may be nil to disable the WAL pre-commit
// buffer (e.g. in unit tests).
func New(store Store, packs PackResolver, publisher Publisher, w *wal.WAL) *Kernel {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Kernel{store: store, packs: packs, publisher: publisher, wal: w, locks: make(map[string]*sync.Mutex)}
}

func (k *Kernel) theatreLock(theatreID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[theatreID]
	if !ok {
		l = &sync.Mutex{}
		k.locks[theatreID] = l
	}
	return l
}

// GetState returns the current variables/threads/objects for a theatre.
// Variables and threads the pack declares but no delta has touched yet
// report their declared defaults, so a freshly bound theatre has a
// complete, readable world from the first call.
func (k *Kernel) GetState(ctx context.Context, theatreID string) (models.WorldState, error) {
	pack, err := k.packs.GetForTheatre(ctx, theatreID)
	if err != nil {
		return models.WorldState{}, err
	}
	stored, err := k.store.GetWorldState(ctx, theatreID)
	if err != nil {
		return models.WorldState{}, err
	}
	return mergeDefaults(theatreID, pack, stored), nil
}

func mergeDefaults(theatreID string, pack *themepack.Pack, stored models.WorldState) models.WorldState {
	out := models.WorldState{
		TheatreID: theatreID,
		Variables: make(map[string]float64, len(pack.Variables)),
		Threads:   make(map[string]models.ThreadState, len(pack.Threads)),
		Objects:   make(map[string]string, len(pack.Objects)),
	}
	for id, def := range pack.Variables {
		out.Variables[id] = def.Default
	}
	for id, def := range pack.Threads {
		out.Threads[id] = models.ThreadState{Phase: def.InitialPhase}
	}
	for id := range pack.Objects {
		out.Objects[id] = "lost"
	}
	for id, v := range stored.Variables {
		out.Variables[id] = v
	}
	for id, t := range stored.Threads {
		out.Threads[id] = t
	}
	for id, h := range stored.Objects {
		out.Objects[id] = h
	}
	return out
}

const epsilon = 1e-9

// ApplyDelta is the sole entry point for world-state mutation. A retried
// call with an already-applied idempotency key returns the original
// record, marked Replayed, with no new side effects and no new events.
func (k *Kernel) ApplyDelta(ctx context.Context, req models.DeltaRequest) (*models.AppliedDeltaRecord, error) {
	if req.TheatreID == "" || req.IdempotencyKey == "" {
		return nil, apperr.Validationf("theatre_id and idempotency_key are required")
	}

	lock := k.theatreLock(req.TheatreID)
	lock.Lock()
	defer lock.Unlock()

	// Idempotency short-circuit comes before validation: a replay must
	// return the original result even if the theme pack has changed since
	// the original apply.
	if existing, found, err := k.store.GetAppliedDelta(ctx, req.TheatreID, req.IdempotencyKey); err != nil {
		return nil, err
	} else if found {
		existing.Replayed = true
		return existing, nil
	}

	pack, err := k.packs.GetForTheatre(ctx, req.TheatreID)
	if err != nil {
		return nil, err
	}
	stored, err := k.store.GetWorldState(ctx, req.TheatreID)
	if err != nil {
		return nil, err
	}
	state := mergeDefaults(req.TheatreID, pack, stored)

	appliedAt := time.Now().UTC()
	deltaID := uuid.NewString()

	changed, evs, err := k.resolve(req, pack, state, deltaID, appliedAt)
	if err != nil {
		metrics.DeltaFailures.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	record := models.AppliedDeltaRecord{
		DeltaID:        deltaID,
		TheatreID:      req.TheatreID,
		IdempotencyKey: req.IdempotencyKey,
		Cause:          req.Cause,
		VarChanges:     req.VarChanges,
		ThreadChanges:  req.ThreadChanges,
		ObjectChanges:  req.ObjectChanges,
		AppliedAt:      appliedAt,
	}

	if k.wal != nil {
		if err := k.wal.Write(deltaID, req); err != nil {
			logging.Warn().Err(err).Str("theatre_id", req.TheatreID).Msg("wal write failed, proceeding without durability buffer")
		}
	}

	if err := k.store.ApplyDeltaTx(ctx, record, changed, evs); err != nil {
		metrics.DeltaFailures.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	if k.wal != nil {
		if err := k.wal.Confirm(deltaID); err != nil {
			logging.Warn().Err(err).Str("delta_id", deltaID).Msg("wal confirm failed")
		}
	}

	metrics.DeltasApplied.Inc()
	k.publisher.Publish(evs)
	return &record, nil
}

// resolve validates req against the pack and current state, and computes
// the exact rows to write plus the events to append. No writes happen
// here; a validation failure leaves no observable effect.
func (k *Kernel) resolve(req models.DeltaRequest, pack *themepack.Pack, state models.WorldState, deltaID string, appliedAt time.Time) (models.WorldState, []models.Event, error) {
	changed := models.WorldState{
		TheatreID: req.TheatreID,
		Variables: make(map[string]float64),
		Threads:   make(map[string]models.ThreadState),
		Objects:   make(map[string]string),
	}
	var evs []models.Event

	for _, vc := range req.VarChanges {
		def, ok := pack.Variables[vc.VarID]
		if !ok {
			return changed, nil, apperr.Validationf("unknown world variable id %q", vc.VarID)
		}
		if vc.Delta > def.MaxChangePerHour+epsilon || vc.Delta < -def.MaxChangePerHour-epsilon {
			return changed, nil, apperr.Validationf(
				"var %q change magnitude %.6f exceeds max_change_per_hour %.6f",
				vc.VarID, vc.Delta, def.MaxChangePerHour).WithDetail("var_id", vc.VarID)
		}
		next := clamp(state.Variables[vc.VarID]+vc.Delta, def.Min, def.Max)
		changed.Variables[vc.VarID] = next
		evs = append(evs, k.event(req, deltaID, appliedAt, models.EventVarChanged, map[string]any{
			"var_id": vc.VarID, "delta": vc.Delta, "new_value": next,
		}))
	}

	for _, tc := range req.ThreadChanges {
		def, ok := pack.Threads[tc.ThreadID]
		if !ok {
			return changed, nil, apperr.Validationf("unknown thread id %q", tc.ThreadID)
		}
		cur := state.Threads[tc.ThreadID]
		next := cur
		if tc.NewPhase != "" {
			if !def.HasPhase(tc.NewPhase) {
				return changed, nil, apperr.Validationf("thread %q has no phase %q", tc.ThreadID, tc.NewPhase)
			}
			next.Phase = tc.NewPhase
		}
		next.Progress = clamp(cur.Progress+tc.ProgressAdd, 0, 1)
		next.LastAdvancedAt = appliedAt
		changed.Threads[tc.ThreadID] = next
		evs = append(evs, k.event(req, deltaID, appliedAt, models.EventThreadAdvanced, map[string]any{
			"thread_id": tc.ThreadID, "phase": next.Phase, "progress": next.Progress,
		}))
	}

	for _, oc := range req.ObjectChanges {
		if _, ok := pack.Objects[oc.ObjectID]; !ok {
			return changed, nil, apperr.Validationf("unknown key object id %q", oc.ObjectID)
		}
		current := state.Objects[oc.ObjectID]
		if current == "" {
			current = "lost"
		}
		if oc.ExpectedFrom != "" && current != oc.ExpectedFrom {
			return changed, nil, apperr.Conflictf(
				"object %q expected holder %q but found %q", oc.ObjectID, oc.ExpectedFrom, current).
				WithDetail("object_id", oc.ObjectID)
		}
		changed.Objects[oc.ObjectID] = oc.NewHolder
		evs = append(evs, k.event(req, deltaID, appliedAt, models.EventObjectMoved, map[string]any{
			"object_id": oc.ObjectID, "from": current, "to": oc.NewHolder,
		}))
	}

	if len(evs) == 0 {
		return changed, nil, apperr.Validationf("delta contains no changes")
	}
	return changed, evs, nil
}

func (k *Kernel) event(req models.DeltaRequest, deltaID string, at time.Time, kind string, payload map[string]any) models.Event {
	return models.Event{
		EventID:         uuid.NewString(),
		TheatreID:       req.TheatreID,
		At:              at,
		Kind:            kind,
		Payload:         payload,
		ProducedByDelta: deltaID,
		Target:          models.EventTarget{TheatreWide: true},
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Snapshot takes a point-in-time capture of current state.
func (k *Kernel) Snapshot(ctx context.Context, theatreID string) (models.Snapshot, error) {
	state, err := k.GetState(ctx, theatreID)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{
		SnapshotID: uuid.NewString(),
		TheatreID:  theatreID,
		TakenAt:    time.Now().UTC(),
		FullState:  state,
	}
	snap.StateHash = StateHash(state)
	if err := k.store.InsertSnapshot(ctx, snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// LatestSnapshot returns the most recent stored snapshot, if any — the
// starting point for replay and archaeology queries.
func (k *Kernel) LatestSnapshot(ctx context.Context, theatreID string) (*models.Snapshot, bool, error) {
	return k.store.LatestSnapshot(ctx, theatreID)
}

// Replay returns the event stream for a theatre between [from, to).
// Combined with the latest snapshot at or before `from`, this
// reconstructs state deterministically.
func (k *Kernel) Replay(ctx context.Context, theatreID string, from, to time.Time) ([]models.Event, error) {
	return k.store.ReplayEvents(ctx, theatreID, from, to)
}

// StateHashFor returns the hash of a theatre's current state, used to
// seed scheduler determinism and to verify replays.
func (k *Kernel) StateHashFor(ctx context.Context, theatreID string) (string, error) {
	state, err := k.GetState(ctx, theatreID)
	if err != nil {
		return "", err
	}
	return StateHash(state), nil
}

// RecoverWAL re-applies every pending WAL entry through ApplyDelta.
// Entries whose transaction did commit before the crash replay as
// idempotent no-ops; the rest are applied now. Called once at startup,
// before any driver runs.
func (k *Kernel) RecoverWAL(ctx context.Context) error {
	if k.wal == nil {
		return nil
	}
	pending, err := k.wal.Pending()
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if _, err := k.ApplyDelta(ctx, entry.Request); err != nil && !apperr.Retryable(err) {
			logging.Warn().Err(err).Str("delta_id", entry.DeltaID).Msg("wal recovery entry rejected")
		}
		if err := k.wal.Confirm(entry.DeltaID); err != nil {
			logging.Warn().Err(err).Str("delta_id", entry.DeltaID).Msg("wal recovery confirm failed")
		}
	}
	if len(pending) > 0 {
		logging.Info().Int("entries", len(pending)).Msg("wal recovery complete")
	}
	return nil
}

// StateHash computes a stable digest of the serialized state using
// canonical (sorted) key order, so two equal states always hash equal
// regardless of map iteration order.
func StateHash(state models.WorldState) string {
	h := sha256.New()

	varIDs := make([]string, 0, len(state.Variables))
	for id := range state.Variables {
		varIDs = append(varIDs, id)
	}
	sort.Strings(varIDs)
	for _, id := range varIDs {
		fmt.Fprintf(h, "v:%s=%.9f\n", id, state.Variables[id])
	}

	threadIDs := make([]string, 0, len(state.Threads))
	for id := range state.Threads {
		threadIDs = append(threadIDs, id)
	}
	sort.Strings(threadIDs)
	for _, id := range threadIDs {
		t := state.Threads[id]
		fmt.Fprintf(h, "t:%s=%s,%.9f\n", id, t.Phase, t.Progress)
	}

	objIDs := make([]string, 0, len(state.Objects))
	for id := range state.Objects {
		objIDs = append(objIDs, id)
	}
	sort.Strings(objIDs)
	for _, id := range objIDs {
		fmt.Fprintf(h, "o:%s=%s\n", id, state.Objects[id])
	}

	return hex.EncodeToString(h.Sum(nil))
}
