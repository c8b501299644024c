package themepack

import (
	"context"
	"fmt"
	"sync"

	"github.com/theatreos/engine/internal/apperr"
)

// TheatreBinder is the narrow storage contract the Registry needs to
// persist and look up which pack a theatre is bound to. Implemented by
// internal/storage; kept as an interface so engine tests can fake it.
type TheatreBinder interface {
	GetBoundPack(ctx context.Context, theatreID string) (string, bool, error)
	SetBoundPack(ctx context.Context, theatreID, packID string) error
}

// Registry loads theme packs from a content directory, validates them,
// and answers allow-list queries. Packs are loaded once then immutable;
// rebinding a theatre swaps the pointer a reader holds, so in-flight
// readers of an older pack pointer finish safely.
type Registry struct {
	contentDir  string
	defaultPack string
	binder      TheatreBinder

	mu    sync.RWMutex
	cache map[string]*Pack // pack_id -> loaded pack
}

// New constructs a Registry reading packs from contentDir.
func New(contentDir, defaultPack string, binder TheatreBinder) *Registry {
	return &Registry{
		contentDir:  contentDir,
		defaultPack: defaultPack,
		binder:      binder,
		cache:       make(map[string]*Pack),
	}
}

// ListAvailable enumerates every pack in the content directory with
// summary stats.
func (r *Registry) ListAvailable() ([]PackSummary, error) {
	ids, err := listDir(r.contentDir)
	if err != nil {
		return nil, err
	}
	out := make([]PackSummary, 0, len(ids))
	for _, id := range ids {
		p, err := r.Load(id, false)
		if err != nil {
			continue // unloadable pack is omitted, not fatal to the listing
		}
		out = append(out, PackSummary{PackID: p.PackID, Version: p.Version, Stats: p.stats()})
	}
	return out, nil
}

// PackSummary is one list_available entry.
type PackSummary struct {
	PackID  string
	Version string
	Stats   Stats
}

// Load loads (or returns the cached) pack. force re-reads from disk even
// if a cached copy exists.
func (r *Registry) Load(packID string, force bool) (*Pack, error) {
	if !force {
		r.mu.RLock()
		p, ok := r.cache[packID]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}
	}
	p, err := loadFromDir(r.contentDir, packID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[packID] = p
	r.mu.Unlock()
	return p, nil
}

// Bind binds a pack to a theatre. Idempotent: binding the same pack again
// is a no-op. Rebinding to a different pack never invalidates in-flight
// readers (packs are immutable, the pointer just swaps); writes that
// reference ids the new pack does not declare fail validation at write
// time instead.
func (r *Registry) Bind(ctx context.Context, theatreID, packID string) error {
	if _, err := r.Load(packID, false); err != nil {
		return err
	}
	current, ok, err := r.binder.GetBoundPack(ctx, theatreID)
	if err != nil {
		return err
	}
	if ok && current == packID {
		return nil // idempotent
	}
	return r.binder.SetBoundPack(ctx, theatreID, packID)
}

// GetForTheatre returns the pack bound to theatreID, auto-binding the
// default pack if none is bound yet.
func (r *Registry) GetForTheatre(ctx context.Context, theatreID string) (*Pack, error) {
	packID, ok, err := r.binder.GetBoundPack(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if r.defaultPack == "" {
			return nil, apperr.NotFoundf("theatre %q has no bound theme pack and no default is configured", theatreID)
		}
		if err := r.Bind(ctx, theatreID, r.defaultPack); err != nil {
			return nil, err
		}
		packID = r.defaultPack
	}
	return r.Load(packID, false)
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// Validate verifies every beat's thread_id resolves and every beat's
// referenced gate template resolves; it warns if core components (gates,
// evidence types, rescue beats) are empty.
func (r *Registry) Validate(packID string) (ValidationResult, error) {
	p, err := r.Load(packID, false)
	if err != nil {
		return ValidationResult{}, err
	}
	res := ValidationResult{OK: true}
	for id, b := range p.Beats {
		if _, ok := p.Threads[b.ThreadID]; !ok {
			res.OK = false
			res.Errors = append(res.Errors, fmt.Sprintf("beat %q references unknown thread %q", id, b.ThreadID))
		}
		if b.OptionalGateTemplateID != "" {
			if _, ok := p.Gates[b.OptionalGateTemplateID]; !ok {
				res.OK = false
				res.Errors = append(res.Errors, fmt.Sprintf("beat %q references unknown gate template %q", id, b.OptionalGateTemplateID))
			}
		}
	}
	if len(p.Gates) == 0 {
		res.Warnings = append(res.Warnings, "pack declares no gate templates")
	}
	if len(p.Evidence) == 0 {
		res.Warnings = append(res.Warnings, "pack declares no evidence types")
	}
	if len(p.RescueBeats()) == 0 {
		res.Warnings = append(res.Warnings, "pack declares no rescue beats")
	}
	return res, nil
}

// --- Lookup methods by entity id ---

// Character looks up a character id, failing validation_error on a miss.
func (r *Registry) Character(p *Pack, id string) (CharacterDef, error) {
	c, ok := p.Characters[id]
	if !ok {
		return CharacterDef{}, apperr.Validationf("unknown character id %q", id)
	}
	return c, nil
}

// Thread looks up a thread id.
func (r *Registry) Thread(p *Pack, id string) (ThreadDef, error) {
	t, ok := p.Threads[id]
	if !ok {
		return ThreadDef{}, apperr.Validationf("unknown thread id %q", id)
	}
	return t, nil
}

// BeatTemplate looks up a beat template id.
func (r *Registry) BeatTemplate(p *Pack, id string) (BeatTemplate, error) {
	b, ok := p.Beats[id]
	if !ok {
		return BeatTemplate{}, apperr.Validationf("unknown beat template id %q", id)
	}
	return b, nil
}

// Variable looks up a world variable declaration.
func (r *Registry) Variable(p *Pack, id string) (WorldVariableDef, error) {
	v, ok := p.Variables[id]
	if !ok {
		return WorldVariableDef{}, apperr.Validationf("unknown world variable id %q", id)
	}
	return v, nil
}

// KeyObject looks up a key object id.
func (r *Registry) KeyObject(p *Pack, id string) (KeyObjectDef, error) {
	o, ok := p.Objects[id]
	if !ok {
		return KeyObjectDef{}, apperr.Validationf("unknown key object id %q", id)
	}
	return o, nil
}

// Faction looks up a faction id.
func (r *Registry) Faction(p *Pack, id string) (FactionDef, error) {
	f, ok := p.Factions[id]
	if !ok {
		return FactionDef{}, apperr.Validationf("unknown faction id %q", id)
	}
	return f, nil
}
