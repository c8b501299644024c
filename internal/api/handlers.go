package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/evidence"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/realtime"
	"github.com/theatreos/engine/internal/rumor"
	tracepkg "github.com/theatreos/engine/internal/trace"
)

const archiveLimit = 100

// --- theatres / world state ---

type createTheatreRequest struct {
	Name     string `json:"name" validate:"required"`
	City     string `json:"city"`
	Timezone string `json:"timezone" validate:"required"`
	PackID   string `json:"pack_id"`
}

func (h *Handler) createTheatre(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "theatre", "manage") {
		return
	}
	var req createTheatreRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t := models.Theatre{
		TheatreID: uuid.NewString(),
		Name:      req.Name,
		City:      req.City,
		Timezone:  req.Timezone,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.deps.Store.CreateTheatre(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	if req.PackID != "" {
		if err := h.deps.Registry.Bind(r.Context(), t.TheatreID, req.PackID); err != nil {
			writeError(w, err)
			return
		}
		t.BoundThemePackID = req.PackID
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) getTheatre(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Store.GetTheatre(r.Context(), chi.URLParam(r, "theatreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) getWorldState(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "world", "read") {
		return
	}
	state, err := h.deps.Kernel.GetState(r.Context(), chi.URLParam(r, "theatreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type applyDeltaRequest struct {
	IdempotencyKey string                 `json:"idempotency_key" validate:"required"`
	Cause          string                 `json:"cause"`
	VarChanges     []models.VarChange     `json:"var_changes"`
	ThreadChanges  []models.ThreadChange  `json:"thread_changes"`
	ObjectChanges  []models.ObjectChange  `json:"object_changes"`
}

func (h *Handler) applyDelta(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "world", "write") {
		return
	}
	var req applyDeltaRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := h.deps.Kernel.ApplyDelta(r.Context(), models.DeltaRequest{
		TheatreID:      chi.URLParam(r, "theatreID"),
		IdempotencyKey: req.IdempotencyKey,
		Cause:          req.Cause,
		VarChanges:     req.VarChanges,
		ThreadChanges:  req.ThreadChanges,
		ObjectChanges:  req.ObjectChanges,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if rec.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, rec)
}

func (h *Handler) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "world", "write") {
		return
	}
	snap, err := h.deps.Kernel.Snapshot(r.Context(), chi.URLParam(r, "theatreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "archive", "read") {
		return
	}
	snap, ok, err := h.deps.Kernel.LatestSnapshot(r.Context(), chi.URLParam(r, "theatreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.NotFoundf("no snapshot taken yet"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type revokeTokenRequest struct {
	TokenID string `json:"token_id" validate:"required"`
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "token", "revoke") {
		return
	}
	var req revokeTokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Store.Revoke(r.Context(), req.TokenID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (h *Handler) replayEvents(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "archive", "read") {
		return
	}
	from, err := parseTimeParam(r, "from", time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTimeParam(r, "to", time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.deps.Kernel.Replay(r.Context(), chi.URLParam(r, "theatreID"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validationf("%s must be RFC3339: %v", name, err)
	}
	return t, nil
}

type createUserRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	Role        string `json:"role" validate:"required"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "theatre", "manage") {
		return
	}
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role, ok := models.ParseRole(req.Role)
	if !ok {
		writeError(w, apperr.Validationf("unknown role %q", req.Role))
		return
	}
	u := models.User{UserID: req.UserID, DisplayName: req.DisplayName, Role: role, Active: true}
	if err := h.deps.Store.CreateUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// --- stages / plans / packs ---

func (h *Handler) listStages(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "stage", "read") {
		return
	}
	stages, err := h.deps.Store.ListStages(r.Context(), chi.URLParam(r, "theatreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

type upsertStageRequest struct {
	StageID string   `json:"stage_id" validate:"required"`
	Name    string   `json:"name" validate:"required"`
	Lat     float64  `json:"lat" validate:"gte=-90,lte=90"`
	Lng     float64  `json:"lng" validate:"gte=-180,lte=180"`
	RingC   float64  `json:"ring_c_m" validate:"gt=0"`
	RingB   float64  `json:"ring_b_m" validate:"gt=0"`
	RingA   float64  `json:"ring_a_m" validate:"gt=0"`
	Tags    []string `json:"tags"`
}

func (h *Handler) upsertStage(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "theatre", "manage") {
		return
	}
	var req upsertStageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st := models.Stage{
		StageID:     req.StageID,
		TheatreID:   chi.URLParam(r, "theatreID"),
		Name:        req.Name,
		Lat:         req.Lat,
		Lng:         req.Lng,
		RingCMeters: req.RingC,
		RingBMeters: req.RingB,
		RingAMeters: req.RingA,
		Tags:        req.Tags,
	}
	if err := h.deps.Store.UpsertStage(r.Context(), st); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "plan", "read") {
		return
	}
	slotStart, err := time.Parse(time.RFC3339, chi.URLParam(r, "slotStart"))
	if err != nil {
		writeError(w, apperr.Validationf("slot start must be RFC3339: %v", err))
		return
	}
	plan, err := h.deps.Store.GetPlanBySlot(r.Context(), chi.URLParam(r, "theatreID"), slotStart)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type planSlotRequest struct {
	SlotStart time.Time        `json:"slot_start" validate:"required"`
	Override  *models.Override `json:"override"`
}

func (h *Handler) planSlot(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "plan", "override") {
		return
	}
	var req planSlotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	plan, err := h.deps.Planner.PlanSlot(r.Context(), chi.URLParam(r, "theatreID"), req.SlotStart.UTC(), req.Override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

type bindPackRequest struct {
	PackID string `json:"pack_id" validate:"required"`
}

func (h *Handler) bindPack(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "pack", "bind") {
		return
	}
	var req bindPackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Registry.Bind(r.Context(), chi.URLParam(r, "theatreID"), req.PackID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bound_pack_id": req.PackID})
}

func (h *Handler) listPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := h.deps.Registry.ListAvailable()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": packs})
}

func (h *Handler) validatePack(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Registry.Validate(chi.URLParam(r, "packID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- gates ---

func (h *Handler) getGate(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "gate", "read") {
		return
	}
	g, err := h.deps.Gates.Get(r.Context(), chi.URLParam(r, "gateID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type voteRequest struct {
	OptionID       string `json:"option_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "gate", "vote") {
		return
	}
	var req voteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.deps.Gates.Vote(r.Context(), chi.URLParam(r, "gateID"), caller(r).UserID, req.OptionID, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type stakeRequest struct {
	OptionID       string `json:"option_id" validate:"required"`
	Amount         int64  `json:"amount" validate:"gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

func (h *Handler) stake(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "gate", "stake") {
		return
	}
	var req stakeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	st, err := h.deps.Gates.Stake(r.Context(), chi.URLParam(r, "gateID"), caller(r).UserID, req.OptionID, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) cancelGate(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "gate", "cancel") {
		return
	}
	if err := h.deps.Gates.Cancel(r.Context(), chi.URLParam(r, "gateID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(models.GateCancelled)})
}

type planGateRequest struct {
	SlotID     string    `json:"slot_id" validate:"required"`
	TemplateID string    `json:"template_id" validate:"required"`
	OpenAt     time.Time `json:"open_at" validate:"required"`
	CloseAt    time.Time `json:"close_at" validate:"required"`
	ResolveAt  time.Time `json:"resolve_at" validate:"required"`
}

// planGate is the operator path for injecting a gate outside the
// scheduler's plans.
func (h *Handler) planGate(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "plan", "override") {
		return
	}
	var req planGateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	g, err := h.deps.Gates.Plan(r.Context(), chi.URLParam(r, "theatreID"), req.SlotID, req.TemplateID,
		req.OpenAt.UTC(), req.CloseAt.UTC(), req.ResolveAt.UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// --- evidence ---

type grantEvidenceRequest struct {
	TheatreID   string            `json:"theatre_id" validate:"required"`
	OwnerID     string            `json:"owner_id" validate:"required"`
	TypeID      string            `json:"type_id" validate:"required"`
	Name        string            `json:"name"`
	Rarity      string            `json:"rarity"`
	SourceScene string            `json:"source_scene"`
	SourceStage string            `json:"source_stage"`
	Tradeable   bool              `json:"tradeable"`
	Metadata    map[string]string `json:"metadata"`
}

func (h *Handler) grantEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "evidence", "grant") {
		return
	}
	var req grantEvidenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	item, err := h.deps.Evidence.Grant(r.Context(), evidence.GrantRequest{
		TheatreID:   req.TheatreID,
		OwnerID:     req.OwnerID,
		TypeID:      req.TypeID,
		Name:        req.Name,
		Rarity:      req.Rarity,
		SourceScene: req.SourceScene,
		SourceStage: req.SourceStage,
		Tradeable:   req.Tradeable,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) getEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "evidence", "read") {
		return
	}
	item, err := h.deps.Evidence.Get(r.Context(), chi.URLParam(r, "evidenceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evidence":   item,
		"is_expired": item.IsExpired(time.Now().UTC()),
	})
}

func (h *Handler) listEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "evidence", "read") {
		return
	}
	theatreID := r.URL.Query().Get("theatre_id")
	if theatreID == "" {
		writeError(w, apperr.Validationf("theatre_id query parameter is required"))
		return
	}
	items, err := h.deps.Evidence.ListByOwner(r.Context(), theatreID, caller(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": items})
}

type transferEvidenceRequest struct {
	ToUserID string `json:"to_user_id" validate:"required"`
}

func (h *Handler) transferEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "evidence", "write") {
		return
	}
	var req transferEvidenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.deps.Evidence.Transfer(r.Context(), chi.URLParam(r, "evidenceID"), caller(r).UserID, req.ToUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) consumeEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "evidence", "write") {
		return
	}
	if err := h.deps.Evidence.Consume(r.Context(), chi.URLParam(r, "evidenceID"), caller(r).UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consumed": true})
}

type verifyEvidenceRequest struct {
	ChallengeResponse string `json:"challenge_response"`
}

func (h *Handler) verifyEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "evidence", "read") {
		return
	}
	var req verifyEvidenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.Evidence.Verify(r.Context(), chi.URLParam(r, "evidenceID"), req.ChallengeResponse)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- rumors ---

type draftRumorRequest struct {
	TheatreID       string `json:"theatre_id" validate:"required"`
	Content         string `json:"content" validate:"required,max=280"`
	TargetThread    string `json:"target_thread"`
	TargetCharacter string `json:"target_character"`
}

func (h *Handler) draftRumor(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "rumor", "write") {
		return
	}
	var req draftRumorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rum, err := h.deps.Rumors.Draft(r.Context(), rumor.DraftRequest{
		TheatreID:       req.TheatreID,
		AuthorID:        caller(r).UserID,
		Content:         req.Content,
		TargetThread:    req.TargetThread,
		TargetCharacter: req.TargetCharacter,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rum)
}

func (h *Handler) publishRumor(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "rumor", "write") {
		return
	}
	rum, err := h.deps.Rumors.Publish(r.Context(), chi.URLParam(r, "rumorID"), caller(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rum)
}

type spreadRumorRequest struct {
	StageID string `json:"stage_id"`
}

func (h *Handler) spreadRumor(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "rumor", "write") {
		return
	}
	var req spreadRumorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rum, err := h.deps.Rumors.Spread(r.Context(), chi.URLParam(r, "rumorID"), caller(r).UserID, req.StageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rum)
}

type debunkRumorRequest struct {
	EvidenceUsed []string `json:"evidence_used"`
}

func (h *Handler) debunkRumor(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "rumor", "write") {
		return
	}
	var req debunkRumorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.Rumors.Debunk(r.Context(), chi.URLParam(r, "rumorID"), caller(r).UserID, req.EvidenceUsed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listRumors(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "rumor", "read") {
		return
	}
	status := models.RumorStatus(r.URL.Query().Get("status"))
	rumors, err := h.deps.Rumors.List(r.Context(), chi.URLParam(r, "theatreID"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rumors": rumors})
}

func (h *Handler) stageHeat(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "rumor", "read") {
		return
	}
	heat, err := h.deps.Rumors.StageHeat(r.Context(), chi.URLParam(r, "theatreID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"heat": heat})
}

// --- traces ---

type leaveTraceRequest struct {
	TheatreID           string  `json:"theatre_id" validate:"required"`
	StageID             string  `json:"stage_id" validate:"required"`
	Type                string  `json:"type" validate:"required"`
	Content             string  `json:"content"`
	Visibility          string  `json:"visibility"`
	DiscoveryDifficulty float64 `json:"discovery_difficulty" validate:"gte=0,lte=1"`
}

func (h *Handler) leaveTrace(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "trace", "write") {
		return
	}
	var req leaveTraceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.deps.Traces.Leave(r.Context(), tracepkg.LeaveRequest{
		TheatreID:           req.TheatreID,
		CreatorID:           caller(r).UserID,
		StageID:             req.StageID,
		Type:                models.TraceType(req.Type),
		Content:             req.Content,
		Visibility:          models.Visibility(req.Visibility),
		DiscoveryDifficulty: req.DiscoveryDifficulty,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) discoverTrace(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "trace", "write") {
		return
	}
	res, err := h.deps.Traces.Discover(r.Context(), chi.URLParam(r, "traceID"), caller(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listTraces(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "trace", "read") {
		return
	}
	traces, err := h.deps.Traces.ListAtStage(r.Context(), chi.URLParam(r, "stageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (h *Handler) traceDensity(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "trace", "read") {
		return
	}
	count, bucket, err := h.deps.Traces.Density(r.Context(), chi.URLParam(r, "stageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count, "heat": bucket})
}

// --- crews ---

type createCrewRequest struct {
	TheatreID string `json:"theatre_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Tier      int    `json:"tier" validate:"gte=1,lte=3"`
}

func (h *Handler) createCrew(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "join") {
		return
	}
	var req createCrewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.deps.Crews.Create(r.Context(), req.TheatreID, caller(r).UserID, req.Name, models.CrewTier(req.Tier))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) getCrew(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "read") {
		return
	}
	crewID := chi.URLParam(r, "crewID")
	c, err := h.deps.Store.GetCrew(r.Context(), crewID)
	if err != nil {
		writeError(w, err)
		return
	}
	members, err := h.deps.Store.ListMembers(r.Context(), crewID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crew": c, "members": members})
}

func (h *Handler) joinCrew(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "join") {
		return
	}
	m, err := h.deps.Crews.Join(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) leaveCrew(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "join") {
		return
	}
	if err := h.deps.Crews.Leave(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": true})
}

type transferCrewLeadRequest struct {
	ToUserID string `json:"to_user_id" validate:"required"`
}

func (h *Handler) transferCrewLead(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "manage") {
		return
	}
	var req transferCrewLeadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Crews.TransferLeadership(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID, req.ToUserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"transferred": true})
}

func (h *Handler) disbandCrew(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "manage") {
		return
	}
	if err := h.deps.Crews.Disband(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disbanded": true})
}

type initiateActionRequest struct {
	ActionType string `json:"action_type" validate:"required"`
	Quorum     int    `json:"quorum" validate:"gte=1"`
}

func (h *Handler) initiateAction(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "manage") {
		return
	}
	var req initiateActionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.deps.Crews.InitiateAction(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID, req.ActionType, req.Quorum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) joinAction(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "join") {
		return
	}
	a, err := h.deps.Crews.JoinAction(r.Context(), chi.URLParam(r, "actionID"), caller(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) completeAction(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "manage") {
		return
	}
	if err := h.deps.Crews.CompleteAction(r.Context(), chi.URLParam(r, "actionID"), caller(r).UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
}

func (h *Handler) crewPool(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "read") {
		return
	}
	pool, err := h.deps.Crews.Pool(r.Context(), chi.URLParam(r, "crewID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool": pool})
}

type resourceRequest struct {
	ResourceID string `json:"resource_id" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
}

func (h *Handler) shareResource(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "join") {
		return
	}
	var req resourceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Crews.ShareResource(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID, req.ResourceID, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"shared": true})
}

func (h *Handler) claimResource(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "crew", "join") {
		return
	}
	var req resourceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.Crews.ClaimResource(r.Context(), chi.URLParam(r, "crewID"), caller(r).UserID, req.ResourceID, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"claimed": true})
}

// --- wallets / archive / realtime ---

func (h *Handler) getWallet(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "world", "read") {
		return
	}
	wallet, err := h.deps.Store.GetWallet(r.Context(), chi.URLParam(r, "theatreID"), caller(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

type creditWalletRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

func (h *Handler) creditWallet(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "world", "write") {
		return
	}
	var req creditWalletRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	theatreID := chi.URLParam(r, "theatreID")
	if err := h.deps.Store.CreditWallet(r.Context(), theatreID, req.UserID, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := h.deps.Store.GetWallet(r.Context(), theatreID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) archiveEvidence(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "archive", "read") {
		return
	}
	items, err := h.deps.Store.ListExpiredEvidence(r.Context(), chi.URLParam(r, "theatreID"), time.Now().UTC(), archiveLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": items})
}

func (h *Handler) archiveRumors(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "archive", "read") {
		return
	}
	rumors, err := h.deps.Store.ListExpiredRumors(r.Context(), chi.URLParam(r, "theatreID"), archiveLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rumors": rumors})
}

func (h *Handler) archiveTraces(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "archive", "read") {
		return
	}
	traces, err := h.deps.Store.ListExpiredTraces(r.Context(), chi.URLParam(r, "theatreID"), time.Now().UTC(), archiveLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "realtime", "subscribe") {
		return
	}
	stageIDs := r.URL.Query()["stage_id"]
	realtime.ServeSSE(h.deps.Hub, w, r, caller(r).UserID, chi.URLParam(r, "theatreID"), stageIDs)
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if !h.require(w, r, "realtime", "subscribe") {
		return
	}
	stageIDs := r.URL.Query()["stage_id"]
	realtime.ServeWS(h.deps.Hub, w, r, caller(r).UserID, chi.URLParam(r, "theatreID"), stageIDs)
}
