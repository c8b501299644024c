package models

import "time"

// WorldState is the current-value view of one theatre's world.
type WorldState struct {
	TheatreID string                 `json:"theatre_id"`
	Variables map[string]float64     `json:"variables"`
	Threads   map[string]ThreadState `json:"threads"`
	Objects   map[string]string      `json:"objects"` // object_id -> holder
}

// ThreadState is a story thread's current phase/progress.
type ThreadState struct {
	Phase          string    `json:"phase"`
	Progress       float64   `json:"progress"` // in [0,1]
	LastAdvancedAt time.Time `json:"last_advanced_at"`
}

// VarChange requests a variable delta.
type VarChange struct {
	VarID string  `json:"var_id"`
	Delta float64 `json:"delta"`
}

// ThreadChange requests a thread phase/progress update.
type ThreadChange struct {
	ThreadID    string  `json:"thread_id"`
	NewPhase    string  `json:"new_phase"` // empty means "no phase change"
	ProgressAdd float64 `json:"progress_add"`
}

// ObjectChange requests a holder change, optionally conditioned on the
// object's expected current holder.
type ObjectChange struct {
	ObjectID     string `json:"object_id"`
	NewHolder    string `json:"new_holder"`
	ExpectedFrom string `json:"expected_from"` // empty means "no precondition"
}

// DeltaRequest is the input to Kernel.ApplyDelta.
type DeltaRequest struct {
	TheatreID      string         `json:"theatre_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Cause          string         `json:"cause"`
	VarChanges     []VarChange    `json:"var_changes"`
	ThreadChanges  []ThreadChange `json:"thread_changes"`
	ObjectChanges  []ObjectChange `json:"object_changes"`
}

// AppliedDeltaRecord is the immutable, once-applied record of a delta.
// Re-applying the same idempotency_key returns the original record
// unchanged.
type AppliedDeltaRecord struct {
	DeltaID        string         `json:"delta_id"`
	TheatreID      string         `json:"theatre_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Cause          string         `json:"cause"`
	VarChanges     []VarChange    `json:"var_changes"`
	ThreadChanges  []ThreadChange `json:"thread_changes"`
	ObjectChanges  []ObjectChange `json:"object_changes"`
	AppliedAt      time.Time      `json:"applied_at"`
	Replayed       bool           `json:"replayed"` // true when this call returned a pre-existing record
}

// Snapshot captures current state at a point in time.
type Snapshot struct {
	SnapshotID string     `json:"snapshot_id"`
	TheatreID  string     `json:"theatre_id"`
	TakenAt    time.Time  `json:"taken_at"`
	StateHash  string     `json:"state_hash"`
	FullState  WorldState `json:"full_state"`
}

// EventTarget selects the most specific non-empty fanout recipient for an
// event.
type EventTarget struct {
	UserIDs     []string `json:"user_ids"`
	StageID     string   `json:"stage_id"`
	TheatreWide bool     `json:"theatre_wide"`
}

// Event is one append-only world_event_log entry.
type Event struct {
	EventID         string         `json:"event_id"`
	TheatreID       string         `json:"theatre_id"`
	At              time.Time      `json:"at"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	ProducedByDelta string         `json:"produced_by_delta"`
	Target          EventTarget    `json:"target"`
}

// Event kind constants.
const (
	EventTick                  = "tick"
	EventWorldStateChanged     = "world_state_changed"
	EventVarChanged            = "var_changed"
	EventThreadAdvanced        = "thread_advanced"
	EventObjectMoved           = "object_moved"
	EventSceneStarted          = "scene_started"
	EventSceneEnded            = "scene_ended"
	EventGateOpened            = "gate_opened"
	EventGateClosing           = "gate_closing"
	EventGateResolved          = "gate_resolved"
	EventGateCancelled         = "gate_cancelled"
	EventVoteCast              = "vote_cast"
	EventStakePlaced           = "stake_placed"
	EventEvidenceGranted       = "evidence_granted"
	EventEvidenceTransferred   = "evidence_transferred"
	EventEvidenceExpiring      = "evidence_expiring"
	EventRumorPublished        = "rumor_published"
	EventRumorViral            = "rumor_viral"
	EventRumorDebunked         = "rumor_debunked"
	EventTraceLeft             = "trace_left"
	EventTraceDiscovered       = "trace_discovered"
	EventCrewActionStarted     = "crew_action_started"
	EventCrewActionCompleted   = "crew_action_completed"
	EventNotification          = "notification"
	EventHeartbeat             = "heartbeat"
	EventPlanGenerated         = "plan_generated"
)
