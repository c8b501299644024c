package models

import "time"

// PlanSource records whether an HourPlan was generated automatically or
// modified by an operator override.
type PlanSource string

const (
	PlanSourceAuto     PlanSource = "auto"
	PlanSourceOverride PlanSource = "override"
)

// Beat is a scene descriptor bound to a stage.
type Beat struct {
	BeatID                 string   `json:"beat_id"`
	TemplateID             string   `json:"template_id"`
	ThreadID               string   `json:"thread_id"`
	StageID                string   `json:"stage_id"`
	CameraStyle            string   `json:"camera_style"`
	Mood                   string   `json:"mood"`
	Props                  []string `json:"props"`
	OptionalGateTemplateID string   `json:"optional_gate_template_id"`
}

// Slot is one time window within an HourPlan.
type Slot struct {
	SlotID string    `json:"slot_id"`
	Start  time.Time `json:"start"`
	Beats  []Beat    `json:"beats"`
	Gates  []string  `json:"gates"` // gate_id list planned for this slot
}

// HourPlan is the Scheduler's output for one slot.
type HourPlan struct {
	PlanID           string     `json:"plan_id"`
	TheatreID        string     `json:"theatre_id"`
	SlotStart        time.Time  `json:"slot_start"`
	PrimaryThreadID  string     `json:"primary_thread_id"`
	SupportThreadIDs []string   `json:"support_thread_ids"`
	Beats            []Beat     `json:"beats"`
	GateIDs          []string   `json:"gate_ids"`
	GeneratedAt      time.Time  `json:"generated_at"`
	Source           PlanSource `json:"source"`
	ExplainNote      string     `json:"explain_note,omitempty"` // set on the "silent slot" fallback plan
}

// Override lets an operator pin/exclude a thread or force a beat.
type Override struct {
	PinThreadID     string `json:"pin_thread_id"`
	ExcludeThreadID string `json:"exclude_thread_id"`
	InjectBeatID    string `json:"inject_beat_id"`
	ForceRescueBeat bool   `json:"force_rescue_beat"`
}
