package models

import "time"

// GateState is the gate lifecycle state.
type GateState string

const (
	GateScheduled GateState = "scheduled"
	GateOpen      GateState = "open"
	GateClosing   GateState = "closing"
	GateResolved  GateState = "resolved"
	GateCancelled GateState = "cancelled"
)

// GateInstance is a time-bounded decision market.
type GateInstance struct {
	GateID        string           `json:"gate_id"`
	TheatreID     string           `json:"theatre_id"`
	SlotID        string           `json:"slot_id"`
	TemplateID    string           `json:"template_id"`
	Options       []string         `json:"options"`
	OpenAt        time.Time        `json:"open_at"`
	CloseAt       time.Time        `json:"close_at"`
	ResolveAt     time.Time        `json:"resolve_at"`
	State         GateState        `json:"state"`
	VoteTally     map[string]int64 `json:"vote_tally"` // option_id -> vote count
	StakeTally    map[string]int64 `json:"stake_tally"` // option_id -> total staked amount
	WinningOption string           `json:"winning_option,omitempty"`
	SettledAt     *time.Time       `json:"settled_at,omitempty"`
	ExplainCard   *ExplainCard     `json:"explain_card,omitempty"`
}

// Vote is one live (gate,user) vote.
type Vote struct {
	VoteID         string    `json:"vote_id"`
	GateID         string    `json:"gate_id"`
	UserID         string    `json:"user_id"`
	OptionID       string    `json:"option_id"`
	CastAt         time.Time `json:"cast_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Stake is a wallet-backed bet on a gate option.
type Stake struct {
	StakeID        string    `json:"stake_id"`
	GateID         string    `json:"gate_id"`
	UserID         string    `json:"user_id"`
	OptionID       string    `json:"option_id"`
	Amount         int64     `json:"amount"`
	PlacedAt       time.Time `json:"placed_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// ExplainCard is the human-readable receipt of a gate's outcome.
type ExplainCard struct {
	Title               string           `json:"title"`
	WinningOption       string           `json:"winning_option,omitempty"`
	OptionTally         map[string]int64 `json:"option_tally"`
	StakeTally          map[string]int64 `json:"stake_tally"`
	EvidenceUsed        []string         `json:"evidence_used"`
	ConsequencesApplied []string         `json:"consequences_applied"`
	GeneratedAt         time.Time        `json:"generated_at"`
}

// Settlement is one stake's post-resolve wallet credit. The unique
// (gate, stake) settlement id is what makes a retried resolve unable to
// double-pay.
type Settlement struct {
	SettlementID string    `json:"settlement_id"`
	GateID       string    `json:"gate_id"`
	StakeID      string    `json:"stake_id"`
	UserID       string    `json:"user_id"`
	Credited     int64     `json:"credited"`
	SettledAt    time.Time `json:"settled_at"`
}

// ResolveWeights are the per-template composite-score coefficients;
// both default to 0.5 when the template omits them.
type ResolveWeights struct {
	Vote  float64 `json:"vote"`
	Stake float64 `json:"stake"`
}

// GateTemplate is the theme-pack-declared behavior for a gate. When the
// resolved winner equals WinOptionID (defaulting to the first declared
// option) the win consequences apply, otherwise the lose consequences.
type GateTemplate struct {
	TemplateID             string         `json:"template_id"`
	Title                  string         `json:"title"`
	Options                []string       `json:"options"`
	WinOptionID            string         `json:"win_option_id"`
	WeightRule             string         `json:"weight_rule"` // e.g. "sqrt"; default if empty
	ResolveAlgorithm       string         `json:"resolve_algorithm"` // e.g. "composite"; default if empty
	ResolveWeights         ResolveWeights `json:"resolve_weights"`
	RevealLiveTally        bool           `json:"reveal_live_tally"`
	ConsequencesWin        []VarChange    `json:"consequences_win"`
	ConsequencesLose       []VarChange    `json:"consequences_lose"`
	ThreadConsequencesWin  []ThreadChange `json:"thread_consequences_win"`
	ThreadConsequencesLose []ThreadChange `json:"thread_consequences_lose"`
}

// WinOption returns the option whose victory counts as the "win" outcome.
func (t GateTemplate) WinOption() string {
	if t.WinOptionID != "" {
		return t.WinOptionID
	}
	if len(t.Options) > 0 {
		return t.Options[0]
	}
	return ""
}
