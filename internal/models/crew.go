package models

import "time"

// CrewTier sets the max member count and allowed action set.
type CrewTier int

const (
	CrewTier1 CrewTier = 1
	CrewTier2 CrewTier = 2
	CrewTier3 CrewTier = 3
)

// MaxMembers returns the tier's member cap.
func (t CrewTier) MaxMembers() int {
	switch t {
	case CrewTier1:
		return 5
	case CrewTier2:
		return 10
	case CrewTier3:
		return 20
	default:
		return 5
	}
}

// actionTiers maps each collective action type to the minimum crew tier
// allowed to initiate it.
var actionTiers = map[string]CrewTier{
	"search_party": CrewTier1,
	"stakeout":     CrewTier1,
	"vigil":        CrewTier2,
	"ritual":       CrewTier2,
	"heist":        CrewTier3,
	"occupation":   CrewTier3,
}

// AllowsAction reports whether a crew of this tier may initiate the
// action type. Unknown types are allowed by no tier.
func (t CrewTier) AllowsAction(actionType string) bool {
	min, ok := actionTiers[actionType]
	return ok && t >= min
}

// MemberRole is a crew membership role.
type MemberRole string

const (
	CrewLeader   MemberRole = "leader"
	CrewOfficer  MemberRole = "officer"
	CrewMember   MemberRole = "member"
)

// Crew is a multi-player group with tiered permissions.
type Crew struct {
	CrewID            string    `json:"crew_id"`
	TheatreID         string    `json:"theatre_id"`
	Name              string    `json:"name"`
	Tier              CrewTier  `json:"tier"`
	Reputation        float64   `json:"reputation"`
	TotalContribution int64     `json:"total_contribution"`
	CreatedAt         time.Time `json:"created_at"`
}

// Membership binds a user to a crew with a role and contribution.
type Membership struct {
	CrewID       string     `json:"crew_id"`
	UserID       string     `json:"user_id"`
	TheatreID    string     `json:"theatre_id"`
	Role         MemberRole `json:"role"`
	Contribution int64      `json:"contribution"`
	JoinedAt     time.Time  `json:"joined_at"`
}

// CrewActionState is the collective-action lifecycle.
type CrewActionState string

const (
	ActionPending    CrewActionState = "pending"
	ActionInProgress CrewActionState = "in_progress"
	ActionCompleted  CrewActionState = "completed"
	ActionExpired    CrewActionState = "expired"
)

// DefaultCrewActionDeadline is the default time-bound for a collective
// action.
const DefaultCrewActionDeadline = 24 * time.Hour

// CrewAction is a tier-gated collective action.
type CrewAction struct {
	ActionID     string          `json:"action_id"`
	CrewID       string          `json:"crew_id"`
	TheatreID    string          `json:"theatre_id"`
	ActionType   string          `json:"action_type"`
	State        CrewActionState `json:"state"`
	Quorum       int             `json:"quorum"`
	Participants []string        `json:"participants"`
	Deadline     time.Time       `json:"deadline"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// SharedResource is a crew's pooled resource quantity.
type SharedResource struct {
	CrewID     string `json:"crew_id"`
	ResourceID string `json:"resource_id"`
	Quantity   int64  `json:"quantity"`
}

// ContributionPerShare is the contribution awarded per shared unit.
const ContributionPerShare = 10
