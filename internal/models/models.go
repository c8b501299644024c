// Package models holds the shared entity types of the TheatreOS data
// model. Engine packages depend on these types; they do not redefine
// their own copies.
package models

import "time"

// Role is a total-ordered permission level.
type Role int

const (
	RoleGuest Role = iota
	RolePlayer
	RoleCrewLeader
	RoleModerator
	RoleOperator
	RoleAdmin
)

var roleNames = [...]string{"guest", "player", "crew_leader", "moderator", "operator", "admin"}

// String renders the role's canonical lowercase name.
func (r Role) String() string {
	if r < RoleGuest || r > RoleAdmin {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole is the total from-string half of the role mapping.
func ParseRole(s string) (Role, bool) {
	for i, n := range roleNames {
		if n == s {
			return Role(i), true
		}
	}
	return RoleGuest, false
}

// AtLeast reports whether r meets or exceeds the minimum required role.
func (r Role) AtLeast(min Role) bool { return r >= min }

// Theatre is one independent world instance.
type Theatre struct {
	TheatreID        string    `json:"theatre_id"`
	Name             string    `json:"name"`
	City             string    `json:"city"`
	Timezone         string    `json:"timezone"`
	BoundThemePackID string    `json:"bound_theme_pack_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// User is a player-or-higher account. Authentication primitives live
// outside this module; TheatreOS only needs the identity and role.
type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Active      bool   `json:"active"`
}

// Stage is a geo-located location with three nested geofence rings,
// ring_c_m >= ring_b_m >= ring_a_m.
type Stage struct {
	StageID     string   `json:"stage_id"`
	TheatreID   string   `json:"theatre_id"`
	Name        string   `json:"name"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	RingCMeters float64  `json:"ring_c_m"`
	RingBMeters float64  `json:"ring_b_m"`
	RingAMeters float64  `json:"ring_a_m"`
	Tags        []string `json:"tags"`
}

// Valid checks the ring non-increasing invariant.
func (s Stage) Valid() bool {
	return s.RingCMeters >= s.RingBMeters && s.RingBMeters >= s.RingAMeters
}

// Wallet is a non-negative per-(user,theatre) ticket balance.
type Wallet struct {
	UserID        string `json:"user_id"`
	TheatreID     string `json:"theatre_id"`
	TicketBalance int64  `json:"ticket_balance"`
}
