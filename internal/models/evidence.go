package models

import "time"

// Grade is an evidence item's quality tier, each with a fixed TTL:
// A=168h, B=72h, C=24h.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
)

// TTL returns the grant-to-expiry duration for the grade.
func (g Grade) TTL() time.Duration {
	switch g {
	case GradeA:
		return 168 * time.Hour
	case GradeB:
		return 72 * time.Hour
	case GradeC:
		return 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Evidence is a mutable owned item with a TTL.
type Evidence struct {
	EvidenceID  string            `json:"evidence_id"`
	TheatreID   string            `json:"theatre_id"`
	OwnerID     string            `json:"owner_id"`
	Name        string            `json:"name"`
	Grade       Grade             `json:"grade"`
	Rarity      string            `json:"rarity"`
	Type        string            `json:"type"`
	SourceScene string            `json:"source_scene"`
	SourceStage string            `json:"source_stage"`
	ObtainedAt  time.Time         `json:"obtained_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Verified    bool              `json:"verified"`
	Tradeable   bool              `json:"tradeable"`
	Consumed    bool              `json:"consumed"`
	Metadata    map[string]string `json:"metadata"`
}

// IsExpired reports whether the item is past its TTL as of now.
func (e Evidence) IsExpired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Transfer is an audit record of an ownership change.
type Transfer struct {
	TransferID    string    `json:"transfer_id"`
	EvidenceID    string    `json:"evidence_id"`
	FromUserID    string    `json:"from_user_id"`
	ToUserID      string    `json:"to_user_id"`
	TransferredAt time.Time `json:"transferred_at"`
}

// EvidenceTypeDef is the theme-pack-declared catalog entry an evidence
// grant must resolve against.
type EvidenceTypeDef struct {
	TypeID string `json:"type_id"`
	Name   string `json:"name"`
	Grade  Grade  `json:"grade"`
}
