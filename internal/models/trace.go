package models

import "time"

// TraceType determines a trace's TTL.
type TraceType string

const (
	TraceFootprint TraceType = "footprint"
	TraceMark      TraceType = "mark"
	TraceMessage   TraceType = "message"
	TraceOffering  TraceType = "offering"
)

// TTL returns the leave-to-expiry duration for the trace type.
func (t TraceType) TTL() time.Duration {
	switch t {
	case TraceFootprint:
		return 24 * time.Hour
	case TraceMark:
		return 72 * time.Hour
	case TraceMessage:
		return 48 * time.Hour
	case TraceOffering:
		return 168 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Visibility controls who may discover a trace.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityCrew    Visibility = "crew"
	VisibilityPrivate Visibility = "private"
)

// Trace is a stage-local discoverable marker.
type Trace struct {
	TraceID             string     `json:"trace_id"`
	TheatreID           string     `json:"theatre_id"`
	CreatorID           string     `json:"creator_id"`
	StageID             string     `json:"stage_id"`
	Type                TraceType  `json:"type"`
	Content             string     `json:"content,omitempty"`
	Visibility          Visibility `json:"visibility"`
	DiscoveryDifficulty float64    `json:"discovery_difficulty"` // in [0,1]
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	DiscoveryCount      int        `json:"discovery_count"`
}

// IsExpired reports whether the trace is past its TTL as of now.
func (t Trace) IsExpired(now time.Time) bool { return now.After(t.ExpiresAt) }

// DiscoveryChance is 1 - discovery_difficulty.
func (t Trace) DiscoveryChance() float64 { return 1 - t.DiscoveryDifficulty }

// Discovery is one (trace, discoverer) attempt record.
type Discovery struct {
	DiscoveryID  string    `json:"discovery_id"`
	TraceID      string    `json:"trace_id"`
	DiscovererID string    `json:"discoverer_id"`
	At           time.Time `json:"at"`
	Success      bool      `json:"success"`
}

// HeatBucket buckets a stage's non-expired trace density.
type HeatBucket string

const (
	HeatNone      HeatBucket = "none"
	HeatLow       HeatBucket = "low"
	HeatMedium    HeatBucket = "medium"
	HeatHigh      HeatBucket = "high"
	HeatVeryHigh  HeatBucket = "very_high"
)

// BucketForDensity maps a trace count to a heat bucket:
// 0 / <3 / <8 / <20 / else.
func BucketForDensity(count int) HeatBucket {
	switch {
	case count == 0:
		return HeatNone
	case count < 3:
		return HeatLow
	case count < 8:
		return HeatMedium
	case count < 20:
		return HeatHigh
	default:
		return HeatVeryHigh
	}
}
