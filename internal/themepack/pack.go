// Package themepack loads and serves the versioned content bundles that
// define a world's schema: variables, threads, characters, beat and gate
// templates, evidence types. The pack bound to a theatre is the
// authoritative allow-list — every name a write mentions must resolve
// through it.
package themepack

import "github.com/theatreos/engine/internal/models"

// WorldVariableDef is a theme pack's declaration of one world variable
type WorldVariableDef struct {
	VarID           string
	Min             float64
	Max             float64
	Default         float64
	MaxChangePerHour float64
}

// ThreadDef is a theme pack's declaration of one story thread.
type ThreadDef struct {
	ThreadID         string
	Phases           []string
	InitialPhase     string
	WorldVars        []string          // variables this thread reacts to
	AllowedBeatTypes map[string][]string // phase -> allowed beat template ids
}

// HasPhase reports whether phase is one of this thread's declared phases.
func (t ThreadDef) HasPhase(phase string) bool {
	for _, p := range t.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// IsTerminal reports whether phase is the thread's last declared phase.
func (t ThreadDef) IsTerminal(phase string) bool {
	return len(t.Phases) > 0 && t.Phases[len(t.Phases)-1] == phase
}

// WorldCondition is a precondition range over one world variable
type WorldCondition struct {
	VarID string
	Min   float64
	Max   float64
}

// Satisfied reports whether value falls within [Min, Max].
func (c WorldCondition) Satisfied(value float64) bool {
	return value >= c.Min && value <= c.Max
}

// BeatTemplate is a theme pack's declaration of one candidate beat
type BeatTemplate struct {
	TemplateID        string
	ThreadID          string
	ThreadPhaseIn     []string
	WorldConditions   []WorldCondition
	StageTagAny       []string
	CameraStyleAny    []string
	MoodAny           []string
	PropAny           []string
	OptionalGateTemplateID string
	Rescue            bool // guaranteed-valid fallback
}

// CharacterDef is a theme pack's declaration of one character.
type CharacterDef struct {
	CharacterID string
	Name        string
	FactionID   string
}

// FactionDef is a theme pack's declaration of one faction.
type FactionDef struct {
	FactionID string
	Name      string
}

// KeyObjectDef is a theme pack's declaration of one trackable object.
type KeyObjectDef struct {
	ObjectID string
	Name     string
}

// Pack is one versioned content bundle.
type Pack struct {
	PackID    string
	Version   string
	Variables map[string]WorldVariableDef
	Threads   map[string]ThreadDef
	Beats     map[string]BeatTemplate
	Gates     map[string]models.GateTemplate
	Evidence  map[string]models.EvidenceTypeDef
	Characters map[string]CharacterDef
	Objects   map[string]KeyObjectDef
	Factions  map[string]FactionDef
}

// Stats summarizes a pack's content counts for list_available.
type Stats struct {
	Variables int
	Threads   int
	Beats     int
	Gates     int
	Evidence  int
	Characters int
}

func (p *Pack) stats() Stats {
	return Stats{
		Variables:  len(p.Variables),
		Threads:    len(p.Threads),
		Beats:      len(p.Beats),
		Gates:      len(p.Gates),
		Evidence:   len(p.Evidence),
		Characters: len(p.Characters),
	}
}

// RescueBeats returns the pack's guaranteed-valid fallback beats
func (p *Pack) RescueBeats() []BeatTemplate {
	var out []BeatTemplate
	for _, b := range p.Beats {
		if b.Rescue {
			out = append(out, b)
		}
	}
	return out
}
