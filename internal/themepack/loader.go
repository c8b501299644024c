package themepack

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/models"
)

// manifest is the on-disk JSON shape of one theme pack. The raw content
// data files themselves are an external collaborator; this
// loader only needs to know their shape to parse them into a Pack.
type manifest struct {
	PackID    string `json:"pack_id"`
	Version   string `json:"version"`
	Variables []struct {
		VarID            string  `json:"var_id"`
		Min              float64 `json:"min"`
		Max              float64 `json:"max"`
		Default          float64 `json:"default"`
		MaxChangePerHour float64 `json:"max_change_per_hour"`
	} `json:"variables"`
	Threads []struct {
		ThreadID         string              `json:"thread_id"`
		Phases           []string            `json:"phases"`
		InitialPhase     string              `json:"initial_phase"`
		WorldVars        []string            `json:"world_vars"`
		AllowedBeatTypes map[string][]string `json:"allowed_beat_types"`
	} `json:"threads"`
	Beats []struct {
		TemplateID      string `json:"template_id"`
		ThreadID        string `json:"thread_id"`
		ThreadPhaseIn   []string `json:"thread_phase_in"`
		WorldConditions []struct {
			VarID string  `json:"var_id"`
			Min   float64 `json:"min"`
			Max   float64 `json:"max"`
		} `json:"world_conditions"`
		StageTagAny            []string `json:"stage_tag_any"`
		CameraStyleAny         []string `json:"camera_style_any"`
		MoodAny                []string `json:"mood_any"`
		PropAny                []string `json:"prop_any"`
		OptionalGateTemplateID string   `json:"optional_gate_template_id"`
		Rescue                 bool     `json:"rescue"`
	} `json:"beats"`
	Gates []struct {
		TemplateID       string   `json:"template_id"`
		Title            string   `json:"title"`
		Options          []string `json:"options"`
		WinOptionID      string   `json:"win_option_id"`
		WeightRule       string   `json:"weight_rule"`
		ResolveAlgorithm string   `json:"resolve_algorithm"`
		VoteWeight       float64  `json:"vote_weight"`
		StakeWeight      float64  `json:"stake_weight"`
		RevealLiveTally  bool     `json:"reveal_live_tally"`
		ConsequencesWin  []struct {
			VarID string  `json:"var_id"`
			Delta float64 `json:"delta"`
		} `json:"consequences_win"`
		ConsequencesLose []struct {
			VarID string  `json:"var_id"`
			Delta float64 `json:"delta"`
		} `json:"consequences_lose"`
	} `json:"gates"`
	Evidence []struct {
		TypeID string `json:"type_id"`
		Name   string `json:"name"`
		Grade  string `json:"grade"`
	} `json:"evidence_types"`
	Characters []struct {
		CharacterID string `json:"character_id"`
		Name        string `json:"name"`
		FactionID   string `json:"faction_id"`
	} `json:"characters"`
	Objects []struct {
		ObjectID string `json:"object_id"`
		Name     string `json:"name"`
	} `json:"key_objects"`
	Factions []struct {
		FactionID string `json:"faction_id"`
		Name      string `json:"name"`
	} `json:"factions"`
}

// loadFromDir reads <contentDir>/<packID>/manifest.json and converts it
// into a Pack.
func loadFromDir(contentDir, packID string) (*Pack, error) {
	path := filepath.Join(contentDir, packID, "manifest.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.NotFoundf("theme pack %q: %v", packID, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Validationf("theme pack %q: malformed manifest: %v", packID, err)
	}
	if m.PackID == "" {
		m.PackID = packID
	}

	p := &Pack{
		PackID:     m.PackID,
		Version:    m.Version,
		Variables:  make(map[string]WorldVariableDef, len(m.Variables)),
		Threads:    make(map[string]ThreadDef, len(m.Threads)),
		Beats:      make(map[string]BeatTemplate, len(m.Beats)),
		Gates:      make(map[string]models.GateTemplate, len(m.Gates)),
		Evidence:   make(map[string]models.EvidenceTypeDef, len(m.Evidence)),
		Characters: make(map[string]CharacterDef, len(m.Characters)),
		Objects:    make(map[string]KeyObjectDef, len(m.Objects)),
		Factions:   make(map[string]FactionDef, len(m.Factions)),
	}
	for _, v := range m.Variables {
		p.Variables[v.VarID] = WorldVariableDef{
			VarID: v.VarID, Min: v.Min, Max: v.Max, Default: v.Default,
			MaxChangePerHour: v.MaxChangePerHour,
		}
	}
	for _, t := range m.Threads {
		p.Threads[t.ThreadID] = ThreadDef{
			ThreadID: t.ThreadID, Phases: t.Phases, InitialPhase: t.InitialPhase,
			WorldVars: t.WorldVars, AllowedBeatTypes: t.AllowedBeatTypes,
		}
	}
	for _, b := range m.Beats {
		conds := make([]WorldCondition, 0, len(b.WorldConditions))
		for _, c := range b.WorldConditions {
			conds = append(conds, WorldCondition{VarID: c.VarID, Min: c.Min, Max: c.Max})
		}
		p.Beats[b.TemplateID] = BeatTemplate{
			TemplateID: b.TemplateID, ThreadID: b.ThreadID, ThreadPhaseIn: b.ThreadPhaseIn,
			WorldConditions: conds, StageTagAny: b.StageTagAny, CameraStyleAny: b.CameraStyleAny,
			MoodAny: b.MoodAny, PropAny: b.PropAny,
			OptionalGateTemplateID: b.OptionalGateTemplateID, Rescue: b.Rescue,
		}
	}
	for _, g := range m.Gates {
		win := make([]models.VarChange, 0, len(g.ConsequencesWin))
		for _, c := range g.ConsequencesWin {
			win = append(win, models.VarChange{VarID: c.VarID, Delta: c.Delta})
		}
		lose := make([]models.VarChange, 0, len(g.ConsequencesLose))
		for _, c := range g.ConsequencesLose {
			lose = append(lose, models.VarChange{VarID: c.VarID, Delta: c.Delta})
		}
		voteW, stakeW := g.VoteWeight, g.StakeWeight
		if voteW == 0 && stakeW == 0 {
			voteW, stakeW = 0.5, 0.5
		}
		p.Gates[g.TemplateID] = models.GateTemplate{
			TemplateID: g.TemplateID, Title: g.Title, Options: g.Options, WinOptionID: g.WinOptionID,
			WeightRule: g.WeightRule, ResolveAlgorithm: g.ResolveAlgorithm,
			ResolveWeights:  models.ResolveWeights{Vote: voteW, Stake: stakeW},
			RevealLiveTally: g.RevealLiveTally,
			ConsequencesWin: win, ConsequencesLose: lose,
		}
	}
	for _, e := range m.Evidence {
		p.Evidence[e.TypeID] = models.EvidenceTypeDef{TypeID: e.TypeID, Name: e.Name, Grade: models.Grade(e.Grade)}
	}
	for _, c := range m.Characters {
		p.Characters[c.CharacterID] = CharacterDef{CharacterID: c.CharacterID, Name: c.Name, FactionID: c.FactionID}
	}
	for _, o := range m.Objects {
		p.Objects[o.ObjectID] = KeyObjectDef{ObjectID: o.ObjectID, Name: o.Name}
	}
	for _, f := range m.Factions {
		p.Factions[f.FactionID] = FactionDef{FactionID: f.FactionID, Name: f.Name}
	}
	return p, nil
}

// listDir enumerates subdirectories of contentDir that contain a
// manifest.json, used by list_available.
func listDir(contentDir string) ([]string, error) {
	entries, err := os.ReadDir(contentDir)
	if err != nil {
		return nil, apperr.Storagef(err, "read content directory")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(contentDir, e.Name(), "manifest.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
