// Package wave plans and supervises the research waves: prompt composition,
// output ingest, contract validation, review reports, and retry directives.
package wave

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// Perspectives is the typed view of perspectives.json.
type Perspectives struct {
	SchemaVersion string        `json:"schema_version"`
	RunID         string        `json:"run_id,omitempty"`
	Perspectives  []Perspective `json:"perspectives"`
}

type Perspective struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Track          string         `json:"track"`
	AgentType      string         `json:"agent_type"`
	Wave           int            `json:"wave,omitempty"`
	GapID          string         `json:"gap_id,omitempty"`
	PromptContract PromptContract `json:"prompt_contract"`
}

type PromptContract struct {
	MaxWords            int      `json:"max_words"`
	MaxSources          int      `json:"max_sources"`
	ToolBudget          int      `json:"tool_budget"`
	MustIncludeSections []string `json:"must_include_sections"`
}

// Scope is the typed view of operator/scope.json.
type Scope struct {
	SchemaVersion   string   `json:"schema_version"`
	RunID           string   `json:"run_id,omitempty"`
	QueryText       string   `json:"query_text"`
	Objectives      []string `json:"objectives,omitempty"`
	OutOfScope      []string `json:"out_of_scope,omitempty"`
	ScopeContractMD string   `json:"scope_contract_md"`
}

// Plan is a wave plan document.
type Plan struct {
	SchemaVersion string      `json:"schema_version"`
	RunID         string      `json:"run_id"`
	Wave          int         `json:"wave"`
	CreatedAt     string      `json:"created_at,omitempty"`
	InputsDigest  string      `json:"inputs_digest"`
	Entries       []PlanEntry `json:"entries"`
}

type PlanEntry struct {
	PerspectiveID string `json:"perspective_id"`
	GapID         string `json:"gap_id,omitempty"`
	AgentType     string `json:"agent_type"`
	OutputMD      string `json:"output_md"`
	PromptMD      string `json:"prompt_md"`
	PromptDigest  string `json:"prompt_digest,omitempty"`
}

// Sidecar is the metadata record written next to every ingested output.
type Sidecar struct {
	PerspectiveID string `json:"perspective_id"`
	AgentType     string `json:"agent_type"`
	OutputMD      string `json:"output_md"`
	PromptDigest  string `json:"prompt_digest"`
	CreatedAt     string `json:"created_at"`
	RetryCount    int    `json:"retry_count"`
	Validated     bool   `json:"validated"`
}

// LoadPerspectives reads and validates perspectives.json.
func LoadPerspectives(runRoot string) (*Perspectives, error) {
	var p Perspectives
	if err := artifact.ReadJSON(filepath.Join(runRoot, manifest.PerspectivesPath), &p); err != nil {
		return nil, err
	}
	if err := schema.Validate("perspectives.v1", p); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, persp := range p.Perspectives {
		if seen[persp.ID] {
			return nil, errs.New(errs.InvalidState, "duplicate perspective id %q", persp.ID)
		}
		seen[persp.ID] = true
	}
	return &p, nil
}

// SavePerspectives validates and persists perspectives.json.
func SavePerspectives(runRoot string, p *Perspectives) error {
	if err := schema.Validate("perspectives.v1", p); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.PerspectivesPath), p)
}

// ByID indexes the perspectives.
func (p *Perspectives) ByID() map[string]Perspective {
	out := make(map[string]Perspective, len(p.Perspectives))
	for _, persp := range p.Perspectives {
		out[persp.ID] = persp
	}
	return out
}

// LoadScope reads and validates operator/scope.json.
func LoadScope(runRoot string) (*Scope, error) {
	var s Scope
	if err := artifact.ReadJSON(filepath.Join(runRoot, manifest.ScopePath), &s); err != nil {
		return nil, err
	}
	if err := schema.Validate("scope.v1", s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveScope validates and persists operator/scope.json.
func SaveScope(runRoot string, s *Scope) error {
	if err := schema.Validate("scope.v1", s); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.ScopePath), s)
}

// LoadPlan reads the plan for a wave.
func LoadPlan(runRoot string, waveNo int) (*Plan, error) {
	var p Plan
	if err := artifact.ReadJSON(filepath.Join(runRoot, planPath(waveNo)), &p); err != nil {
		return nil, err
	}
	if err := schema.Validate("wave_plan.v1", p); err != nil {
		return nil, err
	}
	return &p, nil
}

func planPath(waveNo int) string {
	if waveNo == 2 {
		return manifest.Wave2PlanPath
	}
	return manifest.Wave1PlanPath
}

func waveDir(waveNo int) string {
	if waveNo == 2 {
		return manifest.Wave2Dir
	}
	return manifest.Wave1Dir
}

// BuildWave1Plan composes the wave-1 plan from scope and perspectives. The
// perspective count may not exceed limits.max_wave1_agents.
func BuildWave1Plan(runRoot string, m *manifest.Manifest) (*Plan, error) {
	scope, err := LoadScope(runRoot)
	if err != nil {
		return nil, err
	}
	persp, err := LoadPerspectives(runRoot)
	if err != nil {
		return nil, err
	}
	wave1 := wavePerspectives(persp, 1)
	if len(wave1) == 0 {
		return nil, errs.New(errs.InvalidState, "no wave-1 perspectives defined")
	}
	if len(wave1) > m.Limits.MaxWave1Agents {
		return nil, errs.New(errs.WaveCapExceeded, "%d perspectives exceed max_wave1_agents %d",
			len(wave1), m.Limits.MaxWave1Agents).
			WithDetail("count", len(wave1)).
			WithDetail("max_wave1_agents", m.Limits.MaxWave1Agents)
	}

	entries := make([]PlanEntry, 0, len(wave1))
	for _, p := range wave1 {
		prompt := ComposePrompt(scope, p, "")
		entries = append(entries, PlanEntry{
			PerspectiveID: p.ID,
			AgentType:     p.AgentType,
			OutputMD:      path.Join(manifest.Wave1Dir, "out", p.ID+".md"),
			PromptMD:      prompt,
			PromptDigest:  canonical.DigestBytes([]byte(prompt)),
		})
	}
	digest, err := canonical.Digest(map[string]any{
		"wave":         1,
		"scope":        scope,
		"perspectives": wave1,
		"limits":       m.Limits,
	})
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		SchemaVersion: "wave_plan.v1",
		RunID:         m.RunID,
		Wave:          1,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		InputsDigest:  digest,
		Entries:       entries,
	}
	if err := SavePlan(runRoot, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// BuildWave2Plan derives the wave-2 plan from a pivot decision. Gap ids
// beyond limits.max_wave2_agents are dropped in sorted order. The synthesized
// gap perspectives are appended to perspectives.json.
func BuildWave2Plan(runRoot string, m *manifest.Manifest, doc *pivot.Document) (*Plan, error) {
	if !doc.Decision.Wave2Required {
		return nil, errs.New(errs.InvalidState, "pivot decision does not require wave 2")
	}
	scope, err := LoadScope(runRoot)
	if err != nil {
		return nil, err
	}
	persp, err := LoadPerspectives(runRoot)
	if err != nil {
		return nil, err
	}
	gapsByID := make(map[string]pivot.Gap, len(doc.Gaps))
	for _, g := range doc.Gaps {
		gapsByID[g.GapID] = g
	}

	gapIDs := doc.Decision.Wave2GapIDs
	if len(gapIDs) > m.Limits.MaxWave2Agents {
		gapIDs = gapIDs[:m.Limits.MaxWave2Agents]
	}

	existing := persp.ByID()
	var entries []PlanEntry
	for _, gapID := range gapIDs {
		gap, ok := gapsByID[gapID]
		if !ok {
			return nil, errs.New(errs.InvalidState, "wave2_gap_ids references unknown gap %q", gapID)
		}
		p := gapPerspective(gap)
		if _, dup := existing[p.ID]; !dup {
			persp.Perspectives = append(persp.Perspectives, p)
			existing[p.ID] = p
		}
		prompt := ComposePrompt(scope, p, "Close this gap: "+gap.Text)
		entries = append(entries, PlanEntry{
			PerspectiveID: p.ID,
			GapID:         gap.GapID,
			AgentType:     p.AgentType,
			OutputMD:      path.Join(manifest.Wave2Dir, "out", p.ID+".md"),
			PromptMD:      prompt,
			PromptDigest:  canonical.DigestBytes([]byte(prompt)),
		})
	}
	digest, err := canonical.Digest(map[string]any{
		"wave":          2,
		"wave2_gap_ids": gapIDs,
		"pivot_digest":  doc.InputsDigest,
		"limits":        m.Limits,
	})
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		SchemaVersion: "wave_plan.v1",
		RunID:         m.RunID,
		Wave:          2,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		InputsDigest:  digest,
		Entries:       entries,
	}
	if err := SavePerspectives(runRoot, persp); err != nil {
		return nil, err
	}
	if err := SavePlan(runRoot, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// SavePlan validates and persists a wave plan.
func SavePlan(runRoot string, plan *Plan) error {
	if err := schema.Validate("wave_plan.v1", plan); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, planPath(plan.Wave)), plan)
}

// ComposePrompt renders one agent prompt: the operator scope contract, the
// perspective's task framing, and the output contract. changeNote, when
// non-empty, appends the retry directive text for re-runs.
func ComposePrompt(scope *Scope, p Perspective, changeNote string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Brief: %s\n\n", p.Title)
	fmt.Fprintf(&b, "Query: %s\n\n", scope.QueryText)
	contract := strings.TrimSpace(scope.ScopeContractMD)
	if !strings.Contains(contract, "## Scope Contract") {
		b.WriteString("## Scope Contract\n\n")
	}
	b.WriteString(contract)
	b.WriteString("\n\n## Output Contract\n\n")
	fmt.Fprintf(&b, "- Track: %s\n", p.Track)
	fmt.Fprintf(&b, "- At most %d words and %d sources; tool budget %d.\n",
		p.PromptContract.MaxWords, p.PromptContract.MaxSources, p.PromptContract.ToolBudget)
	fmt.Fprintf(&b, "- Required sections: %s.\n", strings.Join(p.PromptContract.MustIncludeSections, ", "))
	if p.GapID != "" {
		fmt.Fprintf(&b, "- This perspective targets gap %s.\n", p.GapID)
	}
	if changeNote != "" {
		b.WriteString("\n## Revision Note\n\n")
		b.WriteString(changeNote)
		b.WriteString("\n")
	}
	return b.String()
}

func wavePerspectives(p *Perspectives, waveNo int) []Perspective {
	var out []Perspective
	for _, persp := range p.Perspectives {
		w := persp.Wave
		if w == 0 {
			w = 1
		}
		if w == waveNo {
			out = append(out, persp)
		}
	}
	return out
}

func gapPerspective(gap pivot.Gap) Perspective {
	return Perspective{
		ID:        "w2_" + gap.GapID,
		Title:     "Gap follow-up: " + gap.Text,
		Track:     "standard",
		AgentType: "researcher",
		Wave:      2,
		GapID:     gap.GapID,
		PromptContract: PromptContract{
			MaxWords:            900,
			MaxSources:          8,
			ToolBudget:          15,
			MustIncludeSections: []string{"Findings", "Sources"},
		},
	}
}
