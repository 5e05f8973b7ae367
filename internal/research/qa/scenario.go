// Package qa holds the release-check tooling: regression scenarios that
// replay seeded runs against expected outcomes, and the quality audit that
// re-validates a finished run root without mutating it.
package qa

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/config"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/seed"
)

// Scenario is the scenario.v1 document: a seed spec plus the outcomes a
// release build must reproduce.
type Scenario struct {
	SchemaVersion string       `json:"schema_version"`
	Name          string       `json:"name"`
	Seed          ScenarioSeed `json:"seed"`
	Expected      Expected     `json:"expected"`
}

type ScenarioSeed struct {
	QueryText           string   `json:"query_text"`
	Mode                string   `json:"mode,omitempty"`
	PerspectiveCount    int      `json:"perspective_count,omitempty"`
	GapLines            []string `json:"gap_lines,omitempty"`
	URLs                []string `json:"urls,omitempty"`
	MaxReviewIterations *int     `json:"max_review_iterations,omitempty"`
}

type Expected struct {
	FinalStage    string            `json:"final_stage,omitempty"`
	FinalStatus   string            `json:"final_status,omitempty"`
	Wave2Required *bool             `json:"wave2_required,omitempty"`
	GateStatuses  map[string]string `json:"gate_statuses,omitempty"`
}

// RegressionReport is the outcome of one scenario run.
type RegressionReport struct {
	Name       string   `json:"name"`
	RunRoot    string   `json:"run_root"`
	RunID      string   `json:"run_id"`
	Passed     bool     `json:"passed"`
	Mismatches []string `json:"mismatches,omitempty"`
	RunError   string   `json:"run_error,omitempty"`
}

// LoadScenario reads and validates a scenario file. The raw document is
// schema-checked before decoding so unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := artifact.ReadJSONMap(path)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate("scenario.v1", raw); err != nil {
		return nil, err
	}
	var sc Scenario
	if err := artifact.ReadJSON(path, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// BuildSeedSpec expands the scenario's knobs into a full seed spec:
// perspectives p1..pN with one sourced finding each, gap lines attached to
// p1, and scripted follow-up outputs for every gap perspective wave 2 could
// plan.
func BuildSeedSpec(sc *Scenario) seed.Spec {
	count := sc.Seed.PerspectiveCount
	if count <= 0 {
		count = 2
	}
	urls := sc.Seed.URLs
	if len(urls) == 0 {
		urls = []string{"https://example.org/source"}
	}

	spec := seed.Spec{
		QueryText:   sc.Seed.QueryText,
		Mode:        sc.Seed.Mode,
		Outputs:     map[string][]string{},
		FixtureURLs: urls,
	}
	if sc.Seed.MaxReviewIterations != nil {
		spec.Limits = &manifest.Limits{
			MaxWave1Agents:      50,
			MaxWave2Agents:      3,
			MaxSummaryKB:        8,
			MaxTotalSummaryKB:   64,
			MaxReviewIterations: *sc.Seed.MaxReviewIterations,
		}
	}

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("p%d", i+1)
		url := urls[i%len(urls)]
		gaps := "None noted."
		if i == 0 && len(sc.Seed.GapLines) > 0 {
			gaps = strings.Join(sc.Seed.GapLines, "\n")
		}
		spec.Perspectives = append(spec.Perspectives, id)
		spec.Outputs[id] = []string{scenarioOutput(id, url, gaps)}
	}

	// Wave-2 perspectives are named after p1's gap ordinals.
	for i := range sc.Seed.GapLines {
		gapPID := fmt.Sprintf("w2_gap_p1_%d", i+1)
		url := urls[i%len(urls)]
		spec.Outputs[gapPID] = []string{scenarioOutput(gapPID, url, "None noted.")}
	}
	return spec
}

func scenarioOutput(id, url, gaps string) string {
	return fmt.Sprintf("# Brief: %s\n\n## Findings\n\nMeasured a 12%% shift per %s.\n\n## Sources\n\n- %s\n\n## Gaps\n\n%s\n",
		id, url, url, gaps)
}

// RunScenario seeds a run under runsRoot, drives it through every phase,
// and compares the terminal state against the scenario's expectations.
func RunScenario(ctx context.Context, runsRoot string, sc *Scenario, settings config.Settings) (*RegressionReport, error) {
	seeded, err := seed.Apply(runsRoot, BuildSeedSpec(sc))
	if err != nil {
		return nil, err
	}
	report := &RegressionReport{Name: sc.Name, RunRoot: seeded.RunRoot, RunID: seeded.RunID}

	e := engine.New(seeded.Driver, settings, nil)
	runErr := runPhases(ctx, e, seeded.RunRoot)
	if runErr != nil {
		report.RunError = errs.CodeOf(runErr)
		if report.RunError == "" {
			report.RunError = runErr.Error()
		}
	}

	m, err := manifest.Load(seeded.RunRoot)
	if err != nil {
		return nil, err
	}
	if want := sc.Expected.FinalStage; want != "" && m.Stage.Current != want {
		report.Mismatches = append(report.Mismatches, fmt.Sprintf("final_stage: got %s, want %s", m.Stage.Current, want))
	}
	if want := sc.Expected.FinalStatus; want != "" && m.Status != want {
		report.Mismatches = append(report.Mismatches, fmt.Sprintf("final_status: got %s, want %s", m.Status, want))
	}
	if sc.Expected.Wave2Required != nil {
		doc, err := pivot.Load(seeded.RunRoot)
		if err != nil {
			report.Mismatches = append(report.Mismatches, "wave2_required: no pivot decision was recorded")
		} else if doc.Decision.Wave2Required != *sc.Expected.Wave2Required {
			report.Mismatches = append(report.Mismatches,
				fmt.Sprintf("wave2_required: got %v, want %v", doc.Decision.Wave2Required, *sc.Expected.Wave2Required))
		}
	}
	if len(sc.Expected.GateStatuses) > 0 {
		gatesDoc, err := manifest.LoadGates(seeded.RunRoot)
		if err != nil {
			return nil, err
		}
		statuses := gatesDoc.Statuses()
		for _, id := range manifest.GateIDs {
			want, ok := sc.Expected.GateStatuses[id]
			if !ok {
				continue
			}
			if statuses[id] != want {
				report.Mismatches = append(report.Mismatches, fmt.Sprintf("gate %s: got %s, want %s", id, statuses[id], want))
			}
		}
	}

	report.Passed = len(report.Mismatches) == 0
	return report, nil
}

// runPhases drives all three orchestrator loops, stopping at the first
// failure. Scenarios that expect a failed run rely on the terminal manifest
// state rather than the returned error.
func runPhases(ctx context.Context, e *engine.Engine, runRoot string) error {
	if _, err := e.RunLive(ctx, runRoot); err != nil {
		return err
	}
	if _, err := e.RunPostPivot(ctx, runRoot); err != nil {
		return err
	}
	_, err := e.RunPostSummaries(ctx, runRoot)
	return err
}
