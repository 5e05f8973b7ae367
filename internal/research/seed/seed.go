// Package seed provisions a complete offline run root: manifest, scope,
// perspectives, offline citation fixtures, and a scripted agent driver. A
// seeded run exercises the whole pipeline without a network or an LLM.
package seed

import (
	"path/filepath"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// Spec declares what a seeded run contains. Zero-value fields fall back to
// the canned dry-run scenario.
type Spec struct {
	QueryText    string              `json:"query_text"`
	Mode         string              `json:"mode,omitempty"`
	Perspectives []string            `json:"perspectives"`
	Outputs      map[string][]string `json:"outputs"`
	FixtureURLs  []string            `json:"fixture_urls,omitempty"`
	Limits       *manifest.Limits    `json:"limits,omitempty"`
}

// Result reports the seeded run and the driver that replays its outputs.
type Result struct {
	RunRoot string
	RunID   string
	Driver  *engine.ScriptedAgentDriver
}

// DefaultSpec is the canned dry-run scenario: two perspectives, one valid
// citation each, no gaps, so the run skips wave 2 and finalizes offline.
func DefaultSpec() Spec {
	urlOne := "https://example.org/storage-costs"
	urlTwo := "https://example.org/deployment-trends"
	return Spec{
		QueryText:    "grid storage economics",
		Perspectives: []string{"p1", "p2"},
		Outputs: map[string][]string{
			"p1": {sampleOutput("Costs fell 12% year over year per "+urlOne+".", urlOne)},
			"p2": {sampleOutput("Deployments doubled across three markets per "+urlTwo+".", urlTwo)},
		},
		FixtureURLs: []string{urlOne, urlTwo},
	}
}

func sampleOutput(finding, url string) string {
	return "# Brief\n\n## Findings\n\n" + finding + "\n\n## Sources\n\n- " + url + "\n\n## Gaps\n\nNone noted.\n"
}

// Apply creates the run root under runsRoot and writes every seeded
// artifact. The run starts at stage init with sensitivity no_web; offline
// fixtures mark every declared URL valid.
func Apply(runsRoot string, spec Spec) (*Result, error) {
	if spec.QueryText == "" {
		return nil, errs.New(errs.InvalidArgs, "seed spec needs query_text")
	}
	if len(spec.Perspectives) == 0 {
		return nil, errs.New(errs.InvalidArgs, "seed spec needs at least one perspective")
	}
	for _, id := range spec.Perspectives {
		if len(spec.Outputs[id]) == 0 {
			return nil, errs.New(errs.InvalidArgs, "seed spec has no scripted output for perspective %q", id).
				WithDetail("perspective_id", id)
		}
	}

	limits := manifest.Limits{
		MaxWave1Agents:      5,
		MaxWave2Agents:      3,
		MaxSummaryKB:        8,
		MaxTotalSummaryKB:   64,
		MaxReviewIterations: 2,
	}
	if spec.Limits != nil {
		limits = *spec.Limits
	}

	res, err := manifest.Init(manifest.InitParams{
		RunsRoot:    runsRoot,
		Mode:        spec.Mode,
		QueryText:   spec.QueryText,
		Sensitivity: "no_web",
		Limits:      limits,
	})
	if err != nil {
		return nil, err
	}

	if err := wave.SaveScope(res.RunRoot, &wave.Scope{
		SchemaVersion:   "scope.v1",
		QueryText:       spec.QueryText,
		ScopeContractMD: "## Scope Contract\n\nAnswer the query with sourced findings; flag open gaps.",
	}); err != nil {
		return nil, err
	}

	persp := &wave.Perspectives{SchemaVersion: "perspectives.v1"}
	for _, id := range spec.Perspectives {
		persp.Perspectives = append(persp.Perspectives, wave.Perspective{
			ID:        id,
			Title:     "Perspective " + id,
			Track:     "standard",
			AgentType: "researcher",
			PromptContract: wave.PromptContract{
				MaxWords:            600,
				MaxSources:          8,
				ToolBudget:          10,
				MustIncludeSections: []string{"Findings", "Sources", "Gaps"},
			},
		})
	}
	if err := wave.SavePerspectives(res.RunRoot, persp); err != nil {
		return nil, err
	}

	if err := writeFixtures(res.RunRoot, spec.FixtureURLs); err != nil {
		return nil, err
	}

	return &Result{
		RunRoot: res.RunRoot,
		RunID:   res.Manifest.RunID,
		Driver:  engine.NewScriptedAgentDriver(spec.Outputs),
	}, nil
}

func writeFixtures(runRoot string, urls []string) error {
	f := &citations.Fixtures{
		SchemaVersion: "offline_fixtures.v1",
		Fixtures:      []citations.Fixture{},
	}
	for _, u := range urls {
		normalized, err := citations.Normalize(u)
		if err != nil {
			return errs.Wrap(errs.InvalidArgs, err, "seed fixture url %q", u)
		}
		f.Fixtures = append(f.Fixtures, citations.Fixture{
			NormalizedURL: normalized,
			Status:        citations.StatusValid,
			HTTPStatus:    200,
			Title:         "Seeded source",
		})
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.OfflineFixturesPath), f)
}
