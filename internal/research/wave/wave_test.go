package wave

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
)

func seedRun(t *testing.T, perspectiveIDs ...string) (string, *manifest.Manifest) {
	t.Helper()
	res, err := manifest.Init(manifest.InitParams{
		RunsRoot:  t.TempDir(),
		QueryText: "grid storage economics",
		Limits: manifest.Limits{
			MaxWave1Agents:      3,
			MaxWave2Agents:      2,
			MaxSummaryKB:        8,
			MaxTotalSummaryKB:   64,
			MaxReviewIterations: 2,
		},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := SaveScope(res.RunRoot, &Scope{
		SchemaVersion:   "scope.v1",
		QueryText:       "grid storage economics",
		ScopeContractMD: "## Scope Contract\n\nStay on grid-scale storage.",
	}); err != nil {
		t.Fatalf("SaveScope: %v", err)
	}
	persp := &Perspectives{SchemaVersion: "perspectives.v1"}
	for _, id := range perspectiveIDs {
		persp.Perspectives = append(persp.Perspectives, Perspective{
			ID:        id,
			Title:     "Perspective " + id,
			Track:     "standard",
			AgentType: "researcher",
			PromptContract: PromptContract{
				MaxWords:            200,
				MaxSources:          3,
				ToolBudget:          10,
				MustIncludeSections: []string{"Findings", "Sources", "Gaps"},
			},
		})
	}
	if err := SavePerspectives(res.RunRoot, persp); err != nil {
		t.Fatalf("SavePerspectives: %v", err)
	}
	return res.RunRoot, res.Manifest
}

func goodOutput() string {
	return "# Brief\n\n## Findings\n\nStorage costs fell 12% [cid_x].\n\n## Sources\n\n- https://example.com/report\n\n## Gaps\n\n- (P2) Regional pricing detail\n"
}

func TestBuildWave1Plan(t *testing.T) {
	runRoot, m := seedRun(t, "p1", "p2")
	plan, err := BuildWave1Plan(runRoot, m)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	if len(plan.Entries) != 2 || plan.Wave != 1 || plan.InputsDigest == "" {
		t.Fatalf("plan: %+v", plan)
	}
	for _, e := range plan.Entries {
		if !strings.Contains(e.PromptMD, "## Scope Contract") {
			t.Fatalf("prompt misses scope contract: %s", e.PromptMD)
		}
		if e.PromptDigest == "" || !strings.HasPrefix(e.OutputMD, "wave-1/") {
			t.Fatalf("entry: %+v", e)
		}
	}
	if !artifact.Exists(filepath.Join(runRoot, manifest.Wave1PlanPath)) {
		t.Fatalf("plan not persisted")
	}
}

func TestBuildWave1PlanCapExceeded(t *testing.T) {
	runRoot, m := seedRun(t, "p1", "p2", "p3", "p4")
	_, err := BuildWave1Plan(runRoot, m)
	if errs.CodeOf(err) != errs.WaveCapExceeded {
		t.Fatalf("got %v want WAVE_CAP_EXCEEDED", err)
	}
}

func TestIngestAndValidate(t *testing.T) {
	runRoot, m := seedRun(t, "p1")
	plan, err := BuildWave1Plan(runRoot, m)
	if err != nil {
		t.Fatalf("BuildWave1Plan: %v", err)
	}
	entry := plan.Entries[0]
	sc, err := IngestOutput(runRoot, entry, goodOutput(), 0)
	if err != nil {
		t.Fatalf("IngestOutput: %v", err)
	}
	if sc.PerspectiveID != "p1" || sc.Validated {
		t.Fatalf("sidecar: %+v", sc)
	}
	report, err := Review(runRoot, m, 1)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !report.Clean || len(report.Results) != 1 || !report.Results[0].OK {
		t.Fatalf("report: %+v", report)
	}
	sc2, err := LoadSidecar(runRoot, entry)
	if err != nil || sc2 == nil || !sc2.Validated {
		t.Fatalf("sidecar after review: %+v err %v", sc2, err)
	}
}

func TestIngestRejectsEmptyMarkdown(t *testing.T) {
	runRoot, m := seedRun(t, "p1")
	plan, _ := BuildWave1Plan(runRoot, m)
	_, err := IngestOutput(runRoot, plan.Entries[0], "", 0)
	if errs.CodeOf(err) != errs.RunAgentFailed {
		t.Fatalf("got %v want RUN_AGENT_FAILED", err)
	}
}

func TestIngestRejectsEscapingPath(t *testing.T) {
	runRoot, m := seedRun(t, "p1")
	plan, _ := BuildWave1Plan(runRoot, m)
	entry := plan.Entries[0]
	entry.OutputMD = "../outside.md"
	_, err := IngestOutput(runRoot, entry, goodOutput(), 0)
	if errs.CodeOf(err) != errs.PathTraversal {
		t.Fatalf("got %v want PATH_TRAVERSAL", err)
	}
}

func TestValidateOutputCodes(t *testing.T) {
	p := Perspective{
		ID: "p1",
		PromptContract: PromptContract{
			MaxWords:            5,
			MaxSources:          1,
			MustIncludeSections: []string{"Findings", "Sources"},
		},
	}
	entry := PlanEntry{PerspectiveID: "p1", OutputMD: "wave-1/out/p1.md"}

	res := ValidateOutput(p, entry, "## Findings\n\none two three four five six seven\n\n## Sources\n\n- https://a.example\n- https://b.example\n- not a url\n")
	if res.OK {
		t.Fatalf("expected failures: %+v", res)
	}
	want := map[string]bool{"TOO_MANY_WORDS": true, "TOO_MANY_SOURCES": true, "MALFORMED_SOURCES": true}
	for _, code := range res.Codes {
		if !want[code] {
			t.Fatalf("unexpected code %s in %v", code, res.Codes)
		}
		delete(want, code)
	}
	if len(want) != 0 {
		t.Fatalf("missing codes: %v (got %v)", want, res.Codes)
	}
	if !Retryable(res.Codes) {
		t.Fatalf("contract codes must be retryable: %v", res.Codes)
	}

	res = ValidateOutput(p, entry, "nothing here")
	if len(res.MissingSections) != 2 || res.Codes[0] != "MISSING_REQUIRED_SECTION" {
		t.Fatalf("missing sections: %+v", res)
	}
}

func TestRetryDirectivesRoundTrip(t *testing.T) {
	runRoot, _ := seedRun(t, "p1")
	failing := []Result{{
		PerspectiveID:   "p1",
		OutputMD:        "wave-1/out/p1.md",
		Codes:           []string{"TOO_MANY_WORDS"},
		WordCount:       900,
		MissingSections: nil,
	}}
	doc := BuildRetryDirectives("run_x", failing, 1)
	if err := SaveRetryDirectives(runRoot, doc); err != nil {
		t.Fatalf("SaveRetryDirectives: %v", err)
	}
	loaded, err := LoadRetryDirectives(runRoot)
	if err != nil {
		t.Fatalf("LoadRetryDirectives: %v", err)
	}
	dir, ok := loaded.Directive("p1")
	if !ok || dir.Attempt != 1 || !strings.Contains(dir.ChangeNote, "900 words") {
		t.Fatalf("directive: %+v", dir)
	}
	if err := ClearRetryDirectives(runRoot); err != nil {
		t.Fatalf("ClearRetryDirectives: %v", err)
	}
	cleared, err := LoadRetryDirectives(runRoot)
	if err != nil || cleared != nil {
		t.Fatalf("after clear: %+v err %v", cleared, err)
	}
}

func TestBuildWave2PlanCapsGaps(t *testing.T) {
	runRoot, m := seedRun(t, "p1")
	doc, err := pivot.Decide(m.RunID, []pivot.Input{{
		PerspectiveID: "p1",
		OutputMD:      "wave-1/out/p1.md",
		Markdown:      "## Gaps\n\n- (P0) a\n- (P0) b\n- (P0) c\n",
		Validated:     true,
	}}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if len(doc.Decision.Wave2GapIDs) != 3 {
		t.Fatalf("expected three gap ids: %v", doc.Decision.Wave2GapIDs)
	}
	plan, err := BuildWave2Plan(runRoot, m, doc)
	if err != nil {
		t.Fatalf("BuildWave2Plan: %v", err)
	}
	if len(plan.Entries) != m.Limits.MaxWave2Agents {
		t.Fatalf("wave-2 cap not applied: %d entries", len(plan.Entries))
	}
	persp, err := LoadPerspectives(runRoot)
	if err != nil {
		t.Fatalf("LoadPerspectives: %v", err)
	}
	if len(persp.Perspectives) != 1+len(plan.Entries) {
		t.Fatalf("gap perspectives not appended: %d", len(persp.Perspectives))
	}
	for _, e := range plan.Entries {
		if e.GapID == "" || !strings.HasPrefix(e.OutputMD, "wave-2/") {
			t.Fatalf("entry: %+v", e)
		}
	}
}
