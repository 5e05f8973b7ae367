package review

import (
	"path/filepath"
	"testing"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/summary"
	"github.com/danshapiro/paidr/internal/research/synthesis"
)

func seedRun(t *testing.T) (string, *manifest.Manifest) {
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
	return res.RunRoot, res.Manifest
}

func sampleRecords() []citations.Record {
	return []citations.Record{
		{CID: "cid_aaa", NormalizedURL: "https://example.com/a", Status: citations.StatusValid},
		{CID: "cid_bbb", NormalizedURL: "https://example.com/b", Status: citations.StatusPaywalled},
	}
}

func writeDraft(t *testing.T, runRoot string, md string) {
	t.Helper()
	if err := artifact.WriteTextAtomic(filepath.Join(runRoot, manifest.DraftSynthesisPath), md); err != nil {
		t.Fatal(err)
	}
}

const passingDraft = "# Synthesis\n\n## Executive Summary\n\nAll claims are anchored.\n\n## Findings\n\n- Costs fell 12% [cid_aaa]\n- Duration doubled to 4h [cid_bbb]\n\n## Citations\n\n- [cid_aaa] https://example.com/a (valid)\n- [cid_bbb] https://example.com/b (paywalled)\n\n## Limitations\n\nBounded summaries only.\n"

func TestRunPassingDraft(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, passingDraft)

	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bundle.Decision != Pass || bundle.Iteration != 1 {
		t.Fatalf("bundle: decision=%s iteration=%d", bundle.Decision, bundle.Iteration)
	}
	for _, rev := range bundle.Reviews {
		if rev.Verdict != Pass {
			t.Fatalf("reviewer %s failed: %+v", rev.Reviewer, rev.Findings)
		}
	}
	loaded, err := Load(runRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.InputsDigest != bundle.InputsDigest {
		t.Fatalf("digest changed on reload")
	}
}

func TestRunMissingHeading(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Executive Summary\n\nBody.\n\n## Findings\n\n- Anchored claim [cid_aaa]\n\n## Citations\n\n- [cid_aaa] https://example.com/a (valid)\n")

	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bundle.Decision != ChangesRequired {
		t.Fatalf("decision: %s", bundle.Decision)
	}
	if !hasFinding(bundle, "contract", CodeMissingHeading) {
		t.Fatalf("expected MISSING_HEADING finding: %+v", bundle.Reviews)
	}
}

func TestRunUncitedNumericClaim(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Executive Summary\n\nBody.\n\n## Findings\n\n- Costs fell 12% with no anchor\n\n## Citations\n\n- [cid_aaa] https://example.com/a (valid)\n\n## Limitations\n\nNone.\n")

	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bundle.Decision != ChangesRequired || !hasFinding(bundle, "citations", CodeUncitedNumericClaim) {
		t.Fatalf("bundle: %+v", bundle.Reviews)
	}
}

func TestRunUnknownCitationID(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Executive Summary\n\nBody.\n\n## Findings\n\n- Costs fell 12% [cid_feedbeef]\n\n## Citations\n\n- [cid_aaa] https://example.com/a (valid)\n\n## Limitations\n\nNone.\n")

	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasFinding(bundle, "citations", CodeUnknownCitationID) {
		t.Fatalf("expected UNKNOWN_CITATION_ID: %+v", bundle.Reviews)
	}
}

func TestRunUtilizationWarningDoesNotFail(t *testing.T) {
	runRoot, m := seedRun(t)
	// Five usable records, only one referenced: utilization 0.2.
	records := []citations.Record{
		{CID: "cid_a1", NormalizedURL: "https://example.com/1", Status: citations.StatusValid},
		{CID: "cid_a2", NormalizedURL: "https://example.com/2", Status: citations.StatusValid},
		{CID: "cid_a3", NormalizedURL: "https://example.com/3", Status: citations.StatusValid},
		{CID: "cid_a4", NormalizedURL: "https://example.com/4", Status: citations.StatusValid},
		{CID: "cid_a5", NormalizedURL: "https://example.com/5", Status: citations.StatusValid},
	}
	writeDraft(t, runRoot, "# Synthesis\n\n## Executive Summary\n\nBody.\n\n## Findings\n\n- Costs fell 12% [cid_a1]\n\n## Citations\n\n- [cid_a1] https://example.com/1 (valid)\n\n## Limitations\n\nNone.\n")

	bundle, err := Run(runRoot, m, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bundle.Decision != Pass {
		t.Fatalf("warning should not fail the review: %+v", bundle.Reviews)
	}
	if !hasFinding(bundle, "citations", CodeLowCitationUse) {
		t.Fatalf("expected LOW_CITATION_UTILIZATION warning: %+v", bundle.Reviews)
	}
}

func TestControlAdvance(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, passingDraft)
	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	action, err := Control(runRoot, m, bundle, true)
	if err != nil || action != ActionAdvance {
		t.Fatalf("action=%s err=%v", action, err)
	}
}

func TestControlReviseWritesDirectives(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Findings\n\n- Unanchored 12%\n")
	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	action, err := Control(runRoot, m, bundle, false)
	if err != nil || action != ActionRevise {
		t.Fatalf("action=%s err=%v", action, err)
	}
	doc, err := LoadDirectives(runRoot)
	if err != nil {
		t.Fatalf("LoadDirectives: %v", err)
	}
	if len(doc.Directives) == 0 || doc.Iteration != 1 {
		t.Fatalf("directives: %+v", doc)
	}
	reloaded, err := Load(runRoot)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.DirectivesPath != manifest.RevisionDirectivesPath {
		t.Fatalf("bundle missing directives path: %+v", reloaded)
	}
}

func TestControlEscalatesAtIterationCap(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Findings\n\n- Unanchored 12%\n")
	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	bundle.Iteration = m.Limits.MaxReviewIterations + 1
	action, err := Control(runRoot, m, bundle, false)
	if err != nil || action != ActionEscalate {
		t.Fatalf("action=%s err=%v", action, err)
	}
}

func TestControlRevisesUntilTransitionCapReached(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Findings\n\n- Unanchored 12%\n")
	// One completed review->synthesis transition under a cap of two still
	// has a revise cycle left.
	m.Stage.History = append(m.Stage.History, manifest.HistoryEntry{
		From: manifest.StageReview, To: manifest.StageSynthesis, TS: m.UpdatedAt,
	})
	m.Limits.MaxReviewIterations = 2
	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Iteration != 2 {
		t.Fatalf("iteration = %d, want 2", bundle.Iteration)
	}
	action, err := Control(runRoot, m, bundle, false)
	if err != nil || action != ActionRevise {
		t.Fatalf("action=%s err=%v, want revise", action, err)
	}
}

func TestRunWithoutDraft(t *testing.T) {
	runRoot, m := seedRun(t)
	if _, err := Run(runRoot, m, nil); errs.CodeOf(err) != errs.MissingArtifact {
		t.Fatalf("got %v want MISSING_ARTIFACT", err)
	}
}

func TestReviseThenRedraftPasses(t *testing.T) {
	runRoot, m := seedRun(t)
	writeDraft(t, runRoot, "# Synthesis\n\n## Findings\n\n- Unanchored 12%\n")
	bundle, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	if action, err := Control(runRoot, m, bundle, false); err != nil || action != ActionRevise {
		t.Fatalf("action=%s err=%v", action, err)
	}
	doc, err := LoadDirectives(runRoot)
	if err != nil {
		t.Fatal(err)
	}

	pack := &summary.Pack{
		SchemaVersion: "summary_pack.v1",
		RunID:         m.RunID,
		Summaries: []summary.Entry{{
			PerspectiveID: "p1",
			SourceMD:      "wave-1/p1/output.md",
			SummaryMD:     "Costs fell 12% year over year.",
			KB:            1,
			Citations:     []string{"cid_aaa"},
		}},
		Totals: summary.Totals{Count: 1, Expected: 1, TotalKB: 1},
	}
	if _, err := synthesis.WriteDraft(runRoot, m, pack, sampleRecords(), doc.Directives); err != nil {
		t.Fatalf("WriteDraft: %v", err)
	}
	redone, err := Run(runRoot, m, sampleRecords())
	if err != nil {
		t.Fatal(err)
	}
	if redone.Decision != Pass {
		t.Fatalf("redraft still failing: %+v", redone.Reviews)
	}
}

func hasFinding(bundle *Bundle, reviewer, code string) bool {
	for _, rev := range bundle.Reviews {
		if rev.Reviewer != reviewer {
			continue
		}
		for _, f := range rev.Findings {
			if f.Code == code {
				return true
			}
		}
	}
	return false
}
