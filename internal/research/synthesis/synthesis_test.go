package synthesis

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/summary"
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

func samplePack() *summary.Pack {
	return &summary.Pack{
		SchemaVersion: "summary_pack.v1",
		RunID:         "run_x",
		Summaries: []summary.Entry{
			{
				PerspectiveID: "p1",
				SourceMD:      "wave-1/p1/output.md",
				SummaryMD:     "Storage costs fell 12% year over year.\nDeployment pace is accelerating.",
				KB:            1,
				Citations:     []string{"cid_aaa"},
			},
			{
				PerspectiveID: "p2",
				SourceMD:      "wave-1/p2/output.md",
				SummaryMD:     "Grid operators report 4h duration as the new baseline.",
				KB:            1,
			},
		},
		Totals: summary.Totals{Count: 2, Expected: 2, TotalKB: 2},
	}
}

func sampleRecords() []citations.Record {
	return []citations.Record{
		{CID: "cid_bbb", NormalizedURL: "https://example.com/b", Status: citations.StatusPaywalled},
		{CID: "cid_aaa", NormalizedURL: "https://example.com/a", Status: citations.StatusValid},
	}
}

func TestWriteDraftContract(t *testing.T) {
	runRoot, m := seedRun(t)
	md, err := WriteDraft(runRoot, m, samplePack(), sampleRecords(), nil)
	if err != nil {
		t.Fatalf("WriteDraft: %v", err)
	}
	for _, heading := range RequiredHeadings {
		if !strings.Contains(md, "## "+heading) {
			t.Fatalf("draft misses heading %q", heading)
		}
	}
	if !artifact.Exists(filepath.Join(runRoot, manifest.DraftSynthesisPath)) {
		t.Fatalf("draft not persisted")
	}
	// Citation list sorts by cid regardless of input order.
	if strings.Index(md, "cid_aaa") > strings.Index(md, "cid_bbb") {
		t.Fatalf("citation list unsorted:\n%s", md)
	}
}

func TestWriteDraftAnchorsNumericLines(t *testing.T) {
	runRoot, m := seedRun(t)
	md, err := WriteDraft(runRoot, m, samplePack(), sampleRecords(), nil)
	if err != nil {
		t.Fatalf("WriteDraft: %v", err)
	}
	if !strings.Contains(md, "12% year over year. [cid_aaa]") {
		t.Fatalf("numeric line not anchored:\n%s", md)
	}
	// p2 has a numeric claim but no citations, so the line is dropped.
	if strings.Contains(md, "4h duration") {
		t.Fatalf("uncitable numeric line survived:\n%s", md)
	}
	if !strings.Contains(md, "No unanchored findings survive") {
		t.Fatalf("expected placeholder for emptied perspective:\n%s", md)
	}
}

func TestWriteDraftDeterministic(t *testing.T) {
	runRoot, m := seedRun(t)
	first, err := WriteDraft(runRoot, m, samplePack(), sampleRecords(), nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := WriteDraft(runRoot, m, samplePack(), sampleRecords(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("drafts differ")
	}
}

func TestWriteDraftRevisionNotes(t *testing.T) {
	runRoot, m := seedRun(t)
	directives := []Directive{{Target: "Findings", Instruction: "tighten the p1 section"}}
	md, err := WriteDraft(runRoot, m, samplePack(), sampleRecords(), directives)
	if err != nil {
		t.Fatalf("WriteDraft: %v", err)
	}
	if !strings.Contains(md, "## Revision Notes") || !strings.Contains(md, "tighten the p1 section") {
		t.Fatalf("revision notes missing:\n%s", md)
	}
}

func TestWriteDraftEmptyPack(t *testing.T) {
	runRoot, m := seedRun(t)
	_, err := WriteDraft(runRoot, m, &summary.Pack{}, nil, nil)
	if errs.CodeOf(err) != errs.MissingArtifact {
		t.Fatalf("got %v want MISSING_ARTIFACT", err)
	}
}

func TestFinalize(t *testing.T) {
	runRoot, m := seedRun(t)
	if _, err := WriteDraft(runRoot, m, samplePack(), sampleRecords(), nil); err != nil {
		t.Fatal(err)
	}
	if err := Finalize(runRoot); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	draft, err := ReadDraft(runRoot)
	if err != nil {
		t.Fatal(err)
	}
	final, err := artifact.ReadText(filepath.Join(runRoot, manifest.FinalSynthesisPath))
	if err != nil {
		t.Fatal(err)
	}
	if final != draft {
		t.Fatalf("final differs from draft")
	}
}

func TestFinalizeWithoutDraft(t *testing.T) {
	runRoot, _ := seedRun(t)
	if err := Finalize(runRoot); errs.CodeOf(err) != errs.MissingArtifact {
		t.Fatalf("got %v want MISSING_ARTIFACT", err)
	}
}
