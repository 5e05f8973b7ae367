package stage

import (
	"testing"
	"time"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/gates"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
	"github.com/danshapiro/paidr/internal/research/review"
	"github.com/danshapiro/paidr/internal/research/wave"
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

func seedScope(t *testing.T, runRoot string) {
	t.Helper()
	if err := wave.SaveScope(runRoot, &wave.Scope{
		SchemaVersion:   "scope.v1",
		QueryText:       "grid storage economics",
		ScopeContractMD: "## Scope Contract\n\nStay on grid-scale storage.",
	}); err != nil {
		t.Fatal(err)
	}
	persp := &wave.Perspectives{
		SchemaVersion: "perspectives.v1",
		Perspectives: []wave.Perspective{{
			ID:        "p1",
			Title:     "Perspective p1",
			Track:     "standard",
			AgentType: "researcher",
			PromptContract: wave.PromptContract{
				MaxWords:            200,
				MaxSources:          3,
				ToolBudget:          10,
				MustIncludeSections: []string{"Findings", "Sources", "Gaps"},
			},
		}},
	}
	if err := wave.SavePerspectives(runRoot, persp); err != nil {
		t.Fatal(err)
	}
}

func setStage(t *testing.T, runRoot, stageName string) {
	t.Helper()
	m, err := manifest.Load(runRoot)
	if err != nil {
		t.Fatal(err)
	}
	rev := m.Revision
	patch := map[string]any{"stage": map[string]any{"current": stageName}}
	if _, err := manifest.Write(runRoot, patch, &rev, "test setup"); err != nil {
		t.Fatal(err)
	}
}

func passGate(t *testing.T, runRoot, gateID string) {
	t.Helper()
	doc, err := manifest.LoadGates(runRoot)
	if err != nil {
		t.Fatal(err)
	}
	res := gates.Result{
		GateID:       gateID,
		Status:       manifest.GatePass,
		InputsDigest: "sha256:test",
	}
	if _, err := gates.Apply(runRoot, res, doc.Revision, "test setup"); err != nil {
		t.Fatal(err)
	}
}

func TestAdvanceInitRequiresScope(t *testing.T) {
	runRoot, _ := seedRun(t)
	if _, _, err := Advance(runRoot, "", "tick"); errs.CodeOf(err) != errs.MissingArtifact {
		t.Fatalf("got %v want MISSING_ARTIFACT", err)
	}
}

func TestAdvanceInitToWave1(t *testing.T) {
	runRoot, _ := seedRun(t)
	seedScope(t, runRoot)
	m, decision, err := Advance(runRoot, "", "scope accepted")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if m.Stage.Current != manifest.StageWave1 || m.Status != manifest.StatusRunning {
		t.Fatalf("manifest: stage=%s status=%s", m.Stage.Current, m.Status)
	}
	if len(m.Stage.History) != 1 {
		t.Fatalf("history: %+v", m.Stage.History)
	}
	h := m.Stage.History[0]
	if h.From != manifest.StageInit || h.To != manifest.StageWave1 || h.InputsDigest != decision.InputsDigest {
		t.Fatalf("history entry: %+v", h)
	}
	if h.GatesRevision == 0 {
		t.Fatalf("history entry lacks gates revision: %+v", h)
	}
}

func TestAdvanceWave1BlockedWithoutGateB(t *testing.T) {
	runRoot, m := seedRun(t)
	seedScope(t, runRoot)
	if _, err := wave.BuildWave1Plan(runRoot, m); err != nil {
		t.Fatal(err)
	}
	setStage(t, runRoot, manifest.StageWave1)
	if _, _, err := Advance(runRoot, "", "tick"); errs.CodeOf(err) != errs.GateBlocked {
		t.Fatalf("got %v want GATE_BLOCKED", err)
	}
}

func TestAdvanceWave1ToPivot(t *testing.T) {
	runRoot, m := seedRun(t)
	seedScope(t, runRoot)
	if _, err := wave.BuildWave1Plan(runRoot, m); err != nil {
		t.Fatal(err)
	}
	setStage(t, runRoot, manifest.StageWave1)
	passGate(t, runRoot, "B")
	updated, _, err := Advance(runRoot, "", "wave1 reviewed")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if updated.Stage.Current != manifest.StagePivot {
		t.Fatalf("stage: %s", updated.Stage.Current)
	}
}

func savePivot(t *testing.T, runRoot, runID string, wave2 bool) {
	t.Helper()
	doc := &pivot.Document{
		SchemaVersion: "pivot_decision.v1",
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		InputsDigest:  "sha256:pivot",
		Wave1:         pivot.Wave1{Outputs: []pivot.Output{{PerspectiveID: "p1", OutputMD: "wave-1/p1/output.md"}}},
		Gaps:          []pivot.Gap{},
		Decision: pivot.Decision{
			Wave2Required: wave2,
			RuleHit:       "Wave2Skip.NoGaps",
			Metrics:       map[string]any{},
			Explanation:   "test decision",
			Wave2GapIDs:   []string{},
		},
	}
	if wave2 {
		doc.Decision.RuleHit = "Wave2Required.P0"
	}
	if err := pivot.Save(runRoot, doc); err != nil {
		t.Fatal(err)
	}
}

func TestAdvancePivotDisambiguates(t *testing.T) {
	runRoot, m := seedRun(t)
	setStage(t, runRoot, manifest.StagePivot)
	savePivot(t, runRoot, m.RunID, false)
	updated, _, err := Advance(runRoot, "", "pivot decided")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if updated.Stage.Current != manifest.StageCitations {
		t.Fatalf("stage: %s", updated.Stage.Current)
	}

	runRoot2, m2 := seedRun(t)
	setStage(t, runRoot2, manifest.StagePivot)
	savePivot(t, runRoot2, m2.RunID, true)
	updated2, _, err := Advance(runRoot2, "", "pivot decided")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if updated2.Stage.Current != manifest.StageWave2 {
		t.Fatalf("stage: %s", updated2.Stage.Current)
	}
}

func TestAdvancePivotWithoutDecision(t *testing.T) {
	runRoot, _ := seedRun(t)
	setStage(t, runRoot, manifest.StagePivot)
	if _, _, err := Advance(runRoot, "", "tick"); errs.CodeOf(err) != errs.MissingArtifact {
		t.Fatalf("got %v want MISSING_ARTIFACT", err)
	}
}

func TestAdvanceRejectsIllegalTarget(t *testing.T) {
	runRoot, _ := seedRun(t)
	seedScope(t, runRoot)
	if _, _, err := Advance(runRoot, manifest.StageReview, "skip ahead"); errs.CodeOf(err) != errs.RequestedNextNotAllowed {
		t.Fatalf("got %v want REQUESTED_NEXT_NOT_ALLOWED", err)
	}
}

func saveBundle(t *testing.T, runRoot, runID, decision string) {
	t.Helper()
	bundle := &review.Bundle{
		SchemaVersion: "review_bundle.v1",
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Iteration:     1,
		Decision:      decision,
		Reviews:       []review.Review{{Reviewer: "contract", Verdict: decision}},
	}
	if err := review.Save(runRoot, bundle); err != nil {
		t.Fatal(err)
	}
}

func TestAdvanceReviewToFinalizeRequiresGateE(t *testing.T) {
	runRoot, m := seedRun(t)
	setStage(t, runRoot, manifest.StageReview)
	saveBundle(t, runRoot, m.RunID, review.Pass)
	if _, _, err := Advance(runRoot, manifest.StageFinalize, "review passed"); errs.CodeOf(err) != errs.GateBlocked {
		t.Fatalf("got %v want GATE_BLOCKED", err)
	}
	passGate(t, runRoot, "E")
	updated, _, err := Advance(runRoot, "", "review passed")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if updated.Stage.Current != manifest.StageFinalize || updated.Status != manifest.StatusCompleted {
		t.Fatalf("manifest: stage=%s status=%s", updated.Stage.Current, updated.Status)
	}
}

func TestAdvanceReviewBackToSynthesis(t *testing.T) {
	runRoot, m := seedRun(t)
	setStage(t, runRoot, manifest.StageReview)
	saveBundle(t, runRoot, m.RunID, review.ChangesRequired)
	updated, decision, err := Advance(runRoot, "", "changes required")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if updated.Stage.Current != manifest.StageSynthesis {
		t.Fatalf("stage: %s", updated.Stage.Current)
	}
	if decision.To != manifest.StageSynthesis {
		t.Fatalf("decision: %+v", decision)
	}
	if updated.CountTransitions(manifest.StageReview, manifest.StageSynthesis) != 1 {
		t.Fatalf("iteration counter not fed: %+v", updated.Stage.History)
	}
}

func TestAdvanceTerminalRun(t *testing.T) {
	runRoot, _ := seedRun(t)
	m, err := manifest.Load(runRoot)
	if err != nil {
		t.Fatal(err)
	}
	rev := m.Revision
	if _, err := manifest.Write(runRoot, map[string]any{"status": manifest.StatusCancelled}, &rev, "cancel"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Advance(runRoot, "", "tick"); errs.CodeOf(err) != errs.InvalidState {
		t.Fatalf("got %v want INVALID_STATE", err)
	}
}
