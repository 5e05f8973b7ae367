package qa

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/config"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/seed"
)

func finishedRun(t *testing.T) string {
	t.Helper()
	seeded, err := seed.Apply(t.TempDir(), seed.DefaultSpec())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	e := engine.New(seeded.Driver, config.Defaults(), nil)
	ctx := context.Background()
	if _, err := e.RunLive(ctx, seeded.RunRoot); err != nil {
		t.Fatalf("RunLive: %v", err)
	}
	if _, err := e.RunPostPivot(ctx, seeded.RunRoot); err != nil {
		t.Fatalf("RunPostPivot: %v", err)
	}
	if _, err := e.RunPostSummaries(ctx, seeded.RunRoot); err != nil {
		t.Fatalf("RunPostSummaries: %v", err)
	}
	return seeded.RunRoot
}

func TestAuditCleanFinishedRun(t *testing.T) {
	runRoot := finishedRun(t)
	report, err := Audit(runRoot)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.Clean {
		t.Fatalf("violations on a clean run: %+v", report.Violations)
	}
	if len(report.Checked) == 0 {
		t.Fatal("audit checked nothing")
	}
}

func TestAuditFlagsMissingSidecar(t *testing.T) {
	runRoot := finishedRun(t)
	if err := os.Remove(filepath.Join(runRoot, manifest.Wave1Dir, "out", "p1.md.meta.json")); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}
	report, err := Audit(runRoot)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.Clean {
		t.Fatal("audit missed the deleted sidecar")
	}
	found := false
	for _, v := range report.Violations {
		if v.Code == "MISSING_ARTIFACT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("violations: %+v", report.Violations)
	}
}

func TestAuditFlagsHardGateWarn(t *testing.T) {
	runRoot := finishedRun(t)
	gatesDoc, err := manifest.LoadGates(runRoot)
	if err != nil {
		t.Fatalf("LoadGates: %v", err)
	}
	gate := gatesDoc.Gates["B"]
	gate.Status = manifest.GateWarn
	gatesDoc.Gates["B"] = gate
	if err := artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.GatesPath), gatesDoc); err != nil {
		t.Fatalf("tamper gates: %v", err)
	}
	report, err := Audit(runRoot)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.Clean {
		t.Fatal("audit missed the hard gate in warn")
	}
}

func TestRunScenarioPasses(t *testing.T) {
	sc := &Scenario{
		SchemaVersion: "scenario.v1",
		Name:          "offline happy path",
		Seed: ScenarioSeed{
			QueryText:        "grid storage economics",
			PerspectiveCount: 2,
			URLs:             []string{"https://example.org/a", "https://example.org/b"},
		},
		Expected: Expected{
			FinalStage:    manifest.StageFinalize,
			FinalStatus:   manifest.StatusCompleted,
			Wave2Required: boolPtr(false),
			GateStatuses: map[string]string{
				"A": manifest.GatePass,
				"B": manifest.GatePass,
				"C": manifest.GatePass,
				"D": manifest.GatePass,
			},
		},
	}
	report, err := RunScenario(context.Background(), t.TempDir(), sc, config.Defaults())
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !report.Passed {
		t.Fatalf("mismatches: %+v (run error %q)", report.Mismatches, report.RunError)
	}
}

func TestRunScenarioWaveTwo(t *testing.T) {
	sc := &Scenario{
		SchemaVersion: "scenario.v1",
		Name:          "p0 gap forces wave 2",
		Seed: ScenarioSeed{
			QueryText:        "grid storage economics",
			PerspectiveCount: 1,
			GapLines:         []string{"- (P0) Need storage cost baselines"},
			URLs:             []string{"https://example.org/a"},
		},
		Expected: Expected{
			FinalStage:    manifest.StageFinalize,
			FinalStatus:   manifest.StatusCompleted,
			Wave2Required: boolPtr(true),
		},
	}
	report, err := RunScenario(context.Background(), t.TempDir(), sc, config.Defaults())
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if !report.Passed {
		t.Fatalf("mismatches: %+v (run error %q)", report.Mismatches, report.RunError)
	}
}

func TestRunScenarioReportsMismatch(t *testing.T) {
	sc := &Scenario{
		SchemaVersion: "scenario.v1",
		Name:          "wrong expectation",
		Seed: ScenarioSeed{
			QueryText: "grid storage economics",
			URLs:      []string{"https://example.org/a"},
		},
		Expected: Expected{FinalStatus: manifest.StatusFailed},
	}
	report, err := RunScenario(context.Background(), t.TempDir(), sc, config.Defaults())
	if err != nil {
		t.Fatalf("RunScenario: %v", err)
	}
	if report.Passed || len(report.Mismatches) != 1 {
		t.Fatalf("report: %+v", report)
	}
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.json")
	raw := `{"schema_version":"scenario.v1","name":"x","seed":{"query_text":"q","bogus":1},"expected":{}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScenario(path); err == nil {
		t.Fatal("unknown seed field accepted")
	}
}

func boolPtr(b bool) *bool { return &b }
