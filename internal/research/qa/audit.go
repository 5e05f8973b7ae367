package qa

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/telemetry"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// Violation is one audit finding.
type Violation struct {
	Artifact string `json:"artifact"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// AuditReport summarizes a read-only re-validation of a run root.
type AuditReport struct {
	RunID      string      `json:"run_id"`
	Checked    []string    `json:"checked"`
	Violations []Violation `json:"violations"`
	Clean      bool        `json:"clean"`
}

// schemaArtifacts maps every optional JSON artifact to its schema. The
// manifest and gates are loaded through their own validating loaders.
var schemaArtifacts = map[string]string{
	manifest.ScopePath:              "scope.v1",
	manifest.PerspectivesPath:       "perspectives.v1",
	manifest.PivotPath:              "pivot_decision.v1",
	manifest.Wave1PlanPath:          "wave_plan.v1",
	manifest.Wave2PlanPath:          "wave_plan.v1",
	wave.ReviewPath(1):              "wave_review.v1",
	wave.ReviewPath(2):              "wave_review.v1",
	manifest.URLMapPath:             "url_map.v1",
	manifest.SummaryPackPath:        "summary_pack.v1",
	manifest.ReviewBundlePath:       "review_bundle.v1",
	manifest.RevisionDirectivesPath: "revision_directives.v1",
	manifest.RetryDirectivesPath:    "retry_directives.v1",
	manifest.OfflineFixturesPath:    "offline_fixtures.v1",
	manifest.FixturePointerPath:     "fixture_pointer.v1",
}

// Audit re-validates every artifact a run root contains: schema conformance,
// manifest history continuity, gate class rules, path containment, sidecar
// coverage for wave outputs, and tick ledger monotonicity. Nothing is
// written.
func Audit(runRoot string) (*AuditReport, error) {
	report := &AuditReport{}
	flag := func(artifactPath, code, format string, args ...any) {
		report.Violations = append(report.Violations, Violation{
			Artifact: artifactPath,
			Code:     code,
			Message:  fmt.Sprintf(format, args...),
		})
	}
	checked := func(rel string) { report.Checked = append(report.Checked, rel) }

	m, err := manifest.Load(runRoot)
	if err != nil {
		return nil, err
	}
	report.RunID = m.RunID
	checked(manifest.ManifestPath)
	auditHistory(m, flag)

	for key, rel := range m.Artifacts.Paths {
		if _, err := artifact.ResolveContainedPath(runRoot, rel, key); err != nil {
			flag(rel, errs.PathTraversal, "artifacts.paths[%s] escapes the run root", key)
		}
	}

	gatesDoc, err := manifest.LoadGates(runRoot)
	if err != nil {
		flag(manifest.GatesPath, errs.CodeOf(err), "gates document unreadable: %v", err)
	} else {
		checked(manifest.GatesPath)
		auditGates(gatesDoc, flag)
	}

	for rel, name := range schemaArtifacts {
		path := filepath.Join(runRoot, rel)
		if !artifact.Exists(path) {
			continue
		}
		doc, err := artifact.ReadJSONMap(path)
		if err != nil {
			flag(rel, errs.CodeOf(err), "unreadable: %v", err)
			continue
		}
		if err := schema.Validate(name, doc); err != nil {
			flag(rel, errs.SchemaValidationFailed, "schema %s: %v", name, err)
			continue
		}
		checked(rel)
		if runID, ok := doc["run_id"].(string); ok && runID != "" && runID != m.RunID {
			flag(rel, errs.InvalidState, "run_id %q does not match manifest run %q", runID, m.RunID)
		}
	}

	if artifact.Exists(filepath.Join(runRoot, manifest.CitationsPath)) {
		if _, err := citations.ReadRecords(runRoot); err != nil {
			flag(manifest.CitationsPath, errs.CodeOf(err), "citation stream invalid: %v", err)
		} else {
			checked(manifest.CitationsPath)
		}
	}

	auditWaveOutputs(runRoot, flag, checked)
	auditTicks(runRoot, m, flag, checked)

	report.Clean = len(report.Violations) == 0
	return report, nil
}

// auditHistory checks the stage history chain: consecutive entries link
// from->to and the final entry lands on the current stage.
func auditHistory(m *manifest.Manifest, flag func(string, string, string, ...any)) {
	history := m.Stage.History
	for i := 1; i < len(history); i++ {
		if history[i].From != history[i-1].To {
			flag(manifest.ManifestPath, errs.InvalidState,
				"stage history breaks at %d: %s -> %s follows a transition to %s",
				i, history[i].From, history[i].To, history[i-1].To)
		}
	}
	if len(history) > 0 && history[len(history)-1].To != m.Stage.Current {
		flag(manifest.ManifestPath, errs.InvalidState,
			"stage history ends at %s but current stage is %s",
			history[len(history)-1].To, m.Stage.Current)
	}
	if len(history) == 0 && m.Stage.Current != manifest.StageInit {
		flag(manifest.ManifestPath, errs.InvalidState,
			"run is at %s with no recorded transitions", m.Stage.Current)
	}
}

func auditGates(gatesDoc *manifest.GatesDoc, flag func(string, string, string, ...any)) {
	for _, id := range manifest.GateIDs {
		gate, ok := gatesDoc.Gate(id)
		if !ok {
			flag(manifest.GatesPath, errs.InvalidState, "gate %s is missing", id)
			continue
		}
		if gate.Class == manifest.GateHard && gate.Status == manifest.GateWarn {
			flag(manifest.GatesPath, errs.InvalidState, "hard gate %s is in warn", id)
		}
		if gate.Status != manifest.GateNotRun && gate.CheckedAt == "" {
			flag(manifest.GatesPath, errs.InvalidState, "gate %s is %s without checked_at", id, gate.Status)
		}
	}
}

// auditWaveOutputs requires a metadata sidecar beside every wave output.
func auditWaveOutputs(runRoot string, flag func(string, string, string, ...any), checked func(string)) {
	for _, pattern := range []string{manifest.Wave1Dir + "/out/*.md", manifest.Wave2Dir + "/out/*.md"} {
		matches, err := doublestar.Glob(os.DirFS(runRoot), pattern)
		if err != nil {
			flag(pattern, errs.InvalidArgs, "glob failed: %v", err)
			continue
		}
		for _, rel := range matches {
			if !artifact.Exists(filepath.Join(runRoot, rel) + ".meta.json") {
				flag(rel, errs.MissingArtifact, "wave output has no sidecar")
				continue
			}
			checked(rel)
		}
	}
}

func auditTicks(runRoot string, m *manifest.Manifest, flag func(string, string, string, ...any), checked func(string)) {
	ticks, err := telemetry.ReadTicks(runRoot)
	if err != nil {
		flag(telemetry.TicksPath, errs.CodeOf(err), "tick ledger unreadable: %v", err)
		return
	}
	if ticks == nil {
		return
	}
	checked(telemetry.TicksPath)
	for i, rec := range ticks {
		if i > 0 && rec.TickIndex <= ticks[i-1].TickIndex {
			flag(telemetry.TicksPath, errs.InvalidState,
				"tick_index not increasing at record %d: %d after %d", i, rec.TickIndex, ticks[i-1].TickIndex)
		}
		if rec.RunID != m.RunID {
			flag(telemetry.TicksPath, errs.InvalidState,
				"tick %d belongs to run %q, manifest run is %q", rec.TickIndex, rec.RunID, m.RunID)
		}
	}
}
