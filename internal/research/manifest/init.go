package manifest

import (
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

// runDirs are created up front so every later write lands in an existing
// tree.
var runDirs = []string{
	"citations",
	"logs",
	"operator",
	"retry",
	"review",
	"summaries",
	"synthesis",
	Wave1Dir,
	Wave2Dir,
}

// canonicalPaths is the artifacts.paths table stamped into every manifest.
var canonicalPaths = map[string]string{
	"manifest":            ManifestPath,
	"gates":               GatesPath,
	"perspectives":        PerspectivesPath,
	"pivot":               PivotPath,
	"scope":               ScopePath,
	"wave1_plan":          Wave1PlanPath,
	"wave2_plan":          Wave2PlanPath,
	"extracted_urls":      ExtractedURLsPath,
	"url_map":             URLMapPath,
	"citations":           CitationsPath,
	"validated_citations": ValidatedCitationsPath,
	"summary_pack":        SummaryPackPath,
	"draft_synthesis":     DraftSynthesisPath,
	"final_synthesis":     FinalSynthesisPath,
	"review_bundle":       ReviewBundlePath,
	"revision_directives": RevisionDirectivesPath,
	"retry_directives":    RetryDirectivesPath,
	"audit":               telemetry.AuditPath,
	"telemetry":           telemetry.StreamPath,
	"telemetry_index":     telemetry.IndexPath,
	"ticks":               telemetry.TicksPath,
	"fallback_summary":    FallbackSummaryPath,
}

// InitParams configures run_init.
type InitParams struct {
	RunsRoot    string
	RunID       string // generated when empty
	Mode        string
	QueryText   string
	Constraints []string
	Sensitivity string
	Limits      Limits
}

// InitResult reports the created run.
type InitResult struct {
	RunRoot  string
	Manifest *Manifest
	Gates    *GatesDoc
}

// Init creates a run root under RunsRoot and seeds manifest.json plus
// gates.json, both at revision 1. The manifest starts in stage init with
// status created; all six gates start not_run.
func Init(p InitParams) (*InitResult, error) {
	if p.RunsRoot == "" {
		return nil, errs.New(errs.InvalidArgs, "runs_root is required")
	}
	if !filepath.IsAbs(p.RunsRoot) {
		return nil, errs.New(errs.InvalidArgs, "runs_root must be absolute, got %q", p.RunsRoot)
	}
	if p.QueryText == "" {
		return nil, errs.New(errs.InvalidArgs, "query text is required")
	}
	mode := p.Mode
	if mode == "" {
		mode = "standard"
	}
	sensitivity := p.Sensitivity
	if sensitivity == "" {
		sensitivity = "normal"
	}
	runID := p.RunID
	if runID == "" {
		runID = "run_" + ulid.Make().String()
	}

	runRoot := filepath.Join(p.RunsRoot, runID)
	manifestFile := filepath.Join(runRoot, ManifestPath)
	if artifact.Exists(manifestFile) {
		return nil, errs.New(errs.InvalidState, "run %s already initialized", runID).WithDetail("run_root", runRoot)
	}
	if err := artifact.EnsureDir(runRoot); err != nil {
		return nil, err
	}
	for _, dir := range runDirs {
		if _, err := artifact.ResolveContainedPath(runRoot, dir, "run_dir"); err != nil {
			return nil, err
		}
		if err := artifact.EnsureDir(filepath.Join(runRoot, dir)); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	paths := make(map[string]string, len(canonicalPaths))
	for k, v := range canonicalPaths {
		paths[k] = v
	}
	m := &Manifest{
		SchemaVersion: "manifest.v1",
		RunID:         runID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Revision:      1,
		Mode:          mode,
		Status:        StatusCreated,
		Query: Query{
			Text:        p.QueryText,
			Constraints: p.Constraints,
			Sensitivity: sensitivity,
		},
		Artifacts: Artifacts{Root: runRoot, Paths: paths},
		Stage:     StageInfo{Current: StageInit, StartedAt: now},
		Limits:    p.Limits,
		Metrics:   map[string]any{},
	}
	if err := schema.Validate("manifest.v1", m); err != nil {
		return nil, err
	}
	g := NewGatesDoc(runID, now)
	if err := schema.Validate("gates.v1", g); err != nil {
		return nil, err
	}

	if err := artifact.WriteJSONAtomic(manifestFile, m); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(runRoot, GatesPath), g); err != nil {
		return nil, err
	}
	_ = telemetry.AppendAudit(runRoot, "run_init", runID, map[string]any{
		"mode":        mode,
		"sensitivity": sensitivity,
		"reason":      "run_init",
	})
	return &InitResult{RunRoot: runRoot, Manifest: m, Gates: g}, nil
}
