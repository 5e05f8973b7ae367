package seed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/config"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

func TestApplyDefaultSpec(t *testing.T) {
	res, err := Apply(t.TempDir(), DefaultSpec())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, rel := range []string{
		manifest.ManifestPath,
		manifest.ScopePath,
		manifest.PerspectivesPath,
		manifest.OfflineFixturesPath,
	} {
		if !artifact.Exists(filepath.Join(res.RunRoot, rel)) {
			t.Fatalf("seeded run missing %s", rel)
		}
	}
	m, err := manifest.Load(res.RunRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Query.Sensitivity != "no_web" {
		t.Fatalf("sensitivity = %q, want no_web", m.Query.Sensitivity)
	}
}

func TestApplyRejectsMissingOutputs(t *testing.T) {
	spec := DefaultSpec()
	delete(spec.Outputs, "p2")
	_, err := Apply(t.TempDir(), spec)
	if !errs.HasCode(err, errs.InvalidArgs) {
		t.Fatalf("got %v, want INVALID_ARGS", err)
	}
}

func TestSeededRunFinalizes(t *testing.T) {
	res, err := Apply(t.TempDir(), DefaultSpec())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	e := engine.New(res.Driver, config.Defaults(), nil)
	ctx := context.Background()
	if _, err := e.RunLive(ctx, res.RunRoot); err != nil {
		t.Fatalf("RunLive: %v", err)
	}
	if _, err := e.RunPostPivot(ctx, res.RunRoot); err != nil {
		t.Fatalf("RunPostPivot: %v", err)
	}
	if _, err := e.RunPostSummaries(ctx, res.RunRoot); err != nil {
		t.Fatalf("RunPostSummaries: %v", err)
	}
	m, err := manifest.Load(res.RunRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Status != manifest.StatusCompleted || m.Stage.Current != manifest.StageFinalize {
		t.Fatalf("run ended %s at %s, want completed at finalize", m.Status, m.Stage.Current)
	}
}
