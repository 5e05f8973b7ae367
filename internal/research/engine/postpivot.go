package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/gates"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
	"github.com/danshapiro/paidr/internal/research/stage"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// TickPostPivot advances one stage of the post-pivot phase: the pivot
// decision itself, the optional wave-2 loop, and citation validation with
// gate C. Each tick completes at most one stage.
func (e *Engine) TickPostPivot(ctx context.Context, runRoot string) (*TickResult, error) {
	return e.tick(ctx, runRoot, PhasePostPivot, e.postPivotWork)
}

// RunPostPivot ticks the post-pivot phase until the run reaches summaries
// or the tick cap is hit.
func (e *Engine) RunPostPivot(ctx context.Context, runRoot string) (*TickResult, error) {
	var last *TickResult
	for i := 0; i < postPivotTickCap; i++ {
		res, err := e.TickPostPivot(ctx, runRoot)
		if res != nil {
			last = res
		}
		if err != nil {
			if errs.HasCode(err, errs.RetryRequired) {
				continue
			}
			return last, err
		}
		if res.StageAfter == manifest.StageSummaries {
			return last, nil
		}
	}
	return last, errs.New(errs.TickCapExceeded, "post-pivot phase did not reach summaries within %d ticks", postPivotTickCap).
		WithDetail("tick_cap", postPivotTickCap)
}

func (e *Engine) postPivotWork(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult) error {
	switch m.Stage.Current {
	case manifest.StagePivot:
		return e.pivotStage(runRoot, m, res)
	case manifest.StageWave2:
		return e.wave2Stage(ctx, runRoot, m)
	case manifest.StageCitations:
		return e.citationsStage(ctx, runRoot, m, res)
	default:
		return errs.New(errs.InvalidState, "tick_post_pivot expects stage pivot, wave2, or citations, run is at %s", m.Stage.Current).
			WithDetail("stage", m.Stage.Current)
	}
}

// pivotStage materializes the pivot decision from the validated wave-1
// outputs and advances to whichever branch it selects.
func (e *Engine) pivotStage(runRoot string, m *manifest.Manifest, res *TickResult) error {
	doc, err := pivot.Load(runRoot)
	if errs.HasCode(err, errs.NotFound) {
		inputs, ierr := PivotInputs(runRoot)
		if ierr != nil {
			return ierr
		}
		doc, ierr = pivot.Decide(m.RunID, inputs, nil)
		if ierr != nil {
			return ierr
		}
		if ierr = pivot.Save(runRoot, doc); ierr != nil {
			return ierr
		}
		res.Artifacts = append(res.Artifacts, manifest.PivotPath)
	} else if err != nil {
		return err
	}

	_, _, err = stage.Advance(runRoot, "", "tick_post_pivot")
	return err
}

// PivotInputs collects every wave-1 output with its validation status, the
// exact input set the pivot decider consumes.
func PivotInputs(runRoot string) ([]pivot.Input, error) {
	plan, err := wave.LoadPlan(runRoot, 1)
	if err != nil {
		return nil, err
	}
	inputs := make([]pivot.Input, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		markdown, err := wave.ReadOutput(runRoot, entry)
		if err != nil {
			return nil, err
		}
		sidecar, err := wave.LoadSidecar(runRoot, entry)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, pivot.Input{
			PerspectiveID: entry.PerspectiveID,
			OutputMD:      entry.OutputMD,
			Markdown:      markdown,
			Validated:     sidecar != nil && sidecar.Validated,
		})
	}
	return inputs, nil
}

// wave2Stage runs the gap follow-up agents with the same contract loop as
// wave 1 and hands off to citations.
func (e *Engine) wave2Stage(ctx context.Context, runRoot string, m *manifest.Manifest) error {
	plan, err := wave.LoadPlan(runRoot, 2)
	if errs.HasCode(err, errs.NotFound) {
		doc, perr := pivot.Load(runRoot)
		if perr != nil {
			return perr
		}
		plan, perr = wave.BuildWave2Plan(runRoot, m, doc)
		if perr != nil {
			return perr
		}
	} else if err != nil {
		return err
	}

	directives, err := wave.LoadRetryDirectives(runRoot)
	if err != nil {
		return err
	}
	if err := e.runWave(ctx, runRoot, m, plan, directives); err != nil {
		return err
	}
	e.progress(runRoot)

	report, err := wave.Review(runRoot, m, 2)
	if err != nil {
		return err
	}
	if !report.Clean {
		return e.waveRetryOrFail(runRoot, m, report)
	}
	if err := wave.ClearRetryDirectives(runRoot); err != nil {
		return err
	}

	gateB, err := gates.EvaluateB(runRoot)
	if err != nil {
		return err
	}
	if err := e.applyGate(runRoot, gateB, "wave-2 review clean"); err != nil {
		return err
	}

	_, _, err = stage.Advance(runRoot, manifest.StageCitations, "tick_post_pivot")
	return err
}

// citationsStage extracts, validates, and renders citations, then applies
// gate C. A hard gate C failure ends the run with a fallback offer.
func (e *Engine) citationsStage(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult) error {
	ex, err := citations.Extract(runRoot)
	if err != nil {
		return err
	}
	if _, err := citations.BuildURLMap(runRoot, m.RunID, ex); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, manifest.URLMapPath)
	e.progress(runRoot)

	params := e.validateParams(runRoot, m)
	records, err := citations.Validate(ctx, runRoot, ex.FoundByNormalized(), params)
	if err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, manifest.CitationsPath)
	if params.Mode == citations.ModeOnline {
		// Record the fetch results so later replays stay off the network.
		if _, err := citations.Snapshot(runRoot, m.RunID, records); err != nil {
			return err
		}
		res.Artifacts = append(res.Artifacts, manifest.FixturePointerPath)
	}
	if _, err := citations.RenderMarkdown(runRoot, records); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, manifest.ValidatedCitationsPath)
	e.progress(runRoot)

	gateC, err := gates.EvaluateC(runRoot)
	if err != nil {
		return err
	}
	if err := e.applyGate(runRoot, gateC, "citation validation complete"); err != nil {
		return err
	}
	if !gateC.Passed() {
		ferr := errs.New(errs.GateBlocked, "citation validity rates are below the release thresholds").
			WithDetail("gate_id", "C").
			WithDetail("metrics", gateC.Metrics)
		if fberr := e.FallbackOffer(runRoot, manifest.Failure{
			Code:    errs.GateBlocked,
			Message: "gate C failed: citation validity rates below thresholds",
			GateID:  "C",
		}); fberr != nil {
			return fberr
		}
		return ferr
	}

	_, _, err = stage.Advance(runRoot, manifest.StageSummaries, "tick_post_pivot")
	return err
}

// validateParams derives the citation validation mode from the run's
// sensitivity and the engine settings. A recorded snapshot always replays
// offline; no_web runs require offline fixtures.
func (e *Engine) validateParams(runRoot string, m *manifest.Manifest) citations.ValidateParams {
	p := citations.ValidateParams{Mode: citations.ModeOnline}
	if artifact.Exists(filepath.Join(runRoot, manifest.FixturePointerPath)) {
		p.Mode = citations.ModeOffline
		p.UseSnapshot = true
		return p
	}
	if e.Settings.NoWeb || m.Query.Sensitivity == "no_web" {
		p.Mode = citations.ModeOffline
		return p
	}
	p.Online = citations.OnlineOptions{
		Timeout:            time.Duration(e.Settings.HTTPTimeoutMS) * time.Millisecond,
		BrightDataEndpoint: e.Settings.BrightDataEndpoint,
		ApifyEndpoint:      e.Settings.ApifyEndpoint,
	}
	return p
}
