package engine

import (
	"context"

	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/gates"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/review"
	"github.com/danshapiro/paidr/internal/research/stage"
	"github.com/danshapiro/paidr/internal/research/summary"
	"github.com/danshapiro/paidr/internal/research/synthesis"
)

// TickPostSummaries advances one stage of the closing phase: the summary
// pack with gate D, synthesis drafting, and the review loop that either
// finalizes the run or sends the draft back for revision.
func (e *Engine) TickPostSummaries(ctx context.Context, runRoot string) (*TickResult, error) {
	return e.tick(ctx, runRoot, PhasePostSummaries, e.postSummariesWork)
}

// RunPostSummaries ticks the closing phase until the run finalizes or the
// tick cap is hit. The cap bounds the revise loop as a whole, on top of the
// per-run max_review_iterations.
func (e *Engine) RunPostSummaries(ctx context.Context, runRoot string) (*TickResult, error) {
	var last *TickResult
	for i := 0; i < postSummariesTickCap; i++ {
		res, err := e.TickPostSummaries(ctx, runRoot)
		if res != nil {
			last = res
		}
		if err != nil {
			return last, err
		}
		if res.StageAfter == manifest.StageFinalize {
			return last, nil
		}
	}
	return last, errs.New(errs.TickCapExceeded, "closing phase did not finalize within %d ticks", postSummariesTickCap).
		WithDetail("tick_cap", postSummariesTickCap)
}

func (e *Engine) postSummariesWork(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult) error {
	switch m.Stage.Current {
	case manifest.StageSummaries:
		return e.summariesStage(runRoot, m, res)
	case manifest.StageSynthesis:
		return e.synthesisStage(runRoot, m, res)
	case manifest.StageReview:
		return e.reviewStage(runRoot, m, res)
	default:
		return errs.New(errs.InvalidState, "tick_post_summaries expects stage summaries, synthesis, or review, run is at %s", m.Stage.Current).
			WithDetail("stage", m.Stage.Current)
	}
}

// summariesStage builds the bounded summary pack and applies gate D.
func (e *Engine) summariesStage(runRoot string, m *manifest.Manifest, res *TickResult) error {
	if _, err := summary.Build(runRoot, m); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, manifest.SummaryPackPath)
	e.progress(runRoot)

	gateD, err := gates.EvaluateD(runRoot, m)
	if err != nil {
		return err
	}
	if err := e.applyGate(runRoot, gateD, "summary pack built"); err != nil {
		return err
	}
	if !gateD.Passed() {
		ferr := errs.New(errs.GateBlocked, "summary pack violates its size or coverage bounds").
			WithDetail("gate_id", "D").
			WithDetail("metrics", gateD.Metrics)
		if fberr := e.FallbackOffer(runRoot, manifest.Failure{
			Code:    errs.GateBlocked,
			Message: "gate D failed: summary pack violates size or coverage bounds",
			GateID:  "D",
		}); fberr != nil {
			return fberr
		}
		return ferr
	}

	_, _, err = stage.Advance(runRoot, manifest.StageSynthesis, "tick_post_summaries")
	return err
}

// synthesisStage drafts (or redrafts) the synthesis from the summary pack,
// the citation stream, and any pending revision directives.
func (e *Engine) synthesisStage(runRoot string, m *manifest.Manifest, res *TickResult) error {
	pack, err := summary.Load(runRoot)
	if err != nil {
		return err
	}
	records, err := citations.ReadRecords(runRoot)
	if err != nil {
		return err
	}

	var directives []synthesis.Directive
	doc, err := review.LoadDirectives(runRoot)
	if err != nil && !errs.HasCode(err, errs.NotFound) {
		return err
	}
	if doc != nil {
		directives = doc.Directives
	}

	if _, err := synthesis.WriteDraft(runRoot, m, pack, records, directives); err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, manifest.DraftSynthesisPath)
	e.progress(runRoot)

	_, _, err = stage.Advance(runRoot, manifest.StageReview, "tick_post_summaries")
	return err
}

// reviewStage runs the review factory over the draft, applies gate E, and
// follows the control decision: finalize, revise, or escalate.
func (e *Engine) reviewStage(runRoot string, m *manifest.Manifest, res *TickResult) error {
	records, err := citations.ReadRecords(runRoot)
	if err != nil {
		return err
	}
	bundle, err := review.Run(runRoot, m, records)
	if err != nil {
		return err
	}
	res.Artifacts = append(res.Artifacts, manifest.ReviewBundlePath)
	e.progress(runRoot)

	gateE, err := gates.EvaluateE(runRoot)
	if err != nil {
		return err
	}
	if err := e.applyGate(runRoot, gateE, "synthesis reviewed"); err != nil {
		return err
	}

	action, err := review.Control(runRoot, m, bundle, gateE.Passed())
	if err != nil {
		return err
	}
	switch action {
	case review.ActionAdvance:
		if err := synthesis.Finalize(runRoot); err != nil {
			return err
		}
		res.Artifacts = append(res.Artifacts, manifest.FinalSynthesisPath)
		_, _, err = stage.Advance(runRoot, manifest.StageFinalize, "tick_post_summaries")
		return err
	case review.ActionRevise:
		res.Artifacts = append(res.Artifacts, manifest.RevisionDirectivesPath)
		_, _, err = stage.Advance(runRoot, manifest.StageSynthesis, "tick_post_summaries")
		return err
	case review.ActionEscalate:
		ferr := errs.New(errs.RetryExhausted, "review escalated after %d iteration(s) without a passing draft", bundle.Iteration).
			WithDetail("iterations", bundle.Iteration)
		if fberr := e.FallbackOffer(runRoot, manifest.Failure{
			Code:    errs.RetryExhausted,
			Message: ferr.Message,
			GateID:  "E",
		}); fberr != nil {
			return fberr
		}
		return ferr
	default:
		return errs.New(errs.InvalidState, "unknown review control action %q", action)
	}
}
