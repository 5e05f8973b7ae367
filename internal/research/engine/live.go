package engine

import (
	"context"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/gates"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/stage"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// TickLive advances a run through the live phase: init to wave1, then the
// wave-1 agent loop with contract review, gate B, and the pivot handoff. A
// run whose wave-1 outputs need retrying stops with RETRY_REQUIRED and
// pending directives; the next tick reruns only the failing perspectives.
func (e *Engine) TickLive(ctx context.Context, runRoot string) (*TickResult, error) {
	return e.tick(ctx, runRoot, PhaseLive, e.liveWork)
}

// RunLive ticks the live phase until the run leaves it or the tick cap is
// reached. Retryable ticks count against the cap like any other tick.
func (e *Engine) RunLive(ctx context.Context, runRoot string) (*TickResult, error) {
	var last *TickResult
	for i := 0; i < liveTickCap; i++ {
		res, err := e.TickLive(ctx, runRoot)
		if res != nil {
			last = res
		}
		if err != nil {
			if errs.HasCode(err, errs.RetryRequired) {
				continue
			}
			return last, err
		}
		if res.StageAfter != manifest.StageInit && res.StageAfter != manifest.StageWave1 {
			return last, nil
		}
	}
	return last, errs.New(errs.TickCapExceeded, "live phase did not leave wave1 within %d ticks", liveTickCap).
		WithDetail("tick_cap", liveTickCap)
}

func (e *Engine) liveWork(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult) error {
	if m.Stage.Current == manifest.StageInit {
		next, _, err := stage.Advance(runRoot, manifest.StageWave1, "tick_live")
		if err != nil {
			return err
		}
		m = next
	}
	if m.Stage.Current != manifest.StageWave1 {
		return errs.New(errs.InvalidState, "tick_live expects stage init or wave1, run is at %s", m.Stage.Current).
			WithDetail("stage", m.Stage.Current)
	}

	plan, err := wave.LoadPlan(runRoot, 1)
	if errs.HasCode(err, errs.NotFound) {
		plan, err = wave.BuildWave1Plan(runRoot, m)
		if err != nil {
			return err
		}
		res.Artifacts = append(res.Artifacts, manifest.Wave1PlanPath)

		gateA, aerr := gates.EvaluateA(runRoot, m)
		if aerr != nil {
			return aerr
		}
		if aerr = e.applyGate(runRoot, gateA, "wave1 plan scope alignment"); aerr != nil {
			return aerr
		}
		if !gateA.Passed() {
			ferr := errs.New(errs.GateBlocked, "wave-1 prompts diverge from the scope contract").
				WithDetail("gate_id", "A")
			if fberr := e.FallbackOffer(runRoot, manifest.Failure{
				Code:    errs.GateBlocked,
				Message: "gate A failed: wave-1 prompts diverge from the scope contract",
				GateID:  "A",
			}); fberr != nil {
				return fberr
			}
			return ferr
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

	report, err := wave.Review(runRoot, m, 1)
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
	if err := e.applyGate(runRoot, gateB, "wave-1 review clean"); err != nil {
		return err
	}

	if _, _, err := stage.Advance(runRoot, manifest.StagePivot, "tick_live"); err != nil {
		return err
	}
	return nil
}

// runWave executes agents for a wave plan. With pending retry directives
// only the named perspectives rerun, using prompts recomposed with the
// change note; otherwise every entry without an ingested output runs.
func (e *Engine) runWave(ctx context.Context, runRoot string, m *manifest.Manifest, plan *wave.Plan, directives *wave.RetryDirectives) error {
	scope, err := wave.LoadScope(runRoot)
	if err != nil {
		return err
	}
	persp, err := wave.LoadPerspectives(runRoot)
	if err != nil {
		return err
	}
	byID := persp.ByID()

	for _, entry := range plan.Entries {
		prompt := entry.PromptMD
		retryCount := 0

		if directives != nil {
			dir, pending := directives.Directive(entry.PerspectiveID)
			if !pending {
				continue
			}
			p, ok := byID[entry.PerspectiveID]
			if !ok {
				return errs.New(errs.MismatchedPerspectiveID, "directive targets unknown perspective %s", entry.PerspectiveID).
					WithDetail("perspective_id", entry.PerspectiveID)
			}
			prompt = wave.ComposePrompt(scope, p, dir.ChangeNote)
			retryCount = dir.Attempt
		} else {
			sidecar, err := wave.LoadSidecar(runRoot, entry)
			if err != nil {
				return err
			}
			if sidecar != nil {
				continue
			}
		}

		resp, err := e.Driver.RunAgent(ctx, AgentRequest{
			RunID:         m.RunID,
			Stage:         m.Stage.Current,
			RunRoot:       runRoot,
			PerspectiveID: entry.PerspectiveID,
			AgentType:     entry.AgentType,
			PromptMD:      prompt,
			OutputMD:      entry.OutputMD,
		})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return errs.New(errs.RunAgentFailed, "agent for %s failed: %s", entry.PerspectiveID, resp.Error.Message).
				WithDetail("perspective_id", entry.PerspectiveID).
				WithDetail("agent_error_code", resp.Error.Code)
		}
		if _, err := wave.IngestOutput(runRoot, entry, resp.Markdown, retryCount); err != nil {
			return err
		}
		e.progress(runRoot)
	}
	return nil
}

// waveRetryOrFail converts a dirty review into retry directives when every
// failure is retryable, recording the gate B attempt. Fatal failures or an
// exhausted cap end the run with a fallback offer.
func (e *Engine) waveRetryOrFail(runRoot string, m *manifest.Manifest, report *wave.ReviewReport) error {
	gateB, err := gates.EvaluateB(runRoot)
	if err != nil {
		return err
	}
	if err := e.applyGate(runRoot, gateB, "wave review found contract failures"); err != nil {
		return err
	}

	retryable, fatal := report.Failing()
	if len(fatal) > 0 {
		ferr := errs.New(errs.Wave1ContractNotMet, "%d wave-%d output(s) failed non-retryable contract checks", len(fatal), report.Wave).
			WithDetail("wave", report.Wave)
		if fberr := e.FallbackOffer(runRoot, manifest.Failure{
			Code:    errs.Wave1ContractNotMet,
			Message: ferr.Message,
			GateID:  "B",
		}); fberr != nil {
			return fberr
		}
		return ferr
	}

	attempt := gates.RetryCount(m, "B") + 1
	note := "retry wave outputs: "
	for i, res := range retryable {
		if i > 0 {
			note += ", "
		}
		note += res.PerspectiveID
	}
	if _, err := gates.RecordRetry(runRoot, "B", note); err != nil {
		if errs.HasCode(err, errs.RetryCapExhausted) {
			if fberr := e.FallbackOffer(runRoot, manifest.Failure{
				Code:    errs.RetryCapExhausted,
				Message: "gate B retry cap exhausted with outputs still failing contract checks",
				GateID:  "B",
			}); fberr != nil {
				return fberr
			}
		}
		return err
	}
	doc := wave.BuildRetryDirectives(m.RunID, retryable, attempt)
	if err := wave.SaveRetryDirectives(runRoot, doc); err != nil {
		return err
	}
	return errs.New(errs.RetryRequired, "%d wave-%d output(s) need a retry tick", len(retryable), report.Wave).
		WithDetail("wave", report.Wave).
		WithDetail("attempt", attempt)
}

// applyGate persists a gate result at the current gates revision.
func (e *Engine) applyGate(runRoot string, res gates.Result, reason string) error {
	doc, err := manifest.LoadGates(runRoot)
	if err != nil {
		return err
	}
	_, err = gates.Apply(runRoot, res, doc.Revision, reason)
	return err
}
