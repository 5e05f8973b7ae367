package tool

import (
	"context"
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/gates"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
	"github.com/danshapiro/paidr/internal/research/qa"
	"github.com/danshapiro/paidr/internal/research/review"
	"github.com/danshapiro/paidr/internal/research/seed"
	"github.com/danshapiro/paidr/internal/research/stage"
	"github.com/danshapiro/paidr/internal/research/summary"
	"github.com/danshapiro/paidr/internal/research/synthesis"
	"github.com/danshapiro/paidr/internal/research/telemetry"
	"github.com/danshapiro/paidr/internal/research/wave"
)

func (r *Registry) registerAll() {
	r.registerRunOps()
	r.registerWaveOps()
	r.registerCitationOps()
	r.registerSynthesisOps()
	r.registerGateOps()
	r.registerSupportOps()
	r.registerOrchestratorOps()
}

func (r *Registry) registerRunOps() {
	r.register("run_init", obj([]string{"query_text"}, map[string]any{
		"runs_root":   str(),
		"run_id":      str(),
		"mode":        str(),
		"query_text":  str(),
		"constraints": strArray(),
		"sensitivity": str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runsRoot := argString(args, "runs_root")
		if runsRoot == "" {
			runsRoot = r.settings.RunsRoot
		}
		res, err := manifest.Init(manifest.InitParams{
			RunsRoot:    runsRoot,
			RunID:       argString(args, "run_id"),
			Mode:        argString(args, "mode"),
			QueryText:   argString(args, "query_text"),
			Constraints: argStrings(args, "constraints"),
			Sensitivity: argString(args, "sensitivity"),
			Limits:      r.settings.Limits(),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"run_root": res.RunRoot,
			"run_id":   res.Manifest.RunID,
			"revision": res.Manifest.Revision,
		}, nil
	})

	r.register("manifest_write", runRootArgs([]string{"patch", "reason"}, map[string]any{
		"patch":             anyObject(),
		"expected_revision": integer(),
		"reason":            str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		patch, _ := args["patch"].(map[string]any)
		var expected *int
		if n, ok := argInt(args, "expected_revision"); ok {
			expected = &n
		}
		m, err := manifest.Write(argString(args, "run_root"), patch, expected, argString(args, "reason"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"revision": m.Revision, "updated_at": m.UpdatedAt}, nil
	})

	r.register("gates_write", runRootArgs([]string{"update", "expected_revision", "reason"}, map[string]any{
		"update":            anyObject(),
		"inputs_digest":     str(),
		"expected_revision": integer(),
		"reason":            str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		var update map[string]manifest.Gate
		if err := remarshal(args["update"], &update); err != nil {
			return nil, err
		}
		expected, _ := argInt(args, "expected_revision")
		doc, err := manifest.WriteGates(argString(args, "run_root"), update,
			argString(args, "inputs_digest"), expected, argString(args, "reason"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"revision": doc.Revision, "statuses": doc.Statuses()}, nil
	})

	r.register("stage_advance", runRootArgs([]string{"reason"}, map[string]any{
		"requested_next": str(),
		"reason":         str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		m, decision, err := stage.Advance(argString(args, "run_root"),
			argString(args, "requested_next"), argString(args, "reason"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"from":          decision.From,
			"to":            decision.To,
			"checks":        decision.Checks,
			"inputs_digest": decision.InputsDigest,
			"revision":      m.Revision,
		}, nil
	})

	r.register("retry_record", runRootArgs([]string{"gate_id", "change_note"}, map[string]any{
		"gate_id":     str(),
		"change_note": str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		gateID := argString(args, "gate_id")
		m, err := gates.RecordRetry(argString(args, "run_root"), gateID, argString(args, "change_note"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"gate_id": gateID, "retry_count": gates.RetryCount(m, gateID)}, nil
	})
}

func (r *Registry) registerWaveOps() {
	r.register("wave1_plan", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		plan, err := wave.BuildWave1Plan(runRoot, m)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"plan_path":     manifest.Wave1PlanPath,
			"entries":       len(plan.Entries),
			"inputs_digest": plan.InputsDigest,
		}, nil
	})

	r.register("wave_output_ingest", runRootArgs([]string{"wave", "perspective_id", "markdown"}, map[string]any{
		"wave":           integer(),
		"perspective_id": str(),
		"markdown":       str(),
		"retry_count":    integer(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		waveNo, _ := argInt(args, "wave")
		entry, err := planEntry(runRoot, waveNo, argString(args, "perspective_id"))
		if err != nil {
			return nil, err
		}
		retryCount, _ := argInt(args, "retry_count")
		sidecar, err := wave.IngestOutput(runRoot, entry, argString(args, "markdown"), retryCount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output_md": sidecar.OutputMD, "validated": sidecar.Validated}, nil
	})

	r.register("wave_output_validate", runRootArgs([]string{"wave", "perspective_id"}, map[string]any{
		"wave":           integer(),
		"perspective_id": str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		waveNo, _ := argInt(args, "wave")
		pid := argString(args, "perspective_id")
		entry, err := planEntry(runRoot, waveNo, pid)
		if err != nil {
			return nil, err
		}
		perspectives, err := wave.LoadPerspectives(runRoot)
		if err != nil {
			return nil, err
		}
		p, found := perspectives.ByID()[pid]
		if !found {
			return nil, errs.New(errs.MismatchedPerspectiveID, "perspective %q not declared", pid)
		}
		markdown, err := wave.ReadOutput(runRoot, entry)
		if err != nil {
			return nil, err
		}
		res := wave.ValidateOutput(p, entry, markdown)
		if res.OK {
			if err := wave.MarkValidated(runRoot, entry); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			"perspective_id": res.PerspectiveID,
			"valid":          res.OK,
			"codes":          res.Codes,
			"word_count":     res.WordCount,
			"source_count":   res.SourceCount,
		}, nil
	})

	r.register("wave_review", runRootArgs([]string{"wave"}, map[string]any{
		"wave": integer(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		waveNo, _ := argInt(args, "wave")
		report, err := wave.Review(runRoot, m, waveNo)
		if err != nil {
			return nil, err
		}
		retryable, fatal := report.Failing()
		return map[string]any{
			"review_path": wave.ReviewPath(waveNo),
			"clean":       report.Clean,
			"results":     len(report.Results),
			"retryable":   len(retryable),
			"fatal":       len(fatal),
		}, nil
	})

	r.register("pivot_decide", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		inputs, err := engine.PivotInputs(runRoot)
		if err != nil {
			return nil, err
		}
		doc, err := pivot.Decide(m.RunID, inputs, nil)
		if err != nil {
			return nil, err
		}
		if err := pivot.Save(runRoot, doc); err != nil {
			return nil, err
		}
		return map[string]any{
			"wave2_required": doc.Decision.Wave2Required,
			"rule_hit":       doc.Decision.RuleHit,
			"gaps":           len(doc.Gaps),
			"wave2_gap_ids":  doc.Decision.Wave2GapIDs,
		}, nil
	})
}

func (r *Registry) registerCitationOps() {
	r.register("citations_extract_urls", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		ex, err := citations.Extract(runRoot)
		if err != nil {
			return nil, err
		}
		urlMap, err := citations.BuildURLMap(runRoot, m.RunID, ex)
		if err != nil {
			return nil, err
		}
		return map[string]any{"urls": len(ex.URLs), "items": len(urlMap.Items)}, nil
	})

	r.register("citations_normalize", obj([]string{"url"}, map[string]any{
		"url": str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		normalized, err := citations.Normalize(argString(args, "url"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"normalized_url": normalized, "cid": citations.CID(normalized)}, nil
	})

	r.register("citations_validate", runRootArgs(nil, map[string]any{
		"mode":         str(),
		"use_snapshot": boolean(),
	}), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		ex, err := citations.Extract(runRoot)
		if err != nil {
			return nil, err
		}
		params := r.citationParams(runRoot, m, args)
		records, err := citations.Validate(ctx, runRoot, ex.FoundByNormalized(), params)
		if err != nil {
			return nil, err
		}
		if params.Mode == citations.ModeOnline {
			if _, err := citations.Snapshot(runRoot, m.RunID, records); err != nil {
				return nil, err
			}
		}
		return map[string]any{"records": len(records), "mode": params.Mode, "statuses": statusCounts(records)}, nil
	})

	r.register("citations_render_md", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		records, err := citations.ReadRecords(runRoot)
		if err != nil {
			return nil, err
		}
		md, err := citations.RenderMarkdown(runRoot, records)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": manifest.ValidatedCitationsPath, "bytes": len(md)}, nil
	})

	r.register("fixture_replay", runRootArgs(nil, nil), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		ex, err := citations.Extract(runRoot)
		if err != nil {
			return nil, err
		}
		records, err := citations.Validate(ctx, runRoot, ex.FoundByNormalized(), citations.ValidateParams{
			Mode:        citations.ModeOffline,
			UseSnapshot: true,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"records": len(records), "statuses": statusCounts(records)}, nil
	})
}

func (r *Registry) registerSynthesisOps() {
	r.register("summary_pack_build", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		pack, err := summary.Build(runRoot, m)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"pack_path": manifest.SummaryPackPath,
			"count":     pack.Totals.Count,
			"total_kb":  pack.Totals.TotalKB,
			"missing":   pack.Totals.Missing,
		}, nil
	})

	r.register("synthesis_write", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		pack, err := summary.Load(runRoot)
		if err != nil {
			return nil, err
		}
		records, err := citations.ReadRecords(runRoot)
		if err != nil {
			return nil, err
		}
		var directives []synthesis.Directive
		if doc, err := review.LoadDirectives(runRoot); err == nil {
			directives = doc.Directives
		} else if !errs.HasCode(err, errs.NotFound) {
			return nil, err
		}
		draft, err := synthesis.WriteDraft(runRoot, m, pack, records, directives)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": manifest.DraftSynthesisPath, "bytes": len(draft)}, nil
	})

	r.register("review_factory_run", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		records, err := citations.ReadRecords(runRoot)
		if err != nil {
			return nil, err
		}
		bundle, err := review.Run(runRoot, m, records)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"bundle_path": manifest.ReviewBundlePath,
			"decision":    bundle.Decision,
			"iteration":   bundle.Iteration,
			"reviews":     len(bundle.Reviews),
		}, nil
	})

	r.register("revision_control", runRootArgs(nil, map[string]any{
		"gate_e_passed": boolean(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		m, err := manifest.Load(runRoot)
		if err != nil {
			return nil, err
		}
		bundle, err := review.Load(runRoot)
		if err != nil {
			return nil, err
		}
		gateEPassed := argBool(args, "gate_e_passed")
		if _, given := args["gate_e_passed"]; !given {
			doc, err := manifest.LoadGates(runRoot)
			if err != nil {
				return nil, err
			}
			g, _ := doc.Gate("E")
			gateEPassed = g.Status == manifest.GatePass
		}
		action, err := review.Control(runRoot, m, bundle, gateEPassed)
		if err != nil {
			return nil, err
		}
		if action == review.ActionAdvance {
			if err := synthesis.Finalize(runRoot); err != nil {
				return nil, err
			}
		}
		return map[string]any{"action": action, "iteration": bundle.Iteration}, nil
	})
}

func (r *Registry) registerGateOps() {
	type evaluator func(runRoot string, m *manifest.Manifest) (gates.Result, error)
	evaluators := map[string]evaluator{
		"gate_a_evaluate": gates.EvaluateA,
		"gate_b_evaluate": func(runRoot string, _ *manifest.Manifest) (gates.Result, error) {
			return gates.EvaluateB(runRoot)
		},
		"gate_c_evaluate": func(runRoot string, _ *manifest.Manifest) (gates.Result, error) {
			return gates.EvaluateC(runRoot)
		},
		"gate_d_evaluate": gates.EvaluateD,
		"gate_e_evaluate": func(runRoot string, _ *manifest.Manifest) (gates.Result, error) {
			return gates.EvaluateE(runRoot)
		},
	}
	for name, evaluate := range evaluators {
		evaluate := evaluate
		r.register(name, runRootArgs(nil, map[string]any{
			"apply":  boolean(),
			"reason": str(),
		}), func(_ context.Context, args map[string]any) (map[string]any, error) {
			runRoot := argString(args, "run_root")
			m, err := manifest.Load(runRoot)
			if err != nil {
				return nil, err
			}
			res, err := evaluate(runRoot, m)
			if err != nil {
				return nil, err
			}
			if argBool(args, "apply") {
				reason := argString(args, "reason")
				if reason == "" {
					reason = "tool gate evaluate"
				}
				doc, err := manifest.LoadGates(runRoot)
				if err != nil {
					return nil, err
				}
				if _, err := gates.Apply(runRoot, res, doc.Revision, reason); err != nil {
					return nil, err
				}
			}
			return map[string]any{
				"gate_id":  res.GateID,
				"status":   res.Status,
				"passed":   res.Passed(),
				"metrics":  res.Metrics,
				"warnings": res.Warnings,
			}, nil
		})
	}

	r.register("gate_b_derive", runRootArgs([]string{"wave"}, map[string]any{
		"wave":               integer(),
		"directives_pending": boolean(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		waveNo, _ := argInt(args, "wave")
		report, err := wave.LoadReview(argString(args, "run_root"), waveNo)
		if err != nil {
			return nil, err
		}
		if report == nil {
			return nil, errs.New(errs.MissingArtifact, "wave %d has no review report", waveNo).
				WithDetail("artifact", wave.ReviewPath(waveNo))
		}
		res, err := gates.DeriveB(report, argBool(args, "directives_pending"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"gate_id": res.GateID, "status": res.Status, "metrics": res.Metrics}, nil
	})

	r.register("gate_c_compute", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		urlMap, err := citations.LoadURLMap(runRoot)
		if err != nil {
			return nil, err
		}
		records, err := citations.ReadRecords(runRoot)
		if err != nil {
			return nil, err
		}
		res, err := gates.ComputeC(urlMap, records)
		if err != nil {
			return nil, err
		}
		return map[string]any{"gate_id": res.GateID, "status": res.Status, "metrics": res.Metrics}, nil
	})

	r.register("gate_e_reports", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		draft, err := synthesis.ReadDraft(runRoot)
		if err != nil {
			return nil, err
		}
		records, err := citations.ReadRecords(runRoot)
		if err != nil {
			return nil, err
		}
		rep := gates.ReportsE(draft, records)
		return map[string]any{
			"missing_headings":       rep.MissingHeadings,
			"uncited_numeric_claims": rep.UncitedNumericClaims,
			"unknown_citation_ids":   rep.UnknownCitationIDs,
			"citation_markers":       rep.CitationMarkers,
			"distinct_cited":         rep.DistinctCited,
			"usable_records":         rep.UsableRecords,
		}, nil
	})
}

func (r *Registry) registerSupportOps() {
	r.register("fallback_offer", runRootArgs([]string{"code", "message"}, map[string]any{
		"code":    str(),
		"message": str(),
		"gate_id": str(),
		"stage":   str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runRoot := argString(args, "run_root")
		err := r.engine.FallbackOffer(runRoot, manifest.Failure{
			Code:    argString(args, "code"),
			Message: argString(args, "message"),
			GateID:  argString(args, "gate_id"),
			Stage:   argString(args, "stage"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"fallback_summary": manifest.FallbackSummaryPath}, nil
	})

	r.register("telemetry_append", runRootArgs([]string{"event"}, map[string]any{
		"event": anyObject(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		event, _ := args["event"].(map[string]any)
		seq, err := telemetry.Append(argString(args, "run_root"), event)
		if err != nil {
			return nil, err
		}
		return map[string]any{"seq": seq}, nil
	})

	r.register("tick_ledger_append", runRootArgs([]string{"record"}, map[string]any{
		"record": anyObject(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		var rec telemetry.TickRecord
		if err := remarshal(args["record"], &rec); err != nil {
			return nil, err
		}
		if err := telemetry.AppendTick(argString(args, "run_root"), rec); err != nil {
			return nil, err
		}
		return map[string]any{"tick_index": rec.TickIndex}, nil
	})

	r.register("watchdog_check", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		m, err := manifest.Load(argString(args, "run_root"))
		if err != nil {
			return nil, err
		}
		if err := engine.WatchdogCheck(m, time.Now().UTC()); err != nil {
			return nil, err
		}
		return map[string]any{"stage": m.Stage.Current, "within_budget": true}, nil
	})

	r.register("dry_run_seed", obj(nil, map[string]any{
		"runs_root": str(),
	}), func(_ context.Context, args map[string]any) (map[string]any, error) {
		runsRoot := argString(args, "runs_root")
		if runsRoot == "" {
			runsRoot = r.settings.RunsRoot
		}
		res, err := seed.Apply(runsRoot, seed.DefaultSpec())
		if err != nil {
			return nil, err
		}
		// Subsequent orchestrator ops on the seeded run replay its
		// scripted outputs.
		r.engine.Driver = res.Driver
		return map[string]any{"run_root": res.RunRoot, "run_id": res.RunID}, nil
	})

	r.register("regression_run", obj([]string{"scenario_path"}, map[string]any{
		"scenario_path": str(),
		"runs_root":     str(),
	}), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		sc, err := qa.LoadScenario(argString(args, "scenario_path"))
		if err != nil {
			return nil, err
		}
		runsRoot := argString(args, "runs_root")
		if runsRoot == "" {
			runsRoot = r.settings.RunsRoot
		}
		report, err := qa.RunScenario(ctx, runsRoot, sc, r.settings)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"name":       report.Name,
			"run_root":   report.RunRoot,
			"passed":     report.Passed,
			"mismatches": report.Mismatches,
			"run_error":  report.RunError,
		}, nil
	})

	r.register("quality_audit", runRootArgs(nil, nil), func(_ context.Context, args map[string]any) (map[string]any, error) {
		report, err := qa.Audit(argString(args, "run_root"))
		if err != nil {
			return nil, err
		}
		violations := make([]map[string]any, 0, len(report.Violations))
		for _, v := range report.Violations {
			violations = append(violations, map[string]any{
				"artifact": v.Artifact,
				"code":     v.Code,
				"message":  v.Message,
			})
		}
		return map[string]any{
			"run_id":     report.RunID,
			"checked":    report.Checked,
			"clean":      report.Clean,
			"violations": violations,
		}, nil
	})
}

func (r *Registry) registerOrchestratorOps() {
	ticks := map[string]func(context.Context, string) (*engine.TickResult, error){
		"orchestrator_tick_live":           r.engine.TickLive,
		"orchestrator_tick_post_pivot":     r.engine.TickPostPivot,
		"orchestrator_tick_post_summaries": r.engine.TickPostSummaries,
		"orchestrator_run_live":            r.engine.RunLive,
		"orchestrator_run_post_pivot":      r.engine.RunPostPivot,
		"orchestrator_run_post_summaries":  r.engine.RunPostSummaries,
	}
	for name, run := range ticks {
		run := run
		r.register(name, runRootArgs(nil, nil), func(ctx context.Context, args map[string]any) (map[string]any, error) {
			res, err := run(ctx, argString(args, "run_root"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"phase":        res.Phase,
				"tick_index":   res.TickIndex,
				"stage_before": res.StageBefore,
				"stage_after":  res.StageAfter,
				"artifacts":    res.Artifacts,
			}, nil
		})
	}
}

// citationParams mirrors the engine's mode selection, with explicit args
// taking precedence over settings and run sensitivity.
func (r *Registry) citationParams(runRoot string, m *manifest.Manifest, args map[string]any) citations.ValidateParams {
	p := citations.ValidateParams{Mode: argString(args, "mode"), UseSnapshot: argBool(args, "use_snapshot")}
	if p.Mode == "" {
		switch {
		case artifact.Exists(filepath.Join(runRoot, manifest.FixturePointerPath)):
			p.Mode = citations.ModeOffline
			p.UseSnapshot = true
		case r.settings.NoWeb || m.Query.Sensitivity == "no_web":
			p.Mode = citations.ModeOffline
		default:
			p.Mode = citations.ModeOnline
		}
	}
	if p.Mode == citations.ModeOnline {
		p.Online = citations.OnlineOptions{
			Timeout:            time.Duration(r.settings.HTTPTimeoutMS) * time.Millisecond,
			BrightDataEndpoint: r.settings.BrightDataEndpoint,
			ApifyEndpoint:      r.settings.ApifyEndpoint,
		}
	}
	return p
}

func statusCounts(records []citations.Record) map[string]int {
	counts := map[string]int{}
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts
}

func planEntry(runRoot string, waveNo int, perspectiveID string) (wave.PlanEntry, error) {
	plan, err := wave.LoadPlan(runRoot, waveNo)
	if err != nil {
		return wave.PlanEntry{}, err
	}
	for _, entry := range plan.Entries {
		if entry.PerspectiveID == perspectiveID {
			return entry, nil
		}
	}
	return wave.PlanEntry{}, errs.New(errs.MismatchedPerspectiveID,
		"perspective %q is not in the wave %d plan", perspectiveID, waveNo).
		WithDetail("wave", waveNo)
}
