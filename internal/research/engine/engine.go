// Package engine drives runs tick by tick. Each tick takes the run lock,
// checks the watchdog, executes the current phase's work units, records a
// tick ledger entry, and releases the lock. Hard failures turn into a
// fallback offer so the operator always gets a usable terminal state.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/config"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/runlock"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

// Tick cap per orchestrator_run phase.
const (
	liveTickCap          = 5
	postPivotTickCap     = 5
	postSummariesTickCap = 10
)

// Phase names, as written to the tick ledger.
const (
	PhaseLive          = "live"
	PhasePostPivot     = "post_pivot"
	PhasePostSummaries = "post_summaries"
)

// Engine owns the drivers and settings a run needs to advance.
type Engine struct {
	Driver   AgentDriver
	Settings config.Settings
	Logger   *zap.Logger
}

// New wires an engine. A nil logger becomes a no-op logger; a nil driver
// falls back to an empty scripted driver that fails every agent call.
func New(driver AgentDriver, settings config.Settings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == nil {
		driver = NewScriptedAgentDriver(nil)
	}
	return &Engine{Driver: driver, Settings: settings, Logger: logger}
}

// TickResult reports what one tick did.
type TickResult struct {
	Phase       string
	TickIndex   int
	StageBefore string
	StageAfter  string
	Artifacts   []string
}

// tick wraps one phase execution with the cross-phase discipline: pause and
// cancel checks, run lock, watchdog before and after, panic recovery, and
// the ledger append.
func (e *Engine) tick(ctx context.Context, runRoot, phase string, work func(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult) error) (*TickResult, error) {
	m, err := manifest.Load(runRoot)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case manifest.StatusPaused:
		return nil, errs.New(errs.Paused, "run %s is paused", m.RunID)
	case manifest.StatusCancelled:
		return nil, errs.New(errs.Cancelled, "run %s is cancelled", m.RunID)
	}

	lock, err := runlock.Acquire(runRoot, e.Settings.LockLeaseSeconds, "tick "+phase)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	index, err := telemetry.NextTickIndex(runRoot)
	if err != nil {
		return nil, err
	}
	res := &TickResult{
		Phase:       phase,
		TickIndex:   index,
		StageBefore: m.Stage.Current,
		StageAfter:  m.Stage.Current,
	}

	if err := WatchdogCheck(m, time.Now().UTC()); err != nil {
		e.ledger(runRoot, m, res, err)
		return res, err
	}

	workErr := e.runWork(ctx, runRoot, m, res, phase, work)

	if workErr == nil {
		if after, err := manifest.Load(runRoot); err == nil {
			if wdErr := WatchdogCheck(after, time.Now().UTC()); wdErr != nil {
				workErr = wdErr
			}
		}
	}

	e.ledger(runRoot, m, res, workErr)
	if workErr != nil {
		e.Logger.Warn("tick failed",
			zap.String("run_id", m.RunID),
			zap.String("phase", phase),
			zap.Int("tick_index", index),
			zap.String("error_code", errs.CodeOf(workErr)))
		return res, workErr
	}
	e.Logger.Info("tick complete",
		zap.String("run_id", m.RunID),
		zap.String("phase", phase),
		zap.Int("tick_index", index),
		zap.String("stage_before", res.StageBefore),
		zap.String("stage_after", res.StageAfter))
	return res, nil
}

// runWork executes the phase work and converts panics into coded errors.
func (e *Engine) runWork(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult, phase string, work func(ctx context.Context, runRoot string, m *manifest.Manifest, res *TickResult) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			code := "ORCHESTRATOR_TICK_" + strings.ToUpper(phase) + "_THREW"
			err = errs.New(code, "tick panicked: %v", r).WithDetail("phase", phase)
		}
	}()
	return work(ctx, runRoot, m, res)
}

// ledger appends the tick record. Ledger failures are logged, not fatal.
func (e *Engine) ledger(runRoot string, before *manifest.Manifest, res *TickResult, workErr error) {
	after, err := manifest.Load(runRoot)
	if err != nil {
		after = before
	}
	res.StageAfter = after.Stage.Current

	rec := telemetry.TickRecord{
		RunID:        before.RunID,
		TickIndex:    res.TickIndex,
		Phase:        res.Phase,
		StageBefore:  res.StageBefore,
		StageAfter:   after.Stage.Current,
		StatusBefore: before.Status,
		StatusAfter:  after.Status,
		Result:       "ok",
		Artifacts:    res.Artifacts,
	}
	if workErr != nil {
		rec.Result = "error"
		rec.ErrorCode = errs.CodeOf(workErr)
	}
	if err := telemetry.AppendTick(runRoot, rec); err != nil {
		e.Logger.Warn("tick ledger append failed", zap.String("run_id", before.RunID), zap.Error(err))
	}
}

// progress patches stage.last_progress_at between work units.
func (e *Engine) progress(runRoot string) {
	m, err := manifest.Load(runRoot)
	if err != nil {
		return
	}
	rev := m.Revision
	patch := map[string]any{
		"stage": map[string]any{
			"last_progress_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if _, err := manifest.Write(runRoot, patch, &rev, "progress heartbeat"); err != nil {
		e.Logger.Debug("progress heartbeat failed", zap.Error(err))
	}
}

// FallbackOffer terminates a run after a hard-gate failure: it writes
// logs/fallback-summary.md, marks the run failed with a structured failure
// entry, and attaches the summary to gate F's artifact list.
func (e *Engine) FallbackOffer(runRoot string, failure manifest.Failure) error {
	m, err := manifest.Load(runRoot)
	if err != nil {
		return err
	}
	if failure.TS == "" {
		failure.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if failure.Stage == "" {
		failure.Stage = m.Stage.Current
	}

	md := fallbackSummary(m, failure)
	if err := artifact.WriteTextAtomic(filepath.Join(runRoot, manifest.FallbackSummaryPath), md); err != nil {
		return err
	}

	failures := make([]any, 0, len(m.Failures)+1)
	for _, f := range m.Failures {
		failures = append(failures, failureMap(f))
	}
	failures = append(failures, failureMap(failure))
	rev := m.Revision
	patch := map[string]any{
		"status":   manifest.StatusFailed,
		"failures": failures,
	}
	if _, err := manifest.Write(runRoot, patch, &rev, "fallback_offer"); err != nil {
		return err
	}

	gatesDoc, err := manifest.LoadGates(runRoot)
	if err != nil {
		return err
	}
	gateF, _ := gatesDoc.Gate("F")
	if !containsString(gateF.Artifacts, manifest.FallbackSummaryPath) {
		gateF.Artifacts = append(gateF.Artifacts, manifest.FallbackSummaryPath)
		update := map[string]manifest.Gate{"F": gateF}
		if _, err := manifest.WriteGates(runRoot, update, gatesDoc.InputsDigest, gatesDoc.Revision, "fallback_offer"); err != nil {
			return err
		}
	}

	e.Logger.Error("fallback offered",
		zap.String("run_id", m.RunID),
		zap.String("code", failure.Code),
		zap.String("stage", failure.Stage),
		zap.String("gate_id", failure.GateID))
	return nil
}

func fallbackSummary(m *manifest.Manifest, failure manifest.Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Fallback Summary: %s\n\n", m.RunID)
	fmt.Fprintf(&b, "The run stopped at stage `%s` after a hard failure.\n\n", failure.Stage)
	fmt.Fprintf(&b, "- Code: %s\n", failure.Code)
	if failure.GateID != "" {
		fmt.Fprintf(&b, "- Gate: %s\n", failure.GateID)
	}
	fmt.Fprintf(&b, "- Detail: %s\n\n", failure.Message)
	b.WriteString("## What exists\n\n")
	b.WriteString("All artifacts written before the failure remain valid and carry their inputs digests.\n\n")
	b.WriteString("## Operator instruction\n\n")
	b.WriteString("Inspect the failure above, correct the inputs or environment, and start a new run; this run root is terminal.\n")
	return b.String()
}

func failureMap(f manifest.Failure) map[string]any {
	out := map[string]any{
		"ts":      f.TS,
		"code":    f.Code,
		"message": f.Message,
	}
	if f.GateID != "" {
		out["gate_id"] = f.GateID
	}
	if f.Stage != "" {
		out["stage"] = f.Stage
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
