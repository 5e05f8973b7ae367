package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

func testLimits() Limits {
	return Limits{
		MaxWave1Agents:      3,
		MaxWave2Agents:      2,
		MaxSummaryKB:        8,
		MaxTotalSummaryKB:   64,
		MaxReviewIterations: 2,
	}
}

func initTestRun(t *testing.T) *InitResult {
	t.Helper()
	res, err := Init(InitParams{
		RunsRoot:  t.TempDir(),
		Mode:      "standard",
		QueryText: "battery recycling economics",
		Limits:    testLimits(),
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return res
}

func TestInitCreatesRun(t *testing.T) {
	res := initTestRun(t)
	m := res.Manifest
	if m.Revision != 1 || m.Status != StatusCreated || m.Stage.Current != StageInit {
		t.Fatalf("fresh manifest: %+v", m)
	}
	if m.RunID == "" || m.Artifacts.Root != res.RunRoot {
		t.Fatalf("identity fields: %+v", m)
	}
	if res.Gates.Revision != 1 || len(res.Gates.Gates) != 6 {
		t.Fatalf("fresh gates: %+v", res.Gates)
	}
	for _, id := range GateIDs {
		gate := res.Gates.Gates[id]
		if gate.Status != GateNotRun || gate.Class != GateHard {
			t.Fatalf("gate %s: %+v", id, gate)
		}
	}
	for _, dir := range []string{"citations", "logs", "wave-1", "wave-2", "operator"} {
		if !artifact.Exists(filepath.Join(res.RunRoot, dir)) {
			t.Fatalf("run dir %s missing", dir)
		}
	}
	if _, err := Init(InitParams{
		RunsRoot:  filepath.Dir(res.RunRoot),
		RunID:     m.RunID,
		QueryText: "again",
		Limits:    testLimits(),
	}); errs.CodeOf(err) != errs.InvalidState {
		t.Fatalf("re-init: got %v want INVALID_STATE", err)
	}
}

func TestInitRequiresAbsoluteRunsRoot(t *testing.T) {
	_, err := Init(InitParams{RunsRoot: "relative/dir", QueryText: "q", Limits: testLimits()})
	if errs.CodeOf(err) != errs.InvalidArgs {
		t.Fatalf("relative runs_root: got %v want INVALID_ARGS", err)
	}
}

func TestWriteBumpsRevisionByOne(t *testing.T) {
	res := initTestRun(t)
	before, _ := Load(res.RunRoot)

	m, err := Write(res.RunRoot, map[string]any{"status": StatusRunning}, nil, "start")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.Revision != before.Revision+1 {
		t.Fatalf("revision: got %d want %d", m.Revision, before.Revision+1)
	}
	prev, _ := time.Parse(time.RFC3339Nano, before.UpdatedAt)
	next, _ := time.Parse(time.RFC3339Nano, m.UpdatedAt)
	if !next.After(prev) {
		t.Fatalf("updated_at must strictly increase: %s -> %s", before.UpdatedAt, m.UpdatedAt)
	}
	if m.Status != StatusRunning {
		t.Fatalf("patch not applied: %+v", m)
	}
}

func TestWriteOptimisticRevisionCheck(t *testing.T) {
	res := initTestRun(t)
	expected := 1
	if _, err := Write(res.RunRoot, map[string]any{"status": StatusRunning}, &expected, "start"); err != nil {
		t.Fatalf("matching revision: %v", err)
	}
	stale := 1
	_, err := Write(res.RunRoot, map[string]any{"status": StatusPaused}, &stale, "pause")
	if errs.CodeOf(err) != errs.RevisionMismatch {
		t.Fatalf("stale revision: got %v want REVISION_MISMATCH", err)
	}
	details := errs.DetailsOf(err)
	if details["actual_revision"] != 2 {
		t.Fatalf("details: %v", details)
	}
}

func TestWriteRejectsImmutableFields(t *testing.T) {
	res := initTestRun(t)
	for _, field := range []string{"schema_version", "run_id", "created_at", "artifacts"} {
		_, err := Write(res.RunRoot, map[string]any{field: "x"}, nil, "mutate")
		if errs.CodeOf(err) != errs.ImmutableField {
			t.Fatalf("field %s: got %v want IMMUTABLE_FIELD", field, err)
		}
	}
	// Deleting an immutable field via null is also a touch.
	_, err := Write(res.RunRoot, map[string]any{"run_id": nil}, nil, "delete")
	if errs.CodeOf(err) != errs.ImmutableField {
		t.Fatalf("null immutable: got %v want IMMUTABLE_FIELD", err)
	}
	for _, field := range []string{"revision", "updated_at"} {
		_, err := Write(res.RunRoot, map[string]any{field: 99}, nil, "mutate")
		if errs.CodeOf(err) != errs.InvalidArgs {
			t.Fatalf("field %s: got %v want INVALID_ARGS", field, err)
		}
	}
}

func TestWriteNestedMergeAndDelete(t *testing.T) {
	res := initTestRun(t)
	if _, err := Write(res.RunRoot, map[string]any{
		"metrics": map[string]any{"retry_counts": map[string]any{"B": 1}, "scratch": "x"},
	}, nil, "seed metrics"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m, err := Write(res.RunRoot, map[string]any{
		"metrics": map[string]any{"scratch": nil, "retry_counts": map[string]any{"C": 2}},
		"stage":   map[string]any{"last_progress_at": "2026-01-02T03:04:05Z"},
	}, nil, "update metrics")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := m.Metrics["scratch"]; ok {
		t.Fatalf("null must delete the key: %v", m.Metrics)
	}
	counts, ok := m.Metrics["retry_counts"].(map[string]any)
	if !ok {
		t.Fatalf("retry_counts lost: %v", m.Metrics)
	}
	if len(counts) != 2 {
		t.Fatalf("nested objects must merge, got %v", counts)
	}
	if m.Stage.LastProgressAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("nested stage patch lost: %+v", m.Stage)
	}
	if m.Stage.Current != StageInit {
		t.Fatalf("sibling stage fields must survive the merge: %+v", m.Stage)
	}
}

func TestWriteRevalidatesSchema(t *testing.T) {
	res := initTestRun(t)
	_, err := Write(res.RunRoot, map[string]any{"status": "exploded"}, nil, "bad status")
	if errs.CodeOf(err) != errs.SchemaValidationFailed {
		t.Fatalf("bad enum: got %v want SCHEMA_VALIDATION_FAILED", err)
	}
	m, _ := Load(res.RunRoot)
	if m.Revision != 1 {
		t.Fatalf("failed write must not persist: revision %d", m.Revision)
	}
}

func TestWriteAppendsAudit(t *testing.T) {
	res := initTestRun(t)
	if _, err := Write(res.RunRoot, map[string]any{"status": StatusRunning}, nil, "start run"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	records, err := telemetry.ReadAudit(res.RunRoot)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var found map[string]any
	for _, rec := range records {
		if rec["kind"] == "manifest_write" {
			found = rec
		}
	}
	if found == nil {
		t.Fatalf("no manifest_write audit record: %v", records)
	}
	if found["reason"] != "start run" || found["run_id"] != res.Manifest.RunID {
		t.Fatalf("audit record: %v", found)
	}
}

func TestMergePatchSemantics(t *testing.T) {
	target := map[string]any{
		"a": "keep",
		"b": map[string]any{"x": 1, "y": 2},
		"c": []any{1, 2, 3},
	}
	patch := map[string]any{
		"b": map[string]any{"y": nil, "z": 3},
		"c": []any{9},
		"d": "new",
	}
	out := MergePatch(target, patch)
	b := out["b"].(map[string]any)
	if _, ok := b["y"]; ok {
		t.Fatalf("null must delete: %v", b)
	}
	if b["x"] != 1 || b["z"] != 3 {
		t.Fatalf("object merge: %v", b)
	}
	if len(out["c"].([]any)) != 1 {
		t.Fatalf("arrays must replace wholesale: %v", out["c"])
	}
	if out["a"] != "keep" || out["d"] != "new" {
		t.Fatalf("merge result: %v", out)
	}
	if _, ok := target["d"]; ok {
		t.Fatalf("target must not be mutated")
	}
	if len(target["b"].(map[string]any)) != 2 {
		t.Fatalf("target inner map mutated: %v", target["b"])
	}
}

func TestGatesWriteRules(t *testing.T) {
	res := initTestRun(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	g, err := WriteGates(res.RunRoot, map[string]Gate{
		"A": {Status: GatePass, CheckedAt: now, Metrics: map[string]any{"warnings_count": 0}},
	}, "sha256:aaa", 1, "gate A pass")
	if err != nil {
		t.Fatalf("WriteGates: %v", err)
	}
	if g.Revision != 2 || g.InputsDigest != "sha256:aaa" {
		t.Fatalf("gates doc after write: %+v", g)
	}
	a := g.Gates["A"]
	if a.Status != GatePass || a.Name != "scope_alignment" || a.Class != GateHard {
		t.Fatalf("gate A must keep name/class: %+v", a)
	}
	if g.Gates["B"].Status != GateNotRun {
		t.Fatalf("untouched gates must survive: %+v", g.Gates["B"])
	}

	_, err = WriteGates(res.RunRoot, map[string]Gate{
		"B": {Status: GatePass, CheckedAt: now},
	}, "sha256:bbb", 1, "stale")
	if errs.CodeOf(err) != errs.RevisionMismatch {
		t.Fatalf("stale revision: got %v want REVISION_MISMATCH", err)
	}

	_, err = WriteGates(res.RunRoot, map[string]Gate{
		"B": {Status: GatePass},
	}, "sha256:bbb", 2, "missing checked_at")
	if errs.CodeOf(err) != errs.InvalidArgs {
		t.Fatalf("missing checked_at: got %v want INVALID_ARGS", err)
	}

	_, err = WriteGates(res.RunRoot, map[string]Gate{
		"B": {Status: GateWarn, CheckedAt: now},
	}, "sha256:bbb", 2, "hard warn")
	if errs.CodeOf(err) != errs.InvalidArgs {
		t.Fatalf("hard gate warn: got %v want INVALID_ARGS", err)
	}

	_, err = WriteGates(res.RunRoot, map[string]Gate{
		"Z": {Status: GatePass, CheckedAt: now},
	}, "sha256:bbb", 2, "unknown gate")
	if errs.CodeOf(err) != errs.InvalidArgs {
		t.Fatalf("unknown gate: got %v want INVALID_ARGS", err)
	}

	soft, err := WriteGates(res.RunRoot, map[string]Gate{
		"E": {Class: GateSoft, Status: GateWarn, CheckedAt: now, Warnings: []string{"LOW_CITATION_UTILIZATION"}},
	}, "sha256:ccc", 2, "soft warn allowed")
	if err != nil {
		t.Fatalf("soft warn: %v", err)
	}
	if soft.Gates["E"].Status != GateWarn {
		t.Fatalf("soft gate warn lost: %+v", soft.Gates["E"])
	}
}

func TestCountTransitions(t *testing.T) {
	m := &Manifest{Stage: StageInfo{History: []HistoryEntry{
		{From: "review", To: "synthesis"},
		{From: "synthesis", To: "review"},
		{From: "review", To: "synthesis"},
	}}}
	if got := m.CountTransitions("review", "synthesis"); got != 2 {
		t.Fatalf("CountTransitions: got %d want 2", got)
	}
}
