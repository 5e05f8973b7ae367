package runstate

import (
	"testing"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/runlock"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

func seedRun(t *testing.T) (string, *manifest.Manifest) {
	t.Helper()
	res, err := manifest.Init(manifest.InitParams{
		RunsRoot:  t.TempDir(),
		QueryText: "grid storage economics",
		Limits: manifest.Limits{
			MaxWave1Agents:      3,
			MaxWave2Agents:      2,
			MaxSummaryKB:        8,
			MaxTotalSummaryKB:   64,
			MaxReviewIterations: 2,
		},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return res.RunRoot, res.Manifest
}

func TestLoadSnapshotFreshRun(t *testing.T) {
	runRoot, m := seedRun(t)
	snap, err := LoadSnapshot(runRoot)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.RunID != m.RunID || snap.Stage != manifest.StageInit {
		t.Fatalf("snapshot: %+v", snap)
	}
	if len(snap.Gates) != 6 || snap.Gates["A"].Status != manifest.GateNotRun {
		t.Fatalf("gates: %+v", snap.Gates)
	}
	if snap.Lock != nil || snap.LastTick != nil {
		t.Fatalf("fresh run should have no lock or ticks: %+v", snap)
	}
}

func TestLoadSnapshotWithLockAndTicks(t *testing.T) {
	runRoot, m := seedRun(t)
	lock, err := runlock.Acquire(runRoot, 30, "test tick")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	rec := telemetry.TickRecord{
		RunID:        m.RunID,
		TickIndex:    1,
		Phase:        "live",
		StageBefore:  manifest.StageInit,
		StageAfter:   manifest.StageWave1,
		StatusBefore: "created",
		StatusAfter:  "running",
		Result:       "ok",
	}
	if err := telemetry.AppendTick(runRoot, rec); err != nil {
		t.Fatalf("AppendTick: %v", err)
	}

	snap, err := LoadSnapshot(runRoot)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Lock == nil || snap.Lock.State != string(runlock.StateLocked) || snap.Lock.HolderID != lock.HolderID {
		t.Fatalf("lock: %+v", snap.Lock)
	}
	if snap.LastTick == nil || snap.LastTick.TickIndex != 1 || snap.LastTick.Phase != "live" {
		t.Fatalf("last tick: %+v", snap.LastTick)
	}
}

func TestLoadSnapshotMissingRun(t *testing.T) {
	if _, err := LoadSnapshot(t.TempDir()); errs.CodeOf(err) != errs.NotFound {
		t.Fatalf("got %v want NOT_FOUND", err)
	}
}
