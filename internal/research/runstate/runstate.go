// Package runstate reads a run root into one read-only snapshot: manifest,
// gates, lock, and the last tick. It is the status surface the CLI and
// tooling render from, and it never mutates anything.
package runstate

import (
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/runlock"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

// Snapshot is the observable state of one run.
type Snapshot struct {
	RunID     string                 `json:"run_id"`
	Stage     string                 `json:"stage"`
	Status    string                 `json:"status"`
	Revision  int                    `json:"revision"`
	UpdatedAt string                 `json:"updated_at"`
	Gates     map[string]GateSummary `json:"gates"`
	Lock      *LockSummary           `json:"lock,omitempty"`
	LastTick  *telemetry.TickRecord  `json:"last_tick,omitempty"`
	Failures  []manifest.Failure     `json:"failures,omitempty"`
}

type GateSummary struct {
	Status    string `json:"status"`
	CheckedAt string `json:"checked_at,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type LockSummary struct {
	State          string `json:"state"`
	HolderID       string `json:"holder_id,omitempty"`
	LeaseExpiresAt string `json:"lease_expires_at,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// LoadSnapshot assembles the snapshot. A missing lock file or empty tick
// ledger is normal and leaves the corresponding field nil.
func LoadSnapshot(runRoot string) (*Snapshot, error) {
	m, err := manifest.Load(runRoot)
	if err != nil {
		return nil, err
	}
	gatesDoc, err := manifest.LoadGates(runRoot)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		RunID:     m.RunID,
		Stage:     m.Stage.Current,
		Status:    m.Status,
		Revision:  m.Revision,
		UpdatedAt: m.UpdatedAt,
		Gates:     make(map[string]GateSummary, len(gatesDoc.Gates)),
		Failures:  m.Failures,
	}
	for id, gate := range gatesDoc.Gates {
		snap.Gates[id] = GateSummary{
			Status:    gate.Status,
			CheckedAt: gate.CheckedAt,
			Notes:     gate.Notes,
		}
	}

	state, file, err := runlock.Inspect(filepath.Join(runRoot, runlock.FileName), time.Now().UTC())
	if err == nil && state != runlock.StateUnlocked && file != nil {
		snap.Lock = &LockSummary{
			State:          string(state),
			HolderID:       file.HolderID,
			LeaseExpiresAt: file.LeaseExpiresAt,
			Reason:         file.Reason,
		}
	}

	ticks, err := telemetry.ReadTicks(runRoot)
	if err != nil {
		return nil, err
	}
	if len(ticks) > 0 {
		last := ticks[len(ticks)-1]
		snap.LastTick = &last
	}
	return snap, nil
}
