package engine

import (
	"time"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

// stageTimeouts is the per-stage watchdog budget in seconds.
var stageTimeouts = map[string]int{
	manifest.StageInit:      120,
	manifest.StageWave1:     600,
	manifest.StagePivot:     120,
	manifest.StageWave2:     600,
	manifest.StageCitations: 600,
	manifest.StageSummaries: 600,
	manifest.StageSynthesis: 600,
	manifest.StageReview:    300,
	manifest.StageFinalize:  120,
}

// WatchdogCheck verifies the current stage is within its time budget,
// measured from the later of stage.started_at and stage.last_progress_at.
func WatchdogCheck(m *manifest.Manifest, now time.Time) error {
	budget, ok := stageTimeouts[m.Stage.Current]
	if !ok {
		return errs.New(errs.InvalidState, "no watchdog budget for stage %q", m.Stage.Current)
	}
	since := m.Stage.StartedAt
	if m.Stage.LastProgressAt > since {
		since = m.Stage.LastProgressAt
	}
	if since == "" {
		return nil
	}
	start, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return errs.Wrap(errs.InvalidState, err, "parse stage timestamp %q", since)
	}
	if now.Sub(start) > time.Duration(budget)*time.Second {
		return errs.New(errs.WatchdogTimeout, "stage %s exceeded its %ds budget", m.Stage.Current, budget).
			WithDetail("stage", m.Stage.Current).
			WithDetail("budget_seconds", budget).
			WithDetail("since", since)
	}
	return nil
}
