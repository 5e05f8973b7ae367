// Package manifest owns the two revisioned control-plane documents of a run,
// manifest.json and gates.json, and the merge-patch mutators that are the
// only legal way to change them.
package manifest

import (
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
)

// Artifact locations relative to the run root.
const (
	ManifestPath           = "manifest.json"
	GatesPath              = "gates.json"
	PerspectivesPath       = "perspectives.json"
	PivotPath              = "pivot.json"
	ScopePath              = "operator/scope.json"
	Wave1Dir               = "wave-1"
	Wave2Dir               = "wave-2"
	Wave1PlanPath          = "wave-1/wave1-plan.json"
	Wave2PlanPath          = "wave-2/wave2-plan.json"
	ExtractedURLsPath      = "citations/extracted-urls.txt"
	URLMapPath             = "citations/url-map.json"
	CitationsPath          = "citations/citations.jsonl"
	ValidatedCitationsPath = "citations/validated-citations.md"
	OfflineFixturesPath    = "citations/offline-fixtures.json"
	FixturePointerPath     = "citations/online-fixtures.latest.json"
	SummaryPackPath        = "summaries/summary-pack.json"
	DraftSynthesisPath     = "synthesis/draft-synthesis.md"
	FinalSynthesisPath     = "synthesis/final-synthesis.md"
	ReviewBundlePath       = "review/review-bundle.json"
	RevisionDirectivesPath = "review/revision-directives.json"
	RetryDirectivesPath    = "retry/retry-directives.json"
	FallbackSummaryPath    = "logs/fallback-summary.md"
)

// Run stages in pipeline order.
const (
	StageInit      = "init"
	StageWave1     = "wave1"
	StagePivot     = "pivot"
	StageWave2     = "wave2"
	StageCitations = "citations"
	StageSummaries = "summaries"
	StageSynthesis = "synthesis"
	StageReview    = "review"
	StageFinalize  = "finalize"
)

// Run statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Manifest is the typed view of manifest.json.
type Manifest struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	Revision      int            `json:"revision"`
	Mode          string         `json:"mode"`
	Status        string         `json:"status"`
	Query         Query          `json:"query"`
	Artifacts     Artifacts      `json:"artifacts"`
	Stage         StageInfo      `json:"stage"`
	Limits        Limits         `json:"limits"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	Failures      []Failure      `json:"failures,omitempty"`
}

type Query struct {
	Text        string   `json:"text"`
	Constraints []string `json:"constraints,omitempty"`
	Sensitivity string   `json:"sensitivity,omitempty"`
}

type Artifacts struct {
	Root  string            `json:"root"`
	Paths map[string]string `json:"paths"`
}

type StageInfo struct {
	Current        string         `json:"current"`
	StartedAt      string         `json:"started_at"`
	LastProgressAt string         `json:"last_progress_at,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

type HistoryEntry struct {
	From          string `json:"from"`
	To            string `json:"to"`
	TS            string `json:"ts"`
	Reason        string `json:"reason,omitempty"`
	InputsDigest  string `json:"inputs_digest,omitempty"`
	GatesRevision int    `json:"gates_revision,omitempty"`
}

type Limits struct {
	MaxWave1Agents      int `json:"max_wave1_agents"`
	MaxWave2Agents      int `json:"max_wave2_agents"`
	MaxSummaryKB        int `json:"max_summary_kb"`
	MaxTotalSummaryKB   int `json:"max_total_summary_kb"`
	MaxReviewIterations int `json:"max_review_iterations"`
}

type Failure struct {
	TS      string `json:"ts"`
	Code    string `json:"code"`
	Message string `json:"message"`
	GateID  string `json:"gate_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// Load reads and decodes manifest.json under runRoot.
func Load(runRoot string) (*Manifest, error) {
	var m Manifest
	if err := artifact.ReadJSON(filepath.Join(runRoot, ManifestPath), &m); err != nil {
		return nil, err
	}
	if m.SchemaVersion != "manifest.v1" {
		return nil, errs.New(errs.InvalidState, "unexpected manifest schema_version %q", m.SchemaVersion)
	}
	return &m, nil
}

// CountTransitions counts stage.history entries moving from one stage to
// another. The review loop uses review->synthesis occurrences as its
// iteration counter.
func (m *Manifest) CountTransitions(from, to string) int {
	n := 0
	for _, h := range m.Stage.History {
		if h.From == from && h.To == to {
			n++
		}
	}
	return n
}

// Terminal reports whether the run can no longer advance.
func (m *Manifest) Terminal() bool {
	switch m.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// nextTimestamp returns the current UTC time in RFC3339Nano, nudged forward
// when the clock has not advanced past prev so updated_at stays strictly
// increasing across successive writes.
func nextTimestamp(prev string) string {
	now := time.Now().UTC()
	if prev != "" {
		if p, err := time.Parse(time.RFC3339Nano, prev); err == nil && !now.After(p) {
			now = p.Add(time.Nanosecond)
		}
	}
	return now.Format(time.RFC3339Nano)
}
