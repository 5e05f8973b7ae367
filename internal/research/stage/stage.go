// Package stage advances a run through its pipeline. A transition is legal
// only when the stage graph allows it, its prerequisite artifacts exist, and
// its guarding gates pass; the decision is digested so any advance can be
// audited from the manifest history alone.
package stage

import (
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/pivot"
	"github.com/danshapiro/paidr/internal/research/review"
)

// transitions is the stage graph. Order matters for ambiguous stages: the
// first allowed target is the default when no disambiguation applies.
var transitions = map[string][]string{
	manifest.StageInit:      {manifest.StageWave1},
	manifest.StageWave1:     {manifest.StagePivot},
	manifest.StagePivot:     {manifest.StageWave2, manifest.StageCitations},
	manifest.StageWave2:     {manifest.StageCitations},
	manifest.StageCitations: {manifest.StageSummaries},
	manifest.StageSummaries: {manifest.StageSynthesis},
	manifest.StageSynthesis: {manifest.StageReview},
	manifest.StageReview:    {manifest.StageSynthesis, manifest.StageFinalize},
	manifest.StageFinalize:  {},
}

// Decision records what an advance evaluated, for the audit trail.
type Decision struct {
	From         string            `json:"from"`
	To           string            `json:"to"`
	Requested    string            `json:"requested_next,omitempty"`
	Checks       map[string]string `json:"checks"`
	InputsDigest string            `json:"inputs_digest"`
}

// Advance moves the run to the next stage. requestedNext may be empty; for
// the ambiguous stages (pivot, review) the disambiguating artifact decides.
func Advance(runRoot string, requestedNext, reason string) (*manifest.Manifest, *Decision, error) {
	m, err := manifest.Load(runRoot)
	if err != nil {
		return nil, nil, err
	}
	if m.Terminal() {
		return nil, nil, errs.New(errs.InvalidState, "run is %s and cannot advance", m.Status)
	}
	gatesDoc, err := manifest.LoadGates(runRoot)
	if err != nil {
		return nil, nil, err
	}

	from := m.Stage.Current
	allowed := transitions[from]
	if len(allowed) == 0 {
		return nil, nil, errs.New(errs.InvalidState, "stage %q has no next stage", from).WithDetail("stage", from)
	}

	to := requestedNext
	if to == "" {
		to, err = disambiguate(runRoot, from, allowed)
		if err != nil {
			return nil, nil, err
		}
	} else if !contains(allowed, to) {
		return nil, nil, errs.New(errs.RequestedNextNotAllowed, "cannot advance %s -> %s", from, to).
			WithDetail("from", from).
			WithDetail("requested_next", to).
			WithDetail("allowed", allowed)
	}

	checks, err := guard(runRoot, gatesDoc, from, to)
	if err != nil {
		return nil, nil, err
	}

	digest, err := canonical.Digest(map[string]any{
		"from":              from,
		"to":                to,
		"requested_next":    requestedNext,
		"manifest_revision": m.Revision,
		"gates_revision":    gatesDoc.Revision,
		"gate_statuses":     gatesDoc.Statuses(),
		"checks":            checks,
	})
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	history := append(historyPatch(m.Stage.History), map[string]any{
		"from":           from,
		"to":             to,
		"ts":             now,
		"reason":         reason,
		"inputs_digest":  digest,
		"gates_revision": gatesDoc.Revision,
	})
	status := manifest.StatusRunning
	if to == manifest.StageFinalize {
		status = manifest.StatusCompleted
	}
	patch := map[string]any{
		"status": status,
		"stage": map[string]any{
			"current":    to,
			"started_at": now,
			"history":    history,
		},
	}
	rev := m.Revision
	updated, err := manifest.Write(runRoot, patch, &rev, reason)
	if err != nil {
		return nil, nil, err
	}
	return updated, &Decision{
		From:         from,
		To:           to,
		Requested:    requestedNext,
		Checks:       checks,
		InputsDigest: digest,
	}, nil
}

// Allowed returns the legal next stages for a stage.
func Allowed(from string) []string {
	return append([]string(nil), transitions[from]...)
}

// disambiguate picks the target for stages with two successors by reading
// the deciding artifact.
func disambiguate(runRoot, from string, allowed []string) (string, error) {
	switch from {
	case manifest.StagePivot:
		doc, err := pivot.Load(runRoot)
		if err != nil {
			if errs.HasCode(err, errs.NotFound) {
				return "", errs.New(errs.MissingArtifact, "pivot decision required to leave the pivot stage")
			}
			return "", err
		}
		if doc.Decision.Wave2Required {
			return manifest.StageWave2, nil
		}
		return manifest.StageCitations, nil
	case manifest.StageReview:
		bundle, err := review.Load(runRoot)
		if err != nil {
			if errs.HasCode(err, errs.NotFound) {
				return "", errs.New(errs.MissingArtifact, "review bundle required to leave the review stage")
			}
			return "", err
		}
		if bundle.Decision == review.Pass {
			return manifest.StageFinalize, nil
		}
		return manifest.StageSynthesis, nil
	default:
		return allowed[0], nil
	}
}

// guard evaluates the prerequisites of one transition. It returns the checks
// it evaluated keyed by check name.
func guard(runRoot string, gatesDoc *manifest.GatesDoc, from, to string) (map[string]string, error) {
	checks := map[string]string{}

	requireArtifact := func(rel string) error {
		if artifact.Exists(filepath.Join(runRoot, rel)) {
			checks[rel] = "present"
			return nil
		}
		checks[rel] = "missing"
		return errs.New(errs.MissingArtifact, "%s -> %s requires %s", from, to, rel).
			WithDetail("artifact", rel).
			WithDetail("checks", checks)
	}
	requireGate := func(id string) error {
		gate, ok := gatesDoc.Gate(id)
		checks["gate_"+id] = gate.Status
		if ok && (gate.Status == manifest.GatePass || gate.Status == manifest.GateWarn) {
			return nil
		}
		return errs.New(errs.GateBlocked, "%s -> %s requires gate %s pass, found %s", from, to, id, gate.Status).
			WithDetail("gate_id", id).
			WithDetail("checks", checks)
	}

	switch {
	case from == manifest.StageInit && to == manifest.StageWave1:
		if err := requireArtifact(manifest.ScopePath); err != nil {
			return checks, err
		}
		return checks, requireArtifact(manifest.PerspectivesPath)
	case from == manifest.StageWave1 && to == manifest.StagePivot:
		if err := requireArtifact(manifest.Wave1PlanPath); err != nil {
			return checks, err
		}
		return checks, requireGate("B")
	case from == manifest.StagePivot:
		if err := requireArtifact(manifest.PivotPath); err != nil {
			return checks, err
		}
		return checks, nil
	case from == manifest.StageWave2 && to == manifest.StageCitations:
		return checks, requireArtifact(manifest.Wave2PlanPath)
	case from == manifest.StageCitations && to == manifest.StageSummaries:
		if err := requireArtifact(manifest.CitationsPath); err != nil {
			return checks, err
		}
		return checks, requireGate("C")
	case from == manifest.StageSummaries && to == manifest.StageSynthesis:
		if err := requireArtifact(manifest.SummaryPackPath); err != nil {
			return checks, err
		}
		return checks, requireGate("D")
	case from == manifest.StageSynthesis && to == manifest.StageReview:
		return checks, requireArtifact(manifest.DraftSynthesisPath)
	case from == manifest.StageReview && to == manifest.StageFinalize:
		if err := requireArtifact(manifest.ReviewBundlePath); err != nil {
			return checks, err
		}
		return checks, requireGate("E")
	case from == manifest.StageReview && to == manifest.StageSynthesis:
		return checks, requireArtifact(manifest.ReviewBundlePath)
	default:
		return checks, errs.New(errs.RequestedNextNotAllowed, "cannot advance %s -> %s", from, to).
			WithDetail("from", from).
			WithDetail("requested_next", to)
	}
}

func historyPatch(history []manifest.HistoryEntry) []any {
	out := make([]any, 0, len(history)+1)
	for _, h := range history {
		entry := map[string]any{
			"from": h.From,
			"to":   h.To,
			"ts":   h.TS,
		}
		if h.Reason != "" {
			entry["reason"] = h.Reason
		}
		if h.InputsDigest != "" {
			entry["inputs_digest"] = h.InputsDigest
		}
		if h.GatesRevision != 0 {
			entry["gates_revision"] = h.GatesRevision
		}
		out = append(out, entry)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
