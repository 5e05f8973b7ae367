package manifest

import (
	"path/filepath"
	"sort"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

// Gate identifiers in evaluation order.
var GateIDs = []string{"A", "B", "C", "D", "E", "F"}

// Gate statuses.
const (
	GateNotRun = "not_run"
	GatePass   = "pass"
	GateFail   = "fail"
	GateWarn   = "warn"
)

// Gate classes.
const (
	GateHard = "hard"
	GateSoft = "soft"
)

var gateNames = map[string]string{
	"A": "scope_alignment",
	"B": "wave_output_contract",
	"C": "citation_validation",
	"D": "summary_boundedness",
	"E": "synthesis_contract",
	"F": "final_bundle_hygiene",
}

// Gate is one entry of the gates document.
type Gate struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Class        string         `json:"class"`
	Status       string         `json:"status"`
	CheckedAt    string         `json:"checked_at,omitempty"`
	InputsDigest string         `json:"inputs_digest,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Artifacts    []string       `json:"artifacts,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	Notes        string         `json:"notes,omitempty"`
}

// GatesDoc is the typed view of gates.json.
type GatesDoc struct {
	SchemaVersion string          `json:"schema_version"`
	RunID         string          `json:"run_id"`
	Revision      int             `json:"revision"`
	UpdatedAt     string          `json:"updated_at"`
	InputsDigest  string          `json:"inputs_digest"`
	Gates         map[string]Gate `json:"gates"`
}

// NewGatesDoc builds the initial document: all six gates hard and not_run.
// Gate F keeps this shape for the whole run unless fallback artifacts are
// attached to it.
func NewGatesDoc(runID, now string) *GatesDoc {
	gates := make(map[string]Gate, len(GateIDs))
	for _, id := range GateIDs {
		gates[id] = Gate{
			ID:     id,
			Name:   gateNames[id],
			Class:  GateHard,
			Status: GateNotRun,
		}
	}
	return &GatesDoc{
		SchemaVersion: "gates.v1",
		RunID:         runID,
		Revision:      1,
		UpdatedAt:     now,
		InputsDigest:  "",
		Gates:         gates,
	}
}

// LoadGates reads and decodes gates.json under runRoot.
func LoadGates(runRoot string) (*GatesDoc, error) {
	var g GatesDoc
	if err := artifact.ReadJSON(filepath.Join(runRoot, GatesPath), &g); err != nil {
		return nil, err
	}
	if g.SchemaVersion != "gates.v1" {
		return nil, errs.New(errs.InvalidState, "unexpected gates schema_version %q", g.SchemaVersion)
	}
	return &g, nil
}

// Gate returns one gate entry by id.
func (g *GatesDoc) Gate(id string) (Gate, bool) {
	gate, ok := g.Gates[id]
	return gate, ok
}

// Statuses returns gate id -> status for all gates, with ids sorted.
func (g *GatesDoc) Statuses() map[string]string {
	out := make(map[string]string, len(g.Gates))
	for id, gate := range g.Gates {
		out[id] = gate.Status
	}
	return out
}

// WriteGates merges per-gate updates into gates.json. expectedRevision must
// match the current revision. Every updated gate whose status is not not_run
// must carry checked_at, and hard gates may not be set to warn. On success
// the revision bumps by one and updated_at plus inputs_digest are refreshed.
func WriteGates(runRoot string, update map[string]Gate, inputsDigest string, expectedRevision int, reason string) (*GatesDoc, error) {
	if len(update) == 0 {
		return nil, errs.New(errs.InvalidArgs, "empty gates update")
	}
	cur, err := LoadGates(runRoot)
	if err != nil {
		return nil, err
	}
	if expectedRevision != cur.Revision {
		return nil, errs.New(errs.RevisionMismatch, "expected revision %d, found %d", expectedRevision, cur.Revision).
			WithDetail("expected_revision", expectedRevision).
			WithDetail("actual_revision", cur.Revision)
	}

	next := *cur
	next.Gates = make(map[string]Gate, len(cur.Gates))
	for id, gate := range cur.Gates {
		next.Gates[id] = gate
	}

	ids := make([]string, 0, len(update))
	for id := range update {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		existing, ok := next.Gates[id]
		if !ok {
			return nil, errs.New(errs.InvalidArgs, "unknown gate %q", id).WithDetail("gate_id", id)
		}
		incoming := update[id]
		if incoming.ID == "" {
			incoming.ID = id
		}
		if incoming.ID != id {
			return nil, errs.New(errs.InvalidArgs, "gate update key %q names gate %q", id, incoming.ID)
		}
		if incoming.Name == "" {
			incoming.Name = existing.Name
		}
		if incoming.Class == "" {
			incoming.Class = existing.Class
		}
		if incoming.Status != GateNotRun && incoming.CheckedAt == "" {
			return nil, errs.New(errs.InvalidArgs, "gate %s status %q requires checked_at", id, incoming.Status).
				WithDetail("gate_id", id)
		}
		if incoming.Class == GateHard && incoming.Status == GateWarn {
			return nil, errs.New(errs.InvalidArgs, "hard gate %s may not warn", id).WithDetail("gate_id", id)
		}
		next.Gates[id] = incoming
	}

	next.Revision = cur.Revision + 1
	next.UpdatedAt = nextTimestamp(cur.UpdatedAt)
	next.InputsDigest = inputsDigest

	if err := schema.Validate("gates.v1", next); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(runRoot, GatesPath), next); err != nil {
		return nil, err
	}

	_ = telemetry.AppendAudit(runRoot, "gates_write", next.RunID, map[string]any{
		"prev_revision": cur.Revision,
		"new_revision":  next.Revision,
		"gate_ids":      ids,
		"reason":        reason,
		"inputs_digest": inputsDigest,
	})
	return &next, nil
}
