// Package gates evaluates the six run gates. Every evaluator is a
// deterministic function of persisted artifacts: given the same run root it
// returns the same status, metrics, and inputs digest. Applying a result
// goes through the optimistic gates.json mutator.
package gates

import (
	"time"

	"github.com/danshapiro/paidr/internal/research/manifest"
)

// Result is what one gate evaluation produces before it is applied.
type Result struct {
	GateID       string
	Status       string
	InputsDigest string
	Metrics      map[string]any
	Artifacts    []string
	Warnings     []string
	Notes        string
}

// Passed reports whether the gate cleared (warn counts as a soft pass).
func (r Result) Passed() bool {
	return r.Status == manifest.GatePass || r.Status == manifest.GateWarn
}

// Apply persists a result into gates.json at the expected revision.
func Apply(runRoot string, res Result, expectedRevision int, reason string) (*manifest.GatesDoc, error) {
	gate := manifest.Gate{
		ID:           res.GateID,
		Class:        manifest.GateHard,
		Status:       res.Status,
		CheckedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		InputsDigest: res.InputsDigest,
		Metrics:      res.Metrics,
		Artifacts:    res.Artifacts,
		Warnings:     res.Warnings,
		Notes:        res.Notes,
	}
	update := map[string]manifest.Gate{res.GateID: gate}
	return manifest.WriteGates(runRoot, update, res.InputsDigest, expectedRevision, reason)
}
