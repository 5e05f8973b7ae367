package wave

import (
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
)

// IngestOutput persists one agent's markdown at the plan entry's output_md
// path and writes the metadata sidecar next to it. The output path is
// containment-checked against the run root before any write. Empty markdown
// is a driver failure, not an empty artifact.
func IngestOutput(runRoot string, entry PlanEntry, markdown string, retryCount int) (*Sidecar, error) {
	if markdown == "" {
		return nil, errs.New(errs.RunAgentFailed, "agent for %s produced no markdown", entry.PerspectiveID).
			WithDetail("perspective_id", entry.PerspectiveID)
	}
	outAbs, err := artifact.ResolveContainedPath(runRoot, entry.OutputMD, "output_md")
	if err != nil {
		return nil, err
	}
	if err := artifact.WriteTextAtomic(outAbs, markdown); err != nil {
		return nil, err
	}
	sc := &Sidecar{
		PerspectiveID: entry.PerspectiveID,
		AgentType:     entry.AgentType,
		OutputMD:      entry.OutputMD,
		PromptDigest:  entry.PromptDigest,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		RetryCount:    retryCount,
	}
	if err := artifact.WriteJSONAtomic(SidecarPath(outAbs), sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// SidecarPath is the metadata file written beside an output markdown.
func SidecarPath(outputAbs string) string {
	return outputAbs + ".meta.json"
}

// LoadSidecar reads the sidecar for a plan entry, or nil when the output has
// not been ingested yet.
func LoadSidecar(runRoot string, entry PlanEntry) (*Sidecar, error) {
	outAbs, err := artifact.ResolveContainedPath(runRoot, entry.OutputMD, "output_md")
	if err != nil {
		return nil, err
	}
	path := SidecarPath(outAbs)
	if !artifact.Exists(path) {
		return nil, nil
	}
	var sc Sidecar
	if err := artifact.ReadJSON(path, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// MarkValidated flips the sidecar's validated flag after a clean contract
// check.
func MarkValidated(runRoot string, entry PlanEntry) error {
	sc, err := LoadSidecar(runRoot, entry)
	if err != nil {
		return err
	}
	if sc == nil {
		return errs.New(errs.MissingArtifact, "no sidecar for %s", entry.PerspectiveID).
			WithDetail("perspective_id", entry.PerspectiveID)
	}
	sc.Validated = true
	outAbs, err := artifact.ResolveContainedPath(runRoot, entry.OutputMD, "output_md")
	if err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(SidecarPath(outAbs), sc)
}

// ReadOutput returns the ingested markdown for a plan entry.
func ReadOutput(runRoot string, entry PlanEntry) (string, error) {
	outAbs, err := artifact.ResolveContainedPath(runRoot, entry.OutputMD, "output_md")
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(outAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.MissingArtifact, "output %s not ingested", filepath.Base(outAbs)).
				WithDetail("perspective_id", entry.PerspectiveID).
				WithDetail("path", entry.OutputMD)
		}
		return "", errs.Wrap(errs.InvalidState, err, "read %s", outAbs)
	}
	return string(raw), nil
}
