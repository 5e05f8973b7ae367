package wave

import (
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// ReviewReport is the wave_review.v1 document summarizing contract checks
// over every output of one wave.
type ReviewReport struct {
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	Wave          int      `json:"wave"`
	CreatedAt     string   `json:"created_at"`
	InputsDigest  string   `json:"inputs_digest,omitempty"`
	Clean         bool     `json:"clean"`
	Results       []Result `json:"results"`
}

// ReviewPath is the report location for a wave.
func ReviewPath(waveNo int) string {
	if waveNo == 2 {
		return filepath.Join(manifest.Wave2Dir, "wave2-review.json")
	}
	return filepath.Join(manifest.Wave1Dir, "wave1-review.json")
}

// Review validates every ingested output of a wave against its perspective
// contract and persists the report. Missing outputs surface as
// MISSING_ARTIFACT; a mismatch between plan entry and perspective table as
// MISMATCHED_PERSPECTIVE_ID.
func Review(runRoot string, m *manifest.Manifest, waveNo int) (*ReviewReport, error) {
	plan, err := LoadPlan(runRoot, waveNo)
	if err != nil {
		return nil, err
	}
	persp, err := LoadPerspectives(runRoot)
	if err != nil {
		return nil, err
	}
	byID := persp.ByID()

	report := &ReviewReport{
		SchemaVersion: "wave_review.v1",
		RunID:         m.RunID,
		Wave:          waveNo,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Clean:         true,
	}
	digestInput := map[string]any{"wave": waveNo, "outputs": map[string]string{}}
	outputDigests := digestInput["outputs"].(map[string]string)

	for _, entry := range plan.Entries {
		p, ok := byID[entry.PerspectiveID]
		if !ok {
			return nil, errs.New(errs.MismatchedPerspectiveID, "plan entry %s has no perspective", entry.PerspectiveID).
				WithDetail("perspective_id", entry.PerspectiveID)
		}
		markdown, err := ReadOutput(runRoot, entry)
		if err != nil {
			return nil, err
		}
		outputDigests[entry.PerspectiveID] = canonical.DigestBytes([]byte(markdown))
		res := ValidateOutput(p, entry, markdown)
		if res.OK {
			if err := MarkValidated(runRoot, entry); err != nil {
				return nil, err
			}
		} else {
			report.Clean = false
		}
		report.Results = append(report.Results, res)
	}

	digest, err := canonical.Digest(digestInput)
	if err != nil {
		return nil, err
	}
	report.InputsDigest = digest
	if err := SaveReview(runRoot, report); err != nil {
		return nil, err
	}
	return report, nil
}

// SaveReview validates and persists a review report.
func SaveReview(runRoot string, report *ReviewReport) error {
	if err := schema.Validate("wave_review.v1", report); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, ReviewPath(report.Wave)), report)
}

// LoadReview reads a wave's review report, or nil when none exists yet.
func LoadReview(runRoot string, waveNo int) (*ReviewReport, error) {
	path := filepath.Join(runRoot, ReviewPath(waveNo))
	if !artifact.Exists(path) {
		return nil, nil
	}
	var report ReviewReport
	if err := artifact.ReadJSON(path, &report); err != nil {
		return nil, err
	}
	if err := schema.Validate("wave_review.v1", report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Failing returns the results that did not pass, split into retryable and
// fatal sets.
func (r *ReviewReport) Failing() (retryable, fatal []Result) {
	for _, res := range r.Results {
		if res.OK {
			continue
		}
		if Retryable(res.Codes) {
			retryable = append(retryable, res)
		} else {
			fatal = append(fatal, res)
		}
	}
	return retryable, fatal
}
