package gates

import (
	"path/filepath"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// EvaluateB loads the wave-1 review report and pending retry directives and
// derives the output-contract gate from them.
func EvaluateB(runRoot string) (Result, error) {
	report, err := wave.LoadReview(runRoot, 1)
	if err != nil {
		return Result{}, err
	}
	if report == nil {
		return Result{}, errs.New(errs.MissingArtifact, "gate B requires a wave-1 review report").
			WithDetail("artifact", wave.ReviewPath(1))
	}
	directivesPending := artifact.Exists(filepath.Join(runRoot, manifest.RetryDirectivesPath))
	return DeriveB(report, directivesPending)
}

// DeriveB is the pure half of gate B: a clean review report with no pending
// retry directives passes. Exposed for tooling.
func DeriveB(report *wave.ReviewReport, directivesPending bool) (Result, error) {
	res := Result{
		GateID:    "B",
		Artifacts: []string{wave.ReviewPath(1)},
	}

	failed := 0
	retryable := 0
	for _, r := range report.Results {
		if r.OK {
			continue
		}
		failed++
		if wave.Retryable(r.Codes) {
			retryable++
		}
		res.Warnings = append(res.Warnings, r.PerspectiveID+": "+joinCodes(r.Codes))
	}
	if directivesPending {
		res.Warnings = append(res.Warnings, "retry directives pending")
		res.Artifacts = append(res.Artifacts, manifest.RetryDirectivesPath)
	}

	res.Metrics = map[string]any{
		"outputs_reviewed":   len(report.Results),
		"outputs_failed":     failed,
		"failures_retryable": retryable,
		"directives_pending": directivesPending,
	}

	digest, err := canonical.Digest(map[string]any{
		"review_digest":      report.InputsDigest,
		"directives_pending": directivesPending,
	})
	if err != nil {
		return res, err
	}
	res.InputsDigest = digest

	if failed == 0 && !directivesPending {
		res.Status = manifest.GatePass
	} else {
		res.Status = manifest.GateFail
		res.Notes = "wave-1 output contract not met"
	}
	return res, nil
}

func joinCodes(codes []string) string {
	out := ""
	for i, c := range codes {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
