package gates

import (
	"fmt"

	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/summary"
)

const minSummaryCountRatio = 0.9

// EvaluateD checks the summary pack: every planned output summarized, each
// summary within max_summary_kb, the pack within max_total_summary_kb.
func EvaluateD(runRoot string, m *manifest.Manifest) (Result, error) {
	pack, err := summary.Load(runRoot)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		GateID:    "D",
		Artifacts: []string{manifest.SummaryPackPath},
	}

	var ratio float64
	if pack.Totals.Expected > 0 {
		ratio = float64(pack.Totals.Count) / float64(pack.Totals.Expected)
	}
	oversized := 0
	for _, entry := range pack.Summaries {
		if entry.KB > m.Limits.MaxSummaryKB {
			oversized++
			res.Warnings = append(res.Warnings, fmt.Sprintf("summary %s is %dKB, cap is %dKB", entry.PerspectiveID, entry.KB, m.Limits.MaxSummaryKB))
		}
	}
	for _, id := range pack.Totals.Missing {
		res.Warnings = append(res.Warnings, "missing summary for "+id)
	}
	if pack.Totals.TotalKB > m.Limits.MaxTotalSummaryKB {
		res.Warnings = append(res.Warnings, fmt.Sprintf("pack is %dKB, cap is %dKB", pack.Totals.TotalKB, m.Limits.MaxTotalSummaryKB))
	}

	res.Metrics = map[string]any{
		"summary_count_ratio":   ratio,
		"summary_count":         pack.Totals.Count,
		"summary_expected":      pack.Totals.Expected,
		"total_summary_pack_kb": pack.Totals.TotalKB,
		"oversized_summaries":   oversized,
	}

	digest, err := canonical.Digest(map[string]any{
		"pack_digest": pack.InputsDigest,
		"warnings":    res.Warnings,
	})
	if err != nil {
		return res, err
	}
	res.InputsDigest = digest

	if ratio >= minSummaryCountRatio && len(res.Warnings) == 0 {
		res.Status = manifest.GatePass
	} else {
		res.Status = manifest.GateFail
		res.Notes = "summary pack incomplete or over budget"
	}
	return res, nil
}
