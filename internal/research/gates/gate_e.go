package gates

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/synthesis"
)

// Soft warning thresholds for gate E.
const (
	minCitationUtilization = 0.6
	maxDuplicateRate       = 0.2
)

// EReports is the pure measurement gate E derives its verdict from.
type EReports struct {
	MissingHeadings      []string `json:"missing_headings,omitempty"`
	UncitedNumericClaims int      `json:"uncited_numeric_claims"`
	UnknownCitationIDs   []string `json:"unknown_citation_ids,omitempty"`
	CitationMarkers      int      `json:"citation_markers"`
	DistinctCited        int      `json:"distinct_cited"`
	UsableRecords        int      `json:"usable_records"`
}

var (
	eCIDMarker = regexp.MustCompile(`\[(cid_[0-9a-f]+)\]`)
	eDigits    = regexp.MustCompile(`[0-9]`)
)

// EvaluateE measures the draft synthesis against the markdown contract and
// the validated citation stream. The hard verdict covers headings and
// numeric-claim anchoring; utilization problems only warn.
func EvaluateE(runRoot string) (Result, error) {
	draft, err := synthesis.ReadDraft(runRoot)
	if err != nil {
		return Result{}, err
	}
	records, err := citations.ReadRecords(runRoot)
	if err != nil {
		return Result{}, err
	}
	return DeriveE(draft, records)
}

// DeriveE is the pure half of gate E.
func DeriveE(draft string, records []citations.Record) (Result, error) {
	reports := ReportsE(draft, records)
	res := Result{
		GateID:    "E",
		Artifacts: []string{manifest.DraftSynthesisPath, manifest.CitationsPath},
		Metrics: map[string]any{
			"uncited_numeric_claims": reports.UncitedNumericClaims,
			"citation_markers":       reports.CitationMarkers,
			"distinct_cited":         reports.DistinctCited,
			"usable_records":         reports.UsableRecords,
		},
	}

	if reports.UsableRecords > 0 {
		utilization := float64(reports.DistinctCited) / float64(reports.UsableRecords)
		res.Metrics["citation_utilization"] = utilization
		if utilization < minCitationUtilization {
			res.Warnings = append(res.Warnings, "LOW_CITATION_UTILIZATION")
		}
	}
	if reports.CitationMarkers > 0 {
		duplicateRate := 1 - float64(reports.DistinctCited)/float64(reports.CitationMarkers)
		res.Metrics["duplicate_citation_rate"] = duplicateRate
		if duplicateRate > maxDuplicateRate {
			res.Warnings = append(res.Warnings, "HIGH_DUPLICATE_CITATION_RATE")
		}
	}

	digest, err := canonical.Digest(map[string]any{
		"draft_digest": canonical.DigestBytes([]byte(draft)),
		"records":      len(records),
	})
	if err != nil {
		return res, err
	}
	res.InputsDigest = digest

	switch {
	case len(reports.MissingHeadings) > 0:
		res.Status = manifest.GateFail
		res.Notes = "missing headings: " + strings.Join(reports.MissingHeadings, ", ")
	case reports.UncitedNumericClaims > 0:
		res.Status = manifest.GateFail
		res.Notes = fmt.Sprintf("%d uncited numeric claims", reports.UncitedNumericClaims)
	case len(reports.UnknownCitationIDs) > 0:
		res.Status = manifest.GateFail
		res.Notes = "unknown citation ids: " + strings.Join(reports.UnknownCitationIDs, ", ")
	default:
		res.Status = manifest.GatePass
	}
	return res, nil
}

// ReportsE counts contract violations in the draft. Numeric-claim anchoring
// applies to the Findings section; the Citations section is excluded from
// marker accounting.
func ReportsE(draft string, records []citations.Record) EReports {
	var reports EReports
	for _, heading := range synthesis.RequiredHeadings {
		if !hasHeading(draft, heading) {
			reports.MissingHeadings = append(reports.MissingHeadings, heading)
		}
	}

	known := map[string]bool{}
	for _, rec := range records {
		known[rec.CID] = true
		if rec.Status == citations.StatusValid || rec.Status == citations.StatusPaywalled {
			reports.UsableRecords++
		}
	}

	used := map[string]bool{}
	unknown := map[string]bool{}
	section := ""
	for _, line := range strings.Split(draft, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			hashes := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			if hashes == 2 {
				section = strings.TrimSpace(trimmed[hashes:])
			}
			continue
		}
		if strings.EqualFold(section, "Citations") || trimmed == "" {
			continue
		}
		markers := eCIDMarker.FindAllStringSubmatch(trimmed, -1)
		for _, match := range markers {
			reports.CitationMarkers++
			used[match[1]] = true
			if len(known) > 0 && !known[match[1]] && !unknown[match[1]] {
				unknown[match[1]] = true
				reports.UnknownCitationIDs = append(reports.UnknownCitationIDs, match[1])
			}
		}
		if strings.EqualFold(section, "Findings") && eDigits.MatchString(trimmed) && len(markers) == 0 {
			reports.UncitedNumericClaims++
		}
	}
	reports.DistinctCited = len(used)
	return reports
}

func hasHeading(md, heading string) bool {
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(strings.TrimLeft(trimmed, "#")), heading) {
			return true
		}
	}
	return false
}
