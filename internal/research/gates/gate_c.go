package gates

import (
	"fmt"

	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

// Gate C thresholds.
const (
	minValidatedRate = 0.9
	maxInvalidRate   = 0.1
)

// EvaluateC loads the url map and citation stream and computes the citation
// integrity gate.
func EvaluateC(runRoot string) (Result, error) {
	urlMap, err := citations.LoadURLMap(runRoot)
	if err != nil {
		return Result{}, err
	}
	records, err := citations.ReadRecords(runRoot)
	if err != nil {
		return Result{}, err
	}
	return ComputeC(urlMap, records)
}

// ComputeC is the pure half of gate C. Valid and paywalled records count as
// validated; invalid, blocked, and mismatched count against the run; mapped
// URLs with no record at all are uncategorized. The three rates sum to one
// whenever anything was extracted.
func ComputeC(urlMap *citations.URLMap, records []citations.Record) (Result, error) {
	res := Result{
		GateID:    "C",
		Artifacts: []string{manifest.URLMapPath, manifest.CitationsPath},
	}

	byNormalized := map[string]string{}
	for _, rec := range records {
		byNormalized[rec.NormalizedURL] = rec.Status
	}

	extracted := len(urlMap.Items)
	validated, invalid, uncategorized := 0, 0, 0
	for _, item := range urlMap.Items {
		status, ok := byNormalized[item.NormalizedURL]
		if !ok {
			uncategorized++
			continue
		}
		switch status {
		case citations.StatusValid, citations.StatusPaywalled:
			validated++
		default:
			invalid++
		}
	}

	var validatedRate, invalidRate, uncategorizedRate float64
	if extracted > 0 {
		validatedRate = float64(validated) / float64(extracted)
		invalidRate = float64(invalid) / float64(extracted)
		uncategorizedRate = float64(uncategorized) / float64(extracted)
	}
	res.Metrics = map[string]any{
		"extracted_urls":         extracted,
		"validated_url_rate":     validatedRate,
		"invalid_url_rate":       invalidRate,
		"uncategorized_url_rate": uncategorizedRate,
	}

	digest, err := canonical.Digest(map[string]any{
		"url_map_digest": urlMap.InputsDigest,
		"validated":      validated,
		"invalid":        invalid,
		"uncategorized":  uncategorized,
	})
	if err != nil {
		return res, err
	}
	res.InputsDigest = digest

	switch {
	case extracted == 0:
		res.Status = manifest.GatePass
		res.Notes = "no URLs extracted"
	case validatedRate >= minValidatedRate && invalidRate <= maxInvalidRate && uncategorized == 0:
		res.Status = manifest.GatePass
	default:
		res.Status = manifest.GateFail
		res.Notes = fmt.Sprintf("validated %.2f invalid %.2f uncategorized %d", validatedRate, invalidRate, uncategorized)
	}
	return res, nil
}
