package citations

import (
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// Citation statuses.
const (
	StatusValid     = "valid"
	StatusPaywalled = "paywalled"
	StatusBlocked   = "blocked"
	StatusMismatch  = "mismatch"
	StatusInvalid   = "invalid"
)

// Record is one citation.v1 line of the citations stream.
type Record struct {
	SchemaVersion   string   `json:"schema_version"`
	NormalizedURL   string   `json:"normalized_url"`
	CID             string   `json:"cid"`
	URL             string   `json:"url"`
	URLOriginal     string   `json:"url_original"`
	Status          string   `json:"status"`
	CheckedAt       string   `json:"checked_at"`
	FoundBy         []string `json:"found_by"`
	Notes           string   `json:"notes,omitempty"`
	HTTPStatus      int      `json:"http_status,omitempty"`
	Title           string   `json:"title,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	EvidenceSnippet string   `json:"evidence_snippet,omitempty"`
}

// WriteRecords persists the citations stream in canonical order, one record
// per normalized URL. Duplicates are a validation error, not a merge.
func WriteRecords(runRoot string, records []Record) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NormalizedURL != sorted[j].NormalizedURL {
			return sorted[i].NormalizedURL < sorted[j].NormalizedURL
		}
		return sorted[i].CID < sorted[j].CID
	})

	seen := map[string]bool{}
	var lines []byte
	for i := range sorted {
		rec := &sorted[i]
		if rec.SchemaVersion == "" {
			rec.SchemaVersion = "citation.v1"
		}
		if rec.FoundBy == nil {
			rec.FoundBy = []string{}
		}
		if seen[rec.NormalizedURL] {
			return errs.New(errs.InvalidState, "duplicate citation record for %s", rec.NormalizedURL).
				WithDetail("normalized_url", rec.NormalizedURL)
		}
		seen[rec.NormalizedURL] = true
		if err := schema.Validate("citation.v1", rec); err != nil {
			return err
		}
		line, err := canonical.Marshal(rec)
		if err != nil {
			return errs.Wrap(errs.InvalidJSON, err, "canonicalize citation record")
		}
		lines = append(lines, line...)
		lines = append(lines, '\n')
	}
	return artifact.WriteFileAtomic(filepath.Join(runRoot, manifest.CitationsPath), lines, 0o644)
}

// ReadRecords loads the citations stream and re-checks the one-record-per-
// normalized-URL invariant.
func ReadRecords(runRoot string) ([]Record, error) {
	raw, err := artifact.ReadJSONLines(filepath.Join(runRoot, manifest.CitationsPath))
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	seen := map[string]bool{}
	for i, entry := range raw {
		if err := schema.Validate("citation.v1", entry); err != nil {
			return nil, errs.AsError(err, errs.SchemaValidationFailed).WithDetail("line", i+1)
		}
		var rec Record
		if err := decodeMap(entry, &rec); err != nil {
			return nil, err
		}
		if seen[rec.NormalizedURL] {
			return nil, errs.New(errs.InvalidJSONL, "duplicate citation record for %s at line %d", rec.NormalizedURL, i+1)
		}
		seen[rec.NormalizedURL] = true
		records = append(records, rec)
	}
	return records, nil
}

func decodeMap(in map[string]any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "re-encode record")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "re-decode record")
	}
	return nil
}
