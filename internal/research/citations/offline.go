package citations

import (
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// Fixtures is the offline_fixtures.v1 document: recorded validation results
// keyed by normalized URL, original URL, or cid.
type Fixtures struct {
	SchemaVersion string    `json:"schema_version"`
	RunID         string    `json:"run_id,omitempty"`
	RecordedAt    string    `json:"recorded_at,omitempty"`
	Fixtures      []Fixture `json:"fixtures"`
}

type Fixture struct {
	NormalizedURL   string `json:"normalized_url,omitempty"`
	URLOriginal     string `json:"url_original,omitempty"`
	CID             string `json:"cid,omitempty"`
	URL             string `json:"url,omitempty"`
	Status          string `json:"status"`
	HTTPStatus      int    `json:"http_status,omitempty"`
	Title           string `json:"title,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	EvidenceSnippet string `json:"evidence_snippet,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// LoadFixtures reads and validates an offline fixtures file.
func LoadFixtures(path string) (*Fixtures, error) {
	var f Fixtures
	if err := artifact.ReadJSON(path, &f); err != nil {
		if errs.HasCode(err, errs.NotFound) {
			return nil, errs.New(errs.MissingArtifact, "offline fixtures file %s not found", path).
				WithDetail("path", path)
		}
		return nil, err
	}
	if err := schema.Validate("offline_fixtures.v1", f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Lookup finds the fixture for a url-map entry, trying normalized_url, then
// url_original, then cid.
func (f *Fixtures) Lookup(entry URLMapEntry) (Fixture, bool) {
	for _, fx := range f.Fixtures {
		if fx.NormalizedURL != "" && fx.NormalizedURL == entry.NormalizedURL {
			return fx, true
		}
	}
	for _, fx := range f.Fixtures {
		if fx.URLOriginal != "" && fx.URLOriginal == entry.URLOriginal {
			return fx, true
		}
	}
	for _, fx := range f.Fixtures {
		if fx.CID != "" && fx.CID == entry.CID {
			return fx, true
		}
	}
	return Fixture{}, false
}

// ValidateOffline resolves every url-map entry against the fixtures. Entries
// with no fixture become invalid records noting the miss.
func ValidateOffline(urlMap *URLMap, fixtures *Fixtures, foundBy map[string][]string) []Record {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	records := make([]Record, 0, len(urlMap.Items))
	for _, entry := range urlMap.Items {
		rec := Record{
			SchemaVersion: "citation.v1",
			NormalizedURL: entry.NormalizedURL,
			CID:           entry.CID,
			URL:           entry.NormalizedURL,
			URLOriginal:   Redact(entry.URLOriginal),
			CheckedAt:     now,
			FoundBy:       foundBy[entry.NormalizedURL],
		}
		if rec.FoundBy == nil {
			rec.FoundBy = []string{}
		}
		fx, ok := fixtures.Lookup(entry)
		if !ok {
			rec.Status = StatusInvalid
			rec.Notes = "offline fixture not found"
		} else {
			rec.Status = fx.Status
			rec.HTTPStatus = fx.HTTPStatus
			rec.Title = fx.Title
			rec.Publisher = fx.Publisher
			rec.EvidenceSnippet = fx.EvidenceSnippet
			rec.Notes = fx.Notes
		}
		records = append(records, rec)
	}
	return records
}
