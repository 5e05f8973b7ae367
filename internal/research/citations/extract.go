package citations

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// URLMap is the url_map.v1 document.
type URLMap struct {
	SchemaVersion string        `json:"schema_version"`
	RunID         string        `json:"run_id,omitempty"`
	InputsDigest  string        `json:"inputs_digest,omitempty"`
	Items         []URLMapEntry `json:"items"`
}

type URLMapEntry struct {
	URLOriginal   string `json:"url_original"`
	NormalizedURL string `json:"normalized_url"`
	CID           string `json:"cid"`
}

// Extraction is the result of scanning wave markdown for URLs.
type Extraction struct {
	URLs    []string            // unique originals, sorted
	FoundBy map[string][]string // original url -> run-root-relative markdown files
}

// wave markdown discovery patterns, applied in order.
var wavePatterns = []string{
	manifest.Wave1Dir + "/**/*.md",
	manifest.Wave2Dir + "/**/*.md",
}

var urlToken = regexp.MustCompile(`https?://[^\s<>()\[\]{}"'` + "`" + `]+`)

// trailingPunct is stripped from the end of matched tokens; prose
// punctuation clings to URLs in markdown.
const trailingPunct = ".,;:!?'\""

// Extract scans wave-1 and wave-2 markdown for http(s) URLs and persists
// citations/extracted-urls.txt. Tokens that do not parse as absolute http(s)
// URLs after punctuation trimming are discarded.
func Extract(runRoot string) (*Extraction, error) {
	ex := &Extraction{FoundBy: map[string][]string{}}
	seen := map[string]bool{}
	for _, pattern := range wavePatterns {
		matches, err := doublestar.Glob(os.DirFS(runRoot), pattern)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgs, err, "glob %s", pattern)
		}
		sort.Strings(matches)
		for _, rel := range matches {
			raw, err := os.ReadFile(filepath.Join(runRoot, rel))
			if err != nil {
				return nil, errs.Wrap(errs.InvalidState, err, "read %s", rel)
			}
			for _, token := range urlToken.FindAllString(string(raw), -1) {
				u := strings.TrimRight(token, trailingPunct)
				if u == "" {
					continue
				}
				if _, err := Normalize(u); err != nil {
					continue
				}
				if !seen[u] {
					seen[u] = true
					ex.URLs = append(ex.URLs, u)
				}
				if !containsString(ex.FoundBy[u], rel) {
					ex.FoundBy[u] = append(ex.FoundBy[u], rel)
				}
			}
		}
	}
	sort.Strings(ex.URLs)

	var b strings.Builder
	for _, u := range ex.URLs {
		b.WriteString(u)
		b.WriteByte('\n')
	}
	if err := artifact.WriteFileAtomic(filepath.Join(runRoot, manifest.ExtractedURLsPath), []byte(b.String()), 0o644); err != nil {
		return nil, err
	}
	return ex, nil
}

// BuildURLMap normalizes and deduplicates the extracted URLs into the
// url_map.v1 artifact. Two originals that normalize identically share one
// entry keyed by the lexicographically smallest original.
func BuildURLMap(runRoot, runID string, ex *Extraction) (*URLMap, error) {
	byNormalized := map[string]URLMapEntry{}
	for _, original := range ex.URLs {
		normalized, err := Normalize(original)
		if err != nil {
			return nil, err
		}
		entry, ok := byNormalized[normalized]
		if !ok || original < entry.URLOriginal {
			byNormalized[normalized] = URLMapEntry{
				URLOriginal:   original,
				NormalizedURL: normalized,
				CID:           CID(normalized),
			}
		}
	}
	items := make([]URLMapEntry, 0, len(byNormalized))
	for _, entry := range byNormalized {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].NormalizedURL < items[j].NormalizedURL })

	urlMap := &URLMap{SchemaVersion: "url_map.v1", RunID: runID, Items: items}
	if err := schema.Validate("url_map.v1", urlMap); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.URLMapPath), urlMap); err != nil {
		return nil, err
	}
	return urlMap, nil
}

// LoadURLMap reads and validates citations/url-map.json.
func LoadURLMap(runRoot string) (*URLMap, error) {
	var m URLMap
	if err := artifact.ReadJSON(filepath.Join(runRoot, manifest.URLMapPath), &m); err != nil {
		return nil, err
	}
	if err := schema.Validate("url_map.v1", m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FoundByNormalized folds the per-original discovery files onto normalized
// URLs for the found_by field of citation records.
func (ex *Extraction) FoundByNormalized() map[string][]string {
	out := map[string][]string{}
	for original, files := range ex.FoundBy {
		normalized, err := Normalize(original)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !containsString(out[normalized], f) {
				out[normalized] = append(out[normalized], f)
			}
		}
	}
	for _, files := range out {
		sort.Strings(files)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
