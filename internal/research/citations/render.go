package citations

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

// RenderMarkdown writes citations/validated-citations.md: one section per
// cid, records sorted by (normalized_url, cid), so re-rendering the same
// stream is byte-identical.
func RenderMarkdown(runRoot string, records []Record) (string, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NormalizedURL != sorted[j].NormalizedURL {
			return sorted[i].NormalizedURL < sorted[j].NormalizedURL
		}
		return sorted[i].CID < sorted[j].CID
	})

	var b strings.Builder
	b.WriteString("# Validated Citations\n\n")
	fmt.Fprintf(&b, "%d citation(s).\n", len(sorted))
	for _, rec := range sorted {
		fmt.Fprintf(&b, "\n## %s\n\n", rec.CID)
		fmt.Fprintf(&b, "- URL: %s\n", rec.NormalizedURL)
		fmt.Fprintf(&b, "- Status: %s\n", rec.Status)
		if rec.Title != "" {
			fmt.Fprintf(&b, "- Title: %s\n", rec.Title)
		}
		if rec.Publisher != "" {
			fmt.Fprintf(&b, "- Publisher: %s\n", rec.Publisher)
		}
	}
	md := b.String()
	if err := artifact.WriteTextAtomic(filepath.Join(runRoot, manifest.ValidatedCitationsPath), md); err != nil {
		return "", err
	}
	return md, nil
}
