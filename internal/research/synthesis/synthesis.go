// Package synthesis writes the cited synthesis markdown from the summary
// pack and the validated citations stream. The writer is deterministic: the
// same pack, citations, and directives produce the same draft.
package synthesis

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/summary"
)

// RequiredHeadings is the synthesis markdown contract gate E enforces.
var RequiredHeadings = []string{"Executive Summary", "Findings", "Citations", "Limitations"}

// Directive mirrors one revision_directives.v1 instruction applied to a
// redraft.
type Directive struct {
	Target      string `json:"target"`
	Instruction string `json:"instruction"`
	SourceRev   string `json:"source_review,omitempty"`
}

var digits = regexp.MustCompile(`[0-9]`)

// WriteDraft composes synthesis/draft-synthesis.md. Every excerpt line that
// carries a number is anchored to a citation id; numeric lines with no
// available citation are dropped rather than left uncited.
func WriteDraft(runRoot string, m *manifest.Manifest, pack *summary.Pack, records []citations.Record, directives []Directive) (string, error) {
	if pack == nil || len(pack.Summaries) == 0 {
		return "", errs.New(errs.MissingArtifact, "summary pack has no summaries to synthesize")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Synthesis: %s\n\n", m.Query.Text)

	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "This synthesis draws on %d perspective summaries and %d validated citations ", len(pack.Summaries), usableCount(records))
	fmt.Fprintf(&b, "to answer: %s\n", m.Query.Text)

	b.WriteString("\n## Findings\n")
	for _, entry := range pack.Summaries {
		fmt.Fprintf(&b, "\n### %s\n\n", entry.PerspectiveID)
		for _, line := range excerptLines(entry) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	b.WriteString("\n## Citations\n\n")
	cited := sortedRecords(records)
	if len(cited) == 0 {
		b.WriteString("No validated citations are available for this run.\n")
	}
	for _, rec := range cited {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", rec.CID, rec.NormalizedURL, rec.Status)
	}

	b.WriteString("\n## Limitations\n\n")
	b.WriteString("Summaries are bounded and may omit detail present in the full wave outputs.\n")
	if len(pack.Totals.Missing) > 0 {
		b.WriteString("Some perspectives produced no output and are absent from this synthesis.\n")
	}

	if len(directives) > 0 {
		b.WriteString("\n## Revision Notes\n\n")
		for _, d := range directives {
			fmt.Fprintf(&b, "- %s: %s\n", d.Target, d.Instruction)
		}
	}

	md := b.String()
	if err := artifact.WriteTextAtomic(filepath.Join(runRoot, manifest.DraftSynthesisPath), md); err != nil {
		return "", err
	}
	return md, nil
}

// Finalize copies the accepted draft to synthesis/final-synthesis.md.
func Finalize(runRoot string) error {
	draft, err := ReadDraft(runRoot)
	if err != nil {
		return err
	}
	return artifact.WriteTextAtomic(filepath.Join(runRoot, manifest.FinalSynthesisPath), draft)
}

// ReadDraft returns the current draft synthesis markdown.
func ReadDraft(runRoot string) (string, error) {
	path := filepath.Join(runRoot, manifest.DraftSynthesisPath)
	if !artifact.Exists(path) {
		return "", errs.New(errs.MissingArtifact, "draft synthesis not written")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.InvalidState, err, "read %s", path)
	}
	return string(raw), nil
}

// excerptLines renders one summary as findings bullets. Lines containing
// numbers take the entry's first citation anchor; with no citations to
// anchor to, numeric lines are omitted.
func excerptLines(entry summary.Entry) []string {
	var anchor string
	if len(entry.Citations) > 0 {
		anchor = entry.Citations[0]
	}
	var out []string
	for _, line := range strings.Split(entry.SummaryMD, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.HasPrefix(trimmed, "-") {
			trimmed = "- " + trimmed
		}
		if digits.MatchString(trimmed) && !strings.Contains(trimmed, citations.CIDPrefix) {
			if anchor == "" {
				continue
			}
			trimmed = trimmed + " [" + anchor + "]"
		}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		out = []string{"- No unanchored findings survive the citation contract for this perspective."}
	}
	return out
}

func usableCount(records []citations.Record) int {
	n := 0
	for _, rec := range records {
		if rec.Status == citations.StatusValid || rec.Status == citations.StatusPaywalled {
			n++
		}
	}
	return n
}

func sortedRecords(records []citations.Record) []citations.Record {
	out := make([]citations.Record, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}
