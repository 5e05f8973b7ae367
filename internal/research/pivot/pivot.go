// Package pivot decides whether a run needs a gap-filling second wave. Gap
// extraction and the decision rules are deterministic functions of the
// wave-1 outputs, so re-running the decider over the same artifacts yields
// byte-identical pivot.json content modulo timestamps.
package pivot

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// Rule identifiers, first match wins.
const (
	RuleP0     = "Wave2Required.P0"
	RuleP1     = "Wave2Required.P1"
	RuleVolume = "Wave2Required.Volume"
	RuleSkip   = "Wave2Skip.NoGaps"
)

// Gap sources.
const (
	SourceExplicit = "explicit"
	SourceParsed   = "parsed_wave1"
)

// Document is the typed view of pivot.json.
type Document struct {
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	CreatedAt     string   `json:"created_at"`
	InputsDigest  string   `json:"inputs_digest"`
	Wave1         Wave1    `json:"wave1"`
	Gaps          []Gap    `json:"gaps"`
	Decision      Decision `json:"decision"`
}

type Wave1 struct {
	Outputs []Output `json:"outputs"`
}

type Output struct {
	PerspectiveID string `json:"perspective_id"`
	OutputMD      string `json:"output_md"`
	OutputDigest  string `json:"output_digest,omitempty"`
}

type Gap struct {
	GapID    string   `json:"gap_id"`
	Priority string   `json:"priority"`
	Text     string   `json:"text"`
	Tags     []string `json:"tags,omitempty"`
	Source   string   `json:"source"`
}

type Decision struct {
	Wave2Required bool           `json:"wave2_required"`
	RuleHit       string         `json:"rule_hit"`
	Metrics       map[string]any `json:"metrics"`
	Explanation   string         `json:"explanation"`
	Wave2GapIDs   []string       `json:"wave2_gap_ids"`
}

// Input is one validated wave-1 output handed to the decider. The caller
// guarantees the output passed contract validation (empty missing_sections);
// the decider rejects unvalidated inputs rather than guessing.
type Input struct {
	PerspectiveID string
	OutputMD      string
	Markdown      string
	Validated     bool
}

// gapLine matches "- (P0) text ..." with priorities P0 through P3.
var gapLine = regexp.MustCompile(`^-\s+\(P([0-3])\)\s+(.+)$`)

// tagToken matches "#word" tokens inside a gap's text.
var tagToken = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)

// Decide extracts gaps and applies the wave-2 requirement rules. When
// explicit gaps are supplied they are used verbatim; otherwise each output's
// "Gaps" section is parsed. The result is not persisted; use Save.
func Decide(runID string, inputs []Input, explicit []Gap) (*Document, error) {
	if len(inputs) == 0 {
		return nil, errs.New(errs.InvalidArgs, "pivot requires at least one wave-1 output")
	}
	outputs := make([]Output, 0, len(inputs))
	for _, in := range inputs {
		if !in.Validated {
			return nil, errs.New(errs.Wave1NotValidated, "output for %s has not passed contract validation", in.PerspectiveID).
				WithDetail("perspective_id", in.PerspectiveID)
		}
		outputs = append(outputs, Output{
			PerspectiveID: in.PerspectiveID,
			OutputMD:      in.OutputMD,
			OutputDigest:  canonical.DigestBytes([]byte(in.Markdown)),
		})
	}

	gaps := explicit
	source := SourceExplicit
	if len(gaps) == 0 {
		source = SourceParsed
		var err error
		gaps, err = parseAllGaps(inputs)
		if err != nil {
			return nil, err
		}
	}
	seen := map[string]bool{}
	for i := range gaps {
		if gaps[i].Source == "" {
			gaps[i].Source = source
		}
		if seen[gaps[i].GapID] {
			return nil, errs.New(errs.DuplicateGapID, "gap id %q appears more than once", gaps[i].GapID).
				WithDetail("gap_id", gaps[i].GapID)
		}
		seen[gaps[i].GapID] = true
	}
	if gaps == nil {
		gaps = []Gap{}
	}
	SortGaps(gaps)

	decision := decide(gaps)
	digest, err := canonical.Digest(map[string]any{
		"outputs": outputs,
		"gaps":    gaps,
	})
	if err != nil {
		return nil, err
	}
	return &Document{
		SchemaVersion: "pivot_decision.v1",
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		InputsDigest:  digest,
		Wave1:         Wave1{Outputs: outputs},
		Gaps:          gaps,
		Decision:      decision,
	}, nil
}

// ParseGaps extracts the gaps declared in one output's "Gaps" section. Gap
// ids are "gap_<perspective_id>_<ordinal>" with a 1-based ordinal in section
// order. Lines that are list items but do not carry a (P0..P3) priority fail
// the parse; a section with no list items at all yields no gaps.
func ParseGaps(perspectiveID, markdown string) ([]Gap, error) {
	section, found := sectionBody(markdown, "Gaps")
	if !found {
		return nil, errs.New(errs.GapsSectionNotFound, "output for %s has no Gaps section", perspectiveID).
			WithDetail("perspective_id", perspectiveID)
	}
	var gaps []Gap
	ordinal := 0
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "-") {
			continue
		}
		m := gapLine.FindStringSubmatch(line)
		if m == nil {
			return nil, errs.New(errs.GapsParseFailed, "output for %s: unparseable gap line %q", perspectiveID, line).
				WithDetail("perspective_id", perspectiveID).
				WithDetail("line", line)
		}
		ordinal++
		text := strings.TrimSpace(m[2])
		gaps = append(gaps, Gap{
			GapID:    fmt.Sprintf("gap_%s_%d", perspectiveID, ordinal),
			Priority: "P" + m[1],
			Text:     text,
			Tags:     extractTags(text),
			Source:   SourceParsed,
		})
	}
	return gaps, nil
}

// SortGaps orders gaps by (priority rank, gap_id), the canonical order every
// downstream consumer sees.
func SortGaps(gaps []Gap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		ri, rj := priorityRank(gaps[i].Priority), priorityRank(gaps[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return gaps[i].GapID < gaps[j].GapID
	})
}

// Load reads and validates pivot.json under runRoot.
func Load(runRoot string) (*Document, error) {
	var doc Document
	if err := artifact.ReadJSON(filepath.Join(runRoot, "pivot.json"), &doc); err != nil {
		return nil, err
	}
	if err := schema.Validate("pivot_decision.v1", doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save validates and persists pivot.json.
func Save(runRoot string, doc *Document) error {
	if err := schema.Validate("pivot_decision.v1", doc); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, "pivot.json"), doc)
}

func parseAllGaps(inputs []Input) ([]Gap, error) {
	var gaps []Gap
	for _, in := range inputs {
		parsed, err := ParseGaps(in.PerspectiveID, in.Markdown)
		if err != nil {
			// An output without a Gaps section simply contributes none;
			// only malformed gap lines fail the decider.
			if errs.HasCode(err, errs.GapsSectionNotFound) {
				continue
			}
			return nil, err
		}
		gaps = append(gaps, parsed...)
	}
	return gaps, nil
}

func decide(gaps []Gap) Decision {
	counts := map[string]int{}
	for _, g := range gaps {
		counts[g.Priority]++
	}
	p0, p1, p2 := counts["P0"], counts["P1"], counts["P2"]
	total := len(gaps)
	metrics := map[string]any{
		"p0_count":   p0,
		"p1_count":   p1,
		"p2_count":   p2,
		"p3_count":   counts["P3"],
		"total_gaps": total,
	}

	var rule, explanation string
	required := false
	switch {
	case p0 >= 1:
		required, rule = true, RuleP0
		explanation = fmt.Sprintf("%d P0 gap(s) demand a second wave", p0)
	case p1 >= 2:
		required, rule = true, RuleP1
		explanation = fmt.Sprintf("%d P1 gaps demand a second wave", p1)
	case total >= 4 && p1+p2 >= 3:
		required, rule = true, RuleVolume
		explanation = fmt.Sprintf("%d gaps with %d at P1/P2 demand a second wave", total, p1+p2)
	default:
		rule = RuleSkip
		explanation = "gap volume below every wave-2 threshold"
	}

	var ids []string
	if required {
		for _, g := range gaps {
			if g.Priority == "P0" || g.Priority == "P1" {
				ids = append(ids, g.GapID)
			}
		}
		if len(ids) == 0 {
			// Volume rule with no P0/P1: take the three highest-priority
			// gaps in canonical order.
			for i := 0; i < len(gaps) && i < 3; i++ {
				ids = append(ids, gaps[i].GapID)
			}
		}
	}
	if ids == nil {
		ids = []string{}
	}
	return Decision{
		Wave2Required: required,
		RuleHit:       rule,
		Metrics:       metrics,
		Explanation:   explanation,
		Wave2GapIDs:   ids,
	}
}

func priorityRank(p string) int {
	switch p {
	case "P0":
		return 0
	case "P1":
		return 1
	case "P2":
		return 2
	default:
		return 3
	}
}

func extractTags(text string) []string {
	matches := tagToken.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var tags []string
	for _, m := range matches {
		tag := strings.ToLower(m[1])
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// sectionBody returns the text between a "## <title>" heading (any heading
// level) and the next heading of the same or shallower level.
func sectionBody(markdown, title string) (string, bool) {
	lines := strings.Split(markdown, "\n")
	start, level := -1, 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		hashes := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
		heading := strings.TrimSpace(trimmed[hashes:])
		if start == -1 {
			if strings.EqualFold(heading, title) {
				start, level = i+1, hashes
			}
			continue
		}
		if hashes <= level {
			return strings.Join(lines[start:i], "\n"), true
		}
	}
	if start == -1 {
		return "", false
	}
	return strings.Join(lines[start:], "\n"), true
}
