// Package summary assembles the bounded summary pack: one summary per wave
// output, each capped at max_summary_kb, the pack capped at
// max_total_summary_kb.
package summary

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/wave"
)

// Pack is the summary_pack.v1 document.
type Pack struct {
	SchemaVersion string  `json:"schema_version"`
	RunID         string  `json:"run_id"`
	CreatedAt     string  `json:"created_at"`
	InputsDigest  string  `json:"inputs_digest"`
	Limits        Limits  `json:"limits"`
	Summaries     []Entry `json:"summaries"`
	Totals        Totals  `json:"totals"`
}

type Limits struct {
	MaxSummaryKB      int `json:"max_summary_kb"`
	MaxTotalSummaryKB int `json:"max_total_summary_kb"`
}

type Entry struct {
	PerspectiveID string   `json:"perspective_id"`
	SourceMD      string   `json:"source_md"`
	SummaryMD     string   `json:"summary_md"`
	KB            int      `json:"kb"`
	Citations     []string `json:"citations,omitempty"`
	Truncated     bool     `json:"truncated,omitempty"`
}

type Totals struct {
	Count    int      `json:"count"`
	Expected int      `json:"expected"`
	TotalKB  int      `json:"total_kb"`
	Missing  []string `json:"missing,omitempty"`
}

var urlToken = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)

// Build summarizes every planned wave output into the pack and persists it.
// Outputs that were never ingested are recorded in totals.missing rather
// than failing the build; gate D decides whether the gap is acceptable.
func Build(runRoot string, m *manifest.Manifest) (*Pack, error) {
	entries, err := plannedEntries(runRoot)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errs.New(errs.InvalidState, "no wave plan entries to summarize")
	}
	urlMap := loadURLMap(runRoot)

	pack := &Pack{
		SchemaVersion: "summary_pack.v1",
		RunID:         m.RunID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Limits: Limits{
			MaxSummaryKB:      m.Limits.MaxSummaryKB,
			MaxTotalSummaryKB: m.Limits.MaxTotalSummaryKB,
		},
		Totals: Totals{Expected: len(entries)},
	}
	digestInput := map[string]string{}

	for _, planEntry := range entries {
		markdown, err := wave.ReadOutput(runRoot, planEntry)
		if err != nil {
			if errs.HasCode(err, errs.MissingArtifact) {
				pack.Totals.Missing = append(pack.Totals.Missing, planEntry.PerspectiveID)
				continue
			}
			return nil, err
		}
		summaryMD, truncated := summarize(markdown, m.Limits.MaxSummaryKB*1024)
		kb := (len(summaryMD) + 1023) / 1024
		pack.Summaries = append(pack.Summaries, Entry{
			PerspectiveID: planEntry.PerspectiveID,
			SourceMD:      planEntry.OutputMD,
			SummaryMD:     summaryMD,
			KB:            kb,
			Citations:     citedIDs(markdown, urlMap),
			Truncated:     truncated,
		})
		pack.Totals.Count++
		pack.Totals.TotalKB += kb
		digestInput[planEntry.PerspectiveID] = canonical.DigestBytes([]byte(markdown))
	}
	sort.Slice(pack.Summaries, func(i, j int) bool {
		return pack.Summaries[i].PerspectiveID < pack.Summaries[j].PerspectiveID
	})
	sort.Strings(pack.Totals.Missing)

	digest, err := canonical.Digest(map[string]any{"outputs": digestInput, "limits": pack.Limits})
	if err != nil {
		return nil, err
	}
	pack.InputsDigest = digest
	if err := Save(runRoot, pack); err != nil {
		return nil, err
	}
	return pack, nil
}

// Save validates and persists summaries/summary-pack.json.
func Save(runRoot string, pack *Pack) error {
	if err := schema.Validate("summary_pack.v1", pack); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.SummaryPackPath), pack)
}

// Load reads and validates the summary pack.
func Load(runRoot string) (*Pack, error) {
	var pack Pack
	if err := artifact.ReadJSON(filepath.Join(runRoot, manifest.SummaryPackPath), &pack); err != nil {
		return nil, err
	}
	if err := schema.Validate("summary_pack.v1", pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

// plannedEntries collects wave-1 entries plus wave-2 entries when a second
// wave was planned.
func plannedEntries(runRoot string) ([]wave.PlanEntry, error) {
	plan1, err := wave.LoadPlan(runRoot, 1)
	if err != nil {
		return nil, err
	}
	entries := append([]wave.PlanEntry(nil), plan1.Entries...)
	if artifact.Exists(filepath.Join(runRoot, manifest.Wave2PlanPath)) {
		plan2, err := wave.LoadPlan(runRoot, 2)
		if err != nil {
			return nil, err
		}
		entries = append(entries, plan2.Entries...)
	}
	return entries, nil
}

// summarize keeps the Findings section when one exists, otherwise the whole
// output, clipped to the byte budget at a line boundary.
func summarize(markdown string, maxBytes int) (string, bool) {
	body := markdown
	if lines, ok := findingsSection(markdown); ok {
		body = strings.TrimSpace(lines)
	}
	if maxBytes <= 0 || len(body) <= maxBytes {
		return body, false
	}
	clipped := body[:maxBytes]
	if idx := strings.LastIndexByte(clipped, '\n'); idx > 0 {
		clipped = clipped[:idx]
	}
	return strings.TrimSpace(clipped), true
}

func findingsSection(markdown string) (string, bool) {
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
			if strings.EqualFold(heading, "Findings") {
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

// citedIDs maps the URLs an output references onto citation ids via the url
// map. Without a url map the list is empty; synthesis re-resolves later.
func citedIDs(markdown string, urlMap *citations.URLMap) []string {
	if urlMap == nil {
		return nil
	}
	byNormalized := map[string]string{}
	for _, item := range urlMap.Items {
		byNormalized[item.NormalizedURL] = item.CID
	}
	seen := map[string]bool{}
	var cids []string
	for _, token := range urlToken.FindAllString(markdown, -1) {
		normalized, err := citations.Normalize(strings.TrimRight(token, ".,;:!?'\""))
		if err != nil {
			continue
		}
		cid, ok := byNormalized[normalized]
		if ok && !seen[cid] {
			seen[cid] = true
			cids = append(cids, cid)
		}
	}
	sort.Strings(cids)
	return cids
}

func loadURLMap(runRoot string) *citations.URLMap {
	if !artifact.Exists(filepath.Join(runRoot, manifest.URLMapPath)) {
		return nil
	}
	urlMap, err := citations.LoadURLMap(runRoot)
	if err != nil {
		return nil
	}
	return urlMap
}
