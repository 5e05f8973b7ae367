package wave

import (
	"net/url"
	"strings"
)

// Result is the contract check for one output.
type Result struct {
	PerspectiveID   string   `json:"perspective_id"`
	OutputMD        string   `json:"output_md"`
	OK              bool     `json:"ok"`
	Codes           []string `json:"codes,omitempty"`
	MissingSections []string `json:"missing_sections,omitempty"`
	WordCount       int      `json:"word_count"`
	SourceCount     int      `json:"source_count"`
	Notes           string   `json:"notes,omitempty"`
}

// retryableCodes are the contract failures eligible for gate B retry
// directives; everything else fails the tick outright.
var retryableCodes = map[string]bool{
	"MISSING_REQUIRED_SECTION": true,
	"TOO_MANY_WORDS":           true,
	"MALFORMED_SOURCES":        true,
	"TOO_MANY_SOURCES":         true,
}

// Retryable reports whether every code in the list is a retryable contract
// failure. An empty list is not retryable.
func Retryable(codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	for _, c := range codes {
		if !retryableCodes[c] {
			return false
		}
	}
	return true
}

// ValidateOutput checks one output against its perspective's prompt
// contract: required sections present, word count within max_words, and a
// well-formed Sources section within max_sources.
func ValidateOutput(p Perspective, entry PlanEntry, markdown string) Result {
	res := Result{
		PerspectiveID: entry.PerspectiveID,
		OutputMD:      entry.OutputMD,
		WordCount:     countWords(markdown),
	}
	if p.ID != entry.PerspectiveID {
		res.Codes = append(res.Codes, "MISMATCHED_PERSPECTIVE_ID")
		res.Notes = "plan entry names perspective " + entry.PerspectiveID + " but contract belongs to " + p.ID
		return res
	}

	for _, section := range p.PromptContract.MustIncludeSections {
		if !hasSection(markdown, section) {
			res.MissingSections = append(res.MissingSections, section)
		}
	}
	if len(res.MissingSections) > 0 {
		res.Codes = append(res.Codes, "MISSING_REQUIRED_SECTION")
	}
	if p.PromptContract.MaxWords > 0 && res.WordCount > p.PromptContract.MaxWords {
		res.Codes = append(res.Codes, "TOO_MANY_WORDS")
	}

	sources, malformed := parseSources(markdown)
	res.SourceCount = len(sources)
	if malformed {
		res.Codes = append(res.Codes, "MALFORMED_SOURCES")
	}
	if p.PromptContract.MaxSources > 0 && len(sources) > p.PromptContract.MaxSources {
		res.Codes = append(res.Codes, "TOO_MANY_SOURCES")
	}

	res.OK = len(res.Codes) == 0
	return res
}

// hasSection reports whether the markdown contains a heading whose text
// equals name, at any heading level.
func hasSection(markdown, name string) bool {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		if strings.EqualFold(heading, name) {
			return true
		}
	}
	return false
}

// parseSources reads the Sources section as a list of "- <url>" items.
// Non-blank lines that are not list items, and list items that are not
// absolute http(s) URLs, mark the section malformed.
func parseSources(markdown string) (sources []string, malformed bool) {
	body, found := sectionLines(markdown, "Sources")
	if !found {
		return nil, false
	}
	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "-") {
			malformed = true
			continue
		}
		item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
		u, err := url.Parse(item)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			malformed = true
			continue
		}
		sources = append(sources, item)
	}
	return sources, malformed
}

// sectionLines returns the lines between a heading named title and the next
// heading of the same or shallower level.
func sectionLines(markdown, title string) ([]string, bool) {
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
			return lines[start:i], true
		}
	}
	if start == -1 {
		return nil, false
	}
	return lines[start:], true
}

func countWords(markdown string) int {
	return len(strings.Fields(markdown))
}
