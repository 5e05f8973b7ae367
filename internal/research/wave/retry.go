package wave

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// RetryDirectives is the retry_directives.v1 document: the instructions the
// next tick follows to rerun failing perspectives with a change note.
type RetryDirectives struct {
	SchemaVersion string           `json:"schema_version"`
	RunID         string           `json:"run_id"`
	CreatedAt     string           `json:"created_at"`
	GateID        string           `json:"gate_id"`
	Directives    []RetryDirective `json:"directives"`
}

type RetryDirective struct {
	PerspectiveID string   `json:"perspective_id"`
	Codes         []string `json:"codes"`
	ChangeNote    string   `json:"change_note"`
	Attempt       int      `json:"attempt"`
}

// BuildRetryDirectives turns retryable review failures into directives for
// the next tick. attempt is 1-based and shared by the batch.
func BuildRetryDirectives(runID string, failing []Result, attempt int) *RetryDirectives {
	doc := &RetryDirectives{
		SchemaVersion: "retry_directives.v1",
		RunID:         runID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		GateID:        "B",
	}
	for _, res := range failing {
		doc.Directives = append(doc.Directives, RetryDirective{
			PerspectiveID: res.PerspectiveID,
			Codes:         res.Codes,
			ChangeNote:    changeNote(res),
			Attempt:       attempt,
		})
	}
	return doc
}

// SaveRetryDirectives validates and persists retry/retry-directives.json.
func SaveRetryDirectives(runRoot string, doc *RetryDirectives) error {
	if err := schema.Validate("retry_directives.v1", doc); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.RetryDirectivesPath), doc)
}

// LoadRetryDirectives reads pending directives, or nil when none exist.
func LoadRetryDirectives(runRoot string) (*RetryDirectives, error) {
	path := filepath.Join(runRoot, manifest.RetryDirectivesPath)
	if !artifact.Exists(path) {
		return nil, nil
	}
	var doc RetryDirectives
	if err := artifact.ReadJSON(path, &doc); err != nil {
		return nil, err
	}
	if err := schema.Validate("retry_directives.v1", doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ClearRetryDirectives removes the directives file after the retried
// perspectives pass. A cleared file leaving no residue is what gate B checks.
func ClearRetryDirectives(runRoot string) error {
	path := filepath.Join(runRoot, manifest.RetryDirectivesPath)
	if !artifact.Exists(path) {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return errs.Wrap(errs.WriteFailed, err, "remove %s", path)
	}
	return nil
}

// Directive returns the pending directive for a perspective, if any.
func (d *RetryDirectives) Directive(perspectiveID string) (RetryDirective, bool) {
	if d == nil {
		return RetryDirective{}, false
	}
	for _, dir := range d.Directives {
		if dir.PerspectiveID == perspectiveID {
			return dir, true
		}
	}
	return RetryDirective{}, false
}

func changeNote(res Result) string {
	var parts []string
	for _, code := range res.Codes {
		switch code {
		case "MISSING_REQUIRED_SECTION":
			parts = append(parts, fmt.Sprintf("add the missing section(s): %s", strings.Join(res.MissingSections, ", ")))
		case "TOO_MANY_WORDS":
			parts = append(parts, fmt.Sprintf("shorten the output (currently %d words)", res.WordCount))
		case "MALFORMED_SOURCES":
			parts = append(parts, "format every Sources entry as a \"- <http(s) url>\" list item")
		case "TOO_MANY_SOURCES":
			parts = append(parts, fmt.Sprintf("trim the source list (currently %d entries)", res.SourceCount))
		default:
			parts = append(parts, code)
		}
	}
	return "Revise the output: " + strings.Join(parts, "; ") + "."
}
