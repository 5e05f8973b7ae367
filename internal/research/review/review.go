// Package review runs the deterministic reviewer panel over the draft
// synthesis and drives the revise/advance/escalate loop. Reviewers are pure
// functions of the draft and the citation stream, so the same draft always
// produces the same bundle.
package review

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/citations"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/synthesis"
)

// Verdicts and decisions shared by the bundle and its reviews.
const (
	Pass            = "PASS"
	ChangesRequired = "CHANGES_REQUIRED"
)

// Actions revision control can take after a review.
const (
	ActionAdvance  = "advance"
	ActionRevise   = "revise"
	ActionEscalate = "escalate"
)

// Finding codes produced by the reviewer panel.
const (
	CodeMissingHeading        = "MISSING_HEADING"
	CodeUncitedNumericClaim   = "UNCITED_NUMERIC_CLAIM"
	CodeUnknownCitationID     = "UNKNOWN_CITATION_ID"
	CodeLowCitationUse        = "LOW_CITATION_UTILIZATION"
	CodeHighDuplicateCitation = "HIGH_DUPLICATE_CITATION_RATE"
)

// Bundle is the review_bundle.v1 document.
type Bundle struct {
	SchemaVersion  string   `json:"schema_version"`
	RunID          string   `json:"run_id"`
	CreatedAt      string   `json:"created_at"`
	InputsDigest   string   `json:"inputs_digest,omitempty"`
	Iteration      int      `json:"iteration"`
	Decision       string   `json:"decision"`
	SynthesisMD    string   `json:"synthesis_md,omitempty"`
	DirectivesPath string   `json:"directives_path,omitempty"`
	Reviews        []Review `json:"reviews"`
}

type Review struct {
	Reviewer string    `json:"reviewer"`
	Verdict  string    `json:"verdict"`
	Findings []Finding `json:"findings,omitempty"`
}

type Finding struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

// Directives is the revision_directives.v1 document the revise action
// writes for the next synthesis pass.
type Directives struct {
	SchemaVersion string                `json:"schema_version"`
	RunID         string                `json:"run_id"`
	CreatedAt     string                `json:"created_at"`
	Iteration     int                   `json:"iteration"`
	Directives    []synthesis.Directive `json:"directives"`
}

var cidMarker = regexp.MustCompile(`\[(cid_[0-9a-f]+)\]`)
var digits = regexp.MustCompile(`[0-9]`)

// warning thresholds; these raise findings without failing the reviewer.
const (
	lowUtilizationFloor  = 0.6
	highDuplicateCeiling = 0.2
)

// Run reviews the current draft synthesis and persists the bundle. The
// iteration number counts completed review->synthesis loops plus one.
func Run(runRoot string, m *manifest.Manifest, records []citations.Record) (*Bundle, error) {
	draft, err := synthesis.ReadDraft(runRoot)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		SchemaVersion: "review_bundle.v1",
		RunID:         m.RunID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Iteration:     m.CountTransitions(manifest.StageReview, manifest.StageSynthesis) + 1,
		Decision:      Pass,
		SynthesisMD:   manifest.DraftSynthesisPath,
		Reviews: []Review{
			contractReview(draft),
			citationReview(draft, records),
		},
	}
	for _, r := range bundle.Reviews {
		if r.Verdict != Pass {
			bundle.Decision = ChangesRequired
		}
	}

	digest, err := canonical.Digest(map[string]any{
		"draft":     canonical.DigestBytes([]byte(draft)),
		"iteration": bundle.Iteration,
		"records":   len(records),
	})
	if err != nil {
		return nil, err
	}
	bundle.InputsDigest = digest

	if err := Save(runRoot, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// contractReview enforces the synthesis heading contract.
func contractReview(draft string) Review {
	r := Review{Reviewer: "contract", Verdict: Pass}
	for _, heading := range synthesis.RequiredHeadings {
		if !hasHeading(draft, heading) {
			r.Verdict = ChangesRequired
			r.Findings = append(r.Findings, Finding{
				Code:    CodeMissingHeading,
				Message: fmt.Sprintf("required section %q is absent", heading),
				Target:  heading,
			})
		}
	}
	return r
}

// citationReview enforces the numeric-claim anchoring contract and raises
// utilization warnings. Only the hard contract fails the reviewer.
func citationReview(draft string, records []citations.Record) Review {
	r := Review{Reviewer: "citations", Verdict: Pass}
	known := map[string]bool{}
	usable := 0
	for _, rec := range records {
		known[rec.CID] = true
		if rec.Status == citations.StatusValid || rec.Status == citations.StatusPaywalled {
			usable++
		}
	}

	used := map[string]bool{}
	markers := 0
	section := ""
	for _, line := range strings.Split(draft, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			hashes := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			if hashes == 2 {
				section = strings.TrimSpace(trimmed[hashes:])
			}
			continue
		}
		if strings.EqualFold(section, "Citations") || trimmed == "" {
			continue
		}
		lineMarkers := cidMarker.FindAllStringSubmatch(trimmed, -1)
		for _, match := range lineMarkers {
			cid := match[1]
			markers++
			used[cid] = true
			if len(known) > 0 && !known[cid] {
				r.Verdict = ChangesRequired
				r.Findings = append(r.Findings, Finding{
					Code:    CodeUnknownCitationID,
					Message: fmt.Sprintf("citation %s is not in the validated stream", cid),
					Target:  cid,
				})
			}
		}
		if !strings.EqualFold(section, "Findings") {
			continue
		}
		if digits.MatchString(trimmed) && len(lineMarkers) == 0 {
			r.Verdict = ChangesRequired
			r.Findings = append(r.Findings, Finding{
				Code:    CodeUncitedNumericClaim,
				Message: fmt.Sprintf("numeric claim lacks a citation anchor: %s", clip(trimmed, 80)),
				Target:  "Findings",
			})
		}
	}

	if usable > 0 {
		utilization := float64(len(used)) / float64(usable)
		if utilization < lowUtilizationFloor {
			r.Findings = append(r.Findings, Finding{
				Code:    CodeLowCitationUse,
				Message: fmt.Sprintf("only %d of %d usable citations are referenced", len(used), usable),
			})
		}
	}
	if markers > 0 {
		duplicateRate := 1 - float64(len(used))/float64(markers)
		if duplicateRate > highDuplicateCeiling {
			r.Findings = append(r.Findings, Finding{
				Code:    CodeHighDuplicateCitation,
				Message: fmt.Sprintf("%d anchors resolve to %d distinct citations", markers, len(used)),
			})
		}
	}
	return r
}

// Control decides what happens after a review. PASS with a passing citation
// gate advances toward finalize; a failed review revises the synthesis until
// the iteration cap, then escalates to the operator.
func Control(runRoot string, m *manifest.Manifest, bundle *Bundle, gateEPassed bool) (string, error) {
	if bundle.Decision == Pass && gateEPassed {
		return ActionAdvance, nil
	}
	// Iteration is the completed review->synthesis transition count plus
	// one, so the cap is breached only once that count reaches the limit.
	if bundle.Iteration > m.Limits.MaxReviewIterations {
		return ActionEscalate, nil
	}

	doc := &Directives{
		SchemaVersion: "revision_directives.v1",
		RunID:         m.RunID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Iteration:     bundle.Iteration,
	}
	for _, rev := range bundle.Reviews {
		if rev.Verdict == Pass {
			continue
		}
		for _, f := range rev.Findings {
			target := f.Target
			if target == "" {
				target = "synthesis"
			}
			doc.Directives = append(doc.Directives, synthesis.Directive{
				Target:      target,
				Instruction: f.Message,
				SourceRev:   rev.Reviewer,
			})
		}
	}
	if len(doc.Directives) == 0 {
		doc.Directives = append(doc.Directives, synthesis.Directive{
			Target:      "synthesis",
			Instruction: "address the citation gate failure and redraft",
		})
	}
	if err := SaveDirectives(runRoot, doc); err != nil {
		return "", err
	}
	bundle.DirectivesPath = manifest.RevisionDirectivesPath
	if err := Save(runRoot, bundle); err != nil {
		return "", err
	}
	return ActionRevise, nil
}

// Save validates and persists review/review-bundle.json.
func Save(runRoot string, bundle *Bundle) error {
	if err := schema.Validate("review_bundle.v1", bundle); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.ReviewBundlePath), bundle)
}

// Load reads and validates the review bundle.
func Load(runRoot string) (*Bundle, error) {
	var bundle Bundle
	if err := artifact.ReadJSON(filepath.Join(runRoot, manifest.ReviewBundlePath), &bundle); err != nil {
		return nil, err
	}
	if err := schema.Validate("review_bundle.v1", bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// SaveDirectives validates and persists review/revision-directives.json.
func SaveDirectives(runRoot string, doc *Directives) error {
	if err := schema.Validate("revision_directives.v1", doc); err != nil {
		return err
	}
	return artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.RevisionDirectivesPath), doc)
}

// LoadDirectives reads the directives for the next synthesis pass. A run
// that never revised has none; callers treat NOT_FOUND as an empty set.
func LoadDirectives(runRoot string) (*Directives, error) {
	path := filepath.Join(runRoot, manifest.RevisionDirectivesPath)
	if !artifact.Exists(path) {
		return nil, errs.New(errs.NotFound, "%s not found", path)
	}
	var doc Directives
	if err := artifact.ReadJSON(path, &doc); err != nil {
		return nil, err
	}
	if err := schema.Validate("revision_directives.v1", doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func hasHeading(md, heading string) bool {
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(strings.TrimLeft(trimmed, "#")), heading) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
