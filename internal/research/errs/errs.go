// Package errs defines the coded errors shared by every research-run
// operation. Callers match on Code values, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Stable operation error codes.
const (
	InvalidArgs             = "INVALID_ARGS"
	InvalidState            = "INVALID_STATE"
	InvalidJSON             = "INVALID_JSON"
	InvalidJSONL            = "INVALID_JSONL"
	NotFound                = "NOT_FOUND"
	SchemaValidationFailed  = "SCHEMA_VALIDATION_FAILED"
	ImmutableField          = "IMMUTABLE_FIELD"
	RevisionMismatch        = "REVISION_MISMATCH"
	PathTraversal           = "PATH_TRAVERSAL"
	RunLocked               = "RUN_LOCKED"
	WriteFailed             = "WRITE_FAILED"
	WaveCapExceeded         = "WAVE_CAP_EXCEEDED"
	Wave1NotValidated       = "WAVE1_NOT_VALIDATED"
	Wave1ContractNotMet     = "WAVE1_CONTRACT_NOT_MET"
	MismatchedPerspectiveID = "MISMATCHED_PERSPECTIVE_ID"
	DuplicateGapID          = "DUPLICATE_GAP_ID"
	GapsSectionNotFound     = "GAPS_SECTION_NOT_FOUND"
	GapsParseFailed         = "GAPS_PARSE_FAILED"
	GateBlocked             = "GATE_BLOCKED"
	MissingArtifact         = "MISSING_ARTIFACT"
	RequestedNextNotAllowed = "REQUESTED_NEXT_NOT_ALLOWED"
	RetryRequired           = "RETRY_REQUIRED"
	RetryExhausted          = "RETRY_EXHAUSTED"
	RetryCapExhausted       = "RETRY_CAP_EXHAUSTED"
	RunAgentFailed          = "RUN_AGENT_FAILED"
	WatchdogTimeout         = "WATCHDOG_TIMEOUT"
	TickCapExceeded         = "TICK_CAP_EXCEEDED"
	Paused                  = "PAUSED"
	Cancelled               = "CANCELLED"
	BundleInvalid           = "BUNDLE_INVALID"
	ParseFailed             = "PARSE_FAILED"
	UpstreamInvalidJSON     = "UPSTREAM_INVALID_JSON"
	Internal                = "INTERNAL"
)

// Wave output contract codes. These are the validation failures that are
// eligible for gate B retry directives.
const (
	MissingRequiredSection = "MISSING_REQUIRED_SECTION"
	TooManyWords           = "TOO_MANY_WORDS"
	MalformedSources       = "MALFORMED_SOURCES"
	TooManySources         = "TOO_MANY_SOURCES"
)

// Error is a coded failure with optional structured details. The zero
// Details map is omitted from tool responses.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. The cause stays
// reachable through errors.Is/As.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail returns e with one detail key set. The receiver is returned to
// allow call chaining at construction sites.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithDetails merges the given map into the error's details.
func (e *Error) WithDetails(details map[string]any) *Error {
	for k, v := range details {
		e = e.WithDetail(k, v)
	}
	return e
}

// CodeOf extracts the stable code from err, unwrapping as needed. It returns
// the empty string for nil or uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// DetailsOf extracts structured details from err, or nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// AsError converts any error to a coded Error, assigning fallbackCode when
// err carries no code of its own.
func AsError(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallbackCode, Message: err.Error(), cause: err}
}
