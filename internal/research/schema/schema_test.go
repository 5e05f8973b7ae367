package schema

import (
	"testing"

	"github.com/danshapiro/paidr/internal/research/errs"
)

func TestAllEmbeddedSchemasCompile(t *testing.T) {
	names := Names()
	if len(names) == 0 {
		t.Fatalf("no embedded schemas found")
	}
	for _, name := range names {
		if _, err := Compile(name); err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
	}
}

func TestUnknownSchemaName(t *testing.T) {
	_, err := Compile("nope.v9")
	if errs.CodeOf(err) != errs.NotFound {
		t.Fatalf("unknown schema: got %v want NOT_FOUND", err)
	}
}

func TestValidateCitationRecord(t *testing.T) {
	good := map[string]any{
		"schema_version": "citation.v1",
		"normalized_url": "https://example.com/a",
		"cid":            "cid_" + hex64('a'),
		"url":            "https://example.com/a",
		"url_original":   "https://Example.com/a",
		"status":         "valid",
		"checked_at":     "2026-01-02T03:04:05Z",
		"found_by":       []string{"wave-1/out/p1.md"},
	}
	if err := Validate("citation.v1", good); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	bad := map[string]any{}
	for k, v := range good {
		bad[k] = v
	}
	bad["status"] = "great"
	err := Validate("citation.v1", bad)
	if errs.CodeOf(err) != errs.SchemaValidationFailed {
		t.Fatalf("bad status: got %v want SCHEMA_VALIDATION_FAILED", err)
	}
	details := errs.DetailsOf(err)
	if details["schema"] != "citation.v1" {
		t.Fatalf("details must carry the schema name: %v", details)
	}
	if _, ok := details["violations"]; !ok {
		t.Fatalf("details must carry violations: %v", details)
	}
}

func TestValidateBytesRejectsMalformedJSON(t *testing.T) {
	err := ValidateBytes("url_map.v1", []byte("{oops"))
	if errs.CodeOf(err) != errs.InvalidJSON {
		t.Fatalf("malformed bytes: got %v want INVALID_JSON", err)
	}
}

func TestValidateStructAndMapAgree(t *testing.T) {
	type pointer struct {
		SchemaVersion string `json:"schema_version"`
		Path          string `json:"path"`
		Blake3        string `json:"blake3"`
		RecordedAt    string `json:"recorded_at"`
		Count         int    `json:"count"`
	}
	p := pointer{
		SchemaVersion: "fixture_pointer.v1",
		Path:          "citations/online-fixtures.abc123def456.json",
		Blake3:        hex64('0'),
		RecordedAt:    "2026-01-02T03:04:05Z",
		Count:         3,
	}
	if err := Validate("fixture_pointer.v1", p); err != nil {
		t.Fatalf("struct form rejected: %v", err)
	}
	m := map[string]any{
		"schema_version": p.SchemaVersion,
		"path":           p.Path,
		"blake3":         p.Blake3,
		"recorded_at":    p.RecordedAt,
		"count":          p.Count,
	}
	if err := Validate("fixture_pointer.v1", m); err != nil {
		t.Fatalf("map form rejected: %v", err)
	}
}

func hex64(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
