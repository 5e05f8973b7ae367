package manifest

import (
	"encoding/json"
	"path/filepath"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
	"github.com/danshapiro/paidr/internal/research/telemetry"
)

// immutableFields cannot be touched by a merge patch once the run exists.
var immutableFields = []string{"schema_version", "run_id", "created_at", "artifacts"}

// mutatorManagedFields are written by the mutator itself on every call;
// patches naming them are rejected so the revision and timestamp laws hold.
var mutatorManagedFields = []string{"revision", "updated_at"}

// Write applies a merge patch to manifest.json. The patch may not touch
// immutable identity fields; expectedRevision, when non-nil, must match the
// current revision. On success the revision is bumped by exactly one,
// updated_at moves strictly forward, the merged document is re-validated
// against manifest.v1, persisted atomically, and an audit record is appended
// best-effort.
func Write(runRoot string, patch map[string]any, expectedRevision *int, reason string) (*Manifest, error) {
	if len(patch) == 0 {
		return nil, errs.New(errs.InvalidArgs, "empty patch")
	}
	path := filepath.Join(runRoot, ManifestPath)
	raw, err := artifact.ReadJSONMap(path)
	if err != nil {
		return nil, err
	}

	for _, field := range immutableFields {
		if _, ok := patch[field]; ok {
			return nil, errs.New(errs.ImmutableField, "field %q cannot be patched", field).WithDetail("field", field)
		}
	}
	for _, field := range mutatorManagedFields {
		if _, ok := patch[field]; ok {
			return nil, errs.New(errs.InvalidArgs, "field %q is managed by the mutator", field).WithDetail("field", field)
		}
	}

	curRevision, err := intField(raw, "revision")
	if err != nil {
		return nil, err
	}
	if expectedRevision != nil && *expectedRevision != curRevision {
		return nil, errs.New(errs.RevisionMismatch, "expected revision %d, found %d", *expectedRevision, curRevision).
			WithDetail("expected_revision", *expectedRevision).
			WithDetail("actual_revision", curRevision)
	}

	prevUpdatedAt, _ := raw["updated_at"].(string)
	merged := MergePatch(raw, patch)
	merged["revision"] = curRevision + 1
	merged["updated_at"] = nextTimestamp(prevUpdatedAt)

	if err := schema.Validate("manifest.v1", merged); err != nil {
		return nil, err
	}
	var m Manifest
	if err := remarshal(merged, &m); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(path, merged); err != nil {
		return nil, err
	}

	patchDigest, _ := canonical.Digest(patch)
	_ = telemetry.AppendAudit(runRoot, "manifest_write", m.RunID, map[string]any{
		"prev_revision": curRevision,
		"new_revision":  m.Revision,
		"reason":        reason,
		"patch_digest":  patchDigest,
	})
	return &m, nil
}

// intField reads an integer from a decoded JSON map.
func intField(raw map[string]any, key string) (int, error) {
	v, ok := raw[key]
	if !ok {
		return 0, errs.New(errs.InvalidState, "document missing %q", key)
	}
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, errs.New(errs.InvalidState, "%q is not an integer: %v", key, t)
		}
		return int(n), nil
	case float64:
		return int(t), nil
	default:
		return 0, errs.New(errs.InvalidState, "%q is not an integer: %T", key, v)
	}
}

func remarshal(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "re-encode document")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "re-decode document")
	}
	return nil
}
