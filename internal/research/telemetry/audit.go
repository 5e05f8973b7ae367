package telemetry

import (
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
)

// AppendAudit appends one free-form audit record. Audit writes are
// best-effort at every call site: callers log the returned error but never
// fail their primary operation on it.
func AppendAudit(runRoot, kind, runID string, fields map[string]any) error {
	if kind == "" || runID == "" {
		return errs.New(errs.InvalidArgs, "audit record needs kind and run_id")
	}
	rec := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["kind"] = kind
	rec["run_id"] = runID

	line, err := canonical.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "canonicalize audit record")
	}
	return artifact.AppendLine(filepath.Join(runRoot, AuditPath), line)
}

// ReadAudit returns every audit record in append order.
func ReadAudit(runRoot string) ([]map[string]any, error) {
	path := filepath.Join(runRoot, AuditPath)
	if !artifact.Exists(path) {
		return nil, nil
	}
	return artifact.ReadJSONLines(path)
}
