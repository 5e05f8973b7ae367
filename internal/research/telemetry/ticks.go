package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// TickRecord is one tick ledger entry. The phase field is the canonical
// discriminator; stage_before/stage_after record the transition the tick
// performed, if any.
type TickRecord struct {
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	TickIndex     int      `json:"tick_index"`
	Phase         string   `json:"phase"`
	TS            string   `json:"ts"`
	StageBefore   string   `json:"stage_before"`
	StageAfter    string   `json:"stage_after"`
	StatusBefore  string   `json:"status_before"`
	StatusAfter   string   `json:"status_after"`
	Result        string   `json:"result"`
	ErrorCode     string   `json:"error_code,omitempty"`
	InputsDigest  string   `json:"inputs_digest,omitempty"`
	Artifacts     []string `json:"artifacts,omitempty"`
}

// AppendTick validates and appends a tick ledger record.
func AppendTick(runRoot string, rec TickRecord) error {
	if rec.SchemaVersion == "" {
		rec.SchemaVersion = "tick_ledger.v1"
	}
	if rec.TS == "" {
		rec.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := schema.Validate("tick_ledger.v1", rec); err != nil {
		return err
	}
	line, err := canonical.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "canonicalize tick record")
	}
	return artifact.AppendLine(filepath.Join(runRoot, TicksPath), line)
}

// ReadTicks returns the tick ledger in append order.
func ReadTicks(runRoot string) ([]TickRecord, error) {
	path := filepath.Join(runRoot, TicksPath)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.InvalidState, err, "open %s", path)
	}
	defer f.Close()

	var out []TickRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			return nil, errs.New(errs.InvalidJSONL, "%s: blank line %d", path, lineNo)
		}
		var rec TickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errs.Wrap(errs.InvalidJSONL, err, "%s: line %d", path, lineNo)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.InvalidJSONL, err, "scan %s", path)
	}
	return out, nil
}

// NextTickIndex returns 1 + the number of persisted tick records.
func NextTickIndex(runRoot string) (int, error) {
	ticks, err := ReadTicks(runRoot)
	if err != nil {
		return 0, err
	}
	return len(ticks) + 1, nil
}
