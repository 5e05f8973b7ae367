// Package telemetry owns the run's event streams: the strictly-sequenced
// telemetry JSONL with its index, the free-form audit log, and the tick
// ledger.
package telemetry

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/canonical"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// Stream paths relative to the run root.
const (
	StreamPath = "logs/telemetry.jsonl"
	IndexPath  = "logs/telemetry.index.json"
	AuditPath  = "logs/audit.jsonl"
	TicksPath  = "logs/ticks.jsonl"
)

// Index tracks the highest sequence number persisted to the telemetry stream.
type Index struct {
	SchemaVersion string `json:"schema_version"`
	MaxSeq        int64  `json:"max_seq"`
	Count         int64  `json:"count"`
	UpdatedAt     string `json:"updated_at"`
}

// Append validates and appends one telemetry event, returning the sequence
// number it was persisted under. The event must carry run_id and event_type;
// schema_version, ts, and seq are filled in when absent. A caller-supplied
// seq must strictly exceed every observed sequence.
func Append(runRoot string, event map[string]any) (int64, error) {
	if event == nil {
		return 0, errs.New(errs.InvalidArgs, "event must not be nil")
	}
	idx, err := loadOrRebuildIndex(runRoot)
	if err != nil {
		return 0, err
	}

	seq := idx.MaxSeq + 1
	if raw, ok := event["seq"]; ok {
		supplied, err := toInt64(raw)
		if err != nil {
			return 0, errs.New(errs.InvalidArgs, "seq must be an integer, got %v", raw)
		}
		if supplied <= idx.MaxSeq {
			return 0, errs.New(errs.InvalidArgs, "seq %d does not exceed max_seq %d", supplied, idx.MaxSeq).
				WithDetail("seq", supplied).
				WithDetail("max_seq", idx.MaxSeq)
		}
		seq = supplied
	}

	persisted := make(map[string]any, len(event)+3)
	for k, v := range event {
		persisted[k] = v
	}
	persisted["seq"] = seq
	if _, ok := persisted["schema_version"]; !ok {
		persisted["schema_version"] = "telemetry.event.v1"
	}
	if _, ok := persisted["ts"]; !ok {
		persisted["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := schema.Validate("telemetry.event.v1", persisted); err != nil {
		return 0, err
	}

	line, err := canonical.Marshal(persisted)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidJSON, err, "canonicalize telemetry event")
	}
	if err := artifact.AppendLine(filepath.Join(runRoot, StreamPath), line); err != nil {
		return 0, err
	}

	idx.MaxSeq = seq
	idx.Count++
	idx.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := artifact.WriteJSONAtomic(filepath.Join(runRoot, IndexPath), idx); err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadIndex loads the telemetry index, rebuilding it from the stream when the
// index file is absent.
func ReadIndex(runRoot string) (*Index, error) {
	return loadOrRebuildIndex(runRoot)
}

// VerifyStream re-scans the telemetry stream and confirms sequences are
// strictly increasing. It returns the observed maximum and count.
func VerifyStream(runRoot string) (maxSeq, count int64, err error) {
	path := filepath.Join(runRoot, StreamPath)
	if !artifact.Exists(path) {
		return 0, 0, nil
	}
	records, err := artifact.ReadJSONLines(path)
	if err != nil {
		return 0, 0, err
	}
	var prev int64
	for i, rec := range records {
		seq, convErr := toInt64(rec["seq"])
		if convErr != nil {
			return 0, 0, errs.New(errs.InvalidJSONL, "telemetry line %d: bad seq %v", i+1, rec["seq"])
		}
		if seq <= prev {
			return 0, 0, errs.New(errs.InvalidJSONL, "telemetry line %d: seq %d not greater than %d", i+1, seq, prev).
				WithDetail("line", i+1).
				WithDetail("seq", seq)
		}
		prev = seq
	}
	return prev, int64(len(records)), nil
}

func loadOrRebuildIndex(runRoot string) (*Index, error) {
	path := filepath.Join(runRoot, IndexPath)
	if artifact.Exists(path) {
		var idx Index
		if err := artifact.ReadJSON(path, &idx); err != nil {
			return nil, err
		}
		if err := schema.Validate("telemetry.index.v1", idx); err != nil {
			return nil, err
		}
		return &idx, nil
	}
	maxSeq, count, err := VerifyStream(runRoot)
	if err != nil {
		return nil, err
	}
	return &Index{
		SchemaVersion: "telemetry.index.v1",
		MaxSeq:        maxSeq,
		Count:         count,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			return 0, errs.New(errs.InvalidArgs, "not an integer: %v", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	default:
		return 0, errs.New(errs.InvalidArgs, "not an integer: %T", v)
	}
}
