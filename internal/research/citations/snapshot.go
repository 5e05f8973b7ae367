package citations

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/schema"
)

// Pointer is the fixture_pointer.v1 document naming the latest recorded
// online-fixtures snapshot and its content hash.
type Pointer struct {
	SchemaVersion string `json:"schema_version"`
	Path          string `json:"path"`
	Blake3        string `json:"blake3"`
	RecordedAt    string `json:"recorded_at"`
	Count         int    `json:"count"`
}

// Snapshot persists the validated records as an offline-fixtures snapshot
// plus a latest pointer. The snapshot file name embeds a short prefix of its
// blake3 hash, so distinct result sets never collide.
func Snapshot(runRoot, runID string, records []Record) (*Pointer, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fixtures := Fixtures{
		SchemaVersion: "offline_fixtures.v1",
		RunID:         runID,
		RecordedAt:    now,
	}
	for _, rec := range records {
		fixtures.Fixtures = append(fixtures.Fixtures, Fixture{
			NormalizedURL:   rec.NormalizedURL,
			URLOriginal:     rec.URLOriginal,
			CID:             rec.CID,
			URL:             rec.URL,
			Status:          rec.Status,
			HTTPStatus:      rec.HTTPStatus,
			Title:           rec.Title,
			Publisher:       rec.Publisher,
			EvidenceSnippet: rec.EvidenceSnippet,
			Notes:           rec.Notes,
		})
	}
	if err := schema.Validate("offline_fixtures.v1", fixtures); err != nil {
		return nil, err
	}
	data, err := artifact.EncodeJSON(fixtures)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	relPath := fmt.Sprintf("citations/online-fixtures.%s.json", hash[:12])
	if err := artifact.WriteFileAtomic(filepath.Join(runRoot, relPath), data, 0o644); err != nil {
		return nil, err
	}

	ptr := &Pointer{
		SchemaVersion: "fixture_pointer.v1",
		Path:          relPath,
		Blake3:        hash,
		RecordedAt:    now,
		Count:         len(fixtures.Fixtures),
	}
	if err := schema.Validate("fixture_pointer.v1", ptr); err != nil {
		return nil, err
	}
	if err := artifact.WriteJSONAtomic(filepath.Join(runRoot, manifest.FixturePointerPath), ptr); err != nil {
		return nil, err
	}
	return ptr, nil
}

// LoadSnapshot follows the latest pointer, verifies the snapshot's blake3
// content hash, and returns the recorded fixtures. A hash mismatch means the
// snapshot cannot be trusted and fails with INVALID_STATE.
func LoadSnapshot(runRoot string) (*Fixtures, *Pointer, error) {
	var ptr Pointer
	if err := artifact.ReadJSON(filepath.Join(runRoot, manifest.FixturePointerPath), &ptr); err != nil {
		if errs.HasCode(err, errs.NotFound) {
			return nil, nil, errs.New(errs.MissingArtifact, "no online-fixtures snapshot recorded")
		}
		return nil, nil, err
	}
	if err := schema.Validate("fixture_pointer.v1", ptr); err != nil {
		return nil, nil, err
	}
	snapAbs, err := artifact.ResolveContainedPath(runRoot, ptr.Path, "snapshot_path")
	if err != nil {
		return nil, nil, err
	}
	data, err := readBytes(snapAbs)
	if err != nil {
		return nil, nil, err
	}
	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != ptr.Blake3 {
		return nil, nil, errs.New(errs.InvalidState, "snapshot %s does not match its recorded blake3 hash", ptr.Path).
			WithDetail("path", ptr.Path).
			WithDetail("expected", ptr.Blake3).
			WithDetail("actual", hex.EncodeToString(sum[:]))
	}
	fixtures, err := LoadFixtures(snapAbs)
	if err != nil {
		return nil, nil, err
	}
	return fixtures, &ptr, nil
}

func readBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.MissingArtifact, "snapshot %s not found", path).WithDetail("path", path)
		}
		return nil, errs.Wrap(errs.InvalidState, err, "read %s", path)
	}
	return data, nil
}
