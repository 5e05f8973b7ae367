// Package artifact is the atomic on-disk store for run artifacts: write-rename
// JSON and text files, O_APPEND JSONL streams, and run-root path containment.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/paidr/internal/research/errs"
)

// EncodeJSON serializes v the way JSON artifacts are persisted: 2-space
// indent, trailing newline, no HTML escaping.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, errs.Wrap(errs.WriteFailed, err, "encode json")
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to path via a tmp file in the same directory
// followed by a rename. Readers observe either the old bytes or the new
// bytes, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errs.Wrap(errs.WriteFailed, err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.WriteFailed, err, "rename %s onto %s", tmp, path)
	}
	return nil
}

// WriteJSONAtomic persists v as an indented JSON artifact at path.
func WriteJSONAtomic(path string, v any) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// WriteTextAtomic persists text content, ensuring a trailing newline.
func WriteTextAtomic(path string, text string) error {
	if text == "" || text[len(text)-1] != '\n' {
		text += "\n"
	}
	return WriteFileAtomic(path, []byte(text), 0o644)
}

// AppendLine appends one newline-terminated record to a JSONL stream using
// O_APPEND semantics. line must not contain interior newlines.
func AppendLine(path string, line []byte) error {
	if bytes.ContainsRune(line, '\n') {
		return errs.New(errs.InvalidJSONL, "jsonl record contains a newline")
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.WriteFailed, err, "open %s for append", path)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.Wrap(errs.WriteFailed, err, "append to %s", path)
	}
	return nil
}

// EnsureDir creates dir and any missing parents. Existing directories are
// left untouched.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.WriteFailed, err, "mkdir %s", dir)
	}
	return nil
}
