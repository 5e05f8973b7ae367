package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"

	"github.com/danshapiro/paidr/internal/research/errs"
)

// ReadJSON decodes a JSON artifact into out. Missing files surface as
// NOT_FOUND, malformed content as INVALID_JSON.
func ReadJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(errs.NotFound, err, "%s not found", path).WithDetail("path", path)
		}
		return errs.Wrap(errs.InvalidState, err, "read %s", path)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.InvalidJSON, err, "parse %s", path).WithDetail("path", path)
	}
	return nil
}

// ReadJSONMap decodes a JSON artifact into a generic map with json.Number
// preserved, the form merge patches and canonicalization operate on.
func ReadJSONMap(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.NotFound, err, "%s not found", path).WithDetail("path", path)
		}
		return nil, errs.Wrap(errs.InvalidState, err, "read %s", path)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, errs.Wrap(errs.InvalidJSON, err, "parse %s", path).WithDetail("path", path)
	}
	return out, nil
}

// ReadJSONLines decodes every record of a JSONL stream into generic maps.
// Blank lines are rejected: a valid stream has exactly one record per line.
func ReadJSONLines(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.NotFound, err, "%s not found", path).WithDetail("path", path)
		}
		return nil, errs.Wrap(errs.InvalidState, err, "open %s", path)
	}
	defer f.Close()

	var records []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			return nil, errs.New(errs.InvalidJSONL, "%s: blank line %d", path, lineNo)
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, errs.Wrap(errs.InvalidJSONL, err, "%s: line %d", path, lineNo)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Wrap(errs.InvalidJSONL, err, "scan %s", path)
	}
	return records, nil
}

// ReadText returns a text artifact's contents. Missing files surface as
// NOT_FOUND.
func ReadText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Wrap(errs.NotFound, err, "%s not found", path).WithDetail("path", path)
		}
		return "", errs.Wrap(errs.InvalidState, err, "read %s", path)
	}
	return string(raw), nil
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
