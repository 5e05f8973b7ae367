package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danshapiro/paidr/internal/research/errs"
)

func TestWriteJSONAtomicShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")
	if err := WriteJSONAtomic(path, map[string]any{"url": "https://e.com/?a=1&b=2", "n": 1}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	s := string(raw)
	if !strings.HasSuffix(s, "\n") {
		t.Fatalf("artifact must end with a newline: %q", s)
	}
	if !strings.Contains(s, "  \"n\": 1") {
		t.Fatalf("artifact must use 2-space indent: %q", s)
	}
	if strings.Contains(s, `\u0026`) {
		t.Fatalf("artifact must not HTML-escape: %q", s)
	}
	if !strings.Contains(s, "a=1&b=2") {
		t.Fatalf("artifact must keep literal &: %q", s)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("tmp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "two" {
		t.Fatalf("got %q want %q", raw, "two")
	}
}

func TestAppendLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "events.jsonl")
	if err := AppendLine(path, []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendLine(path, []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{\"seq\":1}\n{\"seq\":2}\n" {
		t.Fatalf("stream content: %q", raw)
	}
	err := AppendLine(path, []byte("{\n}"))
	if errs.CodeOf(err) != errs.InvalidJSONL {
		t.Fatalf("interior newline: got %v want INVALID_JSONL", err)
	}
}

func TestReadJSONCodes(t *testing.T) {
	dir := t.TempDir()
	var out map[string]any
	err := ReadJSON(filepath.Join(dir, "missing.json"), &out)
	if errs.CodeOf(err) != errs.NotFound {
		t.Fatalf("missing file: got %v want NOT_FOUND", err)
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{nope"), 0o644)
	err = ReadJSON(bad, &out)
	if errs.CodeOf(err) != errs.InvalidJSON {
		t.Fatalf("malformed file: got %v want INVALID_JSON", err)
	}
}

func TestReadJSONLinesRejectsBlank(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	os.WriteFile(path, []byte("{\"a\":1}\n\n{\"a\":2}\n"), 0o644)
	_, err := ReadJSONLines(path)
	if errs.CodeOf(err) != errs.InvalidJSONL {
		t.Fatalf("blank line: got %v want INVALID_JSONL", err)
	}
}

func TestResolveContainedPath(t *testing.T) {
	root := t.TempDir()

	p, err := ResolveContainedPath(root, "citations/url-map.json", "path")
	if err != nil {
		t.Fatalf("relative path: %v", err)
	}
	if !strings.HasPrefix(p, root) {
		t.Fatalf("resolved outside root: %s", p)
	}

	if _, err := ResolveContainedPath(root, "../escape.txt", "path"); errs.CodeOf(err) != errs.PathTraversal {
		t.Fatalf("dotdot escape: got %v want PATH_TRAVERSAL", err)
	}
	if _, err := ResolveContainedPath(root, "/etc/passwd", "path"); errs.CodeOf(err) != errs.PathTraversal {
		t.Fatalf("absolute escape: got %v want PATH_TRAVERSAL", err)
	}
	if _, err := ResolveContainedPath(root, "a/../../b", "path"); errs.CodeOf(err) != errs.PathTraversal {
		t.Fatalf("cleaned escape: got %v want PATH_TRAVERSAL", err)
	}
	if _, err := ResolveContainedPath(root, "", "output_md"); errs.CodeOf(err) != errs.InvalidArgs {
		t.Fatalf("empty input: got %v want INVALID_ARGS", err)
	}

	// Deep paths that do not exist yet are still containable.
	if _, err := ResolveContainedPath(root, "wave-1/out/p1.md", "output_md"); err != nil {
		t.Fatalf("missing deep path: %v", err)
	}
}

func TestResolveContainedPathSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	root := t.TempDir()
	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := ResolveContainedPath(root, "sneaky/file.txt", "path")
	if errs.CodeOf(err) != errs.PathTraversal {
		t.Fatalf("symlink escape: got %v want PATH_TRAVERSAL", err)
	}
	details := errs.DetailsOf(err)
	if details["field"] != "path" {
		t.Fatalf("details must name the field: %v", details)
	}
}

func TestRelToRoot(t *testing.T) {
	root := t.TempDir()
	rel, err := RelToRoot(root, filepath.Join(root, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("RelToRoot: %v", err)
	}
	if rel != "logs/audit.jsonl" {
		t.Fatalf("got %q want logs/audit.jsonl", rel)
	}
	if _, err := RelToRoot(root, "/somewhere/else"); errs.CodeOf(err) != errs.PathTraversal {
		t.Fatalf("outside path: got %v want PATH_TRAVERSAL", err)
	}
}
