package artifact

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/paidr/internal/research/errs"
)

// ResolveContainedPath resolves input against runRoot and proves the result
// stays inside it. Relative inputs are joined under the root; absolute inputs
// must already lie beneath it. Containment is checked lexically and then
// against the symlink-resolved real path of the nearest existing ancestor, so
// a symlink inside the root cannot smuggle writes outside it. field names the
// argument being checked and is echoed in error details.
func ResolveContainedPath(runRoot, input, field string) (string, error) {
	if input == "" {
		return "", errs.New(errs.InvalidArgs, "%s must not be empty", field).WithDetail("field", field)
	}
	rootAbs, err := filepath.Abs(runRoot)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgs, err, "resolve run root %s", runRoot)
	}
	p := input
	if !filepath.IsAbs(p) {
		p = filepath.Join(rootAbs, p)
	}
	p = filepath.Clean(p)
	if !within(rootAbs, p) {
		return "", traversal(field, input, runRoot)
	}

	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", errs.Wrap(errs.NotFound, err, "run root %s does not exist", runRoot).WithDetail("run_root", runRoot)
	}
	anc := existingAncestor(p)
	ancReal, err := filepath.EvalSymlinks(anc)
	if err != nil {
		return "", errs.Wrap(errs.PathTraversal, err, "resolve %s", anc).WithDetail("field", field)
	}
	// Re-anchor the not-yet-existing suffix below the resolved ancestor.
	suffix, err := filepath.Rel(anc, p)
	if err != nil {
		return "", errs.Wrap(errs.PathTraversal, err, "relativize %s", p).WithDetail("field", field)
	}
	resolved := ancReal
	if suffix != "." {
		resolved = filepath.Join(ancReal, suffix)
	}
	if !within(rootReal, resolved) {
		return "", traversal(field, input, runRoot)
	}
	return p, nil
}

// RelToRoot converts an absolute contained path to the root-relative POSIX
// form artifacts reference each other with.
func RelToRoot(runRoot, abs string) (string, error) {
	rootAbs, err := filepath.Abs(runRoot)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgs, err, "resolve run root %s", runRoot)
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", traversal("path", abs, runRoot)
	}
	return filepath.ToSlash(rel), nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

func existingAncestor(p string) string {
	anc := p
	for {
		if _, err := os.Lstat(anc); err == nil {
			return anc
		}
		parent := filepath.Dir(anc)
		if parent == anc {
			return anc
		}
		anc = parent
	}
}

func traversal(field, input, runRoot string) *errs.Error {
	return errs.New(errs.PathTraversal, "%s escapes the run root", field).
		WithDetail("field", field).
		WithDetail("input", input).
		WithDetail("run_root", runRoot)
}
