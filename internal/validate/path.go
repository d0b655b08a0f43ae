package validate

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ansiblemesh/ansible/internal/fault"
)

// SnapshotPath validates that path resolves to a location inside
// stateDir. The path is made absolute, cleaned, and canonicalized
// (symlinks followed on the deepest existing ancestor) before the
// containment check, so a symlink inside stateDir cannot escape it.
func SnapshotPath(stateDir, path string) (string, error) {
	absDir, err := filepath.Abs(stateDir)
	if err != nil {
		return "", fault.Newf(fault.InvalidParams, "resolve state dir: %v", err)
	}
	canonDir, err := canonicalize(absDir)
	if err != nil {
		return "", fault.Newf(fault.InvalidParams, "canonicalize state dir: %v", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absDir, path)
	}
	canon, err := canonicalize(filepath.Clean(abs))
	if err != nil {
		return "", fault.Newf(fault.InvalidParams, "canonicalize path: %v", err)
	}

	if canon != canonDir && !strings.HasPrefix(canon, canonDir+string(filepath.Separator)) {
		return "", fault.Newf(fault.PathTraversal, "path %q escapes state directory", path)
	}
	return canon, nil
}

// canonicalize resolves symlinks for the deepest existing ancestor of
// path and re-appends the non-existing suffix. A snapshot path usually
// does not exist yet on first persist.
func canonicalize(path string) (string, error) {
	remainder := ""
	p := path
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(p), remainder)
		p = parent
	}
}
