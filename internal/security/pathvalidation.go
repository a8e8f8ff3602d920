// Package security validates operator-supplied file names before anything is
// written to disk.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its base directory.
var ErrPathEscape = errors.New("path escapes base directory")

// maxFilenameLen bounds sanitised names.
const maxFilenameLen = 96

// canonical resolves symlinks on the longest existing prefix of path. The
// remainder is joined back on unchanged so that files which do not exist yet
// can still be checked.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// ValidatePathWithinDirectory returns ErrPathEscape if filePath, after
// cleaning and symlink resolution, does not live under baseDir.
func ValidatePathWithinDirectory(filePath, baseDir string) error {
	path, err := canonical(filePath)
	if err != nil {
		return err
	}
	base, err := canonical(baseDir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is not under %s", ErrPathEscape, filePath, baseDir)
	}
	return nil
}

// SanitizeFilename keeps ASCII letters, digits, dot, underscore and dash and
// collapses every other run of characters into one underscore.
func SanitizeFilename(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore {
				b.WriteRune('_')
				underscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}

// ExportPath builds the destination for an export called name inside dir,
// adding ext when the name lacks it.
func ExportPath(dir, name, ext string) (string, error) {
	if dir == "" {
		return "", errors.New("no export directory configured")
	}
	base := SanitizeFilename(strings.TrimSuffix(filepath.Base(name), ext)) + ext
	path := filepath.Join(dir, base)
	if err := ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
