package workspace

import (
	"fmt"
	"path"
	"strings"
)

// Clean normalizes a logical workspace path and confines it to the scope root.
// A leading slash is relative to the root. The empty string denotes the root
// itself. Paths whose normalized form leaves the root fail with ErrPathTraversal.
func Clean(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, p)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// Join builds a logical path from already-validated segments.
func Join(elem ...string) string {
	return path.Join(elem...)
}

func isReserved(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	return first == CheckpointPrefix || first == SkillsPrefix
}

func extension(rel string) string {
	return strings.ToLower(path.Ext(path.Base(rel)))
}
