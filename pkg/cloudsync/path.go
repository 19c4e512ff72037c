package cloudsync

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RootPath is the path of the top-level directory of every cloud.
const RootPath = "/"

// CleanPath normalizes p into the canonical resource path form: forward
// slashes, a leading slash, no trailing slash, NFC-normalized segments.
// Paths that try to climb above the root are rejected with ErrInvalidPath.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, p)
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
		}
	}

	cleaned := path.Clean("/" + p)

	return norm.NFC.String(cleaned), nil
}

// JoinPath joins a directory path and a relative name, normalizing the
// result. An absolute name is resolved from the root, like a shell cd.
func JoinPath(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidPath)
	}

	if strings.HasPrefix(name, "/") {
		return CleanPath(name)
	}

	return CleanPath(dir + "/" + name)
}

// ParentPath returns the parent directory of p. The parent of the root is
// the root.
func ParentPath(p string) string {
	if p == RootPath {
		return RootPath
	}

	return path.Dir(p)
}

// BaseName returns the last segment of p, or "/" for the root.
func BaseName(p string) string {
	if p == RootPath {
		return RootPath
	}

	return path.Base(p)
}

// SplitPath returns the non-empty segments of a cleaned path.
func SplitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}
