package replica

import (
	"errors"
	"path"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

// NormalizePath cleans p into an absolute forward-slash path. The root
// itself is not a valid file path.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// NormalizePrefix is like NormalizePath but accepts the root, and an empty
// prefix means the root.
func NormalizePrefix(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// Under reports whether p equals prefix or lies beneath it.
func Under(p, prefix string) bool {
	if prefix == "/" || prefix == "" || p == prefix {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/")
}

// Rebase moves p from under oldPrefix to under newPrefix.
func Rebase(p, oldPrefix, newPrefix string) string {
	rel := strings.TrimPrefix(p, strings.TrimSuffix(oldPrefix, "/"))
	return path.Clean(strings.TrimSuffix(newPrefix, "/") + "/" + strings.TrimPrefix(rel, "/"))
}
