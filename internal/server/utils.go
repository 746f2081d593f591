package server

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// validatePath ensures that the user-provided path is within the base directory
// and prevents path traversal attacks.
func validatePath(baseDir, userPath string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}

	cleanPath := filepath.Clean(filepath.FromSlash(userPath))

	absUserPath, err := filepath.Abs(filepath.Join(absBase, cleanPath))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absUserPath)
	if err != nil {
		return "", fmt.Errorf("path validation error: %w", err)
	}

	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected")
	}

	return absUserPath, nil
}

// normalizeRequestPath turns a URL path into a rooted, slash separated path
// with every "." and ".." element resolved. Leading ".." elements are
// dropped, so the result never climbs above "/".
func normalizeRequestPath(rawPath string) string {
	rawPath = strings.ReplaceAll(rawPath, "\\", "/")
	if !strings.HasPrefix(rawPath, "/") {
		rawPath = "/" + rawPath
	}
	return path.Clean(rawPath)
}

// isHashedAsset checks if filename contains a content hash (e.g., layout.a1b2c3d4.css)
func isHashedAsset(filename string) bool {
	parts := strings.Split(filename, ".")
	if len(parts) < 3 {
		return false
	}
	hashPart := parts[len(parts)-2]
	if len(hashPart) < 8 || len(hashPart) > 12 {
		return false
	}
	for _, c := range hashPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// hider decides which paths are invisible to clients. A path is hidden when
// it, or any of its parent directories, matches one of the patterns.
type hider struct {
	patterns []string
	private  []string
}

func (h hider) hidden(name string) bool {
	if len(h.patterns) == 0 && len(h.private) == 0 {
		return false
	}
	rel := strings.TrimPrefix(name, "/")
	if rel == "" {
		return false
	}
	for _, p := range h.private {
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}

	prefix := ""
	for _, seg := range strings.Split(rel, "/") {
		if prefix == "" {
			prefix = seg
		} else {
			prefix += "/" + seg
		}
		for _, p := range h.patterns {
			// Patterns were validated with the config.
			if ok, _ := doublestar.Match(p, prefix); ok {
				return true
			}
		}
	}
	return false
}

// HiddenFunc reports whether a slash-separated path relative to the document
// root is hidden by patterns or lies under one of the private paths.
// Patterns must already be valid.
func HiddenFunc(patterns, private []string) func(string) bool {
	return hider{patterns: patterns, private: private}.hidden
}

// PrivatePaths returns the dirs that lie inside root as slash-separated
// paths relative to it. Dirs outside root, or root itself, are dropped.
func PrivatePaths(root string, dirs ...string) []string {
	var out []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}
