package usecase

import (
	"path"
	"strings"

	"easy-content-upgrade/internal/domain"
)

const fallbackSelector = "fallback"

// checkPath accepts absolute, clean paths inside one of the allowed roots.
func checkPath(p string, roots []string) error {
	if p == "" || !path.IsAbs(p) || path.Clean(p) != p {
		return domain.ErrInvalidPath
	}
	for _, root := range roots {
		if root == "/" || p == root || strings.HasPrefix(p, root+"/") {
			return nil
		}
	}
	return domain.ErrInvalidPath
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// isFallback reports whether name is a fallback script, e.g. migrate.fallback.js.
func isFallback(name string) bool {
	base := strings.TrimSuffix(name, path.Ext(name))
	return path.Ext(base) == "."+fallbackSelector
}

// fallbackPath returns the fallback script path for p.
func fallbackPath(p string) string {
	ext := path.Ext(p)
	return strings.TrimSuffix(p, ext) + "." + fallbackSelector + ext
}

// matchesRunModes checks the selectors of a folder name such as
// "scripts.author.dev+test": every selector after the first dot needs at least
// one of its "+" separated alternatives to be an active run mode.
func matchesRunModes(folder string, active map[string]struct{}) bool {
	parts := strings.Split(folder, ".")
	for _, selector := range parts[1:] {
		matched := false
		for _, alt := range strings.Split(selector, "+") {
			if _, ok := active[alt]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
