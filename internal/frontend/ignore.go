package frontend

import (
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Options controls how a Workspace discovers and parses a corpus.
type Options struct {
	// Root is the corpus directory.
	Root string
	// IgnorePatterns skips matching paths/dirs (relative to Root).
	// Supports simple names (e.g., "obj"), globs on the base name (e.g., "*.g.cs")
	// and directory globs (e.g., "Generated/*").
	IgnorePatterns []string
	// Workers limits concurrent parses.
	Workers int
	// MaxFileBytes skips files larger than this size.
	MaxFileBytes int64
	// Symbols are type identities known to the resolver without being declared
	// in the corpus, such as statically emitted artifacts.
	Symbols []string
}

// DefaultIgnorePatterns are directories a C# build never compiles sources from,
// plus previously generated files.
func DefaultIgnorePatterns() []string {
	return []string{
		".git",
		".vs",
		".idea",
		".declsynth",
		"bin",
		"obj",
		"node_modules",
		"packages",
		"*.g.cs",
	}
}

// DefaultOptions returns sane defaults for root.
func DefaultOptions(root string) Options {
	workers := runtime.NumCPU()
	if workers > 16 {
		workers = 16
	}
	if env := os.Getenv("DECLSYNTH_PARSE_WORKERS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			workers = v
		}
	}
	return Options{
		Root:           root,
		IgnorePatterns: DefaultIgnorePatterns(),
		Workers:        workers,
		MaxFileBytes:   4 * 1024 * 1024,
	}
}

func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimSuffix(p, "/")
	p = strings.TrimSuffix(p, "\\")
	return filepath.ToSlash(p)
}

// isIgnoredRel reports whether a relative path should be ignored.
func isIgnoredRel(rel, name string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	for _, raw := range patterns {
		p := normalizePattern(raw)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[]") {
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			if !strings.Contains(p, "/") {
				if ok, _ := path.Match(p, name); ok {
					return true
				}
			}
			// Directory globs like "Generated/*"
			if strings.HasSuffix(p, "/*") {
				prefix := strings.TrimSuffix(p, "/*")
				if strings.HasPrefix(rel, prefix+"/") {
					return true
				}
			}
			continue
		}
		if name == p || rel == p {
			return true
		}
		if strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// Ignored reports whether rel (slash or OS separated, relative to the corpus
// root) matches any pattern.
func Ignored(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	return isIgnoredRel(rel, path.Base(rel), patterns)
}
