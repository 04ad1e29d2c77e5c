package config

import "runtime"

// CorpusConfig controls corpus discovery and parsing.
type CorpusConfig struct {
	// Root is the source directory (relative to the workspace).
	Root string `yaml:"root"`
	// Workers caps concurrent tree-sitter parses.
	Workers int `yaml:"workers"`
	// IgnorePatterns skips matching paths/dirs (relative to Root).
	IgnorePatterns []string `yaml:"ignore_patterns"`
	// MaxFileBytes skips larger files.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// DefaultCorpusConfig returns defaults for corpus discovery.
func DefaultCorpusConfig() CorpusConfig {
	workers := runtime.NumCPU()
	if workers > 16 {
		workers = 16
	}
	if workers < 2 {
		workers = 2
	}
	return CorpusConfig{
		Root:    ".",
		Workers: workers,
		IgnorePatterns: []string{
			".git",
			".vs",
			".idea",
			".declsynth",
			"bin",
			"obj",
			"node_modules",
			"packages",
			"*.g.cs",
		},
		MaxFileBytes: 4 * 1024 * 1024,
	}
}
