package frontend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"declsynth/internal/decl"
	"declsynth/internal/logging"

	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"
)

// parseEntry caches the parse of one file by content hash.
type parseEntry struct {
	hash  string
	parse *fileParse
}

// Workspace loads a corpus and keeps per-file parses across loads, so a round
// after an edit only re-parses the files that changed.
type Workspace struct {
	opts Options

	mu      sync.Mutex
	entries map[string]parseEntry // rel path -> entry

	parsers chan *sitter.Parser

	hits   atomic.Int64
	misses atomic.Int64
}

// LoadStats describes one load.
type LoadStats struct {
	Files    int
	Parsed   int
	Reused   int
	Skipped  int
	Duration time.Duration
}

// NewWorkspace creates a workspace. Root is only required by Load.
func NewWorkspace(opts Options) *Workspace {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Workspace{
		opts:    opts,
		entries: make(map[string]parseEntry),
		parsers: make(chan *sitter.Parser, opts.Workers),
	}
}

// Close releases pooled parsers.
func (w *Workspace) Close() {
	for {
		select {
		case p := <-w.parsers:
			p.Close()
		default:
			return
		}
	}
}

func (w *Workspace) getParser() *sitter.Parser {
	select {
	case p := <-w.parsers:
		return p
	default:
		return sitter.NewParser()
	}
}

func (w *Workspace) putParser(p *sitter.Parser) {
	select {
	case w.parsers <- p:
	default:
		p.Close()
	}
}

// CacheStats returns parse cache hits and misses since creation.
func (w *Workspace) CacheStats() (hits, misses int64) {
	return w.hits.Load(), w.misses.Load()
}

// source is one file to load: either in memory or read from abs.
type source struct {
	rel  string
	abs  string
	data []byte
}

// Load walks Root for *.cs files and returns the corpus.
func (w *Workspace) Load(ctx context.Context) (*Corpus, LoadStats, error) {
	root := w.opts.Root
	if root == "" {
		return nil, LoadStats{}, fmt.Errorf("corpus root required")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, LoadStats{}, fmt.Errorf("corpus root: %w", err)
	}

	var files []source
	skipped := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.FrontendWarn("walk %s: %v", path, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if isIgnoredRel(rel, d.Name(), w.opts.IgnorePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".cs") {
			return nil
		}
		if w.opts.MaxFileBytes > 0 {
			if info, err := d.Info(); err == nil && info.Size() > w.opts.MaxFileBytes {
				logging.FrontendWarn("skipping %s: %d bytes exceeds limit", rel, info.Size())
				skipped++
				return nil
			}
		}
		files = append(files, source{rel: filepath.ToSlash(rel), abs: path})
		return nil
	})
	if err != nil {
		return nil, LoadStats{}, err
	}

	corpus, stats, err := w.load(ctx, files)
	stats.Skipped = skipped
	return corpus, stats, err
}

// LoadSources builds a corpus from in-memory files keyed by relative path.
func (w *Workspace) LoadSources(ctx context.Context, files map[string][]byte) (*Corpus, LoadStats, error) {
	list := make([]source, 0, len(files))
	for rel, data := range files {
		list = append(list, source{rel: filepath.ToSlash(rel), data: data})
	}
	return w.load(ctx, list)
}

func (w *Workspace) load(ctx context.Context, files []source) (*Corpus, LoadStats, error) {
	start := time.Now()
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	parses := make([]*fileParse, len(files))
	var parsed, reused atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for i := range files {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f := files[i]
			data := f.data
			if data == nil {
				var err error
				if data, err = os.ReadFile(f.abs); err != nil {
					return fmt.Errorf("read %s: %w", f.rel, err)
				}
			}
			sum := sha256.Sum256(data)
			hash := hex.EncodeToString(sum[:])

			w.mu.Lock()
			entry, ok := w.entries[f.rel]
			w.mu.Unlock()
			if ok && entry.hash == hash {
				w.hits.Add(1)
				reused.Add(1)
				parses[i] = entry.parse
				return nil
			}

			w.misses.Add(1)
			parser := w.getParser()
			fp, err := parseFile(gctx, parser, f.rel, data)
			w.putParser(parser)
			if err != nil {
				return err
			}
			parsed.Add(1)
			parses[i] = fp

			w.mu.Lock()
			w.entries[f.rel] = parseEntry{hash: hash, parse: fp}
			w.mu.Unlock()
			logging.FrontendDebug("parsed %s: %d declarations", f.rel, len(fp.decls))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, LoadStats{}, err
	}

	// Forget files that disappeared.
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.rel] = true
	}
	w.mu.Lock()
	for rel := range w.entries {
		if !present[rel] {
			delete(w.entries, rel)
		}
	}
	w.mu.Unlock()

	corpus := assemble(parses, w.opts.Symbols)
	stats := LoadStats{
		Files:    len(files),
		Parsed:   int(parsed.Load()),
		Reused:   int(reused.Load()),
		Duration: time.Since(start),
	}
	logging.Frontend("loaded %d files (%d parsed, %d reused), %d declarations in %v",
		stats.Files, stats.Parsed, stats.Reused, len(corpus.decls), stats.Duration)
	return corpus, stats, nil
}

// Corpus is the result of a load. It implements decl.Store.
type Corpus struct {
	decls    []decl.Declaration
	resolver *Resolver
}

// Declarations returns the corpus declarations ordered by identity.
func (c *Corpus) Declarations() []decl.Declaration { return c.decls }

// Resolver returns the corpus symbol resolver.
func (c *Corpus) Resolver() decl.Resolver { return c.resolver }

// Symbols returns the resolver with its concrete type.
func (c *Corpus) Symbols() *Resolver { return c.resolver }

// assemble merges file parses into a corpus. Global usings from any file apply
// to every file, so they are folded into each declaration's outermost scope
// level and scope fingerprint here rather than at parse time. So are the
// resolved targets of each declaration's usages, which depend on the types
// declared across the whole corpus.
func assemble(parses []*fileParse, extra []string) *Corpus {
	var globals []string
	var globalAliases []using
	seen := make(map[string]bool)
	for _, fp := range parses {
		for _, u := range fp.globalUsings {
			if u.static {
				continue
			}
			if u.alias != "" {
				globalAliases = append(globalAliases, u)
				continue
			}
			if !seen[u.target] {
				seen[u.target] = true
				globals = append(globals, u.target)
			}
		}
	}
	sort.Strings(globals)

	types := make(map[string]bool)
	for _, s := range extra {
		types[s] = true
	}
	scopes := make(map[decl.Identity][]scopeLevel)
	var decls []decl.Declaration
	for _, fp := range parses {
		for _, d := range fp.decls {
			types[d.QualifiedName()] = true
			levels := fp.scopes[d.ID]
			if len(globals) > 0 || len(globalAliases) > 0 {
				levels = withGlobalUsings(levels, globals, globalAliases)
				d.Scope = scopeFingerprint(levels)
			}
			scopes[d.ID] = levels
			decls = append(decls, d)
		}
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].ID < decls[j].ID })

	r := newResolver(types, scopes)
	for i := range decls {
		if b := r.binding(decls[i]); b != "" {
			decls[i].Scope += "=>" + b
		}
	}
	return &Corpus{decls: decls, resolver: r}
}

func withGlobalUsings(levels []scopeLevel, globals []string, aliases []using) []scopeLevel {
	out := append([]scopeLevel(nil), levels...)
	last := len(out) - 1
	root := out[last]
	root.Usings = append(append([]string(nil), root.Usings...), globals...)
	if len(aliases) > 0 {
		merged := make(map[string]string, len(root.Aliases)+len(aliases))
		for k, v := range root.Aliases {
			merged[k] = v
		}
		for _, u := range aliases {
			merged[u.alias] = u.target
		}
		root.Aliases = merged
	}
	out[last] = root
	return out
}
