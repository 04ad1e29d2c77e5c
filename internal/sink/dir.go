package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"declsynth/internal/logging"
	"declsynth/internal/pipeline"
)

// ManifestName is the file, inside the output root, that records what the
// directory sink wrote.
const ManifestName = ".declsynth-manifest.json"

// manifestEntry records one generated file.
type manifestEntry struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Dir writes artifacts as files under a root directory:
// <root>/<Namespace>/<Name><ext>, or <root>/<Name><ext> in the global namespace.
//
// Files whose content is unchanged are not rewritten. Commit removes files
// written by earlier rounds that the current round did not emit. Static
// artifacts (no origin) stay pinned for the sink's lifetime.
type Dir struct {
	mu       sync.Mutex
	root     string
	ext      string
	manifest map[string]manifestEntry // rel path -> entry
	dirty    bool

	round  map[string]pipeline.Artifact // key -> artifact, current round
	paths  map[string]bool              // rel paths emitted this round
	pinned map[string]pipeline.Artifact // rel path -> static artifact

	stats DirStats
}

// DirStats counts file operations since the last Commit.
type DirStats struct {
	Written   int
	Unchanged int
	Removed   int
}

// NewDir opens (or creates) an output directory. ext is appended to artifact
// names, e.g. ".g.cs".
func NewDir(root, ext string) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("output directory required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", root, err)
	}
	d := &Dir{
		root:     root,
		ext:      ext,
		manifest: make(map[string]manifestEntry),
		round:    make(map[string]pipeline.Artifact),
		paths:    make(map[string]bool),
		pinned:   make(map[string]pipeline.Artifact),
	}
	d.load()
	return d, nil
}

// Root returns the output directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) load() {
	data, err := os.ReadFile(filepath.Join(d.root, ManifestName))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &d.manifest); err != nil {
		// Corrupt manifest, start fresh
		logging.EmitWarn("ignoring corrupt manifest in %s: %v", d.root, err)
		d.manifest = make(map[string]manifestEntry)
	}
}

// RelPath returns the path, relative to the root, that an artifact is written to.
func (d *Dir) RelPath(a pipeline.Artifact) string {
	if a.Namespace == "" {
		return a.Name + d.ext
	}
	return filepath.Join(a.Namespace, a.Name+d.ext)
}

// Add implements pipeline.Sink.
func (d *Dir) Add(a pipeline.Artifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := a.Key()
	if prev, ok := d.round[key]; ok {
		if prev == a {
			return nil
		}
		return &pipeline.CollisionError{Key: key, First: prev.Origin, Second: a.Origin}
	}

	rel := d.RelPath(a)
	if err := d.write(rel, a); err != nil {
		return err
	}
	d.round[key] = a
	d.paths[rel] = true
	if a.Origin == "" {
		d.pinned[rel] = a
	}
	return nil
}

func (d *Dir) write(rel string, a pipeline.Artifact) error {
	sum := sha256.Sum256([]byte(a.Text))
	hash := hex.EncodeToString(sum[:])
	full := filepath.Join(d.root, rel)

	if prev, ok := d.manifest[rel]; ok && prev.Hash == hash {
		if _, err := os.Stat(full); err == nil {
			d.stats.Unchanged++
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(a.Text), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	d.manifest[rel] = manifestEntry{Key: a.Key(), Hash: hash}
	d.dirty = true
	d.stats.Written++
	logging.EmitDebug("wrote %s", rel)
	return nil
}

// Commit ends a round: files from earlier rounds that were not emitted (and are
// not pinned) are removed, and the manifest is saved.
func (d *Dir) Commit() (DirStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stale := make([]string, 0)
	for rel := range d.manifest {
		if d.paths[rel] {
			continue
		}
		if _, ok := d.pinned[rel]; ok {
			continue
		}
		stale = append(stale, rel)
	}
	sort.Strings(stale)

	var lastErr error
	for _, rel := range stale {
		full := filepath.Join(d.root, rel)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			lastErr = fmt.Errorf("failed to remove stale %s: %w", rel, err)
			continue
		}
		removeEmptyParents(d.root, filepath.Dir(full))
		delete(d.manifest, rel)
		d.dirty = true
		d.stats.Removed++
		logging.EmitDebug("removed stale %s", rel)
	}

	if err := d.saveManifest(); err != nil && lastErr == nil {
		lastErr = err
	}

	stats := d.stats
	d.stats = DirStats{}
	d.resetRound()
	return stats, lastErr
}

// Abort ends a round without removing anything: files already written this
// round stay and are recorded, files from earlier rounds are kept.
func (d *Dir) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.saveManifest()
	d.stats = DirStats{}
	d.resetRound()
	return err
}

func (d *Dir) resetRound() {
	d.round = make(map[string]pipeline.Artifact, len(d.pinned))
	d.paths = make(map[string]bool, len(d.pinned))
	for rel, a := range d.pinned {
		d.round[a.Key()] = a
		d.paths[rel] = true
	}
}

func (d *Dir) saveManifest() error {
	if !d.dirty {
		return nil
	}
	data, err := json.MarshalIndent(d.manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(d.root, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	d.dirty = false
	return nil
}

// removeEmptyParents deletes empty namespace directories up to (not including) root.
func removeEmptyParents(root, dir string) {
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
