package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"declsynth/internal/decl"
	"declsynth/internal/logging"
)

// cacheVersion is incremented when the entry format or stage semantics change.
// Restored entries with a different version are skipped.
const cacheVersion = 1

// Cache memoizes the filter and transform stages per declaration and the
// emission stage per descriptor, across rounds.
//
// Entries are keyed by structural identity and validated by content hash and
// fingerprint. Each complete round prunes entries it did not touch.
type Cache struct {
	mu         sync.RWMutex
	entries    map[decl.Identity]*CacheEntry
	emits      map[Descriptor]*EmitEntry
	generation uint64 // last completed round
	pending    uint64 // round in progress

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	pruned        atomic.Int64
	emitHits      atomic.Int64
	emitMisses    atomic.Int64
}

// CacheEntry is the memoized stage output for one declaration.
type CacheEntry struct {
	Identity    decl.Identity `json:"identity"`
	ContentHash string        `json:"content_hash"`
	Fingerprint string        `json:"fingerprint"`
	State       State         `json:"state"`
	Descriptor  Descriptor    `json:"descriptor"`
	Problem     *Diagnostic   `json:"problem,omitempty"`
	Generation  uint64        `json:"generation"`
	Version     int           `json:"version"`
}

// EmitEntry is the memoized rendering of one descriptor.
type EmitEntry struct {
	Descriptor Descriptor `json:"descriptor"`
	Artifact   Artifact   `json:"artifact"`
	Generation uint64     `json:"generation"`
	Version    int        `json:"version"`
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[decl.Identity]*CacheEntry),
		emits:   make(map[Descriptor]*EmitEntry),
	}
}

// beginRound opens a new generation and returns it.
func (c *Cache) beginRound() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = c.generation + 1
	return c.pending
}

// endRound closes the generation. A complete round prunes every entry it did not
// touch; a partial one keeps them so unseen declarations can hit next time.
func (c *Cache) endRound(complete bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.pending
	c.generation = gen
	if !complete {
		return 0
	}

	removed := 0
	for id, e := range c.entries {
		if e.Generation < gen {
			delete(c.entries, id)
			removed++
		}
	}
	for d, e := range c.emits {
		if e.Generation < gen {
			delete(c.emits, d)
			removed++
		}
	}
	c.pruned.Add(int64(removed))
	if removed > 0 {
		logging.CacheDebug("pruned %d stale entries at generation %d", removed, gen)
	}
	return removed
}

// lookup returns the memoized outcome for d if its content is unchanged.
func (c *Cache) lookup(d decl.Declaration, hash string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[d.ID]
	if !ok {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	if e.Version != cacheVersion {
		delete(c.entries, d.ID)
		c.invalidations.Add(1)
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	if e.ContentHash != hash {
		// same declaration, edited
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	if e.Fingerprint != d.Fingerprint() {
		// Same key and hash but a different declaration: never serve it.
		delete(c.entries, d.ID)
		c.invalidations.Add(1)
		c.misses.Add(1)
		logging.Get(logging.CategoryCache).Warn("cache entry for %s collides with %s; dropped", d.ID, e.Fingerprint)
		return CacheEntry{}, false
	}

	e.Generation = c.pending
	c.hits.Add(1)
	return *e, true
}

func (c *Cache) store(e CacheEntry) {
	c.mu.Lock()
	e.Generation = c.pending
	e.Version = cacheVersion
	c.entries[e.Identity] = &e
	c.mu.Unlock()
}

func (c *Cache) lookupEmit(d Descriptor) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.emits[d]
	if !ok || e.Version != cacheVersion {
		c.emitMisses.Add(1)
		return Artifact{}, false
	}
	e.Generation = c.pending
	c.emitHits.Add(1)
	return e.Artifact, true
}

func (c *Cache) storeEmit(d Descriptor, a Artifact) {
	a.Origin = ""
	c.mu.Lock()
	c.emits[d] = &EmitEntry{Descriptor: d, Artifact: a, Generation: c.pending, Version: cacheVersion}
	c.mu.Unlock()
}

// Snapshot is a serializable copy of the cache.
type Snapshot struct {
	Generation uint64       `json:"generation"`
	Entries    []CacheEntry `json:"entries"`
	Emits      []EmitEntry  `json:"emits"`
}

// Snapshot copies the cache in a deterministic order.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Generation: c.generation,
		Entries:    make([]CacheEntry, 0, len(c.entries)),
		Emits:      make([]EmitEntry, 0, len(c.emits)),
	}
	for _, e := range c.entries {
		s.Entries = append(s.Entries, *e)
	}
	for _, e := range c.emits {
		s.Emits = append(s.Emits, *e)
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Identity < s.Entries[j].Identity })
	sort.Slice(s.Emits, func(i, j int) bool { return s.Emits[i].Descriptor.less(s.Emits[j].Descriptor) })
	return s
}

// Restore replaces the cache content with s. Entries written by another cache
// version are skipped.
func (c *Cache) Restore(s Snapshot) (loaded, skipped int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[decl.Identity]*CacheEntry, len(s.Entries))
	c.emits = make(map[Descriptor]*EmitEntry, len(s.Emits))
	c.generation = s.Generation
	c.pending = s.Generation

	for i := range s.Entries {
		e := s.Entries[i]
		if e.Version != cacheVersion || e.Identity == "" {
			skipped++
			continue
		}
		c.entries[e.Identity] = &e
		loaded++
	}
	for i := range s.Emits {
		e := s.Emits[i]
		if e.Version != cacheVersion {
			skipped++
			continue
		}
		c.emits[e.Descriptor] = &e
		loaded++
	}
	if loaded > 0 || skipped > 0 {
		logging.Cache("restored %d entries at generation %d (%d skipped)", loaded, s.Generation, skipped)
	}
	return loaded, skipped
}

// Generation returns the last completed round's generation.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries, emits := len(c.entries), len(c.emits)
	c.mu.RUnlock()

	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Pruned:        c.pruned.Load(),
		EmitHits:      c.emitHits.Load(),
		EmitMisses:    c.emitMisses.Load(),
		Entries:       entries,
		EmitEntries:   emits,
	}
}

// CacheStats contains cache performance statistics. Counters are cumulative
// over the cache's lifetime.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
	Pruned        int64
	EmitHits      int64
	EmitMisses    int64
	Entries       int
	EmitEntries   int
}

// Sub returns the counter deltas s - prev; entry counts are taken from s.
func (s CacheStats) Sub(prev CacheStats) CacheStats {
	return CacheStats{
		Hits:          s.Hits - prev.Hits,
		Misses:        s.Misses - prev.Misses,
		Invalidations: s.Invalidations - prev.Invalidations,
		Pruned:        s.Pruned - prev.Pruned,
		EmitHits:      s.EmitHits - prev.EmitHits,
		EmitMisses:    s.EmitMisses - prev.EmitMisses,
		Entries:       s.Entries,
		EmitEntries:   s.EmitEntries,
	}
}

// HitRate returns the declaration-stage hit rate as a percentage (0-100).
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (s CacheStats) String() string {
	return fmt.Sprintf("hits=%d misses=%d invalidations=%d pruned=%d emitHits=%d emitMisses=%d entries=%d hitRate=%.1f%%",
		s.Hits, s.Misses, s.Invalidations, s.Pruned, s.EmitHits, s.EmitMisses, s.Entries, s.HitRate())
}
