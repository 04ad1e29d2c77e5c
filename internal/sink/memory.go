// Package sink provides Artifact Sinks: the boundary where generated artifacts
// leave the pipeline and enter the surrounding build.
package sink

import (
	"sort"
	"sync"

	"declsynth/internal/pipeline"
)

// Memory collects artifacts in memory, deduplicated by key.
// Re-adding an identical artifact is a no-op; a different artifact under the
// same key is a collision.
type Memory struct {
	mu        sync.RWMutex
	artifacts map[string]pipeline.Artifact
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{artifacts: make(map[string]pipeline.Artifact)}
}

// Add implements pipeline.Sink.
func (m *Memory) Add(a pipeline.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.Key()
	if prev, ok := m.artifacts[key]; ok {
		if prev == a {
			return nil
		}
		return &pipeline.CollisionError{Key: key, First: prev.Origin, Second: a.Origin}
	}
	m.artifacts[key] = a
	return nil
}

// Get returns the artifact stored under key.
func (m *Memory) Get(key string) (pipeline.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[key]
	return a, ok
}

// Artifacts returns all artifacts ordered by key.
func (m *Memory) Artifacts() []pipeline.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pipeline.Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of distinct artifacts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.artifacts)
}

// Reset drops everything, e.g. between rounds.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.artifacts = make(map[string]pipeline.Artifact)
	m.mu.Unlock()
}
