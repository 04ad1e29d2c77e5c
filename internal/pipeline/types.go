package pipeline

import (
	"fmt"

	"declsynth/internal/decl"
)

// State is the per-round classification of a declaration.
type State int

const (
	// Unseen declarations were not evaluated this round (the round's context
	// ended first). They are retried in a later round.
	Unseen State = iota
	// FilteredOut declarations failed the syntactic predicate.
	FilteredOut
	// Candidate declarations carry the marker and produced a descriptor.
	Candidate
	// Rejected declarations passed the predicate but yielded no descriptor.
	Rejected
)

func (s State) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case FilteredOut:
		return "filtered-out"
	case Candidate:
		return "candidate"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Descriptor is the minimal projection of a marked declaration that a template
// needs. It is compared by value.
type Descriptor struct {
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	TypeParameters string `json:"type_parameters,omitempty"`
}

func (d Descriptor) less(o Descriptor) bool {
	if d.Namespace != o.Namespace {
		return d.Namespace < o.Namespace
	}
	if d.Name != o.Name {
		return d.Name < o.Name
	}
	if d.Kind != o.Kind {
		return d.Kind < o.Kind
	}
	return d.TypeParameters < o.TypeParameters
}

// Artifact is one generated output unit.
type Artifact struct {
	Namespace string        `json:"namespace,omitempty"`
	Name      string        `json:"name"`
	Text      string        `json:"text"`
	Origin    decl.Identity `json:"origin,omitempty"`
}

// Key is the artifact's unique name within a round: Namespace.Name, or Name in
// the global namespace.
func (a Artifact) Key() string {
	if a.Namespace == "" {
		return a.Name
	}
	return a.Namespace + "." + a.Name
}

// Predicate is the cheap syntactic narrowing test. It must not consult symbols.
type Predicate func(decl.Declaration) bool

// Project turns a declaration that carries the marker into a descriptor.
// Returning false rejects the declaration.
type Project func(decl.Declaration) (Descriptor, bool)

// Render produces the artifact for a descriptor. It must be deterministic.
type Render func(Descriptor) (Artifact, error)

// Sink receives artifacts. Implementations deduplicate by Key.
type Sink interface {
	Add(Artifact) error
}

// Config is everything a caller supplies to the pipeline.
type Config struct {
	// Marker is the fully qualified annotation type to look for.
	Marker decl.SymbolID
	// Predicate narrows declarations before symbol resolution.
	Predicate Predicate
	// Project builds descriptors for marked declarations.
	Project Project
	// Render turns descriptors into artifacts.
	Render Render
	// Static artifacts are emitted once by Initialize, independent of the corpus.
	Static []Artifact
}

func (c Config) validate() error {
	if err := c.Marker.Validate(); err != nil {
		return invalidf("marker: %v", err)
	}
	if c.Predicate == nil {
		return invalidf("predicate is required")
	}
	if c.Project == nil {
		return invalidf("projection is required")
	}
	if c.Render == nil {
		return invalidf("render is required")
	}
	seen := make(map[string]bool, len(c.Static))
	for _, a := range c.Static {
		if a.Name == "" {
			return invalidf("static artifact without a name")
		}
		if seen[a.Key()] {
			return invalidf("static artifact %q declared twice", a.Key())
		}
		seen[a.Key()] = true
	}
	return nil
}
