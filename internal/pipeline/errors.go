package pipeline

import (
	"errors"
	"fmt"

	"declsynth/internal/decl"
)

var (
	// ErrInvalidConfig is returned before a round starts when the pipeline
	// configuration cannot work (bad marker identity, missing functions).
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
	// ErrNameCollision halts a round when two different descriptors render to
	// the same artifact key.
	ErrNameCollision = errors.New("artifact name collision")
	// ErrDuplicateIdentity halts a round when the store hands out two
	// declarations with the same structural identity.
	ErrDuplicateIdentity = errors.New("duplicate declaration identity")
)

// ConfigError wraps configuration failures.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidConfig.Error(), e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func invalidf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// CollisionError names both declarations whose artifacts share a key.
type CollisionError struct {
	Key    string
	First  decl.Identity
	Second decl.Identity
}

func (e *CollisionError) Error() string {
	first, second := string(e.First), string(e.Second)
	if first == "" {
		first = "<static>"
	}
	if second == "" {
		second = "<static>"
	}
	return fmt.Sprintf("%s: %q produced by both %s and %s", ErrNameCollision.Error(), e.Key, first, second)
}

func (e *CollisionError) Unwrap() error { return ErrNameCollision }

// DiagnosticKind classifies a recoverable per-declaration or per-artifact problem.
type DiagnosticKind string

const (
	DiagResolution DiagnosticKind = "resolution"
	DiagPredicate  DiagnosticKind = "predicate"
	DiagProject    DiagnosticKind = "project"
	DiagRender     DiagnosticKind = "render"
)

// Diagnostic reports a problem that excluded one declaration or artifact from
// the output without aborting the round.
type Diagnostic struct {
	Kind    DiagnosticKind
	Decl    decl.Identity
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Decl, d.Message)
}
