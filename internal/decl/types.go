// Package decl defines the read-only boundary between a source front end and the
// generation pipeline: structural declarations, the annotation usages attached to
// them, and the symbol resolution service that maps a usage to a type identity.
package decl

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the syntactic kind of a type declaration.
type Kind string

const (
	KindClass     Kind = "class"
	KindStruct    Kind = "struct"
	KindRecord    Kind = "record"
	KindInterface Kind = "interface"
)

// Identity is the stable structural key of a declaration:
// file#Namespace.Name/kind@ordinal. Byte offsets are deliberately absent so
// edits elsewhere in the file do not move the key.
type Identity string

// NewIdentity builds an Identity. ordinal counts earlier declarations in the same
// file that share namespace, name and kind.
func NewIdentity(file, namespace, name string, kind Kind, ordinal int) Identity {
	qualified := name
	if namespace != "" {
		qualified = namespace + "." + name
	}
	return Identity(fmt.Sprintf("%s#%s/%s@%d", file, qualified, kind, ordinal))
}

// SymbolID is the fully qualified identity of a type symbol, e.g.
// HiGenerator.HiFromGeneratorAttribute.
type SymbolID string

// Validate reports whether id is a well-formed dotted identifier path.
func (id SymbolID) Validate() error {
	s := string(id)
	if s == "" {
		return errors.New("symbol identity is empty")
	}
	for _, part := range strings.Split(s, ".") {
		if !isIdentifier(part) {
			return fmt.Errorf("symbol identity %q has invalid segment %q", s, part)
		}
	}
	return nil
}

// Namespace returns everything before the last dot.
func (id SymbolID) Namespace() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Name returns the simple name (after the last dot).
func (id SymbolID) Name() string {
	s := string(id)
	return s[strings.LastIndexByte(s, '.')+1:]
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		case r > 0x7f:
		default:
			return false
		}
	}
	return true
}

// AnnotationUsage is one attribute attached to a declaration, as written.
type AnnotationUsage struct {
	List     int    // index of the attribute list on the declaration
	Index    int    // index inside the list
	Spelling string // e.g. "HiFromGenerator" or "global::HiGenerator.HiFromGenerator"
}

// Declaration is one type definition produced by a front end. It is immutable
// for the duration of a round.
type Declaration struct {
	ID        Identity
	Kind      Kind
	Namespace string
	Name      string
	// Containing is the dotted path of enclosing types for nested declarations.
	Containing     string
	TypeParameters string // "<T, U>" or ""
	Partial        bool
	File           string
	Annotations    []AnnotationUsage
	// Lists is the number of attribute lists, including empty ones.
	Lists int
	// Content is the declaration's own source text.
	Content []byte
	// Scope fingerprints everything outside Content that influences symbol
	// resolution (usings, aliases).
	Scope string
	// Broken is set when the declaration's syntax subtree contains errors.
	Broken bool
}

// QualifiedName returns Namespace.Containing.Name, omitting empty parts.
func (d Declaration) QualifiedName() string {
	name := d.Name
	if d.Containing != "" {
		name = d.Containing + "." + name
	}
	if d.Namespace == "" {
		return name
	}
	return d.Namespace + "." + name
}

// Fingerprint summarizes what a declaration is, independent of its content.
// A cache entry whose hash matches but whose fingerprint does not is corrupt.
func (d Declaration) Fingerprint() string {
	return string(d.Kind) + ":" + d.QualifiedName()
}

// Resolution errors.
var (
	// ErrUnknownSymbol means no type with that name is in scope. The usage cannot be
	// any known annotation type; it is not a resolution failure.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrAmbiguousSymbol means the spelling binds to more than one type.
	ErrAmbiguousSymbol = errors.New("ambiguous symbol")
	// ErrBrokenDeclaration means the declaration could not be analysed.
	ErrBrokenDeclaration = errors.New("declaration has syntax errors")
)

// ResolutionError carries the usage that failed to resolve.
type ResolutionError struct {
	Decl  Identity
	Usage AnnotationUsage
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q on %s: %v", e.Usage.Spelling, e.Decl, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver maps annotation usages to type identities.
type Resolver interface {
	ResolveAnnotation(d Declaration, u AnnotationUsage) (SymbolID, error)
}

// Store is the externally supplied, read-only structural view of a corpus.
type Store interface {
	Declarations() []Declaration
	Resolver() Resolver
}

// StaticStore is a Store over a fixed slice, convenient for hosts that build
// declarations themselves.
type StaticStore struct {
	Decls []Declaration
	Res   Resolver
}

func (s StaticStore) Declarations() []Declaration { return s.Decls }
func (s StaticStore) Resolver() Resolver          { return s.Res }
