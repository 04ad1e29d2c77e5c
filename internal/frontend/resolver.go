package frontend

import (
	"errors"
	"strings"

	"declsynth/internal/decl"
)

// Resolver binds attribute spellings to declared types using C# lookup rules:
// the spelling and the spelling with an "Attribute" suffix are both looked up,
// scope levels are searched innermost first, and at each level namespace
// members win over aliases, which win over using-namespaces.
//
// A Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	types  map[string]bool
	scopes map[decl.Identity][]scopeLevel
}

// newResolver builds a resolver over the given known type identities. scopes is
// keyed by declaration identity; declarations without an entry resolve from
// the global namespace only.
func newResolver(types map[string]bool, scopes map[decl.Identity][]scopeLevel) *Resolver {
	return &Resolver{types: types, scopes: scopes}
}

// binding summarizes what each usage of d resolves to. Types declared in other
// files can change it without touching d's own text or usings, so it is folded
// into d's scope fingerprint.
func (r *Resolver) binding(d decl.Declaration) string {
	if len(d.Annotations) == 0 {
		return ""
	}
	parts := make([]string, len(d.Annotations))
	for i, u := range d.Annotations {
		id, err := r.ResolveAnnotation(d, u)
		switch {
		case err == nil:
			parts[i] = string(id)
		case errors.Is(err, decl.ErrAmbiguousSymbol):
			parts[i] = "?ambiguous"
		case errors.Is(err, decl.ErrBrokenDeclaration):
			parts[i] = "?broken"
		default:
			parts[i] = "?unknown"
		}
	}
	return strings.Join(parts, ",")
}

// ResolveAnnotation implements decl.Resolver.
func (r *Resolver) ResolveAnnotation(d decl.Declaration, u decl.AnnotationUsage) (decl.SymbolID, error) {
	fail := func(err error) (decl.SymbolID, error) {
		return "", &decl.ResolutionError{Decl: d.ID, Usage: u, Err: err}
	}
	if d.Broken {
		return fail(decl.ErrBrokenDeclaration)
	}
	levels, ok := r.scopes[d.ID]
	if !ok {
		levels = []scopeLevel{{}}
	}

	spelling := stripTypeArguments(u.Spelling)
	if strings.HasPrefix(spelling, "@") {
		// Verbatim identifiers never get the suffix.
		id, err := r.lookup(levels, spelling[1:])
		if err != nil {
			return fail(err)
		}
		return id, nil
	}

	exact, errExact := r.lookup(levels, spelling)
	suffixed, errSuffixed := r.lookup(levels, spelling+"Attribute")
	switch {
	case errors.Is(errExact, decl.ErrAmbiguousSymbol) || errors.Is(errSuffixed, decl.ErrAmbiguousSymbol):
		return fail(decl.ErrAmbiguousSymbol)
	case errExact == nil && errSuffixed == nil:
		if exact == suffixed {
			return exact, nil
		}
		return fail(decl.ErrAmbiguousSymbol)
	case errExact == nil:
		return exact, nil
	case errSuffixed == nil:
		return suffixed, nil
	default:
		return fail(decl.ErrUnknownSymbol)
	}
}

// lookup resolves one candidate name. It returns ErrUnknownSymbol or
// ErrAmbiguousSymbol unwrapped.
func (r *Resolver) lookup(levels []scopeLevel, name string) (decl.SymbolID, error) {
	if rest, ok := strings.CutPrefix(name, "global::"); ok {
		return r.known(rest)
	}
	if alias, rest, ok := strings.Cut(name, "::"); ok {
		for _, l := range levels {
			if target, ok := l.Aliases[alias]; ok {
				return r.known(target + "." + rest)
			}
		}
		return "", decl.ErrUnknownSymbol
	}

	first, rest, dotted := strings.Cut(name, ".")
	for _, l := range levels {
		if id, err := r.known(joinName(l.Namespace, name)); err == nil {
			return id, nil
		}
		if target, ok := l.Aliases[first]; ok {
			if dotted {
				return r.known(target + "." + rest)
			}
			return r.known(target)
		}
		if dotted {
			continue
		}
		var hit decl.SymbolID
		for _, ns := range l.Usings {
			id, err := r.known(joinName(ns, name))
			if err != nil {
				continue
			}
			if hit != "" && hit != id {
				return "", decl.ErrAmbiguousSymbol
			}
			hit = id
		}
		if hit != "" {
			return hit, nil
		}
	}
	return "", decl.ErrUnknownSymbol
}

func (r *Resolver) known(qualified string) (decl.SymbolID, error) {
	if r.types[qualified] {
		return decl.SymbolID(qualified), nil
	}
	return "", decl.ErrUnknownSymbol
}

// stripTypeArguments turns "Foo<int>" into "Foo".
func stripTypeArguments(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		return s[:i]
	}
	return s
}
