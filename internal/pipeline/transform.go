package pipeline

import (
	"errors"
	"fmt"

	"declsynth/internal/decl"
)

// ProjectDeclaration is the default projection: namespace, name, kind and type
// parameters.
func ProjectDeclaration(d decl.Declaration) (Descriptor, bool) {
	if d.Name == "" {
		return Descriptor{}, false
	}
	return Descriptor{
		Namespace:      d.Namespace,
		Name:           d.Name,
		Kind:           string(d.Kind),
		TypeParameters: d.TypeParameters,
	}, true
}

// transform resolves the declaration's annotation usages in source order and
// projects it on the first usage bound to the marker.
//
// An unknown symbol is not the marker and is skipped. Any other resolution error
// rejects the declaration with a diagnostic.
func (p *Pipeline) transform(d decl.Declaration, resolver decl.Resolver) (State, Descriptor, *Diagnostic) {
	if resolver == nil {
		return Rejected, Descriptor{}, &Diagnostic{Kind: DiagResolution, Decl: d.ID, Message: "store has no resolver"}
	}
	for _, u := range d.Annotations {
		sym, err := resolver.ResolveAnnotation(d, u)
		if err != nil {
			if errors.Is(err, decl.ErrUnknownSymbol) {
				continue
			}
			return Rejected, Descriptor{}, &Diagnostic{Kind: DiagResolution, Decl: d.ID, Message: err.Error()}
		}
		if sym != p.cfg.Marker {
			continue
		}
		desc, ok, diag := p.project(d)
		if !ok {
			return Rejected, Descriptor{}, diag
		}
		return Candidate, desc, nil
	}
	return Rejected, Descriptor{}, nil
}

func (p *Pipeline) project(d decl.Declaration) (desc Descriptor, ok bool, diag *Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			desc, ok = Descriptor{}, false
			diag = &Diagnostic{Kind: DiagProject, Decl: d.ID, Message: fmt.Sprintf("projection panicked: %v", r)}
		}
	}()
	desc, ok = p.cfg.Project(d)
	return desc, ok, nil
}
