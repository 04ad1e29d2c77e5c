package pipeline

import (
	"fmt"
	"sort"

	"declsynth/internal/decl"
	"declsynth/internal/logging"
)

type candidate struct {
	desc   Descriptor
	origin decl.Identity
}

// collectCandidates dedupes value-equal descriptors; the lowest identity becomes
// the origin. The result is ordered by descriptor.
func collectCandidates(decls []decl.Declaration, outcomes []outcome) []candidate {
	byDesc := make(map[Descriptor]decl.Identity)
	for i, o := range outcomes {
		if o.state != Candidate {
			continue
		}
		id := decls[i].ID
		if prev, ok := byDesc[o.desc]; !ok || id < prev {
			byDesc[o.desc] = id
		}
	}
	out := make([]candidate, 0, len(byDesc))
	for d, id := range byDesc {
		out = append(out, candidate{desc: d, origin: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.less(out[j].desc) })
	return out
}

// emit renders every candidate, reusing memoized artifacts for descriptors seen
// in earlier rounds. Render failures become diagnostics; key collisions are fatal.
func (p *Pipeline) emit(cands []candidate) ([]Artifact, []Diagnostic, error) {
	artifacts := make([]Artifact, 0, len(cands))
	var diags []Diagnostic
	byKey := make(map[string]decl.Identity, len(cands)+len(p.cfg.Static))
	for _, s := range p.cfg.Static {
		byKey[s.Key()] = ""
	}

	for _, c := range cands {
		a, diag := p.render(c.desc)
		if diag != nil {
			diag.Decl = c.origin
			diags = append(diags, *diag)
			logging.EmitWarn("render failed for %s: %s", c.origin, diag.Message)
			continue
		}
		a.Origin = c.origin
		if first, taken := byKey[a.Key()]; taken {
			return nil, diags, &CollisionError{Key: a.Key(), First: first, Second: c.origin}
		}
		byKey[a.Key()] = c.origin
		artifacts = append(artifacts, a)
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Key() < artifacts[j].Key() })
	return artifacts, diags, nil
}

func (p *Pipeline) render(d Descriptor) (Artifact, *Diagnostic) {
	if p.cache != nil {
		if a, ok := p.cache.lookupEmit(d); ok {
			return a, nil
		}
	}
	a, err := p.callRender(d)
	if err != nil {
		return Artifact{}, &Diagnostic{Kind: DiagRender, Message: err.Error()}
	}
	if a.Name == "" {
		return Artifact{}, &Diagnostic{Kind: DiagRender, Message: "template produced an artifact without a name"}
	}
	if p.cache != nil {
		p.cache.storeEmit(d, a)
	}
	return a, nil
}

func (p *Pipeline) callRender(d Descriptor) (a Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()
	return p.cfg.Render(d)
}
