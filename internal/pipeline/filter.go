package pipeline

import (
	"fmt"

	"declsynth/internal/decl"
)

// HasAttributeLists is the default predicate: the declaration carries at least
// one attribute list.
func HasAttributeLists(d decl.Declaration) bool {
	return d.Lists > 0
}

// KindIs narrows a predicate to the given declaration kinds.
func KindIs(next Predicate, kinds ...decl.Kind) Predicate {
	return func(d decl.Declaration) bool {
		for _, k := range kinds {
			if d.Kind == k {
				return next(d)
			}
		}
		return false
	}
}

// filter runs the caller's predicate. A panic counts as false and is reported.
func (p *Pipeline) filter(d decl.Declaration) (ok bool, diag *Diagnostic) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			diag = &Diagnostic{Kind: DiagPredicate, Decl: d.ID, Message: fmt.Sprintf("predicate panicked: %v", r)}
		}
	}()
	return p.cfg.Predicate(d), nil
}
