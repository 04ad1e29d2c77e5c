// Package frontend turns a directory of C# sources into a decl.Store. Files are
// parsed with tree-sitter into structural declarations, and attribute usages
// are resolved against a corpus-wide symbol table with C# lookup rules.
package frontend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"declsynth/internal/decl"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"
)

// scopeLevel is one step of name lookup: the types declared in Namespace, then
// the aliases and using-namespaces declared at that level.
type scopeLevel struct {
	Namespace string
	Usings    []string
	Aliases   map[string]string
}

func (l *scopeLevel) addUsing(u using) {
	switch {
	case u.static:
	case u.alias != "":
		if l.Aliases == nil {
			l.Aliases = make(map[string]string)
		}
		l.Aliases[u.alias] = u.target
	default:
		l.Usings = append(l.Usings, u.target)
	}
}

func (l scopeLevel) fingerprint() string {
	var b strings.Builder
	b.WriteString(l.Namespace)
	b.WriteByte('{')
	usings := append([]string(nil), l.Usings...)
	sort.Strings(usings)
	b.WriteString(strings.Join(usings, ","))
	b.WriteByte(';')
	aliases := make([]string, 0, len(l.Aliases))
	for k, v := range l.Aliases {
		aliases = append(aliases, k+"="+v)
	}
	sort.Strings(aliases)
	b.WriteString(strings.Join(aliases, ","))
	b.WriteByte('}')
	return b.String()
}

func scopeFingerprint(levels []scopeLevel) string {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = l.fingerprint()
	}
	return strings.Join(parts, "/")
}

// fileParse is everything one file contributes to a corpus.
type fileParse struct {
	decls        []decl.Declaration
	scopes       map[decl.Identity][]scopeLevel
	globalUsings []using
}

var typeKinds = map[string]decl.Kind{
	"class_declaration":         decl.KindClass,
	"struct_declaration":        decl.KindStruct,
	"record_declaration":        decl.KindRecord,
	"record_struct_declaration": decl.KindRecord,
	"interface_declaration":     decl.KindInterface,
}

// parseFile parses one C# file. Syntax errors do not fail the parse; they mark
// the enclosing declarations as broken.
func parseFile(ctx context.Context, parser *sitter.Parser, rel string, src []byte) (*fileParse, error) {
	parser.SetLanguage(csharp.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rel, err)
	}
	defer tree.Close()

	w := &walker{
		rel:      rel,
		src:      src,
		ordinals: make(map[string]int),
		out:      &fileParse{scopes: make(map[decl.Identity][]scopeLevel)},
	}
	w.block(namedChildren(tree.RootNode()), "", nil)
	return w.out, nil
}

type walker struct {
	rel      string
	src      []byte
	ordinals map[string]int
	out      *fileParse
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

// block walks the members of a compilation unit or namespace body. outer is the
// lookup chain of the enclosing block, innermost first.
func (w *walker) block(nodes []*sitter.Node, ns string, outer []scopeLevel) {
	own := scopeLevel{Namespace: ns}
	for _, n := range nodes {
		if n.Type() == "file_scoped_namespace_declaration" {
			break
		}
		if n.Type() != "using_directive" {
			continue
		}
		u := parseUsing(w.text(n))
		if u.global && len(outer) == 0 {
			w.out.globalUsings = append(w.out.globalUsings, u)
			continue
		}
		own.addUsing(u)
	}
	levels := append([]scopeLevel{own}, outer...)

	for i, n := range nodes {
		switch n.Type() {
		case "namespace_declaration":
			name := compact(w.fieldText(n, "name"))
			body := n.ChildByFieldName("body")
			if name == "" || body == nil {
				continue
			}
			inner, chain := enterNamespace(ns, name, levels)
			w.block(namedChildren(body), inner, chain)

		case "file_scoped_namespace_declaration":
			name := compact(w.fieldText(n, "name"))
			if name == "" {
				continue
			}
			// Depending on the grammar version, members are children of the
			// declaration or its following siblings.
			members := make([]*sitter.Node, 0)
			nameNode := n.ChildByFieldName("name")
			for _, c := range namedChildren(n) {
				if nameNode != nil && c.StartByte() == nameNode.StartByte() && c.EndByte() == nameNode.EndByte() {
					continue
				}
				members = append(members, c)
			}
			members = append(members, nodes[i+1:]...)
			inner, chain := enterNamespace(ns, name, levels)
			w.block(members, inner, chain)
			return

		default:
			if kind, ok := typeKinds[n.Type()]; ok {
				w.typeDecl(n, kind, ns, "", levels)
			}
		}
	}
}

// enterNamespace returns the full name of a nested namespace block and the
// lookup chain outside it: every implied intermediate namespace, then outer.
// The block's own level is added by block.
func enterNamespace(ns, name string, outer []scopeLevel) (string, []scopeLevel) {
	full := joinName(ns, name)
	parts := strings.Split(name, ".")
	chain := make([]scopeLevel, 0, len(parts)-1+len(outer))
	for i := len(parts) - 1; i > 0; i-- {
		chain = append(chain, scopeLevel{Namespace: joinName(ns, strings.Join(parts[:i], "."))})
	}
	return full, append(chain, outer...)
}

func (w *walker) typeDecl(n *sitter.Node, kind decl.Kind, ns, containing string, levels []scopeLevel) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	d := decl.Declaration{
		Kind:       kind,
		Namespace:  ns,
		Name:       w.text(nameNode),
		Containing: containing,
		File:       w.rel,
		Broken:     n.HasError(),
		Content:    append([]byte(nil), w.src[n.StartByte():n.EndByte()]...),
	}

	var body *sitter.Node
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "attribute_list":
			list := d.Lists
			d.Lists++
			idx := 0
			for _, a := range namedChildren(c) {
				if a.Type() != "attribute" {
					continue
				}
				spelling := compact(w.fieldText(a, "name"))
				if spelling == "" && a.NamedChildCount() > 0 {
					spelling = compact(w.text(a.NamedChild(0)))
				}
				d.Annotations = append(d.Annotations, decl.AnnotationUsage{List: list, Index: idx, Spelling: spelling})
				idx++
			}
		case "modifier":
			if strings.TrimSpace(w.text(c)) == "partial" {
				d.Partial = true
			}
		case "type_parameter_list":
			d.TypeParameters = strings.Join(strings.Fields(w.text(c)), " ")
		case "declaration_list":
			body = c
		}
	}
	if !d.Partial {
		for i := 0; i < int(n.ChildCount()); i++ {
			if c := n.Child(i); c != nil && !c.IsNamed() && c.Type() == "partial" {
				d.Partial = true
				break
			}
		}
	}

	qualified := joinName(containing, d.Name)
	key := ns + "|" + qualified + "|" + string(kind)
	d.ID = decl.NewIdentity(w.rel, ns, qualified, kind, w.ordinals[key])
	w.ordinals[key]++
	d.Scope = scopeFingerprint(levels)

	w.out.decls = append(w.out.decls, d)
	w.out.scopes[d.ID] = levels

	if body == nil {
		return
	}
	// Members of the enclosing type are in scope for nested declarations.
	nested := append([]scopeLevel{{Namespace: joinName(ns, qualified)}}, levels...)
	for _, c := range namedChildren(body) {
		if k, ok := typeKinds[c.Type()]; ok {
			w.typeDecl(c, k, ns, qualified, nested)
		}
	}
}

func (w *walker) fieldText(n *sitter.Node, field string) string {
	if c := n.ChildByFieldName(field); c != nil {
		return w.text(c)
	}
	return ""
}

func namedChildren(n *sitter.Node) []*sitter.Node {
	count := int(n.NamedChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		if c := n.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// using is one using directive.
type using struct {
	global bool
	static bool
	alias  string
	target string
}

// parseUsing reads a using directive from its source text. The directive
// grammar changed across tree-sitter-c-sharp versions, the text did not.
func parseUsing(text string) using {
	var u using
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), ";"))
	if rest, ok := cutKeyword(s, "global"); ok {
		u.global = true
		s = rest
	}
	s, _ = cutKeyword(s, "using")
	if rest, ok := cutKeyword(s, "unsafe"); ok {
		s = rest
	}
	if rest, ok := cutKeyword(s, "static"); ok {
		u.static = true
		s = rest
	}
	if i := strings.IndexByte(s, '='); i >= 0 {
		u.alias = compact(s[:i])
		s = s[i+1:]
	}
	u.target = strings.TrimPrefix(compact(s), "global::")
	return u
}

func cutKeyword(s, kw string) (string, bool) {
	if !strings.HasPrefix(s, kw) {
		return s, false
	}
	rest := s[len(kw):]
	if rest != "" && !isSpace(rest[0]) {
		return s, false
	}
	return strings.TrimSpace(rest), true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// compact removes all whitespace, e.g. "global :: A . B" -> "global::A.B".
func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "." + name
}
