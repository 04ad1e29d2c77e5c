package frontend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"declsynth/internal/decl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marker = "HiGenerator.HiFromGeneratorAttribute"

const personSource = `using System;
using HiGenerator;

namespace Method_Consumer
{
    [HiFromGenerator]
    public partial class Person
    {
        public string Name { get; set; }
    }
}
`

func loadSources(t *testing.T, files map[string]string) (*Workspace, *Corpus) {
	t.Helper()
	w := NewWorkspace(Options{Workers: 2, Symbols: []string{marker}})
	t.Cleanup(w.Close)
	c, _, err := w.LoadSources(context.Background(), toBytes(files))
	require.NoError(t, err)
	return w, c
}

func toBytes(files map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(files))
	for k, v := range files {
		out[k] = []byte(v)
	}
	return out
}

func find(t *testing.T, c *Corpus, name string) decl.Declaration {
	t.Helper()
	for _, d := range c.Declarations() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("declaration %s not found", name)
	return decl.Declaration{}
}

func resolveFirst(t *testing.T, c *Corpus, name string) (decl.SymbolID, error) {
	t.Helper()
	d := find(t, c, name)
	require.NotEmpty(t, d.Annotations)
	return c.Resolver().ResolveAnnotation(d, d.Annotations[0])
}

func TestParse_Person(t *testing.T) {
	_, c := loadSources(t, map[string]string{"Person.cs": personSource})
	require.Len(t, c.Declarations(), 1)

	d := c.Declarations()[0]
	assert.Equal(t, decl.Identity("Person.cs#Method_Consumer.Person/class@0"), d.ID)
	assert.Equal(t, decl.KindClass, d.Kind)
	assert.Equal(t, "Method_Consumer", d.Namespace)
	assert.Equal(t, "Person", d.Name)
	assert.True(t, d.Partial)
	assert.False(t, d.Broken)
	assert.Equal(t, 1, d.Lists)
	require.Len(t, d.Annotations, 1)
	assert.Equal(t, "HiFromGenerator", d.Annotations[0].Spelling)
	assert.Contains(t, string(d.Content), "class Person")

	id, err := c.Resolver().ResolveAnnotation(d, d.Annotations[0])
	require.NoError(t, err)
	assert.Equal(t, decl.SymbolID(marker), id)
}

func TestParse_Shapes(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Shapes.cs": `namespace Outer.Inner
{
    public partial class Box<T, U> { }
    public struct Point { }
    public interface IShape { }
    public class Plain { }

    public partial class Host
    {
        [Serializable, Obsolete]
        [Flag]
        partial class Nested { }
    }
}
`,
	})

	box := find(t, c, "Box")
	assert.Equal(t, "Outer.Inner", box.Namespace)
	assert.Equal(t, "<T, U>", box.TypeParameters)
	assert.True(t, box.Partial)

	assert.Equal(t, decl.KindStruct, find(t, c, "Point").Kind)
	assert.Equal(t, decl.KindInterface, find(t, c, "IShape").Kind)

	plain := find(t, c, "Plain")
	assert.False(t, plain.Partial)
	assert.Zero(t, plain.Lists)

	nested := find(t, c, "Nested")
	assert.Equal(t, "Host", nested.Containing)
	assert.Equal(t, "Outer.Inner.Host.Nested", nested.QualifiedName())
	assert.Equal(t, decl.Identity("Shapes.cs#Outer.Inner.Host.Nested/class@0"), nested.ID)
	assert.Equal(t, 2, nested.Lists)
	require.Len(t, nested.Annotations, 3)
	assert.Equal(t, decl.AnnotationUsage{List: 0, Index: 1, Spelling: "Obsolete"}, nested.Annotations[1])
	assert.Equal(t, decl.AnnotationUsage{List: 1, Index: 0, Spelling: "Flag"}, nested.Annotations[2])
}

func TestParse_OrdinalsDisambiguateRepeatedDeclarations(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Twice.cs": `namespace N { partial class A { } partial class A { } partial struct A { } }`,
	})
	var ids []decl.Identity
	for _, d := range c.Declarations() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []decl.Identity{
		"Twice.cs#N.A/class@0",
		"Twice.cs#N.A/class@1",
		"Twice.cs#N.A/struct@0",
	}, ids)
}

func TestParse_FileScopedNamespace(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Order.cs": "using HiGenerator;\n\nnamespace Shop;\n\n[HiFromGenerator]\npublic partial class Order { }\n",
	})
	d := find(t, c, "Order")
	assert.Equal(t, "Shop", d.Namespace)

	id, err := resolveFirst(t, c, "Order")
	require.NoError(t, err)
	assert.Equal(t, decl.SymbolID(marker), id)
}

func TestParse_GlobalNamespace(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Top.cs": "[global::HiGenerator.HiFromGenerator]\npartial class Top { }\n",
	})
	d := find(t, c, "Top")
	assert.Empty(t, d.Namespace)
	assert.Equal(t, "global::HiGenerator.HiFromGenerator", d.Annotations[0].Spelling)

	id, err := resolveFirst(t, c, "Top")
	require.NoError(t, err)
	assert.Equal(t, decl.SymbolID(marker), id)
}

func TestResolve_ShadowingTypeIsNotTheMarker(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Shadow.cs": `using HiGenerator;

namespace Method_Consumer
{
    public class HiFromGeneratorAttribute : System.Attribute { }

    [HiFromGenerator]
    public partial class Person { }
}
`,
	})
	id, err := resolveFirst(t, c, "Person")
	require.NoError(t, err)
	assert.Equal(t, decl.SymbolID("Method_Consumer.HiFromGeneratorAttribute"), id)
}

func TestResolve_Aliases(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Alias.cs": `using Gen = HiGenerator;
using Hi = HiGenerator.HiFromGeneratorAttribute;

namespace App
{
    [Gen::HiFromGenerator]
    partial class ByNamespaceAlias { }

    [Hi]
    partial class ByTypeAlias { }

    [Gen.HiFromGeneratorAttribute]
    partial class ByQualifiedAlias { }
}
`,
	})
	for _, name := range []string{"ByNamespaceAlias", "ByTypeAlias", "ByQualifiedAlias"} {
		id, err := resolveFirst(t, c, name)
		require.NoError(t, err, name)
		assert.Equal(t, decl.SymbolID(marker), id, name)
	}
}

func TestResolve_Failures(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Lib.cs": `namespace A { public class TagAttribute { } }
namespace B { public class TagAttribute { } }
namespace C { public class Mark { } public class MarkAttribute { } }
`,
		"Use.cs": `using A;
using B;
using C;

namespace App
{
    [Tag]
    partial class TwoUsings { }

    [Mark]
    partial class BothForms { }

    [Obsolete]
    partial class Unknown { }
}
`,
	})

	_, err := resolveFirst(t, c, "TwoUsings")
	assert.ErrorIs(t, err, decl.ErrAmbiguousSymbol)
	var re *decl.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Tag", re.Usage.Spelling)

	_, err = resolveFirst(t, c, "BothForms")
	assert.ErrorIs(t, err, decl.ErrAmbiguousSymbol)

	_, err = resolveFirst(t, c, "Unknown")
	assert.ErrorIs(t, err, decl.ErrUnknownSymbol)
}

func TestResolve_BrokenDeclaration(t *testing.T) {
	r := newResolver(map[string]bool{marker: true}, nil)
	d := decl.Declaration{ID: "x.cs#X/class@0", Broken: true}
	_, err := r.ResolveAnnotation(d, decl.AnnotationUsage{Spelling: "global::HiGenerator.HiFromGenerator"})
	assert.ErrorIs(t, err, decl.ErrBrokenDeclaration)

	d.Broken = false
	id, err := r.ResolveAnnotation(d, decl.AnnotationUsage{Spelling: "global::HiGenerator.HiFromGenerator"})
	require.NoError(t, err)
	assert.Equal(t, decl.SymbolID(marker), id)
}

func TestParse_SyntaxErrorsMarkDeclarationBroken(t *testing.T) {
	_, c := loadSources(t, map[string]string{
		"Good.cs":   personSource,
		"Broken.cs": "namespace N\n{\n    [HiFromGenerator]\n    partial class Broken\n    {\n        void M( { }\n    }\n}\n",
	})
	assert.False(t, find(t, c, "Person").Broken)
	for _, d := range c.Declarations() {
		if d.Name == "Broken" {
			assert.True(t, d.Broken)
		}
	}
}

func TestWorkspace_ParseCacheAndScopeEdits(t *testing.T) {
	w, first := loadSources(t, map[string]string{"Person.cs": personSource})
	hits, misses := w.CacheStats()
	assert.Equal(t, int64(0), hits)
	assert.Equal(t, int64(1), misses)

	again, stats, err := w.LoadSources(context.Background(), toBytes(map[string]string{"Person.cs": personSource}))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reused)
	assert.Zero(t, stats.Parsed)
	assert.Equal(t, first.Declarations(), again.Declarations())

	// Editing a using directive outside the declaration changes its hash, not its identity.
	edited := "using System.Text;\n" + personSource
	after, stats, err := w.LoadSources(context.Background(), toBytes(map[string]string{"Person.cs": edited}))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parsed)

	before := first.Declarations()[0]
	now := after.Declarations()[0]
	assert.Equal(t, before.ID, now.ID)
	assert.Equal(t, string(before.Content), string(now.Content))
	assert.NotEqual(t, decl.ContentHash(before), decl.ContentHash(now))
}

func TestWorkspace_HashFollowsTypesDeclaredElsewhere(t *testing.T) {
	shadow := `namespace Method_Consumer
{
    public class HiFromGeneratorAttribute : System.Attribute { }
}
`
	unrelated := "namespace Shop\n{\n    class Order { }\n}\n"

	w, first := loadSources(t, map[string]string{"Person.cs": personSource})
	load := func(files map[string]string) *Corpus {
		c, _, err := w.LoadSources(context.Background(), toBytes(files))
		require.NoError(t, err)
		return c
	}
	base := decl.ContentHash(find(t, first, "Person"))

	// an unrelated type keeps the cached outcome valid
	c := load(map[string]string{"Person.cs": personSource, "Order.cs": unrelated})
	assert.Equal(t, base, decl.ContentHash(find(t, c, "Person")))

	// a type that now binds the usage changes the hash
	c = load(map[string]string{"Person.cs": personSource, "Shadow.cs": shadow})
	assert.NotEqual(t, base, decl.ContentHash(find(t, c, "Person")))

	// and removing it restores the original
	c = load(map[string]string{"Person.cs": personSource})
	assert.Equal(t, base, decl.ContentHash(find(t, c, "Person")))
}

func TestWorkspace_LoadWalksAndIgnores(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	write("src/Person.cs", personSource)
	write("obj/Debug/Temp.cs", "class Temp { }")
	write("src/Person_Hi.g.cs", "partial class Person { }")
	write("README.md", "# readme")

	opts := DefaultOptions(root)
	opts.Symbols = []string{marker}
	w := NewWorkspace(opts)
	defer w.Close()

	c, stats, err := w.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	require.Len(t, c.Declarations(), 1)
	assert.Equal(t, "src/Person.cs", c.Declarations()[0].File)

	_, _, err = NewWorkspace(Options{}).Load(context.Background())
	assert.Error(t, err)
}

func TestWorkspace_CancelledLoad(t *testing.T) {
	w := NewWorkspace(Options{Workers: 1})
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := w.LoadSources(ctx, toBytes(map[string]string{"Person.cs": personSource}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseUsing(t *testing.T) {
	tests := []struct {
		text string
		want using
	}{
		{"using System;", using{target: "System"}},
		{"using  HiGenerator . Sub ;", using{target: "HiGenerator.Sub"}},
		{"using Gen = global::HiGenerator;", using{alias: "Gen", target: "HiGenerator"}},
		{"using static System.Math;", using{static: true, target: "System.Math"}},
		{"global using HiGenerator;", using{global: true, target: "HiGenerator"}},
		{"usingx;", using{target: "usingx"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseUsing(tt.text), tt.text)
	}
}

func TestAssemble_GlobalUsingsApplyToEveryFile(t *testing.T) {
	a := &fileParse{globalUsings: []using{{global: true, target: "HiGenerator"}}}
	d := decl.Declaration{ID: "b.cs#App.P/class@0", Kind: decl.KindClass, Namespace: "App", Name: "P", File: "b.cs",
		Annotations: []decl.AnnotationUsage{{Spelling: "HiFromGenerator"}}, Lists: 1}
	levels := []scopeLevel{{Namespace: "App"}, {}}
	d.Scope = scopeFingerprint(levels)
	b := &fileParse{decls: []decl.Declaration{d}, scopes: map[decl.Identity][]scopeLevel{d.ID: levels}}

	c := assemble([]*fileParse{a, b}, []string{marker})
	got := c.Declarations()[0]
	assert.NotEqual(t, d.Scope, got.Scope)
	assert.Empty(t, b.scopes[d.ID][1].Usings, "cached parse is not mutated")

	id, err := c.Resolver().ResolveAnnotation(got, got.Annotations[0])
	require.NoError(t, err)
	assert.Equal(t, decl.SymbolID(marker), id)
}

func TestIsIgnoredRel(t *testing.T) {
	patterns := DefaultIgnorePatterns()
	assert.True(t, isIgnoredRel("obj", "obj", patterns))
	assert.True(t, isIgnoredRel("src/bin", "bin", patterns))
	assert.True(t, isIgnoredRel("src/Person_Hi.g.cs", "Person_Hi.g.cs", patterns))
	assert.False(t, isIgnoredRel("src/Person.cs", "Person.cs", patterns))
	assert.True(t, isIgnoredRel("Generated/X.cs", "X.cs", []string{"Generated/*"}))
	assert.True(t, isIgnoredRel("out/X.cs", "X.cs", []string{"out/"}))
}
