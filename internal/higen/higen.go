// Package higen is the "Hi" generator: every top-level class marked with
// [HiFromGenerator] gets a companion partial class with a HiFromGeneratedCode
// method, and the attribute itself is emitted so consumers need no dependency.
package higen

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"text/template"

	"declsynth/internal/decl"
	"declsynth/internal/pipeline"
)

// Marker is the attribute type a class must carry.
const Marker decl.SymbolID = "HiGenerator.HiFromGeneratorAttribute"

// DefaultSuffix is appended to the class name to name its artifact.
const DefaultSuffix = "_Hi"

const attributeSource = `// <auto-generated/>
namespace HiGenerator
{
    [System.AttributeUsage(System.AttributeTargets.Class, AllowMultiple = false)]
    public sealed class HiFromGeneratorAttribute : System.Attribute { }
}
`

// DefaultTemplate renders the companion type. The namespace block is added
// around it by the generator.
const DefaultTemplate = `partial {{.Kind}} {{.Name}}{{.TypeParameters}}
{
    public string HiFromGeneratedCode()
    {
        return "Hi from Source Generator! (generated for {{.Name}} at compile-time)";
    }
}
`

// AttributeArtifact is the static artifact declaring the marker attribute.
func AttributeArtifact() pipeline.Artifact {
	return pipeline.Artifact{
		Namespace: Marker.Namespace(),
		Name:      Marker.Name(),
		Text:      attributeSource,
	}
}

// Options overrides generator defaults. Zero values keep the defaults.
type Options struct {
	Suffix   string
	Template string
}

// Generator holds the parsed template.
type Generator struct {
	suffix string
	text   string
	tmpl   *template.Template
}

// New parses the template.
func New(opts Options) (*Generator, error) {
	suffix := opts.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	text := opts.Template
	if text == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("hi").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &Generator{suffix: suffix, text: text, tmpl: tmpl}, nil
}

// Fingerprint identifies the rendering settings. Artifacts cached under a
// different fingerprint are stale.
func (g *Generator) Fingerprint() string {
	sum := sha256.Sum256([]byte(g.suffix + "\x00" + g.text + "\x00" + attributeSource))
	return hex.EncodeToString(sum[:8])
}

// Predicate accepts top-level classes that carry at least one attribute list.
func Predicate(d decl.Declaration) bool {
	return d.Containing == "" && d.Kind == decl.KindClass && pipeline.HasAttributeLists(d)
}

// Render is the pipeline's emission function.
func (g *Generator) Render(d pipeline.Descriptor) (pipeline.Artifact, error) {
	var body bytes.Buffer
	if err := g.tmpl.Execute(&body, d); err != nil {
		return pipeline.Artifact{}, fmt.Errorf("render %s: %w", d.Name, err)
	}

	var out strings.Builder
	out.WriteString("// <auto-generated/>\n")
	if d.Namespace == "" {
		out.Write(body.Bytes())
	} else {
		out.WriteString("namespace " + d.Namespace + "\n{\n")
		for _, line := range strings.SplitAfter(body.String(), "\n") {
			if strings.TrimSpace(line) != "" {
				out.WriteString("    ")
			}
			out.WriteString(line)
		}
		if body.Len() > 0 && !bytes.HasSuffix(body.Bytes(), []byte("\n")) {
			out.WriteString("\n")
		}
		out.WriteString("}\n")
	}

	return pipeline.Artifact{
		Namespace: d.Namespace,
		Name:      d.Name + g.suffix,
		Text:      out.String(),
	}, nil
}

// Config wires the generator into a pipeline configuration.
func (g *Generator) Config() pipeline.Config {
	return pipeline.Config{
		Marker:    Marker,
		Predicate: Predicate,
		Project:   pipeline.ProjectDeclaration,
		Render:    g.Render,
		Static:    []pipeline.Artifact{AttributeArtifact()},
	}
}
