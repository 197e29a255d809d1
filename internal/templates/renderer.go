package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles request templates with the sprig function map. The env
// helpers resolve against an explicit allow list instead of the process
// environment, and sprig's filesystem helpers are removed.
type Renderer struct {
	env   map[string]string
	funcs template.FuncMap
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer exposing env to templates. A nil env makes
// env helpers resolve to empty strings.
func NewRenderer(env map[string]string) *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{env: make(map[string]string, len(env)), funcs: make(template.FuncMap, len(funcs)+2)}
	for k, v := range env {
		r.env[k] = v
	}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["env"] = func(key string) string {
		return r.env[key]
	}
	r.funcs["expandenv"] = func(input string) string {
		return os.Expand(input, func(key string) string { return r.env[key] })
	}
	return r
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error to simplify optional configuration fields.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the compiled template with the supplied data returning the
// rendered string.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
