package tmpl

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"text/template"
)

// Renderer turns a template text and a push payload into message content.
type Renderer interface {
	Render(text string, payload any) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(text string, payload any) (string, error)

func (f RendererFunc) Render(text string, payload any) (string, error) { return f(text, payload) }

const defaultCacheSize = 256

// TextRenderer renders with text/template. Parsed templates are cached by
// their text; the cache is reset when it reaches its size.
type TextRenderer struct {
	max int

	mu    sync.Mutex
	cache map[string]*template.Template
}

func NewTextRenderer(cacheSize int) *TextRenderer {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &TextRenderer{max: cacheSize, cache: map[string]*template.Template{}}
}

var funcs = template.FuncMap{
	"escape": func(v any) string { return html.EscapeString(fmt.Sprint(v)) },
	"default": func(def, v any) any {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
	"join":  func(sep string, v []any) string { return joinAny(v, sep) },
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trunc": func(n int, s string) string {
		r := []rune(s)
		if n < 0 || len(r) <= n {
			return s
		}
		return string(r[:n]) + "…"
	},
}

func joinAny(v []any, sep string) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, sep)
}

// Compile parses text, reporting syntax errors without rendering.
func (r *TextRenderer) Compile(text string) error {
	_, err := r.parse(text)
	return err
}

func (r *TextRenderer) parse(text string) (*template.Template, error) {
	r.mu.Lock()
	t, ok := r.cache[text]
	r.mu.Unlock()
	if ok {
		return t, nil
	}

	t, err := template.New("msg").Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	r.mu.Lock()
	if len(r.cache) >= r.max {
		r.cache = map[string]*template.Template{}
	}
	r.cache[text] = t
	r.mu.Unlock()
	return t, nil
}

func (r *TextRenderer) Render(text string, payload any) (string, error) {
	t, err := r.parse(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, payload); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return b.String(), nil
}
