// Package view resolves template engines by name and renders templates
// for an Echo application. Engine and template root are looked up at
// render time, so a bad engine name or a missing directory surfaces only
// when a view is rendered.
package view

import (
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	texttemplate "text/template"
)

var (
	ErrUnknownEngine = errors.New("unknown view engine")
	ErrNoEngine      = errors.New("no view engine configured")
)

// Templates is a parsed template set.
type Templates interface {
	ExecuteTemplate(w io.Writer, name string, data any) error
}

// Engine parses every template with its extension below a view root.
type Engine interface {
	Ext() string
	Load(root string) (Templates, error)
}

// Registry maps engine names to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns a registry with the "html" and "text" engines.
func NewRegistry() *Registry {
	r := &Registry{engines: make(map[string]Engine)}
	r.Register("html", HTMLEngine{})
	r.Register("text", TextEngine{})
	return r
}

func (r *Registry) Register(name string, engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = engine
}

func (r *Registry) Lookup(name string) (Engine, error) {
	if name == "" {
		return nil, ErrNoEngine
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return engine, nil
}

// Names lists the registered engines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HTMLEngine renders html/template files ending in ".html".
type HTMLEngine struct{}

func (HTMLEngine) Ext() string { return "html" }

func (e HTMLEngine) Load(root string) (Templates, error) {
	set := htmltemplate.New("")
	err := walkTemplates(root, e.Ext(), func(name, body string) error {
		_, err := set.New(name).Parse(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// TextEngine renders text/template files ending in ".tmpl".
type TextEngine struct{}

func (TextEngine) Ext() string { return "tmpl" }

func (e TextEngine) Load(root string) (Templates, error) {
	set := texttemplate.New("")
	err := walkTemplates(root, e.Ext(), func(name, body string) error {
		_, err := set.New(name).Parse(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// walkTemplates calls add for every file below root with the given
// extension, naming it by its slash-separated path relative to root.
func walkTemplates(root, ext string, add func(name, body string) error) error {
	suffix := "." + ext
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := add(filepath.ToSlash(rel), string(body)); err != nil {
			return fmt.Errorf("parse template %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load views from %s: %w", root, err)
	}
	return nil
}
