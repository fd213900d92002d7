package view

import (
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/labstack/echo/v4"
)

// Setting keys read by the Renderer.
const (
	SettingEngine = "view engine"
	SettingPath   = "views"
	SettingCache  = "view cache"
)

// DefaultPath is the view root used when none has been set.
const DefaultPath = "views"

// Settings is the read side of an application settings table.
type Settings interface {
	Setting(key string) any
}

// Renderer implements echo.Renderer on top of a Registry. Engine name,
// view root and caching are read from settings on every render.
type Renderer struct {
	registry *Registry
	settings Settings

	mu    sync.Mutex
	cache map[cacheKey]Templates
}

type cacheKey struct {
	engine string
	root   string
}

var _ echo.Renderer = (*Renderer)(nil)

func NewRenderer(registry *Registry, settings Settings) *Renderer {
	return &Renderer{
		registry: registry,
		settings: settings,
		cache:    make(map[cacheKey]Templates),
	}
}

func (r *Renderer) Render(w io.Writer, name string, data any, _ echo.Context) error {
	engineName, _ := r.settings.Setting(SettingEngine).(string)
	engine, err := r.registry.Lookup(engineName)
	if err != nil {
		return err
	}

	root, _ := r.settings.Setting(SettingPath).(string)
	if root == "" {
		root = DefaultPath
	}

	templates, err := r.templates(engineName, engine, root)
	if err != nil {
		return err
	}

	if path.Ext(name) == "" {
		name += "." + engine.Ext()
	}
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return nil
}

func (r *Renderer) templates(engineName string, engine Engine, root string) (Templates, error) {
	cached, _ := r.settings.Setting(SettingCache).(bool)
	if !cached {
		return engine.Load(root)
	}

	key := cacheKey{engine: engineName, root: root}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[key]; ok {
		return t, nil
	}
	t, err := engine.Load(root)
	if err != nil {
		return nil, err
	}
	r.cache[key] = t
	return t, nil
}
