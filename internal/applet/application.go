package applet

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/applet/internal/view"
)

// Application is the HTTP application owned by an Applet: an Echo
// instance plus a settings table read by the view renderer.
type Application struct {
	echo *echo.Echo

	mu       sync.RWMutex
	settings map[string]any
}

func newApplication(views *view.Registry) *Application {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	app := &Application{echo: e, settings: make(map[string]any)}
	e.Renderer = view.NewRenderer(views, app)
	return app
}

func (a *Application) Set(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings[key] = value
}

// Setting returns the value stored for key, or nil.
func (a *Application) Setting(key string) any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings[key]
}

// Enabled reports whether key holds true.
func (a *Application) Enabled(key string) bool {
	v, _ := a.Setting(key).(bool)
	return v
}

func (a *Application) Enable(key string)  { a.Set(key, true) }
func (a *Application) Disable(key string) { a.Set(key, false) }

// Use appends middleware to the chain. It runs after routing, for matched
// and unmatched requests alike.
func (a *Application) Use(mw ...echo.MiddlewareFunc) {
	a.echo.Use(mw...)
}

// Echo exposes the router for mounting routes and host configuration.
func (a *Application) Echo() *echo.Echo {
	return a.echo
}

func (a *Application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.echo.ServeHTTP(w, r)
}
