package applet

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/applet/internal/platform/logging"
	"github.com/pscheid92/applet/internal/session"
	"github.com/pscheid92/applet/internal/static"
	"github.com/pscheid92/applet/internal/view"
)

// WebSocketServer completes a WebSocket handshake on a hijacked socket.
// The Applet only stores it for the host; it never calls it.
type WebSocketServer interface {
	HandleUpgrade(r *http.Request, conn net.Conn, head []byte) error
}

type Applet struct {
	configuration   *Configuration
	application     *Application
	sessionEngines  *session.Registry
	webSocketServer WebSocketServer
	logger          *slog.Logger

	mu      sync.RWMutex
	session echo.MiddlewareFunc

	upgrades emitter
}

type options struct {
	webSocketServer WebSocketServer
	views           *view.Registry
	sessions        *session.Registry
}

type Option func(*options)

func WithWebSocketServer(ws WebSocketServer) Option {
	return func(o *options) { o.webSocketServer = ws }
}

// WithViews replaces the default view engine registry.
func WithViews(r *view.Registry) Option {
	return func(o *options) { o.views = r }
}

// WithSessions replaces the default session engine registry.
func WithSessions(r *session.Registry) Option {
	return func(o *options) { o.sessions = r }
}

// New stores cfg as given and creates a fresh Application.
func New(cfg *Configuration, opts ...Option) *Applet {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.views == nil {
		o.views = view.NewRegistry()
	}
	if o.sessions == nil {
		o.sessions = session.NewRegistry()
	}

	logger := slog.Default()
	if cfg != nil {
		logger = logging.WithApplet(cfg.Applet.Container, cfg.Applet.Path)
	}

	return &Applet{
		configuration:   cfg,
		application:     newApplication(o.views),
		sessionEngines:  o.sessions,
		webSocketServer: o.webSocketServer,
		logger:          logger,
	}
}

func (a *Applet) Configuration() *Configuration {
	return a.configuration
}

func (a *Applet) App() *Application {
	return a.application
}

// WebSocketServer returns the server passed to WithWebSocketServer, or nil.
func (a *Applet) WebSocketServer() WebSocketServer {
	return a.webSocketServer
}

// Session returns the most recently installed session middleware, or nil.
func (a *Applet) Session() echo.MiddlewareFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// SetViewEngine selects the template engine by name. Unknown names fail
// when a view is rendered.
func (a *Applet) SetViewEngine(name string) {
	a.application.Set(view.SettingEngine, name)
}

// SetViewPath sets the template root. A missing directory fails when a
// view is rendered.
func (a *Applet) SetViewPath(root string) {
	a.application.Set(view.SettingPath, root)
}

// SetStaticContentPath serves files below root. A nil opts uses
// static.DefaultOptions. Invalid options panic.
func (a *Applet) SetStaticContentPath(root string, opts *static.Options) {
	a.application.Use(static.Middleware(root, opts))
}

// SetSession builds session middleware with the named engine and installs
// it. Calling it again adds a second middleware to the chain; only the
// handler used by Upgrade is replaced.
func (a *Applet) SetSession(engine string, args ...any) error {
	factory, err := a.sessionEngines.Resolve(engine)
	if err != nil {
		return err
	}
	mw, err := factory(args...)
	if err != nil {
		return fmt.Errorf("failed to create %s session middleware: %w", engine, err)
	}

	a.UseSession(mw)
	a.logger.Info("Session engine installed", "engine", engine)
	return nil
}

// UseSession installs already built session middleware, with the same
// chain behaviour as SetSession.
func (a *Applet) UseSession(mw echo.MiddlewareFunc) {
	a.mu.Lock()
	a.session = mw
	a.mu.Unlock()

	a.application.Use(mw)
}

// Upgrade signals a hijacked upgrade request to the OnUpgrade listeners.
// With a session installed, the session middleware runs first against a
// response stand-in and the signal is sent from its continuation, so
// listeners find the session on r. A middleware error is returned and
// nothing is signalled. A middleware that never continues never signals.
func (a *Applet) Upgrade(r *http.Request, conn net.Conn, head []byte) error {
	ev := UpgradeEvent{Request: r, Conn: conn, Head: head}

	mw := a.Session()
	if mw == nil {
		a.upgrades.emit(ev)
		return nil
	}

	c := a.application.echo.NewContext(r, stubResponse{})
	return mw(func(echo.Context) error {
		a.upgrades.emit(ev)
		return nil
	})(c)
}

// OnUpgrade registers fn for upgrade events and returns a function that
// removes it. Listeners run synchronously on the goroutine calling
// Upgrade, in registration order.
func (a *Applet) OnUpgrade(fn func(UpgradeEvent)) (cancel func()) {
	return a.upgrades.on(fn)
}

// UpgradeListeners reports how many listeners are registered.
func (a *Applet) UpgradeListeners() int {
	return a.upgrades.count()
}
