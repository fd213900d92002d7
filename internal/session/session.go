// Package session provides named session engines for an Echo application.
//
// An engine is a Factory that turns constructor arguments into Echo
// middleware. The middleware loads the named session and attaches it to
// both the request context and the Echo context, so code that only holds
// the *http.Request (for example a protocol upgrade listener) can reach it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

// ContextKey is the Echo context key holding the loaded *sessions.Session.
const ContextKey = "session"

const (
	defaultPath      = "/"
	defaultKeyPrefix = "applet:session:"
	// defaultRetention bounds server-side storage of browser-session cookies (MaxAge 0).
	defaultRetention = 24 * time.Hour
)

// Config configures the built-in engines. Dir applies to the filesystem
// engine, KeyPrefix to redis and Clock to postgres.
type Config struct {
	Name     string
	Secret   string
	MaxAge   time.Duration
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite

	Dir       string
	KeyPrefix string
	Clock     clockwork.Clock
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("session name is required")
	}
	if c.Secret == "" {
		return errors.New("session secret is required")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("session max age must not be negative, got %s", c.MaxAge)
	}
	return nil
}

func (c Config) keyPairs() [][]byte {
	return [][]byte{[]byte(c.Secret)}
}

func (c Config) options() *sessions.Options {
	path := c.Path
	if path == "" {
		path = defaultPath
	}
	sameSite := c.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &sessions.Options{
		Path:     path,
		Domain:   c.Domain,
		MaxAge:   int(c.MaxAge / time.Second),
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

type contextKey struct{}

// Middleware loads the session called name from store for every request.
// Cookies that no longer decode (rotated secret, expired signature) and
// server-side records that vanished start a fresh session; any other load
// error fails the request.
func Middleware(store sessions.Store, name string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			s, err := store.Get(r, name)
			if err != nil {
				if s == nil || !recoverable(err) {
					return fmt.Errorf("failed to load session %q: %w", name, err)
				}
				slog.DebugContext(r.Context(), "Starting fresh session", "session", name, "error", err)
			}

			// Replace the request in place: callers holding the original
			// pointer observe the session too.
			*r = *r.WithContext(context.WithValue(r.Context(), contextKey{}, s))
			c.Set(ContextKey, s)

			return next(c)
		}
	}
}

func recoverable(err error) bool {
	var cookieErr securecookie.Error
	if errors.As(err, &cookieErr) && cookieErr.IsDecode() {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// FromRequest returns the session attached by Middleware.
func FromRequest(r *http.Request) (*sessions.Session, bool) {
	s, ok := r.Context().Value(contextKey{}).(*sessions.Session)
	return s, ok
}

// FromContext returns the session attached by Middleware.
func FromContext(c echo.Context) (*sessions.Session, bool) {
	if s, ok := c.Get(ContextKey).(*sessions.Session); ok {
		return s, true
	}
	return FromRequest(c.Request())
}

// Save persists the session attached to c and writes its cookie.
func Save(c echo.Context) error {
	s, ok := FromContext(c)
	if !ok {
		return errors.New("no session attached to request")
	}
	if err := s.Save(c.Request(), c.Response()); err != nil {
		return fmt.Errorf("failed to save session %q: %w", s.Name(), err)
	}
	return nil
}
