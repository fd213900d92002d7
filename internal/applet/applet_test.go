package applet

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/applet/internal/session"
	"github.com/pscheid92/applet/internal/static"
	"github.com/pscheid92/applet/internal/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func exampleConfig() *Configuration {
	return &Configuration{
		Applet:        Container{Container: "c", Path: "/"},
		ErrorTemplate: "err",
		Protocols:     []Protocol{},
	}
}

func fakeSocket(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server
}

func recordUpgrades(a *Applet) *[]UpgradeEvent {
	var events []UpgradeEvent
	a.OnUpgrade(func(ev UpgradeEvent) { events = append(events, ev) })
	return &events
}

func passThrough(calls *int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			*calls++
			return next(c)
		}
	}
}

func TestUpgrade_WithoutSessionEmitsOnce(t *testing.T) {
	a := New(exampleConfig())
	events := recordUpgrades(a)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	conn := fakeSocket(t)
	head := []byte("x")

	require.NoError(t, a.Upgrade(req, conn, head))

	require.Len(t, *events, 1)
	ev := (*events)[0]
	assert.Same(t, req, ev.Request)
	assert.Equal(t, conn, ev.Conn)
	assert.Equal(t, head, ev.Head)
}

func TestUpgrade_ExampleScenario(t *testing.T) {
	a := New(exampleConfig())
	maxAge, err := static.ParseMaxAge("1d")
	require.NoError(t, err)
	opts := static.DefaultOptions()
	opts.MaxAge = maxAge
	a.SetStaticContentPath(t.TempDir(), &opts)
	events := recordUpgrades(a)

	req := &http.Request{}
	conn := fakeSocket(t)
	head := []byte("x")
	require.NoError(t, a.Upgrade(req, conn, head))

	require.Len(t, *events, 1)
	assert.Same(t, req, (*events)[0].Request)
	assert.Equal(t, conn, (*events)[0].Conn)
	assert.Equal(t, []byte("x"), (*events)[0].Head)
}

func TestUpgrade_SessionRunsBeforeEmit(t *testing.T) {
	a := New(exampleConfig())

	var order []string
	var gotReq *http.Request
	var gotWriter http.ResponseWriter
	a.UseSession(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			order = append(order, "session")
			gotReq = c.Request()
			gotWriter = c.Response().Writer
			return next(c)
		}
	})
	a.OnUpgrade(func(UpgradeEvent) { order = append(order, "upgrade") })

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	require.NoError(t, a.Upgrade(req, fakeSocket(t), nil))

	assert.Equal(t, []string{"session", "upgrade"}, order)
	assert.Same(t, req, gotReq)
	assert.IsType(t, stubResponse{}, gotWriter)
}

func TestUpgrade_ListenerSeesSession(t *testing.T) {
	a := New(exampleConfig())
	require.NoError(t, a.SetSession("cookie", session.Config{Name: "sid", Secret: testSecret}))

	var found bool
	a.OnUpgrade(func(ev UpgradeEvent) {
		s, ok := session.FromRequest(ev.Request)
		found = ok && s != nil && s.IsNew
	})

	require.NoError(t, a.Upgrade(httptest.NewRequest(http.MethodGet, "/ws", nil), fakeSocket(t), nil))
	assert.True(t, found)
}

func TestUpgrade_SessionSavingOnStubDoesNotFail(t *testing.T) {
	a := New(exampleConfig())
	require.NoError(t, a.SetSession("cookie", session.Config{Name: "sid", Secret: testSecret}))

	var saveErr error
	a.OnUpgrade(func(ev UpgradeEvent) {
		s, _ := session.FromRequest(ev.Request)
		s.Values["seen"] = true
		saveErr = s.Save(ev.Request, stubResponse{})
	})

	require.NoError(t, a.Upgrade(httptest.NewRequest(http.MethodGet, "/ws", nil), fakeSocket(t), nil))
	assert.NoError(t, saveErr)
}

func TestUpgrade_StalledMiddlewareNeverEmits(t *testing.T) {
	a := New(exampleConfig())
	a.UseSession(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error { return nil }
	})
	events := recordUpgrades(a)

	require.NoError(t, a.Upgrade(httptest.NewRequest(http.MethodGet, "/ws", nil), fakeSocket(t), nil))
	assert.Empty(t, *events)
}

func TestUpgrade_MiddlewareErrorPropagates(t *testing.T) {
	a := New(exampleConfig())
	boom := errors.New("session store unavailable")
	a.UseSession(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error { return boom }
	})
	events := recordUpgrades(a)

	err := a.Upgrade(httptest.NewRequest(http.MethodGet, "/ws", nil), fakeSocket(t), nil)

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, *events)
}

func TestUpgrade_NoListenersIsSilent(t *testing.T) {
	a := New(exampleConfig())

	assert.NoError(t, a.Upgrade(httptest.NewRequest(http.MethodGet, "/ws", nil), fakeSocket(t), nil))
	assert.Zero(t, a.UpgradeListeners())
}

func TestOnUpgrade_RegistrationOrderAndCancel(t *testing.T) {
	a := New(exampleConfig())
	var order []int
	a.OnUpgrade(func(UpgradeEvent) { order = append(order, 1) })
	cancel := a.OnUpgrade(func(UpgradeEvent) { order = append(order, 2) })
	a.OnUpgrade(func(UpgradeEvent) { order = append(order, 3) })
	require.Equal(t, 3, a.UpgradeListeners())

	require.NoError(t, a.Upgrade(&http.Request{}, fakeSocket(t), nil))
	cancel()
	cancel()
	require.NoError(t, a.Upgrade(&http.Request{}, fakeSocket(t), nil))

	assert.Equal(t, []int{1, 2, 3, 1, 3}, order)
	assert.Equal(t, 2, a.UpgradeListeners())
}

func TestOnUpgrade_LateSubscriberMissesEvent(t *testing.T) {
	a := New(exampleConfig())
	require.NoError(t, a.Upgrade(&http.Request{}, fakeSocket(t), nil))

	events := recordUpgrades(a)
	assert.Empty(t, *events)
}

func TestUpgrade_ConcurrentCalls(t *testing.T) {
	a := New(exampleConfig())
	require.NoError(t, a.SetSession("cookie", session.Config{Name: "sid", Secret: testSecret}))

	var mu sync.Mutex
	count := 0
	a.OnUpgrade(func(UpgradeEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Upgrade(httptest.NewRequest(http.MethodGet, "/ws", nil), nil, nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}

// A second SetSession replaces the handler used by Upgrade but leaves the
// first middleware on the application chain. This additive behaviour is
// kept on purpose.
func TestSetSession_SecondCallIsAdditive(t *testing.T) {
	var firstCalls, secondCalls int
	sessions := session.NewRegistry()
	sessions.Register("first", func(args ...any) (echo.MiddlewareFunc, error) { return passThrough(&firstCalls), nil })
	sessions.Register("second", func(args ...any) (echo.MiddlewareFunc, error) { return passThrough(&secondCalls), nil })

	a := New(exampleConfig(), WithSessions(sessions))
	require.NoError(t, a.SetSession("first"))
	require.NoError(t, a.SetSession("second"))

	require.NoError(t, a.Upgrade(&http.Request{}, fakeSocket(t), nil))
	assert.Equal(t, 0, firstCalls, "upgrade uses only the latest handler")
	assert.Equal(t, 1, secondCalls)

	a.App().Echo().GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	a.App().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 1, firstCalls, "both middlewares stay on the chain")
	assert.Equal(t, 2, secondCalls)
}

func TestSetSession_UnknownEngine(t *testing.T) {
	a := New(exampleConfig())

	err := a.SetSession("memcached")

	assert.ErrorIs(t, err, session.ErrUnknownEngine)
	assert.Nil(t, a.Session())
}

func TestSetSession_FactoryError(t *testing.T) {
	a := New(exampleConfig())

	err := a.SetSession("cookie", "not a config")

	assert.ErrorIs(t, err, session.ErrInvalidArguments)
	assert.Nil(t, a.Session())
}

func TestAccessors_StableIdentity(t *testing.T) {
	cfg := exampleConfig()
	a := New(cfg)

	assert.Same(t, cfg, a.Configuration())
	assert.Same(t, a.Configuration(), a.Configuration())
	assert.Same(t, a.App(), a.App())
	assert.Same(t, a.App().Echo(), a.App().Echo())
	assert.Nil(t, a.WebSocketServer())
}

type fakeWebSocketServer struct{}

func (fakeWebSocketServer) HandleUpgrade(*http.Request, net.Conn, []byte) error { return nil }

func TestWithWebSocketServer(t *testing.T) {
	ws := &fakeWebSocketServer{}
	a := New(exampleConfig(), WithWebSocketServer(ws))

	assert.Same(t, ws, a.WebSocketServer())
}

func TestNew_NilConfiguration(t *testing.T) {
	a := New(nil)

	assert.Nil(t, a.Configuration())
	assert.NotNil(t, a.App())
}

func TestViews_DeferredFailures(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.html"), []byte("Hello {{.}}"), 0o644))

	a := New(exampleConfig())
	a.App().Echo().GET("/", func(c echo.Context) error {
		return c.Render(http.StatusOK, "hello", "world")
	})

	render := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		a.App().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec
	}

	a.SetViewEngine("jade")
	a.SetViewPath(root)
	assert.Equal(t, http.StatusInternalServerError, render().Code)

	a.SetViewEngine("html")
	a.SetViewPath(filepath.Join(root, "missing"))
	assert.Equal(t, http.StatusInternalServerError, render().Code)

	a.SetViewPath(root)
	rec := render()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello world", rec.Body.String())
	assert.Equal(t, "html", a.App().Setting(view.SettingEngine))
}

func TestSetStaticContentPath_ServesFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.js"), []byte("ok"), 0o644))

	a := New(exampleConfig())
	opts := static.DefaultOptions()
	opts.MaxAge = 24 * time.Hour
	a.SetStaticContentPath(root, &opts)

	rec := httptest.NewRecorder()
	a.App().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "public, max-age=86400", rec.Header().Get(echo.HeaderCacheControl))
}
