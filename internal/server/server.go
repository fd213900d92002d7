package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pscheid92/applet/internal/applet"
	"github.com/pscheid92/applet/internal/metrics"
	"github.com/pscheid92/applet/internal/platform/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server hosts one applet on the listeners named by its protocols.
type Server struct {
	config *config.Config
	applet *applet.Applet
	echo   *echo.Echo

	registry         *prometheus.Registry
	httpMetrics      *metrics.HTTPMetrics
	websocketMetrics *metrics.WebSocketMetrics
	limits           *ConnectionLimits
	healthChecks     []HealthCheck
	clock            clockwork.Clock
	startTime        time.Time
	tlsConfig        *tls.Config

	mu        sync.Mutex
	listeners []boundListener
}

type boundListener struct {
	protocol applet.Protocol
	listener net.Listener
}

type Option func(*Server)

// WithMetrics exposes reg on /metrics and records HTTP and upgrade metrics.
func WithMetrics(reg *prometheus.Registry, httpMetrics *metrics.HTTPMetrics, wsMetrics *metrics.WebSocketMetrics) Option {
	return func(s *Server) {
		s.registry = reg
		s.httpMetrics = httpMetrics
		s.websocketMetrics = wsMetrics
	}
}

// WithConnectionLimits overrides the limits built from the environment
// configuration.
func WithConnectionLimits(l *ConnectionLimits) Option {
	return func(s *Server) { s.limits = l }
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// New registers the host middleware, routes and error handler on the
// applet's Application. Call it before installing static or session
// middleware on the applet so that logging, recovery and correlation wrap
// them.
func New(cfg *config.Config, a *applet.Applet, opts ...Option) (*Server, error) {
	if a.Configuration() == nil {
		return nil, errors.New("applet has no configuration")
	}

	s := &Server{
		config: cfg,
		applet: a,
		echo:   a.App().Echo(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limits == nil {
		s.limits = NewConnectionLimits(LimitsConfig{
			MaxConnections:      int64(cfg.MaxWebSocketConnections),
			MaxConnectionsPerIP: cfg.MaxWebSocketConnectionsPerIP,
			RatePerIP:           cfg.WebSocketConnectRate,
			RateBurst:           cfg.WebSocketConnectBurst,
			Clock:               s.clock,
		})
	}
	s.startTime = s.clock.Now()

	for _, p := range a.Configuration().Protocols {
		if p.SSL && p.Listen.Enabled && s.tlsConfig == nil {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load TLS certificate for protocol %q: %w", p.Name, err)
			}
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	s.echo.HTTPErrorHandler = s.handleError
	s.registerRoutes()

	return s, nil
}

// Handler returns the handler serving protocol p: the applet's
// Application, with upgrade routing when p allows WebSockets.
func (s *Server) Handler(p applet.Protocol) http.Handler {
	var h http.Handler = s.applet.App()
	if p.WebSockets {
		h = s.upgradeHandler(h)
	}
	return h
}

// Listen binds every enabled protocol. On error nothing stays bound.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bound []boundListener
	for _, p := range s.applet.Configuration().Protocols {
		addr := p.Addr()
		if addr == "" {
			slog.Debug("Protocol disabled", "protocol", p.Name)
			continue
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, b := range bound {
				_ = b.listener.Close()
			}
			return fmt.Errorf("failed to listen for protocol %q on %s: %w", p.Name, addr, err)
		}
		if p.SSL {
			ln = tls.NewListener(ln, s.tlsConfig)
		}
		bound = append(bound, boundListener{protocol: p, listener: ln})
	}

	if len(bound) == 0 {
		return errors.New("no protocol is enabled")
	}
	s.listeners = bound
	return nil
}

// Addr returns the bound address of the named protocol, or nil.
func (s *Server) Addr(protocol string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.listeners {
		if b.protocol.Name == protocol {
			return b.listener.Addr()
		}
	}
	return nil
}

// Serve serves the bound listeners until ctx ends or one of them fails,
// then shuts all of them down gracefully. Hijacked connections are not
// waited for.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	bound := s.listeners
	s.mu.Unlock()
	if len(bound) == 0 {
		return errors.New("server is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := make([]*http.Server, 0, len(bound))

	for _, b := range bound {
		srv := &http.Server{
			Handler:           s.Handler(b.protocol),
			ReadHeaderTimeout: readHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		}
		servers = append(servers, srv)

		g.Go(func() error {
			slog.Info("Serving protocol", "protocol", b.protocol.Name, "addr", b.listener.Addr().String(),
				"ssl", b.protocol.SSL, "websockets", b.protocol.WebSockets)
			if err := srv.Serve(b.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("protocol %q: %w", b.protocol.Name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Start binds and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}
