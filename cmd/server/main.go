package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/applet/internal/applet"
	"github.com/pscheid92/applet/internal/database"
	"github.com/pscheid92/applet/internal/metrics"
	"github.com/pscheid92/applet/internal/platform/config"
	"github.com/pscheid92/applet/internal/platform/logging"
	"github.com/pscheid92/applet/internal/platform/version"
	"github.com/pscheid92/applet/internal/redis"
	"github.com/pscheid92/applet/internal/server"
	"github.com/pscheid92/applet/internal/session"
	"github.com/pscheid92/applet/internal/static"
	"github.com/pscheid92/applet/internal/websocket"
)

const (
	sessionSweepInterval = time.Hour
	wsPingInterval       = 30 * time.Second
	wsPongWait           = 60 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupAppletConfig(cfg *config.Config) *applet.Configuration {
	appletCfg, err := applet.LoadConfiguration(cfg.AppletConfig)
	if err != nil {
		slog.Error("Failed to load applet configuration", "path", cfg.AppletConfig, "error", err)
		os.Exit(1)
	}
	return appletCfg
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.DatabaseMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupWebSockets builds the hub and server. Messages from a client are
// echoed to everyone in its room, across instances when Redis is available.
func setupWebSockets(ctx context.Context, cfg *config.Config, rdb *goredis.Client, m *metrics.WebSocketMetrics) (*websocket.Server, *redis.Subscription) {
	hub := websocket.NewHub(websocket.HubConfig{
		PingInterval: wsPingInterval,
		OnLastDisconnect: func(room string) {
			slog.Debug("Room is empty", "room", room)
		},
	}, m)

	publish := func(c *websocket.Client, messageType int, data []byte) {
		hub.BroadcastMessage(c.Room, messageType, data)
	}

	var sub *redis.Subscription
	if rdb != nil {
		ps := redis.NewPubSub(rdb)
		var err error
		sub, err = ps.SubscribeRooms(ctx)
		if err != nil {
			slog.Error("Failed to subscribe to room relay", "error", err)
			os.Exit(1)
		}
		go func() {
			for msg := range sub.Ch {
				messageType := websocket.TextMessage
				if msg.Binary {
					messageType = websocket.BinaryMessage
				}
				hub.BroadcastMessage(msg.Room, messageType, msg.Data)
			}
		}()

		publish = func(c *websocket.Client, messageType int, data []byte) {
			msg := redis.RoomMessage{Room: c.Room, Data: data, Binary: messageType == websocket.BinaryMessage}
			if err := ps.Publish(ctx, msg); err != nil {
				slog.Warn("Failed to relay message, delivering locally", "room", c.Room, "error", err)
				hub.BroadcastMessage(c.Room, messageType, data)
			}
		}
	}

	ws := websocket.NewServer(hub, websocket.Config{
		CheckOrigin: websocket.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
		OnMessage:   publish,
		PongWait:    wsPongWait,
	}, m)

	return ws, sub
}

func setupStatic(cfg *config.Config, a *applet.Applet) {
	maxAge, err := static.ParseMaxAge(cfg.StaticMaxAge)
	if err != nil {
		slog.Error("Invalid STATIC_MAX_AGE", "error", err)
		os.Exit(1)
	}
	opts := static.DefaultOptions()
	opts.MaxAge = maxAge
	a.SetStaticContentPath(cfg.StaticPath, &opts)
}

func setupSession(ctx context.Context, cfg *config.Config, a *applet.Applet, rdb *goredis.Client, pool *pgxpool.Pool, dbMetrics *metrics.DatabaseMetrics) {
	sc := session.Config{
		Name:   cfg.SessionName,
		Secret: cfg.SessionSecret,
		MaxAge: cfg.SessionMaxAge,
		Secure: cfg.IsProduction(),
		Dir:    cfg.SessionDir,
	}

	var err error
	switch cfg.SessionEngine {
	case config.SessionEngineNone:
		slog.Info("No session engine configured")
		return
	case config.SessionEngineRedis:
		err = a.SetSession(cfg.SessionEngine, sc, rdb)
	case config.SessionEnginePostgres:
		err = a.SetSession(cfg.SessionEngine, sc, pool, dbMetrics)
		go session.NewPostgresStore(pool, sc, dbMetrics).RunSweeper(ctx, sessionSweepInterval)
	default:
		err = a.SetSession(cfg.SessionEngine, sc)
	}
	if err != nil {
		slog.Error("Failed to set up sessions", "engine", cfg.SessionEngine, "error", err)
		os.Exit(1)
	}
}

func main() {
	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "version", version.Get().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)

	appletCfg := setupAppletConfig(cfg)

	var healthChecks []server.HealthCheck

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		redisClient = setupRedis(ctx, cfg, metrics.NewRedisMetrics(reg))
		defer func() { _ = redisClient.Close() }()
		healthChecks = append(healthChecks, server.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	var (
		pool      *pgxpool.Pool
		dbMetrics *metrics.DatabaseMetrics
	)
	if cfg.SessionEngine == config.SessionEnginePostgres {
		dbMetrics = metrics.NewDatabaseMetrics(reg)
		pool = setupDB(ctx, cfg, dbMetrics)
		defer pool.Close()
		healthChecks = append(healthChecks, server.HealthCheck{Name: "postgres", Check: pool.Ping})
	}

	ws, relay := setupWebSockets(ctx, cfg, redisClient, wsMetrics)
	if relay != nil {
		defer relay.Close()
	}

	a := applet.New(appletCfg, applet.WithWebSocketServer(ws))

	// The host middleware goes first so it wraps static files and sessions.
	srv, err := server.New(cfg, a,
		server.WithMetrics(reg, httpMetrics, wsMetrics),
		server.WithHealthChecks(healthChecks...),
	)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	a.SetViewEngine(cfg.ViewEngine)
	a.SetViewPath(cfg.ViewPath)
	setupStatic(cfg, a)
	setupSession(ctx, cfg, a, redisClient, pool, dbMetrics)

	a.OnUpgrade(func(ev applet.UpgradeEvent) {
		if err := a.WebSocketServer().HandleUpgrade(ev.Request, ev.Conn, ev.Head); err != nil {
			slog.Debug("WebSocket upgrade failed", "path", ev.Request.URL.Path, "error", err)
		}
	})

	if err := srv.Start(ctx); err != nil {
		slog.Error("Server error", "error", err)
		stop()
	}

	slog.Info("Shutdown signal received, cleaning up...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		slog.Error("WebSocket shutdown error", "error", err)
	}
	slog.Info("Server stopped")
}
