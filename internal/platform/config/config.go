package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Session engine names accepted in SESSION_ENGINE.
const (
	SessionEngineNone       = ""
	SessionEngineCookie     = "cookie"
	SessionEngineFilesystem = "filesystem"
	SessionEngineRedis      = "redis"
	SessionEnginePostgres   = "postgres"
)

const minSessionSecretLength = 32

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	AppletConfig string `env:"APPLET_CONFIG" default:"applet.yaml"`

	ViewEngine   string `env:"VIEW_ENGINE" default:"html"`
	ViewPath     string `env:"VIEW_PATH" default:"views"`
	StaticPath   string `env:"STATIC_PATH" default:"public"`
	StaticMaxAge string `env:"STATIC_MAX_AGE" default:"0"`

	SessionEngine string        `env:"SESSION_ENGINE"`
	SessionName   string        `env:"SESSION_NAME" default:"applet-session"`
	SessionSecret string        `env:"SESSION_SECRET"`
	SessionDir    string        `env:"SESSION_DIR"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"` // 7 days

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	RequestRateLimit float64 `env:"HTTP_RATE_LIMIT" default:"0"` // requests per second per IP; 0 disables
	RequestRateBurst int     `env:"HTTP_RATE_BURST" default:"20"`

	MaxWebSocketConnections      int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxWebSocketConnectionsPerIP int     `env:"MAX_WEBSOCKET_CONNECTIONS_PER_IP" default:"50"`
	WebSocketConnectRate         float64 `env:"WEBSOCKET_CONNECT_RATE" default:"10"`
	WebSocketConnectBurst        int     `env:"WEBSOCKET_CONNECT_BURST" default:"20"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AppletConfig == "" {
		return errors.New("APPLET_CONFIG is required")
	}

	switch cfg.SessionEngine {
	case SessionEngineNone:
	case SessionEngineCookie:
	case SessionEngineFilesystem:
		if cfg.SessionDir == "" {
			return errors.New("SESSION_DIR is required for the filesystem session engine")
		}
	case SessionEngineRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis session engine")
		}
	case SessionEnginePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres session engine")
		}
		if cfg.IsProduction() {
			if err := requireSecureSSLMode(cfg.DatabaseURL); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("SESSION_ENGINE %q is not supported", cfg.SessionEngine)
	}

	if cfg.SessionEngine != SessionEngineNone && len(cfg.SessionSecret) < minSessionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", minSessionSecretLength)
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if cfg.RequestRateLimit < 0 || cfg.RequestRateBurst < 1 {
		return errors.New("HTTP rate limit must not be negative and its burst must be positive")
	}

	if cfg.MaxWebSocketConnections < 1 || cfg.MaxWebSocketConnectionsPerIP < 1 {
		return errors.New("websocket connection limits must be positive")
	}

	return nil
}

func requireSecureSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
