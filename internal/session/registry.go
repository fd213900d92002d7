package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/sessions"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/applet/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrUnknownEngine    = errors.New("unknown session engine")
	ErrInvalidArguments = errors.New("invalid session engine arguments")
)

// Factory builds session middleware from engine-specific arguments.
type Factory func(args ...any) (echo.MiddlewareFunc, error)

// Registry maps engine names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in engines:
//
//	cookie      (Config)
//	filesystem  (Config)
//	redis       (Config, *redis.Client)
//	postgres    (Config, *pgxpool.Pool[, *metrics.DatabaseMetrics])
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("cookie", cookieFactory)
	r.Register("filesystem", filesystemFactory)
	r.Register("redis", redisFactory)
	r.Register("postgres", postgresFactory)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return f, nil
}

// Names lists the registered engines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCookieStore keeps session values in a signed cookie.
func NewCookieStore(cfg Config) *sessions.CookieStore {
	store := sessions.NewCookieStore(cfg.keyPairs()...)
	store.Options = cfg.options()
	store.MaxAge(store.Options.MaxAge)
	return store
}

// NewFilesystemStore keeps session values in files below cfg.Dir.
func NewFilesystemStore(cfg Config) *sessions.FilesystemStore {
	store := sessions.NewFilesystemStore(cfg.Dir, cfg.keyPairs()...)
	store.Options = cfg.options()
	store.MaxAge(store.Options.MaxAge)
	return store
}

func cookieFactory(args ...any) (echo.MiddlewareFunc, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: cookie takes (Config), got %d arguments", ErrInvalidArguments, len(args))
	}
	cfg, err := configArg(args[0])
	if err != nil {
		return nil, err
	}
	return Middleware(NewCookieStore(cfg), cfg.Name), nil
}

func filesystemFactory(args ...any) (echo.MiddlewareFunc, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: filesystem takes (Config), got %d arguments", ErrInvalidArguments, len(args))
	}
	cfg, err := configArg(args[0])
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: filesystem needs Config.Dir", ErrInvalidArguments)
	}
	return Middleware(NewFilesystemStore(cfg), cfg.Name), nil
}

func redisFactory(args ...any) (echo.MiddlewareFunc, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: redis takes (Config, *redis.Client), got %d arguments", ErrInvalidArguments, len(args))
	}
	cfg, err := configArg(args[0])
	if err != nil {
		return nil, err
	}
	client, ok := args[1].(*goredis.Client)
	if !ok || client == nil {
		return nil, fmt.Errorf("%w: redis needs a *redis.Client, got %T", ErrInvalidArguments, args[1])
	}
	return Middleware(NewRedisStore(client, cfg), cfg.Name), nil
}

func postgresFactory(args ...any) (echo.MiddlewareFunc, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, fmt.Errorf("%w: postgres takes (Config, *pgxpool.Pool[, *metrics.DatabaseMetrics]), got %d arguments", ErrInvalidArguments, len(args))
	}
	cfg, err := configArg(args[0])
	if err != nil {
		return nil, err
	}
	pool, ok := args[1].(*pgxpool.Pool)
	if !ok || pool == nil {
		return nil, fmt.Errorf("%w: postgres needs a *pgxpool.Pool, got %T", ErrInvalidArguments, args[1])
	}
	var m *metrics.DatabaseMetrics
	if len(args) == 3 {
		if m, ok = args[2].(*metrics.DatabaseMetrics); !ok {
			return nil, fmt.Errorf("%w: postgres metrics must be *metrics.DatabaseMetrics, got %T", ErrInvalidArguments, args[2])
		}
	}
	return Middleware(NewPostgresStore(pool, cfg, m), cfg.Name), nil
}

func configArg(arg any) (Config, error) {
	var cfg Config
	switch v := arg.(type) {
	case Config:
		cfg = v
	case *Config:
		if v == nil {
			return Config{}, fmt.Errorf("%w: nil *Config", ErrInvalidArguments)
		}
		cfg = *v
	default:
		return Config{}, fmt.Errorf("%w: expected Config, got %T", ErrInvalidArguments, arg)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return cfg, nil
}
