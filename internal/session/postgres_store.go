package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/applet/internal/metrics"
	"github.com/sony/gobreaker"
)

const (
	queryLoadSession = `SELECT data FROM http_sessions WHERE id = $1 AND expires_at > $2`

	queryUpsertSession = `
		INSERT INTO http_sessions (id, data, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`

	queryDeleteSession = `DELETE FROM http_sessions WHERE id = $1`

	queryDeleteExpired = `DELETE FROM http_sessions WHERE expires_at <= $1`
)

// PostgresStore keeps gob-encoded session values in the http_sessions
// table. Expiry is evaluated against the store's clock, so rows outlive
// their session until DeleteExpired removes them.
type PostgresStore struct {
	pool       *pgxpool.Pool
	ids        cookieIDs
	serializer securecookie.GobEncoder
	clock      clockwork.Clock
	breaker    *gobreaker.CircuitBreaker
}

var _ sessions.Store = (*PostgresStore)(nil)

// NewPostgresStore builds a store on pool. m may be nil.
func NewPostgresStore(pool *pgxpool.Pool, cfg Config, m *metrics.DatabaseMetrics) *PostgresStore {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "session-postgres",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, pgx.ErrNoRows)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.CircuitStateChanges.WithLabelValues(to.String()).Inc()
			}
		},
	})

	return &PostgresStore{
		pool:    pool,
		ids:     newCookieIDs(cfg),
		clock:   clock,
		breaker: breaker,
	}
}

func (s *PostgresStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

func (s *PostgresStore) New(r *http.Request, name string) (*sessions.Session, error) {
	session := s.ids.newSession(s, name)

	id, ok, err := s.ids.decode(r, name)
	if err != nil || !ok {
		return session, err
	}

	data, err := s.load(r.Context(), id)
	if err != nil {
		return session, err
	}
	if data == nil {
		return session, nil
	}

	if err := s.serializer.Deserialize(data, &session.Values); err != nil {
		return session, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	session.ID = id
	session.IsNew = false
	return session, nil
}

func (s *PostgresStore) load(ctx context.Context, id string) ([]byte, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		var data []byte
		err := s.pool.QueryRow(ctx, queryLoadSession, id, s.clock.Now()).Scan(&data)
		return data, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return v.([]byte), nil
}

func (s *PostgresStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	ctx := r.Context()

	if session.Options.MaxAge < 0 {
		if session.ID != "" {
			if err := s.exec(ctx, queryDeleteSession, session.ID); err != nil {
				return fmt.Errorf("failed to delete session %s: %w", session.ID, err)
			}
		}
		s.ids.expire(w, session)
		return nil
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	data, err := s.serializer.Serialize(session.Values)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}

	ttl := time.Duration(session.Options.MaxAge) * time.Second
	if ttl == 0 {
		ttl = defaultRetention
	}
	if err := s.exec(ctx, queryUpsertSession, session.ID, data, s.clock.Now().Add(ttl)); err != nil {
		return fmt.Errorf("failed to store session %s: %w", session.ID, err)
	}

	return s.ids.write(w, session)
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		_, err := s.pool.Exec(ctx, sql, args...)
		return nil, err
	})
	return err
}

// DeleteExpired removes rows whose expiry has passed and reports how many.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, queryDeleteExpired, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunSweeper calls DeleteExpired every interval until ctx is done.
func (s *PostgresStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				slog.Error("Session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Swept expired sessions", "count", n)
			}
		}
	}
}
