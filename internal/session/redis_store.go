package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisStore keeps gob-encoded session values in Redis under a random ID.
// The cookie only carries the signed ID. Keys expire with the session
// MaxAge.
type RedisStore struct {
	client     *goredis.Client
	ids        cookieIDs
	serializer securecookie.GobEncoder
	keyPrefix  string
	loads      singleflight.Group
}

var _ sessions.Store = (*RedisStore)(nil)

func NewRedisStore(client *goredis.Client, cfg Config) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		ids:       newCookieIDs(cfg),
		keyPrefix: prefix,
	}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// Get returns the session cached in the request registry, loading it on
// first use.
func (s *RedisStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New loads the session for the request cookie. Unknown or expired IDs
// yield a fresh session that receives a new ID on save.
func (s *RedisStore) New(r *http.Request, name string) (*sessions.Session, error) {
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

// load coalesces concurrent reads of the same ID into one round trip.
func (s *RedisStore) load(ctx context.Context, id string) ([]byte, error) {
	v, err, _ := s.loads.Do(id, func() (any, error) {
		data, err := s.client.Get(ctx, s.key(id)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return []byte(nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", id, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Save writes the session to Redis and sets the cookie. A negative MaxAge
// deletes the record and expires the cookie.
func (s *RedisStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	ctx := r.Context()

	if session.Options.MaxAge < 0 {
		if session.ID != "" {
			if err := s.client.Del(ctx, s.key(session.ID)).Err(); err != nil {
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
	if err := s.client.Set(ctx, s.key(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", session.ID, err)
	}

	return s.ids.write(w, session)
}
