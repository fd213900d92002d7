package session

import (
	"fmt"
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// cookieIDs signs the session ID carried in the cookie of server-side stores.
type cookieIDs struct {
	codecs  []securecookie.Codec
	options *sessions.Options
}

func newCookieIDs(cfg Config) cookieIDs {
	opts := cfg.options()
	codecs := securecookie.CodecsFromPairs(cfg.keyPairs()...)
	for _, codec := range codecs {
		if sc, ok := codec.(*securecookie.SecureCookie); ok {
			sc.MaxAge(opts.MaxAge)
		}
	}
	return cookieIDs{codecs: codecs, options: opts}
}

func (ids cookieIDs) newSession(store sessions.Store, name string) *sessions.Session {
	s := sessions.NewSession(store, name)
	opts := *ids.options
	s.Options = &opts
	s.IsNew = true
	return s
}

// decode returns the session ID from the request cookie. ok is false
// when no cookie was sent.
func (ids cookieIDs) decode(r *http.Request, name string) (id string, ok bool, err error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false, nil
	}
	if err := securecookie.DecodeMulti(name, c.Value, &id, ids.codecs...); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (ids cookieIDs) write(w http.ResponseWriter, s *sessions.Session) error {
	encoded, err := securecookie.EncodeMulti(s.Name(), s.ID, ids.codecs...)
	if err != nil {
		return fmt.Errorf("failed to encode session cookie: %w", err)
	}
	http.SetCookie(w, sessions.NewCookie(s.Name(), encoded, s.Options))
	return nil
}

func (ids cookieIDs) expire(w http.ResponseWriter, s *sessions.Session) {
	http.SetCookie(w, sessions.NewCookie(s.Name(), "", s.Options))
}
