package static

import (
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Dotfiles policies.
const (
	DotfilesAllow  = "allow"
	DotfilesDeny   = "deny"
	DotfilesIgnore = "ignore"
)

// Options controls how files below the root are served.
type Options struct {
	// Dotfiles is one of allow, deny or ignore. Deny answers 403, ignore
	// treats the file as missing.
	Dotfiles string `yaml:"dotfiles" toml:"dotfiles"`
	// ETag enables weak ETags derived from size and modification time.
	ETag bool `yaml:"etag" toml:"etag"`
	// Extensions are appended in order when the requested path is missing.
	Extensions []string `yaml:"extensions" toml:"extensions"`
	// Fallthrough passes misses and non GET/HEAD requests to the next handler.
	Fallthrough bool `yaml:"fallthrough" toml:"fallthrough"`
	// Immutable adds the immutable directive to Cache-Control.
	Immutable bool `yaml:"immutable" toml:"immutable"`
	// Index lists the files tried for a directory. Empty disables indexes.
	Index []string `yaml:"index" toml:"index"`
	// LastModified sends Last-Modified and honours If-Modified-Since.
	LastModified bool `yaml:"last_modified" toml:"last_modified"`
	// MaxAge is the Cache-Control max-age.
	MaxAge time.Duration `yaml:"max_age" toml:"max_age"`
	// Redirect sends directories without a trailing slash to the slash form.
	Redirect bool `yaml:"redirect" toml:"redirect"`
	// SetHeaders runs right before a file is written.
	SetHeaders func(h http.Header, path string, info fs.FileInfo) `yaml:"-" toml:"-"`
}

// DefaultOptions mirrors the conventional static-serving defaults.
func DefaultOptions() Options {
	return Options{
		Dotfiles:     DotfilesIgnore,
		ETag:         true,
		Fallthrough:  true,
		Index:        []string{"index.html"},
		LastModified: true,
		Redirect:     true,
	}
}

func (o Options) validate() error {
	switch o.Dotfiles {
	case DotfilesAllow, DotfilesDeny, DotfilesIgnore:
	default:
		return fmt.Errorf("static: dotfiles must be allow, deny or ignore, got %q", o.Dotfiles)
	}
	if o.MaxAge < 0 {
		return fmt.Errorf("static: max age must not be negative, got %s", o.MaxAge)
	}
	return nil
}

func (o Options) cacheControl() string {
	v := "public, max-age=" + strconv.FormatInt(int64(o.MaxAge/time.Second), 10)
	if o.Immutable {
		v += ", immutable"
	}
	return v
}

var maxAgeUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"y":  365*24*time.Hour + 6*time.Hour,
}

// ParseMaxAge accepts a millisecond count ("86400000" or "1.5"), a Go
// duration ("36h") or a single number with a unit among ms, s, m, h, d, w
// and y ("1d", "2 weeks" is not accepted).
func ParseMaxAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return scaleMaxAge(s, ms, time.Millisecond)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("static: max age %q is out of range", s)
		}
		return d, nil
	}

	i := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if i <= 0 {
		return 0, fmt.Errorf("static: invalid max age %q", s)
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("static: invalid max age %q: %w", s, err)
	}
	unit, ok := maxAgeUnits[strings.ToLower(strings.TrimSpace(s[i:]))]
	if !ok {
		return 0, fmt.Errorf("static: unknown max age unit in %q", s)
	}
	return scaleMaxAge(s, n, unit)
}

// scaleMaxAge rejects results a time.Duration cannot hold instead of
// letting the conversion wrap.
func scaleMaxAge(s string, n float64, unit time.Duration) (time.Duration, error) {
	v := n * float64(unit)
	if math.IsNaN(v) || v < 0 || v >= math.MaxInt64 {
		return 0, fmt.Errorf("static: max age %q is out of range", s)
	}
	return time.Duration(v), nil
}
