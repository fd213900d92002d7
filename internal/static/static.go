// Package static serves files below a root directory as Echo middleware.
package static

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

var errNotFound = errors.New("static: not found")

type server struct {
	root string
	opts Options
}

// Middleware serves files from root. A nil opts uses DefaultOptions. It
// panics on invalid options, the same way Echo's own middleware treats a
// broken configuration.
func Middleware(root string, opts *Options) echo.MiddlewareFunc {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if err := o.validate(); err != nil {
		panic(err)
	}

	s := &server{root: root, opts: o}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				if s.opts.Fallthrough {
					return next(c)
				}
				c.Response().Header().Set(echo.HeaderAllow, "GET, HEAD")
				return echo.NewHTTPError(http.StatusMethodNotAllowed)
			}

			err := s.serve(c)
			if errors.Is(err, errNotFound) {
				if s.opts.Fallthrough {
					return next(c)
				}
				return echo.NewHTTPError(http.StatusNotFound)
			}
			return err
		}
	}
}

func (s *server) serve(c echo.Context) error {
	req := c.Request()
	urlPath := req.URL.Path
	if strings.ContainsRune(urlPath, 0) {
		return echo.NewHTTPError(http.StatusBadRequest)
	}

	trailingSlash := strings.HasSuffix(urlPath, "/")
	clean := path.Clean("/" + urlPath)

	if containsDotSegment(clean) {
		switch s.opts.Dotfiles {
		case DotfilesDeny:
			return echo.NewHTTPError(http.StatusForbidden)
		case DotfilesIgnore:
			return errNotFound
		}
	}

	name := filepath.Join(s.root, filepath.FromSlash(clean))
	info, err := os.Stat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !trailingSlash:
		return s.serveWithExtensions(c, name)
	case errors.Is(err, fs.ErrNotExist):
		return errNotFound
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}

	if info.IsDir() {
		if !trailingSlash {
			return s.redirectToDirectory(c, clean)
		}
		return s.serveIndex(c, name)
	}
	if trailingSlash {
		return errNotFound
	}

	return s.sendFile(c, name, info)
}

func (s *server) serveWithExtensions(c echo.Context, name string) error {
	for _, ext := range s.opts.Extensions {
		candidate := name + "." + strings.TrimPrefix(ext, ".")
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return s.sendFile(c, candidate, info)
		}
	}
	return errNotFound
}

func (s *server) serveIndex(c echo.Context, dir string) error {
	for _, index := range s.opts.Index {
		candidate := filepath.Join(dir, index)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return s.sendFile(c, candidate, info)
		}
	}
	return errNotFound
}

// redirectToDirectory builds the Location from the cleaned path so a
// request such as //host/../dir can never turn into a protocol-relative
// redirect.
func (s *server) redirectToDirectory(c echo.Context, clean string) error {
	if !s.opts.Redirect {
		return errNotFound
	}
	u := *c.Request().URL
	u.Path = clean + "/"
	u.RawPath = ""
	return c.Redirect(http.StatusMovedPermanently, u.RequestURI())
}

func (s *server) sendFile(c echo.Context, name string, info fs.FileInfo) error {
	f, err := os.Open(name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	defer f.Close()

	h := c.Response().Header()
	if h.Get(echo.HeaderCacheControl) == "" {
		h.Set(echo.HeaderCacheControl, s.opts.cacheControl())
	}
	if s.opts.ETag && h.Get("ETag") == "" {
		h.Set("ETag", weakETag(info))
	}

	modTime := time.Time{}
	if s.opts.LastModified {
		modTime = info.ModTime()
	}

	if s.opts.SetHeaders != nil {
		s.opts.SetHeaders(h, name, info)
	}

	http.ServeContent(c.Response(), c.Request(), info.Name(), modTime, f)
	return nil
}

func weakETag(info fs.FileInfo) string {
	return fmt.Sprintf(`W/"%s-%s"`,
		strconv.FormatInt(info.Size(), 16),
		strconv.FormatInt(info.ModTime().UnixMilli(), 16))
}

func containsDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if len(seg) > 1 && seg[0] == '.' {
			return true
		}
	}
	return false
}
