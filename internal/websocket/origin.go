package websocket

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin returns the origin policy for upgrade handshakes. Requests
// without an Origin header (non-browser clients) pass, as do the origin of
// appURL and any of extra. In development, loopback origins pass too.
func NewCheckOrigin(appURL string, isDevelopment bool, extra ...string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(extra)+1)
	if o := extractOrigin(appURL); o != "" {
		allowed[o] = struct{}{}
	}
	for _, e := range extra {
		if o := extractOrigin(e); o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		if _, ok := allowed[strings.ToLower(origin)]; ok {
			return true
		}

		if isDevelopment && isLoopbackOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
