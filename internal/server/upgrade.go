package server

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/pscheid92/applet/internal/websocket"
)

// upgradeHandler takes WebSocket upgrade requests over from net/http and
// hands them to the applet. Other requests, and all requests while nobody
// listens for upgrades, go to next.
func (s *Server) upgradeHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) || s.applet.UpgradeListeners() == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ok, reason := s.limits.Acquire(ip); !ok {
			s.rejectUpgrade(w, r, ip, reason)
			return
		}

		conn, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			s.limits.Release(ip)
			slog.ErrorContext(r.Context(), "Failed to hijack upgrade request", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		head := make([]byte, brw.Reader.Buffered())
		if _, err := io.ReadFull(brw.Reader, head); err != nil {
			head = nil
		}

		tracked := newTrackedConn(conn, func() { s.limits.Release(ip) })
		defer recoverUpgrade(r, ip, tracked)

		if err := s.applet.Upgrade(r, tracked, head); err != nil {
			slog.WarnContext(r.Context(), "Upgrade failed", "path", r.URL.Path, "remote_ip", ip, "error", err)
			writeRawStatus(tracked, http.StatusInternalServerError)
			_ = tracked.Close()
		}
	})
}

// recoverUpgrade closes a hijacked socket whose upgrade panicked. net/http
// recovers handler panics but leaves hijacked connections open.
func recoverUpgrade(r *http.Request, ip string, conn net.Conn) {
	p := recover()
	if p == nil {
		return
	}
	slog.ErrorContext(r.Context(), "Upgrade panicked",
		"path", r.URL.Path, "remote_ip", ip, "panic", p, "stack", string(debug.Stack()))
	writeRawStatus(conn, http.StatusInternalServerError)
	_ = conn.Close()
}

func (s *Server) rejectUpgrade(w http.ResponseWriter, r *http.Request, ip string, reason LimitReason) {
	if s.websocketMetrics != nil {
		s.websocketMetrics.Rejected.WithLabelValues(string(reason)).Inc()
	}
	slog.WarnContext(r.Context(), "Upgrade rejected by connection limits", "reason", reason, "remote_ip", ip, "path", r.URL.Path)

	status := http.StatusServiceUnavailable
	if reason == LimitReasonRate || reason == LimitReasonPerIP {
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Retry-After", "1")
	http.Error(w, http.StatusText(status), status)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRawStatus answers on a hijacked socket.
func writeRawStatus(w io.Writer, status int) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %03d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", status, http.StatusText(status))
}

// trackedConn releases its connection-limit slot on the first Close.
type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func newTrackedConn(conn net.Conn, release func()) *trackedConn {
	return &trackedConn{Conn: conn, release: release}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
