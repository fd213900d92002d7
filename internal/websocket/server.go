package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pscheid92/applet/internal/metrics"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 64 * 1024
)

var ErrServerClosed = errors.New("websocket server closed")

// Message types as defined by RFC 6455.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// Client is one upgraded connection.
type Client struct {
	ID      string
	Room    string
	Request *http.Request

	conn *websocket.Conn
}

func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Config configures a Server. Zero values use the defaults.
type Config struct {
	// CheckOrigin rejects cross-origin handshakes when it returns false.
	// Nil applies gorilla's same-host check.
	CheckOrigin func(r *http.Request) bool
	// IdentifyFunc assigns the client ID. Nil assigns a random UUID. An
	// error rejects the handshake with 401.
	IdentifyFunc func(r *http.Request) (string, error)
	// OnMessage is called from the client's read goroutine.
	OnMessage func(c *Client, messageType int, data []byte)

	HandshakeTimeout time.Duration
	ReadLimit        int64
	// PongWait bounds the time between pongs; zero disables the read
	// deadline. Must exceed the hub's PingInterval.
	PongWait     time.Duration
	Subprotocols []string
}

// Server completes WebSocket handshakes on hijacked sockets and feeds the
// resulting connections into a Hub.
type Server struct {
	hub      *Hub
	cfg      Config
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server feeding hub. m may be nil.
func NewServer(hub *Hub, cfg Config, m *metrics.WebSocketMetrics) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.IdentifyFunc == nil {
		cfg.IdentifyFunc = func(*http.Request) (string, error) {
			return uuid.NewString(), nil
		}
	}

	return &Server{
		hub:     hub,
		cfg:     cfg,
		metrics: m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      cfg.CheckOrigin,
			Subprotocols:     cfg.Subprotocols,
		},
	}
}

// IsWebSocketUpgrade reports whether r asks for a WebSocket handshake.
func IsWebSocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet && websocket.IsWebSocketUpgrade(r)
}

func (s *Server) countUpgrade(result string) {
	if s.metrics != nil {
		s.metrics.Upgrades.WithLabelValues(result).Inc()
	}
}

// HandleUpgrade completes the handshake for r on conn, which the caller
// has already taken over from net/http. head holds bytes read past the
// request. The client joins the room named by the request path. On error
// the socket is closed.
func (s *Server) HandleUpgrade(r *http.Request, conn net.Conn, head []byte) error {
	w := newHijackResponse(conn, head)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.fail(http.StatusServiceUnavailable, "Service Unavailable")
		_ = conn.Close()
		s.countUpgrade("unavailable")
		return ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	started := false
	defer func() {
		if !started {
			s.wg.Done()
		}
	}()

	id, err := s.cfg.IdentifyFunc(r)
	if err != nil {
		w.fail(http.StatusUnauthorized, "Unauthorized")
		_ = conn.Close()
		s.countUpgrade("rejected")
		return fmt.Errorf("failed to identify client: %w", err)
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		w.fail(http.StatusBadRequest, "Bad Request")
		_ = conn.Close()
		s.countUpgrade("handshake_failed")
		return fmt.Errorf("websocket handshake failed: %w", err)
	}

	wsConn.SetReadLimit(s.cfg.ReadLimit)
	if s.cfg.PongWait > 0 {
		_ = wsConn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		wsConn.SetPongHandler(func(string) error {
			return wsConn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
	}

	client := &Client{ID: id, Room: r.URL.Path, Request: r, conn: wsConn}
	if err := s.hub.Register(client); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = wsConn.Close()
		s.countUpgrade("rejected")
		return fmt.Errorf("failed to register client: %w", err)
	}

	s.countUpgrade("accepted")
	slog.Debug("WebSocket connection accepted", "room", client.Room, "client_id", client.ID, "remote_addr", conn.RemoteAddr())

	started = true
	go s.readPump(client)
	return nil
}

func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	defer s.hub.Unregister(c)

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("WebSocket read failed", "room", c.Room, "client_id", c.ID, "error", err)
			}
			return
		}

		if s.metrics != nil {
			s.metrics.MessagesReceived.Inc()
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(c, mt, data)
		}
	}
}

// Shutdown refuses new handshakes, stops the hub (closing every
// connection) and waits for the read goroutines to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.hub.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket server shutdown: %w", ctx.Err())
	}
}
