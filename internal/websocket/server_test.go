package websocket

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/pscheid92/applet/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hijackingServer takes every request over from net/http and hands the raw
// socket plus any read-ahead bytes to s.
func hijackingServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, brw, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		head := make([]byte, brw.Reader.Buffered())
		_, _ = io.ReadFull(brw.Reader, head)
		_ = s.HandleUpgrade(r, conn, head)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func echoServer(t *testing.T, cfg Config, hubCfg HubConfig) (*Server, *Hub, *metrics.WebSocketMetrics) {
	t.Helper()
	m := metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	hub := NewHub(hubCfg, m)
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(c *Client, _ int, data []byte) {
			hub.Broadcast(c.Room, data)
		}
	}
	s := NewServer(hub, cfg, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, hub, m
}

func TestServer_EchoThroughHub(t *testing.T) {
	s, hub, m := echoServer(t, Config{}, HubConfig{})
	srv := hijackingServer(t, s)

	conn, resp, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.True(t, waitForClientCount(hub, "/chat", 1))

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("ping")))
	assert.Equal(t, "ping", readText(t, conn))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Upgrades.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestServer_DefaultIdentityIsUUID(t *testing.T) {
	ids := make(chan string, 1)
	s, _, _ := echoServer(t, Config{
		OnMessage: func(c *Client, _ int, _ []byte) { ids <- c.ID },
	}, HubConfig{})
	srv := hijackingServer(t, s)

	conn, _, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("who")))

	select {
	case id := <-ids:
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestServer_CustomIdentity(t *testing.T) {
	ids := make(chan string, 1)
	s, _, m := echoServer(t, Config{
		IdentifyFunc: func(r *http.Request) (string, error) {
			user := r.URL.Query().Get("user")
			if user == "" {
				return "", errors.New("missing user")
			}
			return user, nil
		},
		OnMessage: func(c *Client, _ int, _ []byte) { ids <- c.ID },
	}, HubConfig{})
	srv := hijackingServer(t, s)

	_, resp, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Upgrades.WithLabelValues("rejected")))

	conn, _, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat?user=ada"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("hi")))
	select {
	case id := <-ids:
		assert.Equal(t, "ada", id)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestServer_OriginRejected(t *testing.T) {
	s, _, m := echoServer(t, Config{
		CheckOrigin: NewCheckOrigin("https://applet.example.com", false),
	}, HubConfig{})
	srv := hijackingServer(t, s)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), header)
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.True(t, resp.Close)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Upgrades.WithLabelValues("handshake_failed")))
}

func TestServer_NotAnUpgradeRequest(t *testing.T) {
	s, _, _ := echoServer(t, Config{}, HubConfig{})
	srv := hijackingServer(t, s)

	resp, err := http.Get(srv.URL + "/chat")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bad Request\n", string(body))
	assert.Equal(t, "13", resp.Header.Get("Sec-Websocket-Version"))
}

func TestServer_RoomFullClosesWithTryAgainLater(t *testing.T) {
	s, hub, _ := echoServer(t, Config{}, HubConfig{MaxClientsPerRoom: 1})
	srv := hijackingServer(t, s)

	first, _, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer first.Close()
	require.True(t, waitForClientCount(hub, "/chat", 1))

	second, _, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseTryAgainLater, closeErr.Code)
}

func TestServer_ReplaysHeadBytes(t *testing.T) {
	s, _, _ := echoServer(t, Config{}, HubConfig{})
	srv := hijackingServer(t, s)

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// The handshake and the first frame arrive in one write, so the frame is
	// read ahead by net/http and has to be replayed from head.
	request := "GET /chat HTTP/1.1\r\n" +
		"Host: " + srv.Listener.Addr().String() + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write(append([]byte(request), maskedTextFrame("early")...))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))

	frame := make([]byte, 2+len("early"))
	_, err = io.ReadFull(br, frame)
	require.NoError(t, err)
	assert.Equal(t, byte(0x81), frame[0])
	assert.Equal(t, byte(len("early")), frame[1])
	assert.Equal(t, "early", string(frame[2:]))
}

func TestServer_Shutdown(t *testing.T) {
	m := metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	hub := NewHub(HubConfig{}, m)
	s := NewServer(hub, Config{}, m)
	srv := hijackingServer(t, s)

	conn, _, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.True(t, waitForClientCount(hub, "/chat", 1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := ws.DefaultDialer.Dial(wsURL(srv, "/chat"), nil)
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Upgrades.WithLabelValues("unavailable")))
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	assert.False(t, IsWebSocketUpgrade(r))

	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.True(t, IsWebSocketUpgrade(r))

	r.Method = http.MethodPost
	assert.False(t, IsWebSocketUpgrade(r))
}

// maskedTextFrame encodes a short client-to-server text frame.
func maskedTextFrame(payload string) []byte {
	key := []byte{0x12, 0x34, 0x56, 0x78}
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, key...)
	for i := 0; i < len(payload); i++ {
		frame = append(frame, payload[i]^key[i%4])
	}
	return frame
}
