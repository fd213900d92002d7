package websocket

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHijackResponse_WritesRawErrorResponse(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		w := newHijackResponse(server, nil)
		w.Header().Set("Sec-Websocket-Version", "13")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		_ = server.Close()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "13", resp.Header.Get("Sec-Websocket-Version"))
	assert.True(t, resp.Close)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bad Request\n", string(body))
}

func TestHijackResponse_HijackOnce(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	w := newHijackResponse(server, nil)
	conn, brw, err := w.Hijack()
	require.NoError(t, err)
	assert.Same(t, server, conn)
	assert.Zero(t, brw.Reader.Buffered())

	_, _, err = w.Hijack()
	assert.ErrorIs(t, err, http.ErrHijacked)

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, http.ErrHijacked)
}

func TestHijackResponse_NoHijackAfterWrite(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() { _, _ = io.Copy(io.Discard, client) }()

	w := newHijackResponse(server, nil)
	w.WriteHeader(http.StatusForbidden)
	_, _, err := w.Hijack()
	assert.Error(t, err)

	// fail is a no-op once a response went out
	w.fail(http.StatusBadRequest, "ignored")
	assert.Equal(t, http.StatusForbidden, w.status)
}

func TestPrefixConn_ReplaysHeadFirst(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte(" world"))
		_ = client.Close()
	}()

	head := []byte("hello")
	conn := newPrefixConn(server, head)
	head[0] = 'j'

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestHijackResponse_WrapsHead(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() { _ = client.Close() }()

	w := newHijackResponse(server, []byte("abc"))
	conn, _, err := w.Hijack()
	require.NoError(t, err)
	require.IsType(t, &prefixConn{}, conn)

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}
