package websocket

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
)

// hijackResponse lets the gorilla upgrader run against a socket that was
// already taken over from net/http. Error responses are written to the
// socket as raw HTTP/1.1 with Connection: close; Hijack hands the socket
// back with head replayed ahead of any further reads.
type hijackResponse struct {
	conn        net.Conn
	head        []byte
	header      http.Header
	status      int
	wroteHeader bool
	hijacked    bool
}

var (
	_ http.ResponseWriter = (*hijackResponse)(nil)
	_ http.Hijacker       = (*hijackResponse)(nil)
)

func newHijackResponse(conn net.Conn, head []byte) *hijackResponse {
	return &hijackResponse{conn: conn, head: head, header: make(http.Header)}
}

func (w *hijackResponse) Header() http.Header {
	return w.header
}

func (w *hijackResponse) WriteHeader(status int) {
	if w.hijacked || w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	w.header.Set("Connection", "close")
	w.header.Del("Content-Length")

	bw := bufio.NewWriter(w.conn)
	_, _ = fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
	_ = w.header.Write(bw)
	_, _ = bw.WriteString("\r\n")
	_ = bw.Flush()
}

func (w *hijackResponse) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}

func (w *hijackResponse) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if w.wroteHeader {
		return nil, nil, fmt.Errorf("response already written with status %d", w.status)
	}
	w.hijacked = true

	conn := net.Conn(w.conn)
	if len(w.head) > 0 {
		conn = newPrefixConn(w.conn, w.head)
	}
	return conn, bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)), nil
}

// fail writes an error response unless one was written or the socket was
// taken over.
func (w *hijackResponse) fail(status int, msg string) {
	if w.hijacked || w.wroteHeader {
		return
	}
	http.Error(w, msg, status)
}

// prefixConn reads buffered bytes before continuing with the socket.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func newPrefixConn(conn net.Conn, prefix []byte) *prefixConn {
	buf := make([]byte, len(prefix))
	copy(buf, prefix)
	return &prefixConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buf), conn)}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
