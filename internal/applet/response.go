package applet

import "net/http"

// stubResponse stands in for the response of a hijacked upgrade request
// while session middleware runs. Writes are discarded, and every Header
// call returns a fresh empty map, so reads always miss and sets vanish.
type stubResponse struct{}

var (
	_ http.ResponseWriter = stubResponse{}
	_ http.Flusher        = stubResponse{}
)

func (stubResponse) Header() http.Header         { return http.Header{} }
func (stubResponse) Write(p []byte) (int, error) { return len(p), nil }
func (stubResponse) WriteHeader(int)             {}
func (stubResponse) Flush()                      {}
