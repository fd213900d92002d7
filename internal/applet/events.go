package applet

import (
	"net"
	"net/http"
	"sync"
)

// UpgradeEvent carries a hijacked upgrade request. Head holds bytes read
// from Conn past the request headers.
type UpgradeEvent struct {
	Request *http.Request
	Conn    net.Conn
	Head    []byte
}

type listener struct {
	id int
	fn func(UpgradeEvent)
}

// emitter delivers events synchronously, in registration order. With no
// listeners an event is dropped.
type emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners []listener
}

func (e *emitter) on(fn func(UpgradeEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.off(id) })
	}
}

func (e *emitter) off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(ev UpgradeEvent) {
	e.mu.RLock()
	snapshot := e.listeners
	e.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(ev)
	}
}

func (e *emitter) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
