package websocket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/applet/internal/metrics"
)

const (
	defaultMaxClientsPerRoom = 50
	sendBufferSize           = 16
	writeWait                = 5 * time.Second
)

var (
	ErrHubStopped = errors.New("hub stopped")
	ErrRoomFull   = errors.New("room is full")
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	client *Client
	errCh  chan error
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	client *Client
}

func (cmdUnregister) hubCmd() {}

type cmdBroadcast struct {
	room string
	msg  outbound
}

func (cmdBroadcast) hubCmd() {}

type cmdGetClientCount struct {
	room    string
	replyCh chan int
}

func (cmdGetClientCount) hubCmd() {}

type cmdFirstConnectResult struct {
	room string
	err  error
}

func (cmdFirstConnectResult) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// --- Per-connection writer ---

type outbound struct {
	messageType int
	data        []byte
}

type clientWriter struct {
	conn         *websocket.Conn
	sendCh       chan outbound
	done         chan struct{}
	pingInterval time.Duration
}

func newClientWriter(conn *websocket.Conn, pingInterval time.Duration) *clientWriter {
	cw := &clientWriter{
		conn:         conn,
		sendCh:       make(chan outbound, sendBufferSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	var ping <-chan time.Time
	if cw.pingInterval > 0 {
		ticker := time.NewTicker(cw.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-cw.sendCh:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cw.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				return
			}
		case <-ping:
			if err := cw.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	_ = cw.conn.Close()
}

// --- Hub ---

// HubConfig configures a Hub. Zero values use the defaults.
type HubConfig struct {
	MaxClientsPerRoom int
	PingInterval      time.Duration
	// OnFirstConnect runs off the hub goroutine before the first client of
	// a room is admitted. Clients arriving meanwhile wait for its result;
	// an error rejects all of them.
	OnFirstConnect func(room string) error
	// OnLastDisconnect runs on the hub goroutine when a room empties.
	OnLastDisconnect func(room string)
}

// Hub tracks connected clients per room. All state is owned by a single
// goroutine that processes commands in order.
type Hub struct {
	cfg     HubConfig
	metrics *metrics.WebSocketMetrics

	cmdCh          chan hubCmd
	done           chan struct{}
	clients        map[string]map[*Client]*clientWriter
	pendingClients map[string][]cmdRegister
}

// NewHub starts a hub. m may be nil.
func NewHub(cfg HubConfig, m *metrics.WebSocketMetrics) *Hub {
	if cfg.MaxClientsPerRoom <= 0 {
		cfg.MaxClientsPerRoom = defaultMaxClientsPerRoom
	}

	hub := &Hub{
		cfg:            cfg,
		metrics:        m,
		cmdCh:          make(chan hubCmd, 256),
		done:           make(chan struct{}),
		clients:        make(map[string]map[*Client]*clientWriter),
		pendingClients: make(map[string][]cmdRegister),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	defer close(h.done)
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c)
		case cmdUnregister:
			h.handleUnregister(c.client)
		case cmdBroadcast:
			h.handleBroadcast(c)
		case cmdGetClientCount:
			c.replyCh <- len(h.clients[c.room])
		case cmdFirstConnectResult:
			h.handleFirstConnectResult(c)
		case cmdStop:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) admit(clients map[*Client]*clientWriter, c cmdRegister) {
	clients[c.client] = newClientWriter(c.client.conn, h.cfg.PingInterval)
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
	slog.Debug("Client registered", "room", c.client.Room, "client_id", c.client.ID, "clients", len(clients))
	c.errCh <- nil
}

func (h *Hub) reject(c cmdRegister, err error) {
	c.errCh <- err
}

func (h *Hub) handleRegister(c cmdRegister) {
	room := c.client.Room

	// Room already active: add client directly
	if clients, exists := h.clients[room]; exists {
		if len(clients) >= h.cfg.MaxClientsPerRoom {
			slog.Warn("Rejecting client, room is full", "room", room, "max_clients", h.cfg.MaxClientsPerRoom)
			h.reject(c, fmt.Errorf("%w: max clients per room (%d) reached", ErrRoomFull, h.cfg.MaxClientsPerRoom))
			return
		}
		h.admit(clients, c)
		return
	}

	// Room activation in progress: queue this client
	if _, exists := h.pendingClients[room]; exists {
		h.pendingClients[room] = append(h.pendingClients[room], c)
		return
	}

	if h.cfg.OnFirstConnect != nil {
		h.pendingClients[room] = []cmdRegister{c}
		go func() {
			err := h.cfg.OnFirstConnect(room)
			select {
			case h.cmdCh <- cmdFirstConnectResult{room: room, err: err}:
			case <-h.done:
			}
		}()
		return
	}

	clients := make(map[*Client]*clientWriter)
	h.clients[room] = clients
	h.admit(clients, c)
}

func (h *Hub) handleFirstConnectResult(c cmdFirstConnectResult) {
	pending, exists := h.pendingClients[c.room]
	if !exists {
		return
	}
	delete(h.pendingClients, c.room)

	if c.err != nil {
		slog.Error("Failed to activate room", "room", c.room, "error", c.err)
		for _, p := range pending {
			h.reject(p, c.err)
		}
		return
	}

	clients := make(map[*Client]*clientWriter)
	h.clients[c.room] = clients
	for _, p := range pending {
		if len(clients) >= h.cfg.MaxClientsPerRoom {
			h.reject(p, fmt.Errorf("%w: max clients per room (%d) reached", ErrRoomFull, h.cfg.MaxClientsPerRoom))
			continue
		}
		h.admit(clients, p)
	}
}

func (h *Hub) handleUnregister(client *Client) {
	clients, exists := h.clients[client.Room]
	if !exists {
		return
	}
	cw, exists := clients[client]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, client)
	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}

	if len(clients) == 0 {
		delete(h.clients, client.Room)
		if h.cfg.OnLastDisconnect != nil {
			h.cfg.OnLastDisconnect(client.Room)
		}
		slog.Debug("Last client disconnected", "room", client.Room)
	} else {
		slog.Debug("Client unregistered", "room", client.Room, "client_id", client.ID, "remaining", len(clients))
	}
}

func (h *Hub) handleBroadcast(c cmdBroadcast) {
	clients, exists := h.clients[c.room]
	if !exists {
		return
	}

	var slow []*Client
	for client, cw := range clients {
		select {
		case cw.sendCh <- c.msg:
			if h.metrics != nil {
				h.metrics.MessagesPublished.Inc()
			}
		default:
			slow = append(slow, client)
		}
	}

	for _, client := range slow {
		slog.Warn("Disconnecting slow client", "room", c.room, "client_id", client.ID)
		h.handleUnregister(client)
	}
}

func (h *Hub) handleStop() {
	for room, clients := range h.clients {
		for _, cw := range clients {
			cw.stop()
			if h.metrics != nil {
				h.metrics.ActiveConnections.Dec()
			}
		}
		delete(h.clients, room)
	}
	for room, pending := range h.pendingClients {
		for _, p := range pending {
			h.reject(p, ErrHubStopped)
		}
		delete(h.pendingClients, room)
	}
}

// send delivers cmd unless the hub has stopped.
func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// --- Public API ---

// Register admits client to its room. Once admitted, the hub owns the
// connection and closes it on Unregister or Stop; on error the caller
// still owns it.
func (h *Hub) Register(client *Client) error {
	errCh := make(chan error, 1)
	if !h.send(cmdRegister{client: client, errCh: errCh}) {
		return ErrHubStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-h.done:
		// handleStop answers queued registrations before done closes.
		select {
		case err := <-errCh:
			return err
		default:
			return ErrHubStopped
		}
	}
}

func (h *Hub) Unregister(client *Client) {
	h.send(cmdUnregister{client: client})
}

// Broadcast queues data as a text message for every client in room.
// Clients whose send buffer is full are disconnected.
func (h *Hub) Broadcast(room string, data []byte) {
	h.BroadcastMessage(room, websocket.TextMessage, data)
}

// BroadcastMessage is Broadcast for an explicit frame type, TextMessage or
// BinaryMessage.
func (h *Hub) BroadcastMessage(room string, messageType int, data []byte) {
	h.send(cmdBroadcast{room: room, msg: outbound{messageType: messageType, data: data}})
}

func (h *Hub) ClientCount(room string) int {
	replyCh := make(chan int, 1)
	if !h.send(cmdGetClientCount{room: room, replyCh: replyCh}) {
		return 0
	}
	select {
	case n := <-replyCh:
		return n
	case <-h.done:
		return 0
	}
}

// Stop disconnects every client. It is safe to call more than once.
func (h *Hub) Stop() {
	h.send(cmdStop{})
	<-h.done
}
