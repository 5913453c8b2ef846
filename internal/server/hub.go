package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/apxctrl/internal/clock"
	"github.com/Iron-Ham/apxctrl/internal/event"
	"github.com/Iron-Ham/apxctrl/internal/logging"
	"github.com/Iron-Ham/apxctrl/internal/session"
)

// MsgSnapshot is the message type of periodic and on-connect state
// snapshots. Every other message type is an event type.
const MsgSnapshot = "snapshot"

const (
	defaultSendBuffer = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 512
)

// Message is the websocket frame payload.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HubOptions configures a Hub. Bus and Snapshot are required.
type HubOptions struct {
	Bus      *event.Bus
	Snapshot func() session.Snapshot
	Clock    clock.Clock
	// Interval between snapshot broadcasts. Zero disables them.
	Interval time.Duration
	// ClientBuffer is the outbound queue length per client. Zero means 64.
	ClientBuffer int
	Logger       *logging.Logger
	Recorder     Recorder
}

// Hub forwards bus events and periodic snapshots to websocket clients.
// Clients that fall behind are disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	bus         *event.Bus
	unsubscribe []func()
	snapshot    func() session.Snapshot
	clock       clock.Clock
	logger      *logging.Logger
	recorder    Recorder
	buffer      int

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHub subscribes to every bus event and starts the snapshot loop. Each
// state change is also followed by a snapshot.
func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = defaultSendBuffer
	}

	h := &Hub{
		clients:  make(map[*client]struct{}),
		bus:      opts.Bus,
		snapshot: opts.Snapshot,
		clock:    opts.Clock,
		logger:   opts.Logger.WithComponent("stream"),
		recorder: opts.Recorder,
		buffer:   opts.ClientBuffer,
		quit:     make(chan struct{}),
	}
	h.unsubscribe = []func(){
		h.bus.Subscribe(h.forward),
		event.On(h.bus, h.stateChanged),
	}

	if opts.Interval > 0 {
		ticker := h.clock.NewTicker(opts.Interval)
		h.wg.Add(1)
		go h.snapshotLoop(ticker)
	}
	return h
}

func (h *Hub) forward(e event.Event) {
	h.broadcast(Message{Type: e.EventType(), Timestamp: e.Timestamp(), Payload: e})
}

// stateChanged follows every transition with a fresh snapshot so clients
// see the new state without waiting for the next tick.
func (h *Hub) stateChanged(event.StateChangedEvent) {
	h.broadcast(h.snapshotMessage())
}

func (h *Hub) snapshotMessage() Message {
	return Message{Type: MsgSnapshot, Timestamp: h.clock.Now(), Payload: h.snapshot()}
}

func (h *Hub) snapshotLoop(ticker *clock.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			h.broadcast(h.snapshotMessage())
		}
	}
}

// add registers conn and queues the current snapshot for it.
func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, h.buffer)}
	go c.writePump()

	if data, err := json.Marshal(h.snapshotMessage()); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.recorder.StreamClients(n)
	return c
}

// remove unregisters c and closes its send queue.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.recorder.StreamClients(n)
	}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal stream message", "type", msg.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("stream client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the snapshot loop, unsubscribes from the bus and disconnects
// every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		for _, cancel := range h.unsubscribe {
			cancel()
		}
		close(h.quit)
		h.wg.Wait()

		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		h.recorder.StreamClients(0)
	})
}

func (s *Server) handleWS(c *gin.Context) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	remote := c.Request.RemoteAddr
	s.logger.Info("stream client connected", "remote", remote)
	cl := s.hub.add(conn)

	go func() {
		defer func() {
			s.hub.remove(cl)
			s.logger.Info("stream client disconnected", "remote", remote)
		}()
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// checkOrigin admits requests without an Origin header, configured origins,
// the serving host and loopback hosts.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.origins) > 0 {
		return s.origins[origin]
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
