package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"contextkeeper/internal/bus"
	"contextkeeper/internal/logging"
	"contextkeeper/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	wsWriteWait = 10 * time.Second
	// Per-client outbound queue. A slow reader loses events rather than
	// stalling the bus bridge.
	wsQueueSize = 32
	wsReadLimit = 4 << 10
)

// wsFrame is the wire shape of every pushed event.
type wsFrame struct {
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

// wants reports whether the client subscribed to this event type. No
// explicit subscription means everything.
func (cl *wsClient) wants(event string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.topics) == 0 {
		return true
	}
	return cl.topics[event]
}

func (cl *wsClient) setTopics(topics []string) {
	m := make(map[string]bool, len(topics))
	for _, t := range topics {
		m[t] = true
	}
	cl.mu.Lock()
	cl.topics = m
	cl.mu.Unlock()
}

// wsHub fans bus events out to WebSocket subscribers.
type wsHub struct {
	bus       *bus.Bus
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]bool
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWSHub(b *bus.Bus, heartbeat time.Duration) *wsHub {
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	return &wsHub{
		bus:       b,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon binds loopback; origin policy is left to CORS.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (h *wsHub) start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()
	go h.run()
}

func (h *wsHub) stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	clients := make([]*wsClient, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	close(h.stopCh)
	<-h.doneCh
	for _, cl := range clients {
		cl.conn.Close()
	}
}

func (h *wsHub) run() {
	defer close(h.doneCh)
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-h.stopCh:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// broadcast pushes one event to every interested client, dropping rather
// than blocking when a client's queue is full.
func (h *wsHub) broadcast(ev *bus.Event) {
	payload := make(map[string]interface{}, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["event_id"] = ev.ID
	payload["project_id"] = ev.ProjectID
	payload["timestamp"] = ev.Timestamp

	data, err := json.Marshal(wsFrame{Event: string(ev.Type), Payload: payload})
	if err != nil {
		logging.EventsDebug("Cannot marshal %s frame: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		if !cl.wants(string(ev.Type)) {
			continue
		}
		select {
		case cl.send <- data:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

func (h *wsHub) register(cl *wsClient) {
	h.mu.Lock()
	h.clients[cl] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Inc()
	logging.Events("WebSocket client connected (%d total)", n)
}

func (h *wsHub) drop(cl *wsClient) {
	h.mu.Lock()
	if !h.clients[cl] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, cl)
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WSClients.Dec()
	close(cl.send)
	cl.conn.Close()
	logging.Events("WebSocket client disconnected (%d total)", n)
}

// handleWS upgrades the connection and serves it until the client leaves.
func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the handshake error.
		return nil
	}
	cl := &wsClient{conn: conn, send: make(chan []byte, wsQueueSize)}
	s.hub.register(cl)

	go s.hub.writePump(cl)
	s.hub.readPump(cl)
	return nil
}

// readPump polices liveness and handles subscribe frames. Two missed pongs
// exceed the read deadline and drop the connection.
func (h *wsHub) readPump(cl *wsClient) {
	defer h.drop(cl)

	pongWait := h.heartbeat * 5 / 2
	cl.conn.SetReadLimit(wsReadLimit)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Action == "subscribe" {
			cl.setTopics(msg.Topics)
		}
		// Unknown actions are ignored.
	}
}

func (h *wsHub) writePump(cl *wsClient) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-cl.send:
			if !ok {
				cl.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.conn.Close()
				return
			}
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cl.conn.Close()
				return
			}
		}
	}
}
