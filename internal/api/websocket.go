package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSMessage is the envelope forwarded to every /ws client: either the
// connect-time system status snapshot or a relayed bus topic
// (system_status, spx_stream_price, spx_stream_log).
type WSMessage struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient is a single /ws connection fed by the Hub's broadcast loop,
// grounded on the teacher's hub/client split (register/unregister channels,
// buffered send channel, ping-driven write pump).
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out system-status and streaming notifications to every
// connected /ws client.
type Hub struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	snapshot   func() any
}

// NewHub constructs a Hub. snapshot is invoked once per new connection to
// produce the initial system-status payload.
func NewHub(logger *zap.Logger, snapshot func() any) *Hub {
	return &Hub{
		logger:   logger.Named("ws"),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		snapshot:   snapshot,
	}
}

// Run drives the hub's event loop. Call once, in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("ws client send buffer full, dropping message", zap.String("client", c.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish relays a bus topic notification to every connected client.
func (h *Hub) Publish(msgType string, payload any) {
	b, err := json.Marshal(WSMessage{Type: msgType, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error("failed to marshal ws message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// ServeHTTP upgrades the connection, sends the initial snapshot, and starts
// the per-client read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{id: r.RemoteAddr, conn: conn, send: make(chan []byte, 64)}
	h.register <- c

	if h.snapshot != nil {
		if b, err := json.Marshal(WSMessage{Type: "system_status", Payload: h.snapshot(), Timestamp: time.Now()}); err == nil {
			select {
			case c.send <- b:
			default:
			}
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// LogRing is a fixed-capacity ring buffer of the most recent log lines,
// fed by a zapcore.WriteSyncer teed alongside the stdout console core at
// logger construction time. /ws/logs replays its contents on connect, then a
// second Hub tails new lines as they are appended — no rotation library
// exists in the example pack for "tail a file to a websocket", so this is
// a small in-memory ring rather than a file-based tailer.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
	hub   *Hub
}

// NewLogRing constructs a ring buffer capped at capacity lines, tailed by
// its own Hub (no system-status snapshot — ServeHTTP does the replay).
func NewLogRing(logger *zap.Logger, capacity int) *LogRing {
	r := &LogRing{cap: capacity}
	r.hub = NewHub(logger, nil)
	go r.hub.Run()
	return r
}

// Hub exposes the ring's tailing hub for mounting at /ws/logs.
func (r *LogRing) Hub() *Hub { return r.hub }

// Write implements zapcore.WriteSyncer-compatible io.Writer: it appends
// whole lines to the ring and tails them to connected clients.
func (r *LogRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.lines = append(r.lines, string(p))
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
	r.mu.Unlock()
	r.hub.Publish("log_line", string(p))
	return len(p), nil
}

// Sync satisfies zapcore.WriteSyncer.
func (r *LogRing) Sync() error { return nil }

// ServeHTTP upgrades the connection, replays the buffered lines, then
// leaves the client registered with the tailing hub for new lines.
func (r *LogRing) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	replay := append([]string(nil), r.lines...)
	r.mu.Unlock()

	conn, err := r.hub.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.hub.logger.Error("ws/logs upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{id: req.RemoteAddr, conn: conn, send: make(chan []byte, len(replay)+256)}
	r.hub.register <- c

	for _, line := range replay {
		b, err := json.Marshal(WSMessage{Type: "log_line", Payload: line, Timestamp: time.Now()})
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		default:
		}
	}

	go r.hub.writePump(c)
	go r.hub.readPump(c)
}
