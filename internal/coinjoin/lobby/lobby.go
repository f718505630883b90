// Package lobby pushes live CoinJoin round status to connected clients over
// a websocket, so a waiting participant can watch the round fill toward
// MIN_TRUSTED/MIN_ZERO_TRUST without polling coinjoin.stats (SPEC_FULL.md's
// supplemented "lobby" feature; spec.md §5 mandates a 5-minute stale-client
// cleanup period). Grounded on the leanlp-BTC-coinjoin repo's
// internal/api/websocket.go Hub, adapted from gin's *gin.Context handler to
// a plain net/http handler (kasmix's chi router mounts http.Handler
// directly) and from an unbounded client set to one with an idle-cleanup
// sweep.
package lobby

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client wraps one connected websocket with the last time it was confirmed
// alive, so the cleanup sweep can evict connections that stopped
// responding to pings without an explicit close frame ever arriving.
type client struct {
	conn     *websocket.Conn
	lastPong time.Time
}

// Hub maintains the set of connected lobby clients and broadcasts round
// status snapshots to all of them.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]*client
	broadcast chan []byte
}

// NewHub constructs an empty hub. Call Run in its own goroutine and
// RunCleanup(done, every) alongside it.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan []byte, 256),
	}
}

// Run drains the broadcast channel and fans each message out to every
// connected client until broadcast is closed.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mu.Lock()
		for conn := range h.clients {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("lobby: write to client failed, dropping", "error", err)
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe upgrades an incoming HTTP request to a websocket and registers
// it as a lobby client. It blocks, reading (and discarding) inbound frames
// only to detect disconnects and pong replies, until the connection closes.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("lobby: failed to upgrade websocket", "error", err)
		return
	}

	c := &client{conn: conn, lastPong: time.Now()}
	conn.SetPongHandler(func(string) error {
		h.mu.Lock()
		c.lastPong = time.Now()
		h.mu.Unlock()
		return nil
	})

	h.mu.Lock()
	h.clients[conn] = c
	count := len(h.clients)
	h.mu.Unlock()
	slog.Info("lobby: client connected", "total", count)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		slog.Info("lobby: client disconnected", "total", remaining)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast marshals v as JSON and pushes it to every connected client.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("lobby: failed to marshal broadcast payload", "error", err)
		return
	}
	h.broadcast <- data
}

// RunCleanup pings every connected client every `every` and evicts any that
// have not ponged back since the previous sweep (spec.md §5's 5-minute
// lobby cleanup period). It returns when done is closed.
func (h *Hub) RunCleanup(done <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.sweep(every)
		}
	}
}

func (h *Hub) sweep(every time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	staleBefore := time.Now().Add(-2 * every)
	for conn, c := range h.clients {
		if c.lastPong.Before(staleBefore) {
			slog.Info("lobby: evicting stale client")
			conn.Close()
			delete(h.clients, conn)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
