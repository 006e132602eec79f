package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/gym-scheduler/internal/persistence"
)

const (
	liveWriteWait  = 5 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
	liveBuffer     = 16
)

// LiveFeed pushes every cache refresh to connected websocket clients. Slow
// clients miss intermediate snapshots instead of stalling the broadcaster.
type LiveFeed struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	last    []byte
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewLiveFeed builds a feed accepting upgrades from the listed origins. An
// empty list accepts any origin.
func NewLiveFeed(allowedOrigins []string, logger *slog.Logger) *LiveFeed {
	f := &LiveFeed{
		logger:  defaultLogger(logger),
		now:     time.Now,
		clients: make(map[*liveClient]struct{}),
	}
	f.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
	return f
}

type liveSnapshot struct {
	Type        string     `json:"type"`
	RefreshedAt time.Time  `json:"refreshed_at"`
	Classes     []classDTO `json:"classes"`
}

// OnRefresh is registered as a cache refresh hook.
func (f *LiveFeed) OnRefresh(ctx context.Context, classes []persistence.ClassRecord) {
	items := make([]classDTO, 0, len(classes))
	for _, class := range classes {
		items = append(items, toClassDTO(class))
	}
	payload, err := json.Marshal(liveSnapshot{Type: "snapshot", RefreshedAt: f.now().UTC(), Classes: items})
	if err != nil {
		f.logger.ErrorContext(ctx, "failed to encode live snapshot", "error", err)
		return
	}

	f.mu.Lock()
	f.last = payload
	clients := make([]*liveClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	dropped := 0
	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		f.logger.WarnContext(ctx, "live snapshot dropped for slow clients", "dropped", dropped, "clients", len(clients))
	}
}

// Clients returns the number of connected clients.
func (f *LiveFeed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *LiveFeed) Close() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[*liveClient]struct{})
	f.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := &liveClient{
		conn: conn,
		send: make(chan []byte, liveBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.clients[client] = struct{}{}
	if f.last != nil {
		client.send <- f.last
	}
	count := len(f.clients)
	f.mu.Unlock()

	logger := handlerLogger(r.Context(), f.logger, "LiveFeed", "Connect")
	logger.InfoContext(r.Context(), "live client connected", "clients", count)

	go f.writeLoop(client)
	f.readLoop(client)

	f.mu.Lock()
	delete(f.clients, client)
	f.mu.Unlock()
	client.close()
	logger.InfoContext(r.Context(), "live client disconnected")
}

// readLoop discards client frames and returns once the peer goes away.
func (f *LiveFeed) readLoop(c *liveClient) {
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *LiveFeed) writeLoop(c *liveClient) {
	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
				c.close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
