package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4xmen/chatsync/internal/dispatch"
	"github.com/4xmen/chatsync/internal/metrics"
	"github.com/4xmen/chatsync/internal/store"
	"github.com/4xmen/chatsync/pkg/i18n"
)

// Source is the event loop the hub relays to UI clients.
type Source interface {
	Subscribe() dispatch.Observer
	Unsubscribe(dispatch.Observer)
	Store() *store.Store
}

type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	pings      chan *Client
	done       chan struct{}
	source     Source
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	mu         sync.RWMutex
}

type Client struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan *Event
}

// Event is what clients receive. "update" tells a client a new snapshot version
// exists and it should re-read the state it shows.
type Event struct {
	Type    string `json:"type"` // "hello", "update", "pong"
	Version uint64 `json:"version"`
	Event   string `json:"event,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

func NewHub(source Source, allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		pings:      make(chan *Client, 64),
		done:       make(chan struct{}),
		source:     source,
		logger:     logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run relays store updates to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	updates := h.source.Subscribe()
	defer h.source.Unsubscribe(updates)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			metrics.WebsocketClients.Set(0)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.logger.Info().Str("user_id", client.userID).Int("total", total).Msg("client connected")
			client.deliver(&Event{Type: "hello", Version: h.version(), UserID: client.userID})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.logger.Info().Str("user_id", client.userID).Int("total", total).Msg("client disconnected")

		case u, ok := <-updates:
			if !ok {
				// the loop stopped; keep serving connected clients until ctx ends
				updates = nil
				continue
			}
			h.broadcastEvent(&Event{Type: "update", Version: u.Version, Event: u.Event})

		case client := <-h.pings:
			h.mu.RLock()
			if _, ok := h.clients[client]; ok {
				client.deliver(&Event{Type: "pong", Version: h.version()})
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) broadcastEvent(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.deliver(ev)
	}
}

func (h *Hub) version() uint64 {
	return h.source.Store().Snapshot().Version()
}

func (c *Client) deliver(ev *Event) {
	select {
	case c.send <- ev:
	default:
		// the next update carries a newer version anyway
		c.hub.logger.Debug().Str("user_id", c.userID).Msg("send channel full")
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.Translate("unauthorized")})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan *Event, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("user_id", c.userID).Msg("websocket error")
			}
			break
		}

		var event struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case "ping", "sync":
			select {
			case c.hub.pings <- c:
			case <-c.hub.done:
				return
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
