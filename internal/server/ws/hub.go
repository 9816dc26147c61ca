// Package ws streams emitted events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpcore/internal/domain"
	"github.com/alanyoungcy/perpcore/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit caps the stream entries sent to a client reconnecting with
	// ?since=<stream id>.
	replayLimit = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// filter selects the events a client receives. Empty sets match everything.
type filter struct {
	names   map[string]bool
	markets map[string]bool
}

func (f filter) match(h header) bool {
	if len(f.names) > 0 && !f.names[h.Name] {
		return false
	}
	if len(f.markets) > 0 && !f.markets[strings.ToLower(h.Market)] {
		return false
	}
	return true
}

// header is the part of an event payload the hub routes on.
type header struct {
	Name   string `json:"name"`
	Market string `json:"market"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	f    filter
}

// subscribeMsg replaces a client's filter:
//
//	{"events":["AdlStateUpdated"],"markets":["0x70d9..."]}
type subscribeMsg struct {
	Events  []string `json:"events"`
	Markets []string `json:"markets"`
}

type broadcastMsg struct {
	h    header
	data []byte
}

// Hub fans events from the signal bus out to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
	startedAt  time.Time
	done       chan struct{}
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		startedAt:  time.Now().UTC(),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the event channel and routes messages until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	msgCh, err := h.bus.Subscribe(ctx, event.Channel)
	if err != nil {
		return err
	}
	h.logger.Info("subscribed to events", slog.String("channel", event.Channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.clientCount()))

		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("event subscription closed")
				msgCh = nil
				continue
			}
			h.dispatch(data)
		}
	}
}

func (h *Hub) dispatch(data []byte) {
	var hd header
	if err := json.Unmarshal(data, &hd); err != nil {
		h.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(hd) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping message for slow client")
		}
	}
}

// HandleWS upgrades the request and registers the client. A since query
// parameter replays stream entries after that id before live delivery.
// GET /ws?since=<stream id>&events=A,B&markets=0x..
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	q := r.URL.Query()
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		f:    newFilter(splitList(q.Get("events")), splitList(q.Get("markets"))),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()
	if since := q.Get("since"); since != "" {
		c.replay(r.Context(), since)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newFilter(events, markets []string) filter {
	f := filter{names: map[string]bool{}, markets: map[string]bool{}}
	for _, e := range events {
		f.names[e] = true
	}
	for _, m := range markets {
		f.markets[strings.ToLower(m)] = true
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *client) matches(h header) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.f.match(h)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.f = newFilter(sub.Events, sub.Markets)
		c.mu.Unlock()
	}
}

// replay queues up to replayLimit stream entries after lastID.
func (c *client) replay(ctx context.Context, lastID string) {
	msgs, err := c.hub.bus.StreamRead(ctx, event.Stream, lastID, replayLimit)
	if err != nil {
		c.hub.logger.Warn("stream replay failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		var hd header
		if json.Unmarshal(m.Payload, &hd) != nil || !c.matches(hd) {
			continue
		}
		select {
		case c.send <- m.Payload:
		default:
			return
		}
	}
}

// sendStatus greets a new client so it can mark the connection live before
// any event arrives.
func (c *client) sendStatus() {
	msg, err := json.Marshal(map[string]any{
		"type":           "status",
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
