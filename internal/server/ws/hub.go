// Package ws fans committed ledger updates out to websocket clients. The hub
// subscribes to the signal bus once and routes each message to the clients
// subscribed to its channel.
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

	"github.com/alanyoungcy/celoledger/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// busChannels are the signal bus channels the hub listens on.
var busChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelSync,
	domain.ChannelParticipantsBase + "*",
}

// defaultSubscriptions are active for every new client. Participant updates
// are opt-in per market ("participants:7") or for all markets
// ("participants:*").
var defaultSubscriptions = []string{domain.ChannelMarkets, domain.ChannelSync}

// Envelope is the frame sent to clients.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// subscribeMsg is the JSON message a client sends to manage subscriptions.
type subscribeMsg struct {
	Action   string   `json:"action"`   // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // channel names, "*" suffix allowed
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string
}

// Hub manages connected clients and broadcasts bus messages to them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// NewHub creates a hub that bridges bus to websocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run starts the hub's event loop and the bus subscriptions. It returns when
// ctx is cancelled, after closing every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if h.bus != nil {
		for _, ch := range busChannels {
			go h.subscribeToChannel(ctx, ch)
		}
	}

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

		case env := <-h.broadcast:
			frame, err := json.Marshal(env)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(env.Channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("channel", env.Channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToChannel forwards one bus subscription into the broadcast loop.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", channel))
				return
			}
			env, ok := route(channel, data)
			if !ok {
				continue
			}
			select {
			case h.broadcast <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// route resolves the concrete channel of a message received on a pattern
// subscription. Participant updates carry their market id.
func route(channel string, data []byte) (Envelope, bool) {
	if !json.Valid(data) {
		return Envelope{}, false
	}
	if !strings.HasSuffix(channel, "*") {
		return Envelope{Channel: channel, Data: data}, true
	}
	var peek struct {
		MarketID *uint64 `json:"market_id"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || peek.MarketID == nil {
		return Envelope{}, false
	}
	return Envelope{Channel: domain.ParticipantsChannel(*peek.MarketID), Data: data}, true
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range defaultSubscriptions {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump handles subscription requests until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
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
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendHello tells the client the connection is live before any update flows.
func (c *client) sendHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	data, err := json.Marshal(map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": max(uptime, 0),
		"channels":       defaultSubscriptions,
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Channel: "hello", Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// isSubscribed matches exact channels and "prefix*" subscriptions.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump sends queued frames as text messages and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
