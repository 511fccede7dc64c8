// Package ws pushes ledger notifications to websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"prediction-rounds/internal/notify"
	"prediction-rounds/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber is the pub/sub source a hub relays from when several API
// instances share one event stream.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is what a client sends to join or leave rooms.
// {"action":"subscribe","channels":["round:12","user:<wallet>"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Hub fans notification messages out to connected websocket clients,
// routing each message only to clients subscribed to its channel.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	source     Subscriber
	mu         sync.RWMutex
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

// NewHub creates a hub. When source is non-nil the hub relays messages
// published there; otherwise messages arrive through Deliver.
func NewHub(source Subscriber, logger zerolog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		source:     source,
		logger:     logger,
		metrics:    metrics,
	}
}

// Deliver implements notify.Sink. It never blocks; a full hub drops the message.
func (h *Hub) Deliver(_ context.Context, msg notify.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.enqueue(msg.Channel, data)
	return nil
}

func (h *Hub) enqueue(channel string, data []byte) {
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: data}:
	default:
		if h.metrics != nil {
			h.metrics.EventsDropped.Inc()
		}
		h.logger.Warn().Str("channel", channel).Msg("ws: broadcast queue full, dropping message")
	}
}

// Run starts the hub's event loop. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.source != nil {
		go h.relay(ctx)
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
			h.setGauge()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.setGauge()
			h.logger.Debug().Int("total_clients", h.ClientCount()).Msg("ws: client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.setGauge()
			h.logger.Debug().Int("total_clients", h.ClientCount()).Msg("ws: client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn().Msg("ws: dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay forwards messages from the shared pub/sub source to local clients.
func (h *Hub) relay(ctx context.Context) {
	msgCh, err := h.source.Subscribe(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws: failed to subscribe to event bus")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn().Msg("ws: event bus subscription closed")
				return
			}
			var head struct {
				Channel string `json:"channel"`
			}
			if err := json.Unmarshal(data, &head); err != nil || head.Channel == "" {
				continue
			}
			h.enqueue(head.Channel, data)
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws?round=<id>&wallet=<address>
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws: upgrade failed")
		return
	}

	cl := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{notify.ChannelGlobal: true},
	}
	if round := strings.TrimSpace(c.Query("round")); round != "" {
		cl.subs["round:"+round] = true
	}
	if wallet := strings.TrimSpace(c.Query("wallet")); wallet != "" {
		cl.subs[notify.UserChannel(wallet)] = true
	}

	h.register <- cl

	go cl.writePump()
	go cl.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setGauge() {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(h.ClientCount()))
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.hub.logger.Warn().Err(err).Msg("ws: unexpected close error")
			}
			return
		}

		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
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
			if ch == notify.ChannelGlobal {
				continue
			}
			delete(c.subs, ch)
		}
	}
}

// isSubscribed checks direct and trailing-wildcard ("round:*") subscriptions.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if strings.HasSuffix(sub, "*") && strings.HasPrefix(channel, strings.TrimSuffix(sub, "*")) {
			return true
		}
	}
	return false
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
