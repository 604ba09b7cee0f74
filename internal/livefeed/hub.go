// Package livefeed streams scored authentication attempts and risk alerts
// to WebSocket subscribers, so an operator dashboard can watch the gateway
// decide in real time instead of polling.
package livefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vmoreau/didgate/internal/alerts"
	"github.com/vmoreau/didgate/internal/metrics"
	"github.com/vmoreau/didgate/internal/pipeline"
	"github.com/vmoreau/didgate/internal/policy"
)

// normalCloseCodes indicate an expected client disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType classifies feed events.
type EventType string

const (
	EventAttempt EventType = "attempt"
	EventAlert   EventType = "alert"
)

// Event is one feed message.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// attemptData is the wire shape for a scored attempt. The raw user agent
// and source IP stay out of the feed.
type attemptData struct {
	AttemptID         string         `json:"attemptId"`
	DID               string         `json:"did"`
	Geo               string         `json:"geo"`
	AttackProbability float64        `json:"attackProbability"`
	IsAttackPred      bool           `json:"isAttackPred"`
	Tier              policy.Tier    `json:"tier"`
	Actions           policy.Actions `json:"actions"`
}

// Subscription filters events for one client. A zero subscription
// receives nothing until the client sends one; the handler starts clients
// with AllEvents.
type Subscription struct {
	AllEvents      bool          `json:"allEvents"`
	EventTypes     []EventType   `json:"eventTypes"`
	DIDs           []string      `json:"dids"`
	Tiers          []policy.Tier `json:"tiers"`
	MinProbability float64       `json:"minProbability"`
}

// Client is one WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients caps concurrent feed connections.
const MaxClients = 1000

// Hub fans events out to connected clients. It implements
// pipeline.Publisher; publishing never blocks the request path.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a feed hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop; it owns the client set.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("live feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveFeedClients.Set(0)
			h.logger.Info("live feed stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveFeedClients.Set(float64(n))
			h.logger.Info("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveFeedClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// PublishAttempt implements pipeline.Publisher.
func (h *Hub) PublishAttempt(sa *pipeline.ScoredAttempt) {
	h.publish(&Event{
		Type:      EventAttempt,
		Timestamp: time.Now().UTC(),
		Data: attemptData{
			AttemptID:         sa.Record.ID,
			DID:               sa.Record.Raw.DID,
			Geo:               sa.Record.Raw.Geo,
			AttackProbability: sa.AttackProbability,
			IsAttackPred:      sa.IsAttackPred,
			Tier:              sa.Decision.Tier,
			Actions:           sa.Decision.Actions,
		},
	})
}

// PublishAlert implements pipeline.Publisher.
func (h *Hub) PublishAlert(a alerts.Alert) {
	h.publish(&Event{
		Type:      EventAlert,
		Timestamp: time.Now().UTC(),
		Data:      a,
	})
}

func (h *Hub) publish(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("feed channel full, dropping event", "type", event.Type)
	}
}

// Stats reports feed counters for diagnostics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// wants checks the client's subscription against an event.
func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return c.passesContentFilters(sub, event)
	}
	if len(sub.EventTypes) == 0 {
		return false
	}
	matched := false
	for _, t := range sub.EventTypes {
		if t == event.Type {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	return c.passesContentFilters(sub, event)
}

func (c *Client) passesContentFilters(sub Subscription, event *Event) bool {
	did, tier, probability := eventFields(event)

	if len(sub.DIDs) > 0 {
		matched := false
		for _, d := range sub.DIDs {
			if d == did {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(sub.Tiers) > 0 {
		matched := false
		for _, t := range sub.Tiers {
			if t == tier {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if sub.MinProbability > 0 && probability < sub.MinProbability {
		return false
	}
	return true
}

func eventFields(event *Event) (did string, tier policy.Tier, probability float64) {
	switch data := event.Data.(type) {
	case attemptData:
		return data.DID, data.Tier, data.AttackProbability
	case alerts.Alert:
		return data.DID, data.Tier, data.AttackProbability
	}
	return "", "", 0
}

// HandleWebSocket upgrades the request and registers the client with an
// all-events subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscription updates and keeps the read deadline
// fresh on pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
