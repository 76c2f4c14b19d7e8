// Package realtime streams invoice status changes to connected Mini-App
// clients over WebSocket.
//
// A client only ever sees invoices it issued or paid. The session token
// is checked once, at upgrade time.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/payxpay/payxpay/internal/auth"
	"github.com/payxpay/payxpay/internal/invoice"
	"github.com/payxpay/payxpay/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventInvoiceUpdated EventType = "invoice.updated"
	EventInvoiceDeleted EventType = "invoice.deleted"
)

// Event is one committed invoice change.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	InvoiceID string          `json:"invoiceId"`
	Action    string          `json:"action"`
	State     invoice.State   `json:"state"`
	Invoice   *invoice.Record `json:"invoice,omitempty"`

	participants []int64
}

// Subscription narrows what a client receives. Empty fields match everything
// the client is allowed to see.
type Subscription struct {
	InvoiceIDs []string    `json:"invoiceIds"`
	EventTypes []EventType `json:"eventTypes"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the default limit on concurrent WebSocket connections.
const MaxClients = 10000

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins lets browsers on these origins connect, in addition to
// same-host pages. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// Hub fans invoice events out to the clients entitled to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	tokens     auth.TokenValidator
	upgrader   websocket.Upgrader
	origins    []string
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub that authenticates clients with tokens.
func NewHub(tokens auth.TokenValidator, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		tokens:     tokens,
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return true
		}
	}
	return false
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
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
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encode realtime event", "invoice_id", event.InvoiceID, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !h.shouldSend(client, event) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
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

// shouldSend reports whether client is a party to the invoice and has not
// filtered the event out.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	party := false
	for _, id := range event.participants {
		if id != 0 && id == client.userID {
			party = true
			break
		}
	}
	if !party {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.InvoiceIDs) > 0 && !contains(sub.InvoiceIDs, event.InvoiceID) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Broadcast queues an event for delivery. A full queue drops the event.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "invoice_id", event.InvoiceID)
	}
}

// PublishInvoice implements invoice.EventPublisher.
func (h *Hub) PublishInvoice(rec *invoice.Record, action string) {
	if rec == nil {
		return
	}
	ev := &Event{
		Type:         EventInvoiceUpdated,
		Timestamp:    time.Now().UTC(),
		InvoiceID:    rec.ID,
		Action:       action,
		State:        rec.State(),
		Invoice:      rec,
		participants: []int64{rec.IssuerID},
	}
	if rec.Payment != nil {
		ev.participants = append(ev.participants, rec.Payment.PayerID)
	}
	if action == (invoice.Delete{}).Name() {
		ev.Type = EventInvoiceDeleted
		ev.Invoice = nil
	}
	h.Broadcast(ev)
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterRoutes mounts the stream at GET /ws. Browsers cannot set headers
// on a WebSocket handshake, so the token travels in ?token=.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket authenticates the caller and upgrades to WebSocket.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Server shutting down"})
		return
	default:
	}

	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_token", "message": "Session token required"})
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "message": "Invalid or expired session"})
		return
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections", "message": "Too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		userID: claims.ID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates sent by the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
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
				c.hub.logger.Debug("websocket write error", "error", err)
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
