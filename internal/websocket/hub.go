package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tuyu/internal/models"
	"tuyu/internal/routing"
)

var hubLogger = slog.With("component", "hub")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 16 * 1024
)

// Dispatcher receives the inbound side of every connection.
type Dispatcher interface {
	Handle(ctx context.Context, s routing.Session, env models.Envelope)
	Disconnect(ctx context.Context, connID string)
}

// Client is one websocket connection.
type Client struct {
	Hub          *Hub
	Conn         *websocket.Conn
	Send         chan models.Envelope // outbound frames, closed by the Hub
	Session      routing.Session
	Dispatcher   Dispatcher
	EventTimeout time.Duration
}

type delivery struct {
	connID string
	env    models.Envelope
}

// Hub owns the table of live connections. All table changes and all
// deliveries go through the Run loop.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	quit       chan struct{}
	done       chan struct{}

	mu       sync.RWMutex
	count    int
	stopOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client.Session.ConnectionID] = client
			h.setCount()
			hubLogger.Info("Client connected", "conn", client.Session.ConnectionID, "user_id", client.Session.UserID)

		case client := <-h.unregister:
			if current, ok := h.clients[client.Session.ConnectionID]; ok && current == client {
				delete(h.clients, client.Session.ConnectionID)
				close(client.Send)
				h.setCount()
				hubLogger.Info("Client disconnected", "conn", client.Session.ConnectionID, "user_id", client.Session.UserID)
			}

		case d := <-h.deliver:
			client, ok := h.clients[d.connID]
			if !ok {
				hubLogger.Debug("Dropping event for unknown connection", "conn", d.connID, "event", d.env.Event)
				continue
			}
			select {
			case client.Send <- d.env:
			default:
				// Send buffer full, drop the slow client.
				hubLogger.Warn("Client send buffer full, disconnecting", "conn", d.connID)
				close(client.Send)
				delete(h.clients, d.connID)
				h.setCount()
			}

		case <-h.quit:
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.setCount()
			hubLogger.Info("Hub stopped")
			return
		}
	}
}

// Stop closes every client and ends Run. It waits for Run to finish.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Add hands a new client to the Run loop.
func (h *Hub) Add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) Remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Emit implements routing.Emitter.
func (h *Hub) Emit(connID string, event string, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		hubLogger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	select {
	case h.deliver <- delivery{connID: connID, env: env}:
	case <-h.quit:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// ReadPump reads frames from the browser and hands them to the Dispatcher one
// at a time, so events of a single connection are handled in arrival order.
func (c *Client) ReadPump() {
	defer func() {
		c.Dispatcher.Disconnect(context.Background(), c.Session.ConnectionID)
		c.Hub.Remove(c)
		c.Conn.Close()
	}()

	timeout := c.EventTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hubLogger.Warn("WebSocket read error", "conn", c.Session.ConnectionID, "error", err)
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.Hub.Emit(c.Session.ConnectionID, models.EventError, models.ErrorPayload{Message: "malformed frame"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		c.Dispatcher.Handle(ctx, c.Session, env)
		cancel()
	}
}

// WritePump writes queued frames and keep-alive pings to the browser.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				hubLogger.Warn("Failed to write event", "conn", c.Session.ConnectionID, "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
