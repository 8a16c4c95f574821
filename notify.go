package offgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const hubWriteTimeout = 5 * time.Second

// Hub is the client notification channel. Foreground app instances connect
// over websocket to receive worker broadcasts and to send queue commands.
// In-process listeners get the same broadcasts without a socket.
type Hub struct {
	log *slog.Logger

	mu        sync.RWMutex
	clients   map[string]*hubClient
	listeners []func(ClientMessage)
	commands  func(context.Context, ClientMessage)
	closed    bool
}

type hubClient struct {
	id   string
	conn *websocket.Conn
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*hubClient),
	}
}

// OnMessage registers an in-process listener for broadcasts.
func (h *Hub) OnMessage(fn func(ClientMessage)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// HandleCommands sets the callback invoked for every command a connected
// client sends.
func (h *Hub) HandleCommands(fn func(context.Context, ClientMessage)) {
	h.mu.Lock()
	h.commands = fn
	h.mu.Unlock()
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP accepts a websocket client and reads its commands until the
// connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	client := &hubClient{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()

	h.log.Info("client connected", "client", client.id)
	defer func() {
		h.drop(client.id)
		h.log.Info("client disconnected", "client", client.id)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("bad client message", "client", client.id, "error", err)
			continue
		}

		h.mu.RLock()
		commands := h.commands
		h.mu.RUnlock()
		if commands != nil {
			commands(r.Context(), msg)
		}
	}
}

// Broadcast sends a message to every connected client and local listener.
// Clients that fail to take the write are dropped.
func (h *Hub) Broadcast(msg ClientMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	listeners := append([]func(ClientMessage){}, h.listeners...)
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), hubWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.log.Warn("broadcast write failed, dropping client", "client", c.id, "error", err)
			c.conn.Close(websocket.StatusPolicyViolation, "write timeout")
			h.drop(c.id)
		}
	}

	for _, fn := range listeners {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(msg)
		}()
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}
