package relay

import (
	"sync"

	"github.com/codefionn/sessionrelay/internal/logger"
)

// Hub tracks the attached websocket clients
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run processes registrations until Stop. Clients still attached at that point are closed.
func (h *Hub) Run() {
	logger.Info("websocket hub started")
	defer logger.Info("websocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug("client %s attached to session %s", client.ID, client.sessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			logger.Debug("client %s detached from session %s", client.ID, client.sessionID)

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop stops the hub and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Register attaches a client. It reports false once the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister detaches a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of attached clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientsFor returns the number of clients watching sessionID
func (h *Hub) ClientsFor(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.sessionID == sessionID {
			n++
		}
	}
	return n
}
