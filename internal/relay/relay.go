// Package relay pushes session lifecycle events to websocket clients, one session per socket.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/session"
	"github.com/codefionn/sessionrelay/internal/transport"
)

// Sessions is the part of the session controller the relay drives
type Sessions interface {
	Get(id string) (*session.Session, bool)
	CreateOrGet(ctx context.Context, id string) (*session.Session, error)
	Start(ctx context.Context, id, description string) (*session.Session, error)
}

// Relay serves /ws/session/:sessionId
type Relay struct {
	hub      *Hub
	sessions Sessions
	bus      *events.Bus
	upgrader websocket.Upgrader
	log      *logger.Logger
	// ctx bounds session creation started from a socket; it outlives the request
	ctx context.Context
}

// New creates a relay. ctx bounds the sessions it starts.
func New(ctx context.Context, hub *Hub, sessions Sessions, bus *events.Bus) *Relay {
	return &Relay{
		hub:      hub,
		sessions: sessions,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.Global().WithPrefix("relay"),
		ctx: ctx,
	}
}

// ServeWS upgrades the request and attaches the socket to the session named in the path
func (rl *Relay) ServeWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := strings.TrimSpace(ps.ByName("sessionId"))
	if err := transport.ValidateSessionID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Error("failed to upgrade websocket: %v", err)
		return
	}

	// subscribe before touching the session so no event between attach and creation is lost
	sub := rl.bus.Subscribe(id)
	client := newClient(rl.hub, conn, id, sub, rl.log)
	if !rl.hub.Register(client) {
		sub.Unsubscribe()
		_ = conn.Close()
		return
	}
	rl.log.Info("client %s attached to session %s", client.ID, id)

	go client.WritePump()
	go client.ReadPump()

	if !rl.attach(client, id) {
		close(client.send)
		return
	}
	go client.forward()
}

// attach sends the current state of the session, creating or restarting it when needed.
// It reports false when the socket should be closed.
func (rl *Relay) attach(c *Client, id string) bool {
	if s, ok := rl.sessions.Get(id); ok {
		status := s.Status()
		c.enqueue(statusMessage(string(status)))
		switch {
		case status == session.StatusConnected:
			c.enqueue(statusMessage(StatusAlreadyConnected))
		case status == session.StatusQRPending:
			if code := s.PairingCode(); code != "" {
				c.enqueue(qrMessage(code))
			}
		case status.Closing():
			rl.log.Info("session %s is %s, restarting for client %s", id, status, c.ID)
			if _, err := rl.sessions.CreateOrGet(rl.ctx, id); err != nil {
				rl.log.Error("restart of session %s failed: %v", id, err)
				c.enqueue(errorMessage("Failed to restart session: " + err.Error()))
			}
		}
		return true
	}

	c.enqueue(statusMessage(string(session.StatusInitializing)))
	if _, err := rl.sessions.Start(rl.ctx, id, descriptionDynamic); err != nil {
		var persistErr *session.ConfigPersistenceError
		if errors.As(err, &persistErr) {
			rl.log.Error("could not persist session %s: %v", id, err)
			c.enqueue(errorMessage("Failed to save session configuration."))
			return false
		}
		rl.log.Error("could not start session %s: %v", id, err)
		c.enqueue(errorMessage("Failed to start session: " + err.Error()))
	}
	return true
}
