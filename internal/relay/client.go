package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512

	sendBuffer = 64
)

// Client is one websocket watching one session. Frames are queued on send by the attach
// handshake first and by forward afterwards; WritePump is the only writer to the socket.
type Client struct {
	ID        string
	sessionID string
	hub       *Hub
	conn      *websocket.Conn
	sub       *events.Subscription
	send      chan Message
	log       *logger.Logger

	lastStatus string
	closeOnce  sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID string, sub *events.Subscription, log *logger.Logger) *Client {
	return &Client{
		ID:        uuid.NewString(),
		sessionID: sessionID,
		hub:       hub,
		conn:      conn,
		sub:       sub,
		send:      make(chan Message, sendBuffer),
		log:       log,
	}
}

// enqueue queues a frame, dropping it when the client is not keeping up. Repeated statuses
// are collapsed.
func (c *Client) enqueue(msg Message) {
	if msg.Event == EventStatus {
		if msg.Data == c.lastStatus {
			return
		}
		c.lastStatus = msg.Data
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("client %s send buffer full, dropping %s frame", c.ID, msg.Event)
	}
}

// forward relays bus events until the subscription ends or the session is unlinked
func (c *Client) forward() {
	defer close(c.send)
	for ev := range c.sub.C() {
		msg, ok, last := translate(ev)
		if !ok {
			continue
		}
		c.enqueue(msg)
		if last {
			c.log.Info("session %s unlinked, closing client %s", c.sessionID, c.ID)
			return
		}
	}
}

// close tears the socket down; the pumps notice and clean up
func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// ReadPump discards client frames and keeps the read deadline alive. When the socket goes
// away the client is detached and its subscription released.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.sub.Unsubscribe()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("client %s read error: %v", c.ID, err)
			}
			return
		}
	}
}

// WritePump writes queued frames and pings until send is closed
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("failed to marshal frame: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("client %s write failed: %v", c.ID, err)
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
