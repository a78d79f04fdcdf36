package relay

import (
	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/session"
)

// Message kinds pushed to websocket clients
const (
	EventQR     = "qr"
	EventStatus = "status"
	EventError  = "error"
)

// StatusAlreadyConnected is sent after the status of a session that was connected before the
// client attached
const StatusAlreadyConnected = "already_connected"

// descriptionDynamic is stored for sessions first requested over a websocket
const descriptionDynamic = "Session created dynamically"

// Message is one frame sent to a client
type Message struct {
	Event   string `json:"event"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func qrMessage(code string) Message {
	return Message{Event: EventQR, Data: code}
}

func statusMessage(status string) Message {
	return Message{Event: EventStatus, Data: status}
}

func errorMessage(msg string) Message {
	return Message{Event: EventError, Message: msg}
}

// translate maps a bus event to the frame a client sees. last reports that the socket
// should be closed after the frame.
func translate(ev events.Event) (msg Message, ok bool, last bool) {
	switch ev.Topic {
	case events.TopicPairingCode:
		return qrMessage(ev.Code), true, false
	case events.TopicStatusUpdate:
		return statusMessage(ev.Status), true, false
	case events.TopicConnectionOpened:
		return statusMessage(string(session.StatusConnected)), true, false
	case events.TopicConnectionClosed:
		return statusMessage(ev.Status), true, ev.Status == string(session.StatusUnlinked)
	}
	return Message{}, false, false
}
