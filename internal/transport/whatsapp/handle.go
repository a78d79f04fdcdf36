package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/transport"
)

// ErrClosed is returned by operations on a closed handle
var ErrClosed = errors.New("whatsapp: connection closed")

// Handle is one whatsmeow client. Its events channel is closed by Close.
type Handle struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	log       *logger.Logger
	release   func(*Handle)

	// ctx lives as long as the handle; the QR channel is bound to it
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	events    chan transport.Event
	done      chan struct{}
	closed    bool
	loggedOut bool
	closeOnce sync.Once
}

var _ transport.Handle = (*Handle)(nil)

func newHandle(sessionID string, container *sqlstore.Container, device *store.Device, log *logger.Logger, release func(*Handle)) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	client := whatsmeow.NewClient(device, newWALogger(log.WithPrefix("client")))
	client.EnableAutoReconnect = false

	h := &Handle{
		sessionID: sessionID,
		client:    client,
		container: container,
		log:       log,
		release:   release,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan transport.Event, consts.SubscriberBuffer),
		done:      make(chan struct{}),
	}
	client.AddEventHandler(h.handleEvent)
	return h
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

func (h *Handle) paired() bool {
	return h.client.Store.ID != nil
}

// emit blocks until the consumer takes ev or the handle closes
func (h *Handle) emit(ev transport.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// emitLogout reports the logged-out close at most once
func (h *Handle) emitLogout() {
	h.mu.Lock()
	if h.loggedOut {
		h.mu.Unlock()
		return
	}
	h.loggedOut = true
	h.mu.Unlock()
	h.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.CloseLoggedOut})
}

func (h *Handle) handleEvent(evt interface{}) {
	ev, ok := translateEvent(evt)
	if !ok {
		return
	}
	if ev.Kind == transport.EventClosed && ev.Reason.IsLogout() {
		h.emitLogout()
		return
	}
	h.emit(ev)
}

// translateEvent maps the whatsmeow events the session lifecycle cares about
func translateEvent(evt interface{}) (transport.Event, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return transport.Event{Kind: transport.EventOpened}, true
	case *events.PairSuccess:
		return transport.Event{Kind: transport.EventCredentialsChanged}, true
	case *events.LoggedOut:
		return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseLoggedOut,
			Err: fmt.Errorf("logged out: %v", e.Reason)}, true
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseLoggedOut,
				Err: fmt.Errorf("connect failure: %v", e.Reason)}, true
		}
		return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
			Err: fmt.Errorf("connect failure: %v", e.Reason)}, true
	case *events.Disconnected:
		return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
			Err: errors.New("disconnected")}, true
	case *events.StreamReplaced:
		return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
			Err: errors.New("stream replaced by another client")}, true
	case *events.TemporaryBan:
		return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
			Err: fmt.Errorf("temporary ban: %v", e)}, true
	case *events.StreamError:
		return transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
			Err: fmt.Errorf("stream error %s", e.Code)}, true
	}
	return transport.Event{}, false
}

// Connect dials the server. Unpaired devices report pairing codes until linked.
func (h *Handle) Connect(ctx context.Context) error {
	if h.isClosed() {
		return ErrClosed
	}
	if !h.paired() {
		qr, err := h.client.GetQRChannel(h.ctx)
		if err != nil {
			return fmt.Errorf("pairing channel: %w", err)
		}
		go h.watchPairing(qr)
	}
	if err := h.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (h *Handle) watchPairing(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(transport.Event{Kind: transport.EventPairingCode, Code: item.Code})
		case "success":
			h.log.Info("device paired")
		case "timeout":
			h.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
				Err: errors.New("pairing timed out")})
		default:
			if item.Error != nil {
				h.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.CloseOther,
					Err: fmt.Errorf("pairing failed: %w", item.Error)})
			} else {
				h.log.Debug("pairing channel event %s", item.Event)
			}
		}
	}
}

func parseRecipient(to string) (types.JID, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return jid, nil
}

func (h *Handle) SendDocument(ctx context.Context, to string, doc transport.Document) error {
	if h.isClosed() {
		return ErrClosed
	}
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	up, err := h.client.Upload(ctx, doc.Data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("upload document: %w", err)
	}
	msg := &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(doc.MimeType),
			FileName:      proto.String(doc.FileName),
			Title:         proto.String(doc.FileName),
		},
	}
	if _, err := h.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

func (h *Handle) SendText(ctx context.Context, to, text string) error {
	if h.isClosed() {
		return ErrClosed
	}
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	if _, err := h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// Logout unlinks the device. The logged-out close is reported on Events even though the
// server does not send one for a client-initiated logout.
func (h *Handle) Logout(ctx context.Context) error {
	if h.isClosed() {
		return ErrClosed
	}
	if h.paired() {
		if err := h.client.Logout(ctx); err != nil && !errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return fmt.Errorf("logout: %w", err)
		}
	} else {
		h.client.Disconnect()
	}
	h.emitLogout()
	return nil
}

func (h *Handle) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close disconnects the client, releases the database and closes the events channel
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.cancel()
		h.client.Disconnect()

		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()

		err = h.container.Close()
		if h.release != nil {
			h.release(h)
		}
	})
	return err
}
