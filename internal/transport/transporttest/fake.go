// Package transporttest provides an in-memory transport provider for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/sessionrelay/internal/transport"
)

// ErrClosed is returned by operations on a closed handle
var ErrClosed = errors.New("transporttest: handle closed")

// Provider is a scriptable transport.Provider
type Provider struct {
	mu          sync.Mutex
	handles     map[string][]*Handle
	credentials map[string]bool
	removed     map[string]int

	// OpenErr makes Open fail when set
	OpenErr error
	// RemoveErr makes RemoveCredentials fail when set
	RemoveErr error
	// OpenDelay slows Open down to widen race windows
	OpenDelay time.Duration
}

// NewProvider returns an empty fake provider
func NewProvider() *Provider {
	return &Provider{
		handles:     make(map[string][]*Handle),
		credentials: make(map[string]bool),
		removed:     make(map[string]int),
	}
}

func (p *Provider) Open(ctx context.Context, sessionID string) (transport.Handle, error) {
	if p.OpenDelay > 0 {
		select {
		case <-time.After(p.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	h := newHandle(sessionID)
	p.handles[sessionID] = append(p.handles[sessionID], h)
	return h, nil
}

func (p *Provider) HasCredentials(sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credentials[sessionID], nil
}

func (p *Provider) RemoveCredentials(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed[sessionID]++
	if p.RemoveErr != nil {
		return p.RemoveErr
	}
	delete(p.credentials, sessionID)
	return nil
}

// SetOpenErr changes the error returned by Open; nil restores success
func (p *Provider) SetOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenErr = err
}

// SetCredentials marks whether credentials are persisted for sessionID
func (p *Provider) SetCredentials(sessionID string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentials[sessionID] = present
}

// Opens returns how many handles were constructed for sessionID
func (p *Provider) Opens(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles[sessionID])
}

// Removals returns how many times credentials of sessionID were removed
func (p *Provider) Removals(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed[sessionID]
}

// Latest returns the most recently opened handle for sessionID, or nil
func (p *Provider) Latest(sessionID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs := p.handles[sessionID]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Sent is one recorded outbound message
type Sent struct {
	To       string
	Document *transport.Document // nil for text messages
	Text     string
	At       time.Time
}

// Handle is a scriptable transport.Handle
type Handle struct {
	SessionID string

	mu       sync.Mutex
	events   chan transport.Event
	closed   bool
	connects int
	logouts  int
	sent     []Sent

	connectErr  error
	documentErr error
	textErr     error
	logoutErr   error
}

func newHandle(sessionID string) *Handle {
	return &Handle{
		SessionID: sessionID,
		events:    make(chan transport.Event, 256),
	}
}

func (h *Handle) Events() <-chan transport.Event {
	return h.events
}

func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	return h.connectErr
}

func (h *Handle) SendDocument(ctx context.Context, to string, doc transport.Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.documentErr != nil {
		return h.documentErr
	}
	d := doc
	h.sent = append(h.sent, Sent{To: to, Document: &d, At: time.Now()})
	return nil
}

func (h *Handle) SendText(ctx context.Context, to, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.textErr != nil {
		return h.textErr
	}
	h.sent = append(h.sent, Sent{To: to, Text: text, At: time.Now()})
	return nil
}

// Logout records the call and reports the resulting close, as a real provider does
func (h *Handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.logouts++
	err := h.logoutErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.Emit(transport.Event{Kind: transport.EventClosed, Reason: transport.CloseLoggedOut})
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

// Emit queues ev for the consumer. It reports false once the handle is closed.
func (h *Handle) Emit(ev transport.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.events <- ev:
		return true
	default:
		return false
	}
}

// EmitPairingCode emits a pairing code event
func (h *Handle) EmitPairingCode(code string) bool {
	return h.Emit(transport.Event{Kind: transport.EventPairingCode, Code: code})
}

// EmitOpened emits a connection opened event
func (h *Handle) EmitOpened() bool {
	return h.Emit(transport.Event{Kind: transport.EventOpened})
}

// EmitClosed emits a connection closed event
func (h *Handle) EmitClosed(reason transport.CloseReason) bool {
	return h.Emit(transport.Event{Kind: transport.EventClosed, Reason: reason})
}

// FailConnect makes Connect return err
func (h *Handle) FailConnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

// FailLogout makes Logout return err without closing the connection
func (h *Handle) FailLogout(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutErr = err
}

// FailDocuments makes SendDocument return err; nil restores success
func (h *Handle) FailDocuments(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.documentErr = err
}

// FailTexts makes SendText return err; nil restores success
func (h *Handle) FailTexts(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.textErr = err
}

// Sent returns a copy of the recorded outbound messages
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// Closed reports whether Close was called
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Connects returns how many times Connect was called
func (h *Handle) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

// Logouts returns how many times Logout was called
func (h *Handle) Logouts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logouts
}
