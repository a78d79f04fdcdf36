// Package transport defines the boundary between the session controller and a messaging
// provider. A provider owns the wire protocol, encryption, pairing codes and credential
// persistence; the controller only sees handles and their events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/sessionrelay/internal/consts"
)

// EventKind identifies a transport event
type EventKind int

const (
	// EventPairingCode carries a new pairing code to show to the user
	EventPairingCode EventKind = iota
	// EventOpened reports that the connection handshake completed
	EventOpened
	// EventClosed reports that the connection ended
	EventClosed
	// EventCredentialsChanged reports that the provider persisted new credentials
	EventCredentialsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventPairingCode:
		return "pairing_code"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventCredentialsChanged:
		return "credentials_changed"
	default:
		return "unknown"
	}
}

// CloseReason says why a connection ended
type CloseReason int

const (
	// CloseOther is any close the provider may recover from by reconnecting
	CloseOther CloseReason = iota
	// CloseLoggedOut means the device was unlinked and its credentials are void
	CloseLoggedOut
)

// IsLogout reports whether the close ended the device link
func (r CloseReason) IsLogout() bool {
	return r == CloseLoggedOut
}

func (r CloseReason) String() string {
	if r == CloseLoggedOut {
		return "logged_out"
	}
	return "other"
}

// Event is emitted on a Handle's event channel
type Event struct {
	Kind   EventKind
	Code   string      // EventPairingCode only
	Reason CloseReason // EventClosed only
	Err    error       // EventClosed, optional detail
}

// Document is an outbound file
type Document struct {
	Data     []byte
	FileName string
	MimeType string
}

// Handle is one live connection attempt for a session. Events are delivered in order on the
// channel returned by Events, which is closed after Close.
type Handle interface {
	Events() <-chan Event
	Connect(ctx context.Context) error
	SendDocument(ctx context.Context, to string, doc Document) error
	SendText(ctx context.Context, to, text string) error
	Logout(ctx context.Context) error
	Close() error
}

// Provider constructs handles and manages the credentials stored per session
type Provider interface {
	Open(ctx context.Context, sessionID string) (Handle, error)
	HasCredentials(sessionID string) (bool, error)
	RemoveCredentials(sessionID string) error
}

// ErrInvalidSessionID is returned for session ids that cannot be persisted or handed to a provider
var ErrInvalidSessionID = errors.New("invalid session id")

// ValidateSessionID checks that id can name a session everywhere it is used: it must not be
// blank, must not be "." or "..", and must not contain a path separator or NUL, since
// providers keep credentials in a directory named after it.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// NormalizeRecipient turns a phone number into a transport address. Spaces and a leading "+"
// are stripped; suffix is appended unless the input already carries a domain.
func NormalizeRecipient(to, suffix string) string {
	to = strings.ReplaceAll(strings.TrimSpace(to), " ", "")
	to = strings.TrimPrefix(to, "+")
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	if suffix == "" {
		suffix = consts.RecipientSuffix
	}
	return to + suffix
}
