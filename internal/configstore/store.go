// Package configstore persists the list of sessions the service should run.
package configstore

import (
	"context"

	"github.com/codefionn/sessionrelay/internal/transport"
)

// Entry is one persisted session descriptor
type Entry struct {
	SessionID   string `json:"sessionId"`
	Description string `json:"description,omitempty"`
}

// Store is the persisted list of session descriptors. Implementations must be safe for
// concurrent calls on different ids; a write never loses a concurrent write of another id.
type Store interface {
	// List returns the entries in insertion order
	List(ctx context.Context) ([]Entry, error)
	// AddIfAbsent adds e unless an entry with the same id exists. It reports whether e was added.
	AddIfAbsent(ctx context.Context, e Entry) (bool, error)
	// Remove deletes the entry for id. Removing a missing id is not an error.
	Remove(ctx context.Context, sessionID string) error
}

// validate rejects entries whose id could never be started
func validate(e Entry) error {
	return transport.ValidateSessionID(e.SessionID)
}
