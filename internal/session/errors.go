package session

import (
	"errors"
	"fmt"

	"github.com/codefionn/sessionrelay/internal/transport"
)

var (
	// ErrSessionNotFound is returned for operations on an id with no registered session
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned for ids rejected by transport.ValidateSessionID: blank,
	// "." or "..", or containing a path separator or NUL
	ErrInvalidSessionID = transport.ErrInvalidSessionID
	// ErrShutdown is returned once the controller has been shut down
	ErrShutdown = errors.New("session controller is shut down")
)

// ConfigPersistenceError wraps a failure to read or write the persisted session list
type ConfigPersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ConfigPersistenceError) Error() string {
	return fmt.Sprintf("session %s: %s session list: %v", e.SessionID, e.Op, e.Err)
}

func (e *ConfigPersistenceError) Unwrap() error {
	return e.Err
}

// TransportConstructionError wraps a failure to build or start a transport handle
type TransportConstructionError struct {
	SessionID string
	Err       error
}

func (e *TransportConstructionError) Error() string {
	return fmt.Sprintf("session %s: transport construction failed: %v", e.SessionID, e.Err)
}

func (e *TransportConstructionError) Unwrap() error {
	return e.Err
}
