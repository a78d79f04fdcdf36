package session

import (
	"sync"
	"time"

	"github.com/codefionn/sessionrelay/internal/actor"
	"github.com/codefionn/sessionrelay/internal/transport"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusQRPending     Status = "qr_pending"
	StatusLinking       Status = "linking"
	StatusConnected     Status = "connected"
	StatusDisconnected  Status = "disconnected"
	StatusUnlinked      Status = "unlinked"
	StatusFailedLinking Status = "failed_linking"
)

// Closing reports whether s is one of the closing states
func (s Status) Closing() bool {
	switch s {
	case StatusDisconnected, StatusUnlinked, StatusFailedLinking:
		return true
	}
	return false
}

// Session is one linked-device session backed by exactly one transport handle.
// All mutation happens on the session's actor; the accessors are safe from any goroutine.
type Session struct {
	ID string

	mu          sync.RWMutex
	status      Status
	pairingCode string
	handle      transport.Handle
	generation  uint64
	graceTimer  *time.Timer
	createdAt   time.Time
	updatedAt   time.Time

	ref *actor.ActorRef
}

func newSession(id string, h transport.Handle, now time.Time) *Session {
	return &Session{
		ID:        id,
		status:    StatusInitializing,
		handle:    h,
		createdAt: now,
		updatedAt: now,
	}
}

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// PairingCode returns the pending pairing code, empty unless the status is qr_pending
func (s *Session) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

// Handle returns the session's transport handle
func (s *Session) Handle() transport.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Generation returns a counter that moves on every status change
func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Info returns a snapshot for listings. The pairing code itself is never included.
func (s *Session) Info() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusInfo{
		SessionID:   s.ID,
		Status:      s.status,
		QRAvailable: s.pairingCode != "",
		UpdatedAt:   s.updatedAt,
	}
}

// transition moves to next and returns the new generation. The pairing code survives only
// in qr_pending.
func (s *Session) transition(next Status, now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = next
	if next != StatusQRPending {
		s.pairingCode = ""
	}
	s.generation++
	s.updatedAt = now
	return s.generation
}

// transitionIf applies next only while the generation still equals gen
func (s *Session) transitionIf(gen uint64, expect, next Status, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.status != expect {
		return false
	}
	s.status = next
	if next != StatusQRPending {
		s.pairingCode = ""
	}
	s.generation++
	s.updatedAt = now
	return true
}

func (s *Session) setPairingCode(code string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusQRPending
	s.pairingCode = code
	s.generation++
	s.updatedAt = now
}

func (s *Session) setGraceTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = t
}

func (s *Session) stopGraceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// StatusInfo is the listing view of a session
type StatusInfo struct {
	SessionID   string    `json:"sessionId"`
	Status      Status    `json:"status"`
	QRAvailable bool      `json:"qrAvailable"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
