// Package whatsapp implements transport.Provider on top of whatsmeow. Every session keeps its
// device credentials in its own SQLite database under the provider directory.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/transport"
)

const databaseName = "session.db"

// ErrInvalidSessionID is returned for ids that cannot name a directory
var ErrInvalidSessionID = transport.ErrInvalidSessionID

// Provider opens whatsmeow clients, one credential directory per session
type Provider struct {
	dir string
	log *logger.Logger

	mu   sync.Mutex
	live map[string]*Handle
}

var _ transport.Provider = (*Provider)(nil)

// NewProvider stores credentials below dir
func NewProvider(dir string) *Provider {
	return &Provider{
		dir:  dir,
		log:  logger.Global().WithPrefix("whatsapp"),
		live: make(map[string]*Handle),
	}
}

func (p *Provider) sessionDir(sessionID string) (string, error) {
	if err := transport.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(p.dir, sessionID), nil
}

func databaseURI(dir string) string {
	return "file:" + filepath.Join(dir, databaseName) + "?_foreign_keys=on"
}

// Open loads (or creates) the device of sessionID and wraps a fresh client around it
func (p *Provider) Open(ctx context.Context, sessionID string) (transport.Handle, error) {
	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	log := p.log.WithPrefix(sessionID)
	container, err := sqlstore.New(ctx, "sqlite3", databaseURI(dir), newWALogger(log.WithPrefix("store")))
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	h := newHandle(sessionID, container, device, log, p.release)
	p.mu.Lock()
	p.live[sessionID] = h
	p.mu.Unlock()
	return h, nil
}

func (p *Provider) release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live[h.sessionID] == h {
		delete(p.live, h.sessionID)
	}
}

// HasCredentials reports whether sessionID holds a paired device. A live client answers
// from memory; otherwise the database is consulted.
func (p *Provider) HasCredentials(sessionID string) (bool, error) {
	p.mu.Lock()
	h := p.live[sessionID]
	p.mu.Unlock()
	if h != nil {
		return h.paired(), nil
	}

	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, databaseName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, "sqlite3", databaseURI(dir), newWALogger(p.log.WithPrefix(sessionID)))
	if err != nil {
		return false, fmt.Errorf("open credential store: %w", err)
	}
	defer container.Close()
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return false, fmt.Errorf("load device: %w", err)
	}
	return device.ID != nil, nil
}

// RemoveCredentials deletes the credential directory of sessionID
func (p *Provider) RemoveCredentials(sessionID string) error {
	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	h := p.live[sessionID]
	p.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove credentials of %s: %w", sessionID, err)
	}
	p.log.Info("removed credentials of session %s", sessionID)
	return nil
}
