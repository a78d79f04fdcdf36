// Package lockfile makes sure only one relay process owns a data directory
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrLockAcquired = errors.New("lock already acquired")
	ErrLocked       = errors.New("data directory is owned by another process")
)

// Owner is written into the lock file
type Owner struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Lockfile is an exclusive lock on a data directory. A lock left behind by a dead
// process is taken over.
type Lockfile struct {
	path   string
	file   *os.File
	owner  Owner
	locked bool
}

// New creates a lock at path; nothing touches the disk until TryAcquire
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire takes the lock for this process. addr is recorded for operators.
func (l *Lockfile) TryAcquire(addr string) error {
	if l.locked {
		return ErrLockAcquired
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	err := l.create(addr)
	if err == nil || !os.IsExist(err) {
		return err
	}

	holder, stale, reason := l.inspect()
	if !stale {
		return fmt.Errorf("%w: pid %d since %s", ErrLocked, holder.PID, holder.StartedAt.Format(time.RFC3339))
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, err)
	}
	if err := l.create(addr); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: lost race for stale lock", ErrLocked)
		}
		return err
	}
	return nil
}

func (l *Lockfile) create(addr string) error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	l.file = file
	l.owner = Owner{PID: os.Getpid(), Addr: addr, StartedAt: time.Now().UTC()}
	l.locked = true

	data, err := json.Marshal(l.owner)
	if err != nil {
		l.Release()
		return fmt.Errorf("failed to encode lockfile: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

// inspect reads the current holder. Unreadable files and dead holders are stale.
func (l *Lockfile) inspect() (Owner, bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Owner{}, true, "cannot read lockfile"
	}
	var holder Owner
	if err := json.Unmarshal(data, &holder); err != nil || holder.PID <= 0 {
		return Owner{}, true, "invalid lockfile content"
	}
	if running, reason := isProcessRunning(holder.PID); !running {
		return holder, true, reason
	}
	return holder, false, ""
}

// Holder returns the owner recorded in the lock file at path, for status output
func Holder(path string) (Owner, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Owner{}, false, nil
		}
		return Owner{}, false, err
	}
	var holder Owner
	if err := json.Unmarshal(data, &holder); err != nil {
		return Owner{}, false, fmt.Errorf("invalid lockfile %s: %w", path, err)
	}
	running, _ := isProcessRunning(holder.PID)
	return holder, running, nil
}

// Release closes and removes the lock file
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("failed to remove lockfile: %w", removeErr))
	}

	l.locked = false
	return err
}

// Owner returns what this process wrote into the lock
func (l *Lockfile) Owner() Owner {
	return l.owner
}

func (l *Lockfile) Locked() bool {
	return l.locked
}

func (l *Lockfile) Path() string {
	return l.path
}
