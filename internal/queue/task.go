package queue

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/sessionrelay/internal/consts"
)

// ErrInvalidTask is returned for tasks missing a session id, recipient or document
var ErrInvalidTask = errors.New("invalid delivery task")

// Task is one pending document delivery. SessionID only names the session to send through;
// the task stays valid while that session does not exist.
type Task struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Recipient  string    `json:"to"`
	Document   []byte    `json:"-"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	Caption    string    `json:"caption,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
}

// Size returns the document size in bytes
func (t Task) Size() int {
	return len(t.Document)
}

// NewTask builds a task from the external request shape, where the document is base64 encoded
func NewTask(sessionID, to, documentBase64, fileName, caption string) (Task, error) {
	if strings.TrimSpace(documentBase64) == "" {
		return Task{}, fmt.Errorf("%w: document is required", ErrInvalidTask)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(documentBase64))
	if err != nil {
		return Task{}, fmt.Errorf("%w: document is not valid base64: %v", ErrInvalidTask, err)
	}
	t := Task{
		SessionID: sessionID,
		Recipient: to,
		Document:  data,
		FileName:  fileName,
		Caption:   caption,
	}
	return t, t.validate()
}

func (t *Task) validate() error {
	switch {
	case strings.TrimSpace(t.SessionID) == "":
		return fmt.Errorf("%w: sessionId is required", ErrInvalidTask)
	case strings.TrimSpace(t.Recipient) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidTask)
	case len(t.Document) == 0:
		return fmt.Errorf("%w: document is required", ErrInvalidTask)
	}
	return nil
}

func (t *Task) fillDefaults(now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.FileName == "" {
		t.FileName = consts.DefaultFileName
	}
	if t.MimeType == "" {
		t.MimeType = consts.DefaultMimeType
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
}
