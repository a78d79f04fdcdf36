package consts

import "time"

// Session lifecycle timings
const (
	// LinkGraceDelay is how long an opened connection stays in "linking" before the
	// persisted credentials are checked
	LinkGraceDelay = 1 * time.Second
	// ReconnectDelay is the fixed backoff before a disconnected session is rebuilt
	ReconnectDelay = 15 * time.Second
)

// Delivery queue timings
const (
	// DrainInterval is the period of the delivery queue tick
	DrainInterval = 5 * time.Second
	// CaptionDelay separates a document from its caption message
	CaptionDelay = 250 * time.Millisecond
)

// Transport defaults
const (
	// RecipientSuffix is appended to bare phone numbers to form a transport address
	RecipientSuffix = "@s.whatsapp.net"
	// DefaultFileName is used when a delivery does not name its document
	DefaultFileName = "document.pdf"
	// DefaultMimeType is the MIME type of queued documents
	DefaultMimeType = "application/pdf"
)

// HTTP limits
const (
	// MaxRequestBodyBytes bounds API request bodies; documents travel base64 encoded
	MaxRequestBodyBytes = 50 * 1024 * 1024
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)

// Buffer sizes
const (
	// SubscriberBuffer is the per-subscriber event buffer of the event bus
	SubscriberBuffer = 64
	// ActorMailboxSize is the per-session mailbox size
	ActorMailboxSize = 128
)
