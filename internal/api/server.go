// Package api exposes the session controller and the delivery queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/metrics"
	"github.com/codefionn/sessionrelay/internal/queue"
	"github.com/codefionn/sessionrelay/internal/session"
)

// Sessions is the part of the session controller the API drives
type Sessions interface {
	Get(id string) (*session.Session, bool)
	ListStatuses() []session.StatusInfo
	Start(ctx context.Context, id, description string) (*session.Session, error)
	Logout(ctx context.Context, id string) error
}

// Deliveries is the part of the delivery queue the API drives
type Deliveries interface {
	Enqueue(t queue.Task) (queue.Task, error)
	Len() int
	List() []queue.Task
	Remove(id string) bool
	DeadLetters() []queue.Task
}

// Options configures a Server
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	MaxBodyBytes int64
	// WebSocket, when set, is served unauthenticated at /ws/session/:sessionId
	WebSocket httprouter.Handle
}

// Server is the HTTP front of the relay
type Server struct {
	sessions Sessions
	queue    Deliveries
	auth     *Authenticator
	schemas  *schemas
	opts     Options
	router   *httprouter.Router
	log      *logger.Logger
	started  time.Time

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// NewServer creates a server and registers its routes
func NewServer(sessions Sessions, deliveries Deliveries, auth *Authenticator, opts Options) (*Server, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = consts.MaxRequestBodyBytes
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = consts.Timeout60Seconds
	}
	if auth == nil {
		auth = NewAuthenticator("", "")
	}

	s := &Server{
		sessions: sessions,
		queue:    deliveries,
		auth:     auth,
		schemas:  compiled,
		opts:     opts,
		router:   httprouter.New(),
		log:      logger.Global().WithPrefix("api"),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.instrument("/health", s.handleHealth))
	s.router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	s.router.POST("/api/send-pdf", s.instrument("/api/send-pdf", s.auth.Wrap(s.handleSendPDF)))

	s.router.GET("/api/sessions", s.instrument("/api/sessions", s.auth.Wrap(s.handleListSessions)))
	s.router.POST("/api/sessions/:sessionId", s.instrument("/api/sessions/:sessionId", s.auth.Wrap(s.handleStartSession)))
	s.router.POST("/api/sessions/:sessionId/logout", s.instrument("/api/sessions/:sessionId/logout", s.auth.Wrap(s.handleLogout)))

	s.router.GET("/api/queue", s.instrument("/api/queue", s.auth.Wrap(s.handleListQueue)))
	s.router.GET("/api/queue/dead-letters", s.instrument("/api/queue/dead-letters", s.auth.Wrap(s.handleDeadLetters)))
	s.router.DELETE("/api/queue/:taskId", s.instrument("/api/queue/:taskId", s.auth.Wrap(s.handleRemoveTask)))

	if s.opts.WebSocket != nil {
		// websocket upgrades need the raw ResponseWriter, so no instrumentation here
		s.router.GET("/ws/session/:sessionId", s.opts.WebSocket)
	}

	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
}

// Handler returns the routed handler, used directly by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop. It returns
// http.ErrServerClosed after a graceful stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener. A server stopped before it started serving closes
// ln and returns http.ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ReadTimeout:       s.opts.ReadTimeout,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelError),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.server = srv
	s.mu.Unlock()

	s.log.Info("HTTP API listening on %s", ln.Addr())
	return srv.Serve(ln)
}

// Stop shuts the server down, waiting at most consts.ShutdownTimeout for open requests
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, consts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(route string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r, ps)
		metrics.RecordHTTPRequest(r.Method, route, rec.status)
		s.log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type resultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to encode response: %v", err)
	}
}
