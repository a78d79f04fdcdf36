// Package pprof runs the optional debug listener of the relay
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/logger"
)

// Config holds the debug listener configuration
type Config struct {
	// HTTPAddr serves /debug/pprof/*; keep it on loopback
	HTTPAddr string
	// GoroutineDump, when set, receives a goroutine profile on Stop
	GoroutineDump string
}

// Handler manages the debug listener
type Handler struct {
	config Config
	server *http.Server
	addr   net.Addr

	mu       sync.Mutex
	stopping bool
}

func NewHandler(config Config) *Handler {
	return &Handler{config: config}
}

func router() *httprouter.Router {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		r.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return r
}

// Start binds the listener. It is a no-op without HTTPAddr.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.config.HTTPAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", h.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to bind debug listener: %w", err)
	}
	h.addr = ln.Addr()
	h.server = &http.Server{Handler: router(), ReadHeaderTimeout: consts.Timeout10Seconds}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug listener: %v", err)
		}
	}()
	logger.Info("debug listener on %s", h.addr)
	return nil
}

// Addr returns the bound address, nil before Start
func (h *Handler) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// Stop writes the goroutine dump, if configured, and closes the listener
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return nil
	}
	h.stopping = true

	var errs []error
	if h.config.GoroutineDump != "" {
		if err := writeProfile("goroutine", h.config.GoroutineDump); err != nil {
			errs = append(errs, err)
		}
	}
	if h.server != nil {
		ctx, cancel := context.WithTimeout(ctx, consts.ShutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown debug listener: %w", err))
		}
		h.server = nil
	}
	return errors.Join(errs...)
}

func writeProfile(name, path string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("profile %q not found", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s profile: %w", name, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile file: %w", err)
	}
	defer f.Close()
	// debug=2 prints full stacks, readable without go tool pprof
	if err := p.WriteTo(f, 2); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	return nil
}
