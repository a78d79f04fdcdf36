package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codefionn/sessionrelay/internal/actor"
	"github.com/codefionn/sessionrelay/internal/configstore"
	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/metrics"
	"github.com/codefionn/sessionrelay/internal/transport"
)

// Options tunes the controller timings
type Options struct {
	// GraceDelay is the wait between an opened connection and the credential check
	GraceDelay time.Duration
	// ReconnectDelay is the fixed backoff before a disconnected session is rebuilt
	ReconnectDelay time.Duration
	// MailboxSize bounds the per-session event backlog
	MailboxSize int
}

// DefaultOptions returns the production timings
func DefaultOptions() Options {
	return Options{
		GraceDelay:     consts.LinkGraceDelay,
		ReconnectDelay: consts.ReconnectDelay,
		MailboxSize:    consts.ActorMailboxSize,
	}
}

// Controller drives the per-session state machine on top of transport handles. Each session's
// events and delayed checks run on that session's own actor, so handlers for one session are
// sequential and isolated from every other session.
type Controller struct {
	provider transport.Provider
	store    configstore.Store
	registry *Registry
	bus      *events.Bus
	opts     Options
	actors   *actor.System
	flight   singleflight.Group
	log      *logger.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	shutdown atomic.Bool
}

// NewController creates a controller. A nil registry or bus gets a fresh one.
func NewController(provider transport.Provider, store configstore.Store, registry *Registry, bus *events.Bus, opts Options) *Controller {
	if registry == nil {
		registry = NewRegistry()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = consts.ActorMailboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		provider: provider,
		store:    store,
		registry: registry,
		bus:      bus,
		opts:     opts,
		actors:   actor.NewSystem(),
		log:      logger.Global().WithPrefix("controller"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// Registry returns the registry the controller maintains
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Bus returns the bus lifecycle events are published on
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// CreateOrGet returns the live session for id, building one when there is none. Concurrent
// calls for the same id share a single construction. A session stuck in failed_linking is not
// live: it is torn down and rebuilt.
func (c *Controller) CreateOrGet(ctx context.Context, id string) (*Session, error) {
	if err := transport.ValidateSessionID(id); err != nil {
		return nil, err
	}
	if c.shutdown.Load() {
		return nil, ErrShutdown
	}
	if s, ok := c.registry.Get(id); ok && s.Status() != StatusFailedLinking {
		return s, nil
	}

	v, err, _ := c.flight.Do(id, func() (interface{}, error) {
		return c.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Controller) create(ctx context.Context, id string) (*Session, error) {
	if s, ok := c.registry.Get(id); ok {
		if s.Status() != StatusFailedLinking {
			return s, nil
		}
		c.log.Info("session %s: replacing failed link", id)
		c.registry.Remove(id, s)
		c.closeHandle(s)
		c.actors.Release(s.ref)
	}

	h, err := c.provider.Open(ctx, id)
	if err != nil {
		return nil, &TransportConstructionError{SessionID: id, Err: err}
	}

	s := newSession(id, h, c.now())
	ref, err := c.actors.Spawn(c.ctx, id, &sessionActor{c: c, s: s}, c.opts.MailboxSize)
	if err != nil {
		h.Close()
		return nil, &TransportConstructionError{SessionID: id, Err: err}
	}
	s.ref = ref

	c.registry.Put(s)
	metrics.RecordTransition(string(StatusInitializing))
	c.bus.Publish(events.Event{Topic: events.TopicStatusUpdate, SessionID: id, Status: string(StatusInitializing)})
	go c.pump(s, h, ref)

	if err := h.Connect(ctx); err != nil {
		c.registry.Remove(id, s)
		c.closeHandle(s)
		c.actors.Release(ref)
		return nil, &TransportConstructionError{SessionID: id, Err: err}
	}

	c.log.Info("session %s: created", id)
	return s, nil
}

// pump forwards handle events into the session's mailbox until either side ends
func (c *Controller) pump(s *Session, h transport.Handle, ref *actor.ActorRef) {
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			if err := ref.Send(transportEvent{ev: ev}); err != nil {
				if errors.Is(err, actor.ErrStopped) {
					return
				}
				c.log.Error("session %s: dropping %s event: %v", s.ID, ev.Kind, err)
			}
		case <-ref.Done():
			return
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, s *Session, ev transport.Event) error {
	switch ev.Kind {
	case transport.EventPairingCode:
		c.onPairingCode(s, ev.Code)
	case transport.EventOpened:
		c.onOpened(s)
	case transport.EventClosed:
		c.onClosed(ctx, s, ev)
	case transport.EventCredentialsChanged:
		metrics.RecordCredentialUpdate()
		c.log.Debug("session %s: credentials updated", s.ID)
	default:
		return fmt.Errorf("unknown transport event %d", ev.Kind)
	}
	return nil
}

func (c *Controller) onPairingCode(s *Session, code string) {
	if code == "" {
		return
	}
	s.setPairingCode(code, c.now())
	metrics.RecordTransition(string(StatusQRPending))
	c.bus.Publish(events.Event{Topic: events.TopicPairingCode, SessionID: s.ID, Code: code})
	c.log.Info("session %s: pairing code available", s.ID)
}

func (c *Controller) onOpened(s *Session) {
	gen := s.transition(StatusLinking, c.now())
	metrics.RecordTransition(string(StatusLinking))
	c.bus.Publish(events.Event{Topic: events.TopicStatusUpdate, SessionID: s.ID, Status: string(StatusLinking)})
	c.log.Info("session %s: connection open, confirming link", s.ID)

	ref := s.ref
	s.setGraceTimer(time.AfterFunc(c.opts.GraceDelay, func() {
		if err := ref.Send(graceCheck{generation: gen}); err != nil {
			c.log.Debug("session %s: link check skipped: %v", s.ID, err)
		}
	}))
}

// confirmLink runs after the grace delay. Anything that happened to the session in between
// moved its generation and voids the check.
func (c *Controller) confirmLink(s *Session, gen uint64) {
	if s.Generation() != gen || s.Status() != StatusLinking {
		c.log.Debug("session %s: link check superseded", s.ID)
		return
	}

	linked, err := c.provider.HasCredentials(s.ID)
	if err != nil {
		c.log.Warn("session %s: credential check failed: %v", s.ID, err)
		linked = false
	}

	if linked {
		if s.transitionIf(gen, StatusLinking, StatusConnected, c.now()) {
			metrics.RecordTransition(string(StatusConnected))
			c.bus.Publish(events.Event{Topic: events.TopicConnectionOpened, SessionID: s.ID})
			c.log.Info("session %s: linked and connected", s.ID)
		}
		return
	}

	if s.transitionIf(gen, StatusLinking, StatusFailedLinking, c.now()) {
		metrics.RecordTransition(string(StatusFailedLinking))
		c.bus.Publish(events.Event{Topic: events.TopicConnectionClosed, SessionID: s.ID, Status: string(StatusFailedLinking)})
		c.log.Error("session %s: linking failed, no credentials persisted", s.ID)
	}
}

func (c *Controller) onClosed(ctx context.Context, s *Session, ev transport.Event) {
	target := StatusDisconnected
	if ev.Reason.IsLogout() {
		target = StatusUnlinked
	}

	s.stopGraceTimer()
	prev := s.Status()
	s.transition(target, c.now())
	if prev != target {
		metrics.RecordTransition(string(target))
		c.bus.Publish(events.Event{Topic: events.TopicConnectionClosed, SessionID: s.ID, Status: string(target)})
	}
	if ev.Err != nil {
		c.log.Info("session %s: connection closed (%s): %v", s.ID, ev.Reason, ev.Err)
	} else {
		c.log.Info("session %s: connection closed (%s)", s.ID, ev.Reason)
	}

	if target == StatusUnlinked {
		c.unlink(ctx, s)
		return
	}

	c.registry.Remove(s.ID, s)
	c.closeHandle(s)
	c.actors.Release(s.ref)
	c.scheduleReconnect(s.ID)
}

// unlink removes every trace of s. Each step runs even when an earlier one fails, and all of
// them finish before the handler returns.
func (c *Controller) unlink(ctx context.Context, s *Session) {
	c.cancelReconnect(s.ID)
	c.closeHandle(s)

	if err := c.provider.RemoveCredentials(s.ID); err != nil {
		c.log.Error("session %s: failed to remove credentials: %v", s.ID, err)
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consts.Timeout10Seconds)
	defer cancel()
	if err := c.store.Remove(storeCtx, s.ID); err != nil {
		c.log.Error("%v", &ConfigPersistenceError{SessionID: s.ID, Op: "remove", Err: err})
	}

	c.registry.Remove(s.ID, s)
	c.actors.Release(s.ref)
	c.log.Info("session %s: unlinked and removed", s.ID)
}

func (c *Controller) closeHandle(s *Session) {
	s.stopGraceTimer()
	if h := s.Handle(); h != nil {
		if err := h.Close(); err != nil {
			c.log.Warn("session %s: closing transport: %v", s.ID, err)
		}
	}
}

// scheduleReconnect arms the single reconnect timer for id, replacing any earlier one
func (c *Controller) scheduleReconnect(id string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.shutdown.Load() {
		return
	}
	if old, ok := c.timers[id]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.reconnect(id, t)
	})
	c.timers[id] = t
	c.log.Info("session %s: reconnect scheduled in %s", id, c.opts.ReconnectDelay)
}

func (c *Controller) cancelReconnect(id string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

// PendingReconnect reports whether a reconnect timer is armed for id
func (c *Controller) PendingReconnect(id string) bool {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	_, ok := c.timers[id]
	return ok
}

func (c *Controller) reconnect(id string, t *time.Timer) {
	c.timersMu.Lock()
	if cur, ok := c.timers[id]; !ok || cur != t {
		c.timersMu.Unlock()
		return
	}
	delete(c.timers, id)
	c.timersMu.Unlock()

	if c.shutdown.Load() {
		return
	}
	if _, ok := c.registry.Get(id); ok {
		c.log.Info("session %s: already re-registered, reconnect skipped", id)
		return
	}

	metrics.RecordReconnect()
	if _, err := c.CreateOrGet(c.ctx, id); err != nil {
		c.log.Error("session %s: reconnect failed: %v", id, err)
		var tce *TransportConstructionError
		if errors.As(err, &tce) {
			c.scheduleReconnect(id)
		}
	}
}

// Initialize starts every session listed in the store. Failures of single sessions are
// logged; only a failure to read the list is returned.
func (c *Controller) Initialize(ctx context.Context) error {
	entries, err := c.store.List(ctx)
	if err != nil {
		return &ConfigPersistenceError{Op: "list", Err: err}
	}

	started := 0
	for _, e := range entries {
		if _, err := c.CreateOrGet(ctx, e.SessionID); err != nil {
			c.log.Error("session %s: initialization failed: %v", e.SessionID, err)
			continue
		}
		started++
	}
	c.log.Info("initialized %d of %d sessions", started, len(entries))
	return nil
}

// Start persists id in the store, if it is not listed yet, and then creates the session.
// Nothing is created when persisting fails.
func (c *Controller) Start(ctx context.Context, id, description string) (*Session, error) {
	if err := transport.ValidateSessionID(id); err != nil {
		return nil, err
	}
	added, err := c.store.AddIfAbsent(ctx, configstore.Entry{SessionID: id, Description: description})
	if err != nil {
		return nil, &ConfigPersistenceError{SessionID: id, Op: "add", Err: err}
	}
	if added {
		c.log.Info("session %s: persisted", id)
	}
	return c.CreateOrGet(ctx, id)
}

// Logout asks the transport to unlink the device. Cleanup follows from the resulting
// closed event.
func (c *Controller) Logout(ctx context.Context, id string) error {
	s, ok := c.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.Handle().Logout(ctx); err != nil {
		return fmt.Errorf("logout session %s: %w", id, err)
	}
	c.log.Info("session %s: logout requested", id)
	return nil
}

// Get returns the registered session for id
func (c *Controller) Get(id string) (*Session, bool) {
	return c.registry.Get(id)
}

// ListStatuses returns the status of every registered session
func (c *Controller) ListStatuses() []StatusInfo {
	sessions := c.registry.List()
	out := make([]StatusInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown stops timers and actors and closes every handle. The persisted session list is
// left untouched so the next start restores the same sessions.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	c.timersMu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.timersMu.Unlock()

	for _, s := range c.registry.drain() {
		c.closeHandle(s)
	}
	err := c.actors.StopAll(ctx)
	c.cancel()
	return err
}

type transportEvent struct {
	ev transport.Event
}

func (transportEvent) Type() string { return "transport_event" }

type graceCheck struct {
	generation uint64
}

func (graceCheck) Type() string { return "grace_check" }

// sessionActor serializes everything that mutates one session
type sessionActor struct {
	c *Controller
	s *Session
}

func (a *sessionActor) ID() string                      { return a.s.ID }
func (a *sessionActor) Start(ctx context.Context) error { return nil }
func (a *sessionActor) Stop(ctx context.Context) error  { return nil }

func (a *sessionActor) Receive(ctx context.Context, msg actor.Message) error {
	if !a.c.registry.IsCurrent(a.s) {
		a.c.log.Debug("session %s: dropping %s for retired instance", a.s.ID, msg.Type())
		return nil
	}

	switch m := msg.(type) {
	case transportEvent:
		return a.c.handleEvent(ctx, a.s, m.ev)
	case graceCheck:
		a.c.confirmLink(a.s, m.generation)
		return nil
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
}
