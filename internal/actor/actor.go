package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/codefionn/sessionrelay/internal/logger"
)

// ErrStopped is returned when sending to a stopped actor
var ErrStopped = errors.New("actor is stopped")

// ErrMailboxFull is returned when an actor cannot accept another message
var ErrMailboxFull = errors.New("actor mailbox is full")

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages, one at a time
	Receive(ctx context.Context, msg Message) error
	// Start is called once before the first message
	Start(ctx context.Context) error
	// Stop is called once after the last message
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to a running actor for sending messages
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
	started bool
}

// NewActorRef creates a new actor reference with the given ID, actor implementation and
// mailbox size
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		done:    make(chan struct{}),
	}
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Send sends a message to the actor (non-blocking)
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s: %w", ref.id, ErrMailboxFull)
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ref.mu.Lock()
	if ref.started {
		ref.mu.Unlock()
		return fmt.Errorf("actor %s already started", ref.id)
	}
	ref.started = true
	ref.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		close(ref.done)
		return err
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Cancel stops message processing without waiting. It is the only safe way for an actor to
// stop itself from inside Receive.
func (ref *ActorRef) Cancel() {
	ref.mu.Lock()
	ref.stopped = true
	ref.mu.Unlock()
	if ref.cancel != nil {
		ref.cancel()
	}
}

// Done is closed once the run loop has exited and the actor's Stop has returned
func (ref *ActorRef) Done() <-chan struct{} {
	return ref.done
}

// Stop stops the actor and waits for the run loop to exit
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.Cancel()

	select {
	case <-ref.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer func() {
		ref.wg.Done()
		// Stop gets a fresh context: ctx is already canceled at this point
		if err := ref.actor.Stop(context.Background()); err != nil {
			logger.Warn("Actor %s stop: %v", ref.id, err)
		}
		close(ref.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			if err := ref.receive(ctx, msg); err != nil {
				// Log error but continue processing
				logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
			}
		}
	}
}

func (ref *ActorRef) receive(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return ref.actor.Receive(ctx, msg)
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor. An existing actor with the same id is replaced
// and canceled.
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int) (*ActorRef, error) {
	ref := NewActorRef(id, actor, mailboxSize)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.actors[id]
	s.actors[id] = ref
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	return ref, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Release forgets ref if it is still the actor registered under its id and cancels it
func (s *System) Release(ref *ActorRef) {
	s.mu.Lock()
	if cur, ok := s.actors[ref.id]; ok && cur == ref {
		delete(s.actors, ref.id)
	}
	s.mu.Unlock()
	ref.Cancel()
}

// Len returns the number of registered actors
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// StopAll stops all actors in the system
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	actors := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		actors = append(actors, ref)
	}
	s.actors = make(map[string]*ActorRef)
	s.mu.Unlock()

	var firstErr error
	for _, ref := range actors {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
