// Package queue holds outbound document deliveries until the owning session is connected.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/metrics"
	"github.com/codefionn/sessionrelay/internal/transport"
)

// Resolver looks up the transport handle of a connected session
type Resolver interface {
	Resolve(sessionID string) (transport.Handle, bool)
}

// Config is the delivery policy
type Config struct {
	// Interval is the drain tick period
	Interval time.Duration
	// CaptionDelay separates a document from its caption
	CaptionDelay time.Duration
	// MaxAttempts moves a task to the dead letters after that many failed sends; 0 retries forever
	MaxAttempts int
	// Lanes is the number of concurrent drain lanes; a session always maps to the same lane
	Lanes int
	// RecipientSuffix completes bare phone numbers
	RecipientSuffix string
}

// DefaultConfig returns a strictly sequential queue that retries forever
func DefaultConfig() Config {
	return Config{
		Interval:        consts.DrainInterval,
		CaptionDelay:    consts.CaptionDelay,
		Lanes:           1,
		RecipientSuffix: consts.RecipientSuffix,
	}
}

// Option configures a Queue
type Option func(*Queue)

// WithBus makes Run drain early whenever a session with pending tasks connects
func WithBus(bus *events.Bus) Option {
	return func(q *Queue) {
		q.bus = bus
	}
}

// DrainResult summarizes one drain pass
type DrainResult struct {
	Delivered    int
	Failed       int
	Deferred     int
	DeadLettered int
	Skipped      bool // another drain was still running
}

type outcomeKind int

const (
	outcomeDeferred outcomeKind = iota
	outcomeDelivered
	outcomeFailed
)

type outcome struct {
	task *Task
	kind outcomeKind
	err  error
}

// Queue is an in-memory FIFO of delivery tasks
type Queue struct {
	resolver Resolver
	cfg      Config
	bus      *events.Bus
	log      *logger.Logger

	mu    sync.Mutex
	tasks []*Task
	dead  []Task

	draining atomic.Bool
}

// New creates a queue that sends through handles obtained from resolver
func New(resolver Resolver, cfg Config, opts ...Option) *Queue {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = consts.DrainInterval
	}
	q := &Queue{
		resolver: resolver,
		cfg:      cfg,
		log:      logger.Global().WithPrefix("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends t to the tail of the queue. Tasks are never deduplicated.
func (q *Queue) Enqueue(t Task) (Task, error) {
	if err := t.validate(); err != nil {
		return Task{}, err
	}
	t.fillDefaults(time.Now())

	q.mu.Lock()
	stored := t
	q.tasks = append(q.tasks, &stored)
	n := len(q.tasks)
	q.mu.Unlock()

	metrics.SetQueueDepth(n)
	q.log.Info("task %s queued for session %s (%d bytes), depth %d", t.ID, t.SessionID, t.Size(), n)
	return t, nil
}

// Len returns the number of pending tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// List returns a copy of the pending tasks in queue order
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Remove deletes the pending task with the given id
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			metrics.SetQueueDepth(len(q.tasks))
			return true
		}
	}
	return false
}

// DeadLetters returns tasks that exhausted MaxAttempts
func (q *Queue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.dead...)
}

// Drain makes one pass over the tasks queued when it starts. Tasks whose session is absent or
// not connected are left alone without counting an attempt. Delivered tasks are removed;
// failed ones stay for the next pass.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	if !q.draining.CompareAndSwap(false, true) {
		q.log.Debug("drain already running, skipping")
		return DrainResult{Skipped: true}
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	snapshot := append([]*Task(nil), q.tasks...)
	q.mu.Unlock()
	if len(snapshot) == 0 {
		return DrainResult{}
	}

	start := time.Now()
	defer func() { metrics.RecordDrain(time.Since(start)) }()

	lanes := q.partition(snapshot)
	results := make([][]outcome, len(lanes))

	g, gctx := errgroup.WithContext(ctx)
	for i, lane := range lanes {
		i, lane := i, lane
		g.Go(func() error {
			results[i] = q.runLane(gctx, lane)
			return nil
		})
	}
	_ = g.Wait()

	return q.apply(results)
}

// partition splits tasks into lanes by session id, keeping queue order inside each lane
func (q *Queue) partition(tasks []*Task) [][]*Task {
	if q.cfg.Lanes == 1 {
		return [][]*Task{tasks}
	}
	lanes := make([][]*Task, q.cfg.Lanes)
	for _, t := range tasks {
		i := xxhash.Sum64String(t.SessionID) % uint64(q.cfg.Lanes)
		lanes[i] = append(lanes[i], t)
	}
	return lanes
}

func (q *Queue) runLane(ctx context.Context, lane []*Task) []outcome {
	out := make([]outcome, 0, len(lane))
	for _, t := range lane {
		if ctx.Err() != nil {
			out = append(out, outcome{task: t, kind: outcomeDeferred})
			continue
		}
		out = append(out, q.deliver(ctx, t))
	}
	return out
}

// deliver reads only immutable task fields; bookkeeping happens in apply
func (q *Queue) deliver(ctx context.Context, t *Task) outcome {
	h, ok := q.resolver.Resolve(t.SessionID)
	if !ok {
		q.log.Debug("session %s not connected, task %s waits", t.SessionID, t.ID)
		return outcome{task: t, kind: outcomeDeferred}
	}

	to := transport.NormalizeRecipient(t.Recipient, q.cfg.RecipientSuffix)
	doc := transport.Document{Data: t.Document, FileName: t.FileName, MimeType: t.MimeType}
	if err := h.SendDocument(ctx, to, doc); err != nil {
		return outcome{task: t, kind: outcomeFailed, err: fmt.Errorf("send document: %w", err)}
	}

	if strings.TrimSpace(t.Caption) != "" {
		if err := sleepCtx(ctx, q.cfg.CaptionDelay); err != nil {
			return outcome{task: t, kind: outcomeFailed, err: fmt.Errorf("caption: %w", err)}
		}
		if err := h.SendText(ctx, to, t.Caption); err != nil {
			return outcome{task: t, kind: outcomeFailed, err: fmt.Errorf("send caption: %w", err)}
		}
	}

	q.log.Info("task %s delivered through session %s to %s", t.ID, t.SessionID, to)
	return outcome{task: t, kind: outcomeDelivered}
}

func (q *Queue) apply(results [][]outcome) DrainResult {
	var res DrainResult
	drop := make(map[*Task]struct{})

	q.mu.Lock()
	// Remove may have taken a task out while it was being sent
	queued := make(map[*Task]struct{}, len(q.tasks))
	for _, t := range q.tasks {
		queued[t] = struct{}{}
	}
	for _, lane := range results {
		for _, o := range lane {
			switch o.kind {
			case outcomeDeferred:
				res.Deferred++
				metrics.RecordDelivery(metrics.ResultDeferred)
			case outcomeDelivered:
				res.Delivered++
				drop[o.task] = struct{}{}
				metrics.RecordDelivery(metrics.ResultDelivered)
			case outcomeFailed:
				res.Failed++
				if _, ok := queued[o.task]; !ok {
					metrics.RecordDelivery(metrics.ResultFailed)
					q.log.Warn("task %s for session %s failed after removal: %v", o.task.ID, o.task.SessionID, o.err)
					continue
				}
				o.task.Attempts++
				o.task.LastError = o.err.Error()
				metrics.RecordDelivery(metrics.ResultFailed)
				q.log.Warn("task %s for session %s failed (attempt %d): %v", o.task.ID, o.task.SessionID, o.task.Attempts, o.err)
				if q.cfg.MaxAttempts > 0 && o.task.Attempts >= q.cfg.MaxAttempts {
					res.DeadLettered++
					drop[o.task] = struct{}{}
					q.dead = append(q.dead, *o.task)
					metrics.RecordDelivery(metrics.ResultDeadLetter)
					q.log.Error("task %s moved to dead letters after %d attempts", o.task.ID, o.task.Attempts)
				}
			}
		}
	}

	if len(drop) > 0 {
		kept := q.tasks[:0]
		for _, t := range q.tasks {
			if _, ok := drop[t]; !ok {
				kept = append(kept, t)
			}
		}
		for i := len(kept); i < len(q.tasks); i++ {
			q.tasks[i] = nil
		}
		q.tasks = kept
	}
	n := len(q.tasks)
	q.mu.Unlock()

	metrics.SetQueueDepth(n)
	return res
}

// hasTasksFor reports whether any pending task targets sessionID
func (q *Queue) hasTasksFor(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Run drains on every tick until ctx is done. With a bus attached it also drains as soon as a
// session with pending tasks connects.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	var opened <-chan events.Event
	if q.bus != nil {
		sub := q.bus.Subscribe("", events.TopicConnectionOpened)
		defer sub.Unsubscribe()
		opened = sub.C()
	}

	q.log.Info("delivery queue started (interval %s, lanes %d)", q.cfg.Interval, q.cfg.Lanes)
	defer q.log.Info("delivery queue stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Drain(ctx)
		case ev, ok := <-opened:
			if !ok {
				opened = nil
				continue
			}
			if q.hasTasksFor(ev.SessionID) {
				q.log.Debug("session %s connected, draining early", ev.SessionID)
				q.Drain(ctx)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
