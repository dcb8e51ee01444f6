// Package reactor is the process-wide shutdown/timer/iteration
// coordinator (§4.11). Go's goroutine-per-connection model already
// gives every blocking Read/Write the cooperative-suspension
// behaviour a callback-based fd-readiness reactor exists to provide,
// so that half of spec.md §4.11 is dropped (recorded as a redesign in
// DESIGN.md). What remains, matching the concurrency model of §5, is
// timers, a single shutdown signal, and a slot map used for iteration
// (the "global doubly-linked lists" of spec.md §9) at shutdown.
package reactor

import (
	"context"
	"sync"
	"time"
)

// Reactor owns the process's shutdown signal and the tracked-task
// slot map used to cancel everything still in flight when it fires.
type Reactor struct {
	mu      sync.Mutex
	nextID  int
	tasks   map[int]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
	closeWg sync.WaitGroup
}

// New creates a Reactor whose own context is derived from parent;
// cancelling parent (or calling Shutdown) tears down every tracked
// task.
func New(parent context.Context) *Reactor {
	ctx, cancel := context.WithCancel(parent)
	return &Reactor{
		tasks:  make(map[int]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Done returns a channel closed once Shutdown is called or the parent
// context is cancelled.
func (r *Reactor) Done() <-chan struct{} { return r.ctx.Done() }

// Track registers a piece of work (a bridge task, an HTTPS listener,
// a SOCKS5 request — spec.md §9's "global doubly-linked lists", kept
// here as simple map entries since nothing needs pointer stability
// beyond iteration) against the reactor's shutdown signal. The
// returned context is cancelled either when untrack is called or when
// the reactor shuts down, whichever comes first. Callers MUST call
// the returned untrack func when the work completes.
func (r *Reactor) Track() (ctx context.Context, untrack func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taskCtx, taskCancel := context.WithCancel(r.ctx)
	id := r.nextID
	r.nextID++
	r.tasks[id] = taskCancel

	return taskCtx, func() {
		r.mu.Lock()
		delete(r.tasks, id)
		r.mu.Unlock()
		taskCancel()
	}
}

// TaskCount returns the number of currently tracked tasks, for
// diagnostics and shutdown-drain logging.
func (r *Reactor) TaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown cancels the reactor's own context, and with it every
// tracked task's context and every pending AddAfter timer. It returns
// at once; it does not wait for in-flight work to finish. Idempotent.
func (r *Reactor) Shutdown() {
	r.cancel()
}

// Timer is a cancellable, reactor-tracked delayed callback (the
// resolver/handover/idle timeouts of §5).
type Timer struct {
	t      *time.Timer
	cancel func()
	once   sync.Once
}

// AddAfter schedules fn to run after d unless Cancel is called first
// or the reactor shuts down. It backs the SOCKS5 handshake->HTTPS
// handover timeout (15s) and the HTTPS listener pool's idle eviction
// (5min); the resolver's budget (30s) and fetch sub-budget (5s) are
// context deadlines set in internal/resolve.
func (r *Reactor) AddAfter(d time.Duration, fn func()) *Timer {
	ctx, untrack := r.Track()
	fired := make(chan struct{})

	t := time.AfterFunc(d, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		close(fired)
		fn()
		untrack()
	})

	tm := &Timer{t: t}
	tm.cancel = func() {
		tm.once.Do(func() {
			t.Stop()
			untrack()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-fired:
		}
	}()

	return tm
}

// Cancel stops the timer if it hasn't fired yet. Idempotent.
func (tm *Timer) Cancel() {
	tm.cancel()
}
