package live

import (
	"context"
	"sync"
)

// Dispatcher delivers progress and completion callbacks on the execution
// context the caller expects. Post must not block on the callback itself.
type Dispatcher interface {
	Post(fn func())
}

// Inline runs callbacks synchronously on the posting goroutine. It is the
// dispatcher for headless callers; a nil Dispatcher behaves the same.
var Inline Dispatcher = inline{}

type inline struct{}

func (inline) Post(fn func()) { fn() }

func dispatcherOrInline(d Dispatcher) Dispatcher {
	if d == nil {
		return Inline
	}

	return d
}

// Loop is a single-goroutine cooperative execution context, the stand-in
// for a UI thread. Posted callbacks run in FIFO order on whichever goroutine
// calls Run or RunPending. The queue is unbounded so Post never blocks the
// posting operation.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// NewLoop creates an empty Loop.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. Callbacks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes callbacks until ctx is done or the loop is closed and
// drained. It must be called from a single goroutine.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		l.mu.Lock()
		done := l.closed && len(l.queue) == 0
		l.mu.Unlock()

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunPending executes every callback queued so far, plus any they post,
// and returns the number executed.
func (l *Loop) RunPending() int {
	n := 0

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}

		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Close stops accepting callbacks. Run returns once the queue is drained.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}
