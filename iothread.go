package ioengine

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

// pollTimeout bounds how long a single SubmitAndWait call may block, so the
// run loop notices context cancellation in a bounded amount of time even
// when no socket has anything to report.
const pollTimeout = 333 * time.Millisecond

// IOThread drives one ExecutionQueue to completion. It is the single
// goroutine from which every ExecutionQueue method is called; everything
// else reaches it only through Post.
type IOThread struct {
	eq *ExecutionQueue

	mu      sync.Mutex
	pending []func()
}

// NewIOThread wraps an already-constructed ExecutionQueue. The caller
// starts it with Run.
func NewIOThread(eq *ExecutionQueue) *IOThread {
	return &IOThread{eq: eq}
}

// ExecutionQueue returns the queue this thread drives, so callers can
// build SocketOperationQueues against it before the thread starts running
// (or from within a Post closure once it has).
func (t *IOThread) ExecutionQueue() *ExecutionQueue { return t.eq }

// Post schedules fn to run on the I/O thread's next loop iteration. Safe
// to call from any goroutine, including the I/O thread itself.
func (t *IOThread) Post(fn func()) {
	t.mu.Lock()
	t.pending = append(t.pending, fn)
	t.mu.Unlock()
}

func (t *IOThread) drainPosted() {
	t.mu.Lock()
	fns := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (t *IOThread) hasPosted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Run drives the submit/complete cycle until ctx is cancelled, then
// disposes the underlying ExecutionQueue. Each wait is bounded by
// pollTimeout rather than blocking indefinitely, so cancellation is never
// stuck behind a socket that never becomes ready.
func (t *IOThread) Run(ctx context.Context) error {
	ts := syscall.NsecToTimespec(pollTimeout.Nanoseconds())
	mayWait := func(any) bool { return !t.hasPosted() }

	for {
		select {
		case <-ctx.Done():
			t.eq.Dispose()
			return nil
		default:
		}

		t.drainPosted()

		if err := t.eq.submitAndWaitTimeout(mayWait, nil, &ts); err != nil {
			slog.Error("ioengine: submit and wait failed", "error", err)
			t.eq.Dispose()
			return err
		}

		t.eq.ExecuteCompletions()
		t.drainPosted()
	}
}
