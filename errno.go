package ioengine

import (
	"golang.org/x/sys/unix"
)

// Result is the outcome of one kernel submission: either no CQE has
// arrived yet (HasResult is false, a synthetic tick used to re-enter the
// per-socket queue's driving loop), or a signed syscall result where
// negative values are -errno and non-negative values are a byte count or
// poll mask.
type Result struct {
	HasResult bool
	Value     int32
}

// NoResult is the synthetic tick passed to SocketOperationQueue.ExecuteQueued
// when it is re-entered for a reason other than a fresh CQE (e.g. right
// after an operation was queued).
var NoResult = Result{}

func syscallResult(v int32) Result {
	return Result{HasResult: true, Value: v}
}

// Errno wraps a negative io_uring CQE result as a classified error.
type Errno struct {
	unix.Errno
}

func errnoFromResult(res int32) *Errno {
	if res >= 0 {
		return nil
	}
	return &Errno{unix.Errno(-res)}
}

// Retryable reports whether the operation state machine should resubmit
// immediately rather than treat this as a terminal error.
func (e *Errno) Retryable() bool {
	return e.Errno == unix.EINTR
}

// WouldBlock reports EAGAIN/EWOULDBLOCK: the caller must wait for
// readiness (poll) before retrying.
func (e *Errno) WouldBlock() bool {
	return e.Errno == unix.EAGAIN || e.Errno == unix.EWOULDBLOCK
}

// Canceled reports ECANCELED: the kernel tore down our submission before
// it completed.
func (e *Errno) Canceled() bool {
	return e.Errno == unix.ECANCELED
}

// ConnectionReset is a convenience classification for callers; the
// operation state machine does not consult it.
func (e *Errno) ConnectionReset() bool {
	return e.Errno == unix.ECONNRESET || e.Errno == unix.ENOTCONN
}
