package ioengine

import (
	"golang.org/x/sys/unix"
)

// ReceiveOperation is a single socket read: try it inline first, fall back
// to the ring, deliver the result to OnComplete exactly once.
type ReceiveOperation struct {
	opState

	queue *SocketOperationQueue
	fd    int
	buf   []byte

	// awaitingPollOnly is set while a zero-byte readiness probe is
	// outstanding: such a probe submits a bare AddPollIn (no linked
	// readv), so the CQE it gets back carries a poll event mask, not a
	// byte count, and must be interpreted as bytes=0 rather than taken
	// at face value.
	awaitingPollOnly bool

	bytesTransferred int
	err              error

	// OnComplete receives the finished result. It must not block; hand off
	// to another goroutine if the continuation needs to do real work.
	OnComplete func(OpResult)
}

// NewReceiveOperation builds a read of up to len(buf) bytes from fd,
// belonging to queue's direction (which must be DirectionRead).
func NewReceiveOperation(queue *SocketOperationQueue, fd int, buf []byte, onComplete func(OpResult)) *ReceiveOperation {
	return &ReceiveOperation{queue: queue, fd: fd, buf: buf, OnComplete: onComplete}
}

func (r *ReceiveOperation) Direction() Direction { return DirectionRead }

// TryExecuteSync attempts a non-blocking read without touching the ring.
// Returns false (not completed) only on EAGAIN/EWOULDBLOCK.
func (r *ReceiveOperation) TryExecuteSync() bool {
	n, err := unix.Read(r.fd, r.buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false
		}
		r.err = err
		return true
	}
	r.bytesTransferred = n
	return true
}

// TryExecuteAsync submits (or short-circuits) this receive. See the
// AsyncOperation interface for the outcome contract.
func (r *ReceiveOperation) TryExecuteAsync(triggeredByPoll bool, eq *ExecutionQueue, data uint32) stepOutcome {
	zeroByte := len(r.buf) == 0

	if eq != nil && (!zeroByte || eq.HasPollSupport()) {
		if zeroByte {
			// A zero-byte recv is only ever a "is this readable?" probe:
			// arm just the poll, not a linked poll+readv, so no READV is
			// ever issued for it.
			r.awaitingPollOnly = true
			eq.AddPollIn(r.fd, r.queue.onCompletion, nil, data)
		} else {
			eq.AddRead(r.fd, r.buf, r.queue.onCompletion, nil, data)
		}
		return stepExecuting
	}

	if triggeredByPoll && zeroByte {
		r.bytesTransferred = 0
		return stepFinished
	}

	if r.TryExecuteSync() {
		return stepFinished
	}
	return stepWaitForPoll
}

// HandleAsyncResult interprets a CQE result for this receive.
func (r *ReceiveOperation) HandleAsyncResult(result Result, eq *ExecutionQueue, data uint32) stepOutcome {
	outcome := stepFinished
	wasPollOnly := r.awaitingPollOnly
	r.awaitingPollOnly = false

	if errno := errnoFromResult(result.Value); errno != nil {
		switch {
		case errno.Retryable():
			outcome = stepExecuting
		case errno.Canceled():
			outcome = stepCancelled
		case errno.WouldBlock():
			outcome = stepWaitForPoll
		default:
			r.err = errno
			outcome = stepFinished
		}
	} else if wasPollOnly {
		r.bytesTransferred = 0
		outcome = stepFinished
	} else {
		r.bytesTransferred = int(result.Value)
		outcome = stepFinished
	}

	// A success that raced a cancellation request still counts: a caller
	// that asked for cancellation must tolerate the operation having
	// already finished.
	if outcome == stepFinished {
		return stepFinished
	}
	if outcome == stepCancelled || r.isCancellationRequested {
		return stepCancelled
	}
	if outcome == stepWaitForPoll && !eq.HasPollSupport() {
		return stepWaitForPoll
	}
	// stepExecuting (EINTR) or stepWaitForPoll with poll support: resubmit.
	return r.TryExecuteAsync(outcome == stepWaitForPoll, eq, data)
}

// Complete publishes the result to OnComplete. It runs outside any lock,
// exactly once, after this operation has left every queue.
func (r *ReceiveOperation) Complete() {
	if r.completionFlags == CompletedCanceled {
		if r.OnComplete != nil {
			r.OnComplete(OpResult{Flags: CompletedCanceled})
		}
		return
	}
	if r.OnComplete != nil {
		r.OnComplete(OpResult{
			BytesTransferred: r.bytesTransferred,
			Err:              r.err,
			Flags:            r.completionFlags,
		})
	}
}
