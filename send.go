package ioengine

import (
	"golang.org/x/sys/unix"
)

// SendOperation is a single socket write: try it inline first, fall back
// to the ring, deliver the result to OnComplete exactly once. It is the
// write-direction mirror of ReceiveOperation.
type SendOperation struct {
	opState

	queue *SocketOperationQueue
	fd    int
	buf   []byte

	// awaitingPollOnly is set while a zero-byte writability probe is
	// outstanding; see ReceiveOperation for why this matters.
	awaitingPollOnly bool

	bytesTransferred int
	err              error

	OnComplete func(OpResult)
}

// NewSendOperation builds a write of len(buf) bytes to fd, belonging to
// queue's direction (which must be DirectionWrite).
func NewSendOperation(queue *SocketOperationQueue, fd int, buf []byte, onComplete func(OpResult)) *SendOperation {
	return &SendOperation{queue: queue, fd: fd, buf: buf, OnComplete: onComplete}
}

func (s *SendOperation) Direction() Direction { return DirectionWrite }

// TryExecuteSync attempts a non-blocking write without touching the ring.
func (s *SendOperation) TryExecuteSync() bool {
	n, err := unix.Write(s.fd, s.buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false
		}
		s.err = err
		return true
	}
	s.bytesTransferred = n
	return true
}

// TryExecuteAsync submits (or short-circuits) this write.
func (s *SendOperation) TryExecuteAsync(triggeredByPoll bool, eq *ExecutionQueue, data uint32) stepOutcome {
	zeroByte := len(s.buf) == 0

	if eq != nil && (!zeroByte || eq.HasPollSupport()) {
		if zeroByte {
			s.awaitingPollOnly = true
			eq.AddPollOut(s.fd, s.queue.onCompletion, nil, data)
		} else {
			eq.AddWrite(s.fd, s.buf, s.queue.onCompletion, nil, data)
		}
		return stepExecuting
	}

	if triggeredByPoll && zeroByte {
		s.bytesTransferred = 0
		return stepFinished
	}

	if s.TryExecuteSync() {
		return stepFinished
	}
	return stepWaitForPoll
}

// HandleAsyncResult interprets a CQE result for this write.
func (s *SendOperation) HandleAsyncResult(result Result, eq *ExecutionQueue, data uint32) stepOutcome {
	outcome := stepFinished
	wasPollOnly := s.awaitingPollOnly
	s.awaitingPollOnly = false

	if errno := errnoFromResult(result.Value); errno != nil {
		switch {
		case errno.Retryable():
			outcome = stepExecuting
		case errno.Canceled():
			outcome = stepCancelled
		case errno.WouldBlock():
			outcome = stepWaitForPoll
		default:
			s.err = errno
			outcome = stepFinished
		}
	} else if wasPollOnly {
		s.bytesTransferred = 0
		outcome = stepFinished
	} else {
		s.bytesTransferred = int(result.Value)
		outcome = stepFinished
	}

	if outcome == stepFinished {
		return stepFinished
	}
	if outcome == stepCancelled || s.isCancellationRequested {
		return stepCancelled
	}
	if outcome == stepWaitForPoll && !eq.HasPollSupport() {
		return stepWaitForPoll
	}
	return s.TryExecuteAsync(outcome == stepWaitForPoll, eq, data)
}

// Complete publishes the result to OnComplete.
func (s *SendOperation) Complete() {
	if s.completionFlags == CompletedCanceled {
		if s.OnComplete != nil {
			s.OnComplete(OpResult{Flags: CompletedCanceled})
		}
		return
	}
	if s.OnComplete != nil {
		s.OnComplete(OpResult{
			BytesTransferred: s.bytesTransferred,
			Err:              s.err,
			Flags:            s.completionFlags,
		})
	}
}
