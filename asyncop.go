package ioengine

// Direction selects which per-socket queue an operation belongs to and
// which poll mask the ExecutionQueue arms when it submits a linked
// poll+read/write pair.
type Direction uint8

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// CompletionFlags classifies how an AsyncOperation ended. The
// SocketOperationQueue sets it once, before calling Complete, and it is
// terminal.
type CompletionFlags uint8

const (
	CompletionNone CompletionFlags = iota
	CompletedFinishedSync
	CompletedFinishedAsync
	CompletedCanceled
)

// stepOutcome is the result of one attempt to advance an AsyncOperation.
type stepOutcome uint8

const (
	stepExecuting stepOutcome = iota
	stepWaitForPoll
	stepFinished
	stepCancelled
)

// AsyncOperation is the state machine a concrete request (receive, send, …)
// runs through. Implementations embed opState by value and are held by
// pointer so opState's methods promote onto the AsyncOperation interface.
type AsyncOperation interface {
	// Direction picks the per-socket queue this op lives on.
	Direction() Direction

	// TryExecuteSync attempts the operation inline, without touching the
	// execution queue. Returns true if it completed (success or a
	// non-EAGAIN error); false means "EAGAIN, must be queued".
	TryExecuteSync() bool

	// TryExecuteAsync submits this operation to the execution queue, or
	// short-circuits it, deciding the next step. triggeredByPoll is true
	// when this call follows a WaitForPoll boundary (a previous readiness
	// probe) rather than the operation's first attempt.
	TryExecuteAsync(triggeredByPoll bool, eq *ExecutionQueue, data uint32) stepOutcome

	// HandleAsyncResult interprets a CQE result delivered by the execution
	// queue and decides the next step; it may resubmit internally.
	HandleAsyncResult(result Result, eq *ExecutionQueue, data uint32) stepOutcome

	// Complete fires exactly once, after this operation has left every
	// queue and outside any lock. It publishes the result to whatever
	// continuation the caller attached.
	Complete()

	// queueState exposes the intrusive queue-plumbing fields.
	queueState() *opState
}

// opState holds the fields the SocketOperationQueue needs to manage an
// operation's membership in its circular list and its execution bookkeeping.
// It is embedded by value in every concrete AsyncOperation.
type opState struct {
	next                    AsyncOperation // circular link; meaningless while detached
	isExecuting             bool
	isCancellationRequested bool
	completionFlags         CompletionFlags
}

func (s *opState) queueState() *opState { return s }

// RequestCancellation marks this operation for cooperative cancellation.
// It has no immediate effect: it is observed the next time the operation
// reaches a WaitForPoll boundary, or when the kernel itself reports
// ECANCELED. Callers must tolerate the operation completing successfully
// before the cancellation is noticed.
func (s *opState) RequestCancellation() {
	s.isCancellationRequested = true
}

func (s *opState) CompletionFlags() CompletionFlags {
	return s.completionFlags
}

// OpResult is what a concrete operation hands to its continuation once
// Complete has run: either a byte count, or the domain error that ended
// the operation, plus how it ended.
type OpResult struct {
	BytesTransferred int
	Err              error
	Flags            CompletionFlags
}
