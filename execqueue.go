package ioengine

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// sqEntries is the submission queue depth. The spec fixes this at 512;
// completion queue depth is left at the kernel default (2x by convention).
const sqEntries = 512

// completionBatchSize bounds how many CQEs ExecuteCompletions peeks at a
// time, matching the batch size used throughout the pack's giouring
// consumers (aio.Loop, bigws's iouringState).
const completionBatchSize = 128

// ErrUnsupportedKernel is returned by NewExecutionQueue when the running
// kernel doesn't advertise IORING_FEAT_NODROP or IORING_FEAT_SUBMIT_STABLE.
// Without NODROP, completions can be silently dropped under pressure;
// SUBMIT_STABLE guarantees the kernel has consumed the data an SQE points
// at by the time submission returns.
var ErrUnsupportedKernel = errors.New("ioengine: kernel lacks IORING_FEAT_NODROP or IORING_FEAT_SUBMIT_STABLE")

// ExecutionQueue owns one io_uring instance. It is not thread-safe: every
// method must be called from the single I/O thread that drives it.
type ExecutionQueue struct {
	ring *giouring.Ring

	operations    map[opKey]*record
	newOperations []*record
	pool          recordPool

	sqesQueued          int
	newOperationsQueued int

	iovecs    []syscall.Iovec
	iovecFree []uint32
}

// NewExecutionQueue creates the ring and the fixed iovec table sized to
// half the submission queue depth — the maximum number of concurrently
// outstanding linked poll+read/write pairs, since each pair consumes two
// SQEs and one iovec slot.
func NewExecutionQueue() (*ExecutionQueue, error) {
	ring, err := giouring.CreateRing(sqEntries)
	if err != nil {
		return nil, fmt.Errorf("ioengine: create ring: %w", err)
	}

	if ring.Params.Features&giouring.IORING_FEAT_NODROP == 0 ||
		ring.Params.Features&giouring.IORING_FEAT_SUBMIT_STABLE == 0 {
		ring.QueueExit()
		return nil, ErrUnsupportedKernel
	}

	nIovecs := sqEntries / 2
	free := make([]uint32, nIovecs)
	for i := range free {
		free[i] = uint32(i)
	}

	return &ExecutionQueue{
		ring:       ring,
		operations: make(map[opKey]*record, nIovecs),
		iovecs:     make([]syscall.Iovec, nIovecs),
		iovecFree:  free,
	}, nil
}

// HasPollSupport reports whether this queue can usefully arm a readiness
// probe for a zero-byte operation. io_uring's linked poll+readv always can,
// so this is always true once construction has succeeded — kept as a
// method (rather than a constant) so AsyncOperation implementations don't
// need to know why.
func (e *ExecutionQueue) HasPollSupport() bool { return true }

func (e *ExecutionQueue) add(kind recordKind, fd int, buf []byte, cb AsyncExecutionCallback, state any, data uint32) {
	key := makeKey(fd, data)
	if _, exists := e.operations[key]; exists {
		panic("ioengine: duplicate execution queue key; caller must serialize per (fd, data)")
	}
	rec := e.pool.rent()
	rec.kind = kind
	rec.fd = fd
	rec.buf = buf
	rec.callback = cb
	rec.state = state
	rec.data = data
	rec.key = key
	e.operations[key] = rec
	e.newOperations = append(e.newOperations, rec)
}

// AddRead enqueues a linked poll(POLLIN)+readv submission. buf must not be
// mutated by the caller until cb fires.
func (e *ExecutionQueue) AddRead(fd int, buf []byte, cb AsyncExecutionCallback, state any, data uint32) {
	e.add(recordRead, fd, buf, cb, state, data)
}

// AddWrite enqueues a linked poll(POLLOUT)+writev submission. buf must not
// be mutated by the caller until cb fires.
func (e *ExecutionQueue) AddWrite(fd int, buf []byte, cb AsyncExecutionCallback, state any, data uint32) {
	e.add(recordWrite, fd, buf, cb, state, data)
}

// AddPollIn enqueues a bare readiness probe for POLLIN.
func (e *ExecutionQueue) AddPollIn(fd int, cb AsyncExecutionCallback, state any, data uint32) {
	e.add(recordPollIn, fd, nil, cb, state, data)
}

// AddPollOut enqueues a bare readiness probe for POLLOUT.
func (e *ExecutionQueue) AddPollOut(fd int, cb AsyncExecutionCallback, state any, data uint32) {
	e.add(recordPollOut, fd, nil, cb, state, data)
}

// encodeNewOperations turns as many pending newOperations into SQEs as
// there is room for: two SQE slots and one iovec slot per read/write,
// one SQE slot per bare poll. Each call starts from newOperationsQueued,
// which only advances here; after a full submission SubmitAndWait drops
// the encoded prefix of newOperations and resets the counter, so
// operations that did not fit are encoded by a later call.
func (e *ExecutionQueue) encodeNewOperations() {
	for e.newOperationsQueued < len(e.newOperations) {
		rec := e.newOperations[e.newOperationsQueued]

		isReadWrite := rec.kind == recordRead || rec.kind == recordWrite
		need := 1
		if isReadWrite {
			need = 2
		}
		if sqEntries-e.sqesQueued < need {
			break
		}
		if isReadWrite && len(e.iovecFree) == 0 {
			break
		}

		e.encodeOne(rec)
		e.newOperationsQueued++
	}
}

func (e *ExecutionQueue) encodeOne(rec *record) {
	switch rec.kind {
	case recordPollIn, recordPollOut:
		sqe := e.ring.GetSQE()
		sqe.PreparePollAdd(rec.fd, pollMask(rec.kind))
		sqe.UserData = uint64(rec.key)
		e.sqesQueued++

	case recordRead, recordWrite:
		pollSQE := e.ring.GetSQE()
		pollSQE.PreparePollAdd(rec.fd, pollMask(rec.kind))
		pollSQE.UserData = uint64(rec.key.pollKey())
		pollSQE.Flags = giouring.SqeIOLink

		idx := e.iovecFree[len(e.iovecFree)-1]
		e.iovecFree = e.iovecFree[:len(e.iovecFree)-1]
		rec.iovecIdx = idx

		iov := &e.iovecs[idx]
		if len(rec.buf) > 0 {
			iov.Base = &rec.buf[0]
		} else {
			iov.Base = nil
		}
		iov.SetLen(len(rec.buf))
		rec.pin()

		rwSQE := e.ring.GetSQE()
		addr := uintptr(unsafe.Pointer(iov))
		if rec.kind == recordRead {
			rwSQE.PrepareReadv(rec.fd, addr, 1, 0)
		} else {
			rwSQE.PrepareWritev(rec.fd, addr, 1, 0)
		}
		rwSQE.UserData = uint64(rec.key)
		e.sqesQueued += 2
	}
}

func pollMask(kind recordKind) uint32 {
	if kind == recordRead || kind == recordPollIn {
		return unix.POLLIN
	}
	return unix.POLLOUT
}

// SubmitAndWait flushes as many pending submissions as there's room for,
// then enters the kernel. mayWait is consulted only when every pending
// operation could be encoded in this call (no second batch is waiting);
// if it returns true the call blocks for at least one completion.
//
// Must be called only from the I/O thread.
func (e *ExecutionQueue) SubmitAndWait(mayWait func(state any) bool, mayWaitState any) error {
	e.encodeNewOperations()
	waitNr := e.waitNr(mayWait, mayWaitState)
	submitted, err := e.ring.SubmitAndWait(waitNr)
	return e.finishSubmit(submitted, err)
}

// submitAndWaitTimeout is the IOThread's variant: it waits no longer than
// ts before returning, so the thread can notice context cancellation even
// when nothing is happening on any socket.
func (e *ExecutionQueue) submitAndWaitTimeout(mayWait func(state any) bool, mayWaitState any, ts *syscall.Timespec) error {
	e.encodeNewOperations()
	waitNr := e.waitNr(mayWait, mayWaitState)
	submitted, err := e.ring.SubmitAndWaitTimeout(waitNr, ts, nil)
	if err != nil && isTimeoutError(err) {
		return nil
	}
	return e.finishSubmit(submitted, err)
}

func (e *ExecutionQueue) waitNr(mayWait func(state any) bool, mayWaitState any) uint32 {
	moreBatches := e.newOperationsQueued < len(e.newOperations)
	if !moreBatches && mayWait != nil && mayWait(mayWaitState) {
		return 1
	}
	return 0
}

func (e *ExecutionQueue) finishSubmit(submitted uint32, err error) error {
	if err != nil {
		if isSwallowedSubmitError(err) {
			return nil
		}
		return fmt.Errorf("ioengine: submit and wait: %w", err)
	}

	if int(submitted) == e.sqesQueued {
		e.sqesQueued = 0
		e.newOperations = e.newOperations[e.newOperationsQueued:]
		e.newOperationsQueued = 0
		return nil
	}

	// The kernel accepted fewer SQEs than we queued, without a specific
	// errno to explain why. We don't track enough state to resume a
	// partial encoding, so we just stop; the next event-loop iteration
	// calls SubmitAndWait again and retries the same batch.
	slog.Warn("ioengine: partial submission", "submitted", submitted, "queued", e.sqesQueued)
	return nil
}

func isTimeoutError(err error) bool {
	return errors.Is(err, unix.ETIME)
}

func isSwallowedSubmitError(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EAGAIN)
}

// ExecuteCompletions drains every CQE currently available and invokes each
// matching record's callback. Must be called only from the I/O thread.
func (e *ExecutionQueue) ExecuteCompletions() {
	var cqes [completionBatchSize]*giouring.CompletionQueueEvent
	for {
		n := e.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:n] {
			e.handleCQE(cqe)
		}
		e.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			return
		}
	}
}

func (e *ExecutionQueue) handleCQE(cqe *giouring.CompletionQueueEvent) {
	key := opKey(cqe.UserData)
	if key.isPollCompletion() {
		// The poll half of a linked pair carries no callback; only the
		// read/write half (same low bits, high bit clear) does.
		return
	}

	rec, ok := e.operations[key]
	if !ok {
		// Already disposed, or a stray completion for a key we no longer
		// track; safe to drop.
		return
	}
	delete(e.operations, key)

	if rec.kind == recordRead || rec.kind == recordWrite {
		rec.unpin()
		e.iovecFree = append(e.iovecFree, rec.iovecIdx)
	}

	cb, state, data := rec.callback, rec.state, rec.data
	e.pool.ret(rec)
	cb(syscallResult(cqe.Res), state, data)
}

// Dispose releases the ring. The iovec table and operation pool are
// ordinary Go memory and need no explicit release.
func (e *ExecutionQueue) Dispose() {
	e.ring.QueueExit()
}
