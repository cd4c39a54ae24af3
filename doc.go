// Package ioengine implements an asynchronous socket I/O core on top of
// Linux io_uring.
//
// Three pieces cooperate: an ExecutionQueue owns a single io_uring instance
// and turns buffer submissions into completions; a SocketOperationQueue
// keeps per-socket, per-direction operations in strict FIFO order and
// hands the head operation to the I/O thread when there's work to do; and
// an AsyncOperation is the state machine a concrete request (receive, send)
// runs through — try a non-blocking syscall first, fall back to the ring,
// interpret the CQE when it arrives.
//
// Socket creation, accept/connect flows and the awaitable wrappers client
// code uses to await a completion are not part of this package; it only
// speaks the callback contracts described by AsyncExecutionCallback and
// the OnComplete field each concrete AsyncOperation exposes.
package ioengine
