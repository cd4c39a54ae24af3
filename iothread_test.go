package ioengine

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startTestThread brings up an ExecutionQueue + IOThread pair and tears it
// down at test end.
func startTestThread(t *testing.T) (*ExecutionQueue, *IOThread) {
	t.Helper()
	eq := newTestExecutionQueue(t)
	thread := NewIOThread(eq)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- thread.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("IOThread.Run did not return after cancellation")
		}
	})
	return eq, thread
}

func requireResult(t *testing.T, ch chan OpResult) OpResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation completion")
		return OpResult{}
	}
}

func TestAsyncRecvOnEmptySocket(t *testing.T) {
	eq, thread := startTestThread(t)
	a, b := testSocketpair(t)

	q := NewSocketOperationQueue(eq, DirectionRead, thread.Post)
	buf := make([]byte, 1024)
	done := make(chan OpResult, 1)
	op := NewReceiveOperation(q, b, buf, func(res OpResult) { done <- res })

	queued, err := q.ExecuteAsync(op, true)
	require.NoError(t, err)
	require.True(t, queued, "nothing written yet, so the sync fast path must not complete")

	_, err = syscall.Write(a, []byte("X"))
	require.NoError(t, err)

	res := requireResult(t, done)
	require.Equal(t, CompletedFinishedAsync, res.Flags)
	require.Equal(t, 1, res.BytesTransferred)
	require.Equal(t, "X", string(buf[:1]))
}

func TestFIFOWithinDirection(t *testing.T) {
	eq, thread := startTestThread(t)
	a, b := testSocketpair(t)

	q := NewSocketOperationQueue(eq, DirectionRead, thread.Post)

	results := make(chan struct {
		seq int
		res OpResult
	}, 2)

	buf1 := make([]byte, 10)
	buf2 := make([]byte, 10)
	op1 := NewReceiveOperation(q, b, buf1, func(res OpResult) {
		results <- struct {
			seq int
			res OpResult
		}{1, res}
	})
	op2 := NewReceiveOperation(q, b, buf2, func(res OpResult) {
		results <- struct {
			seq int
			res OpResult
		}{2, res}
	})

	_, err := q.ExecuteAsync(op1, false)
	require.NoError(t, err)
	_, err = q.ExecuteAsync(op2, false)
	require.NoError(t, err)

	_, err = syscall.Write(a, []byte("AAAAA")) // 5 bytes, satisfies op1 only
	require.NoError(t, err)

	first := requireResultTagged(t, results)
	require.Equal(t, 1, first.seq)
	require.Equal(t, 5, first.res.BytesTransferred)

	_, err = syscall.Write(a, []byte("BBBBB")) // 5 bytes, satisfies op2
	require.NoError(t, err)

	second := requireResultTagged(t, results)
	require.Equal(t, 2, second.seq)
	require.Equal(t, 5, second.res.BytesTransferred)
}

func requireResultTagged(t *testing.T, ch chan struct {
	seq int
	res OpResult
}) struct {
	seq int
	res OpResult
} {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tagged operation completion")
		return struct {
			seq int
			res OpResult
		}{}
	}
}

func TestZeroByteReadinessProbeCompletesWithoutReadv(t *testing.T) {
	eq, thread := startTestThread(t)
	a, b := testSocketpair(t)

	q := NewSocketOperationQueue(eq, DirectionRead, thread.Post)
	done := make(chan OpResult, 1)
	op := NewReceiveOperation(q, b, nil, func(res OpResult) { done <- res })

	queued, err := q.ExecuteAsync(op, false)
	require.NoError(t, err)
	require.True(t, queued)

	_, err = syscall.Write(a, []byte("ping"))
	require.NoError(t, err)

	res := requireResult(t, done)
	require.Equal(t, CompletedFinishedAsync, res.Flags)
	require.Equal(t, 0, res.BytesTransferred, "a zero-byte probe reports readiness, not a byte count")
}

func TestSendThenRecvRoundTrip(t *testing.T) {
	eq, thread := startTestThread(t)
	a, b := testSocketpair(t)

	sendQ := NewSocketOperationQueue(eq, DirectionWrite, thread.Post)
	recvQ := NewSocketOperationQueue(eq, DirectionRead, thread.Post)

	payload := []byte("round trip payload")
	sendDone := make(chan OpResult, 1)
	sendOp := NewSendOperation(sendQ, a, payload, func(res OpResult) { sendDone <- res })
	_, err := sendQ.ExecuteAsync(sendOp, true)
	require.NoError(t, err)

	sres := requireResult(t, sendDone)
	require.Equal(t, len(payload), sres.BytesTransferred)

	recvBuf := make([]byte, 64)
	recvDone := make(chan OpResult, 1)
	recvOp := NewReceiveOperation(recvQ, b, recvBuf, func(res OpResult) { recvDone <- res })
	_, err = recvQ.ExecuteAsync(recvOp, true)
	require.NoError(t, err)

	rres := requireResult(t, recvDone)
	require.Equal(t, len(payload), rres.BytesTransferred)
	require.Equal(t, payload, recvBuf[:rres.BytesTransferred])
}
