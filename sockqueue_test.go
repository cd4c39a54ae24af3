package ioengine

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSocketOperationQueueSyncFastPath(t *testing.T) {
	a, b := testSocketpair(t)
	_, err := syscall.Write(a, []byte("HELLO"))
	require.NoError(t, err)

	q := NewSocketOperationQueue(nil, DirectionRead, func(func()) {
		t.Fatalf("sync fast path must not post to the I/O thread")
	})

	buf := make([]byte, 1024)
	done := make(chan OpResult, 1)
	op := NewReceiveOperation(q, b, buf, func(res OpResult) { done <- res })

	queued, err := q.ExecuteAsync(op, true)
	require.NoError(t, err)
	require.False(t, queued)

	res := <-done
	require.Equal(t, CompletedFinishedSync, res.Flags)
	require.Equal(t, 5, res.BytesTransferred)
	require.Equal(t, "HELLO", string(buf[:res.BytesTransferred]))
}

func TestSocketOperationQueueSyncFastPathFallsBackWhenEmpty(t *testing.T) {
	// Nothing written to the socket: TryExecuteSync must return false
	// (EAGAIN) and ExecuteAsync must fall through to queuing instead of
	// completing inline.
	_, b := testSocketpair(t)

	posted := make(chan struct{}, 1)
	q := NewSocketOperationQueue(nil, DirectionRead, func(fn func()) {
		posted <- struct{}{}
	})

	buf := make([]byte, 16)
	op := NewReceiveOperation(q, b, buf, func(OpResult) {})

	queued, err := q.ExecuteAsync(op, true)
	require.NoError(t, err)
	require.True(t, queued)
	require.Len(t, posted, 1)
}

func TestSocketOperationQueueDisposeCancelsPending(t *testing.T) {
	var results []OpResult
	q := NewSocketOperationQueue(nil, DirectionRead, func(func()) {})

	for i := 0; i < 3; i++ {
		op := NewReceiveOperation(q, -1, make([]byte, 4), func(res OpResult) {
			results = append(results, res)
		})
		queued, err := q.ExecuteAsync(op, false)
		require.NoError(t, err)
		require.True(t, queued)
	}

	require.True(t, q.Dispose())
	require.False(t, q.Dispose(), "dispose must be idempotent")

	require.Len(t, results, 3)
	for _, res := range results {
		require.Equal(t, CompletedCanceled, res.Flags)
	}
}

func TestSocketOperationQueueRejectsAfterDispose(t *testing.T) {
	q := NewSocketOperationQueue(nil, DirectionRead, func(func()) {})
	require.True(t, q.Dispose())

	op := NewReceiveOperation(q, -1, make([]byte, 4), func(OpResult) {})
	_, err := q.ExecuteAsync(op, false)
	require.ErrorIs(t, err, ErrQueueDisposed)
}
