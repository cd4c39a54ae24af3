package ioengine

import "github.com/cloudwego/gopkg/cache/mempool"

// GetBuffer rents a byte slice of exactly size bytes from a size-bucketed
// pool. The returned slice must be passed to PutBuffer, not simply
// discarded, once its kernel operation has completed.
func GetBuffer(size int) []byte {
	return mempool.Malloc(size)
}

// PutBuffer returns a slice obtained from GetBuffer to its pool. buf must
// not be used again afterward.
func PutBuffer(buf []byte) {
	mempool.Free(buf)
}
