// Package pool provides reusable I/O buffers for archive runs.
//
// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items are dropped during garbage
// collection, so it suits short-lived objects like copy buffers.
package pool

import "sync"

// minBufferSize is the smallest buffer a FixedBufferPool hands out.
const minBufferSize = 4 * 1024

// FixedBufferPool hands out byte slices of one fixed size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte buffers. Sizes below 4KB are raised to 4KB.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size < minBufferSize {
		size = minBufferSize
	}
	fp := &FixedBufferPool{size: size}
	fp.pool.New = func() any {
		b := make([]byte, int(size))
		return &b
	}
	return fp
}

// Size returns the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int64 { return fp.size }

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of a foreign size are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
