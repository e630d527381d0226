package utils

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable byte buffers for relay reads and head capture.
// bytebufferpool calibrates its size classes from what is returned to it.
type BufferPool struct {
	pool *bytebufferpool.Pool
}

var (
	globalPool     *BufferPool
	globalPoolOnce sync.Once
)

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: &bytebufferpool.Pool{},
	}
}

// Get retrieves an empty buffer from the pool
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	return bp.pool.Get()
}

// GetSized retrieves a buffer whose B has length n, ready to be read into.
func (bp *BufferPool) GetSized(n int) *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	} else {
		buf.B = buf.B[:n]
	}
	return buf
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	bp.pool.Put(buf)
}

// Global returns the process-wide pool
func Global() *BufferPool {
	globalPoolOnce.Do(func() {
		globalPool = NewBufferPool()
	})
	return globalPool
}

// Get uses the global pool
func Get() *bytebufferpool.ByteBuffer {
	return Global().Get()
}

// GetSized uses the global pool
func GetSized(n int) *bytebufferpool.ByteBuffer {
	return Global().GetSized(n)
}

// Put uses the global pool
func Put(buf *bytebufferpool.ByteBuffer) {
	Global().Put(buf)
}
