package serialcomm

import (
	"sync"

	"go.uber.org/atomic"
)

const (
	// readChunkSize is the pooled buffer size used for each drain read. It
	// matches the typical OS serial input queue.
	readChunkSize = 4096

	// MaxFrameSize bounds a single accumulated response. Reads stop
	// accumulating past this size.
	MaxFrameSize = 1024 * 1024
)

// BufferPool manages reusable byte buffers for I/O operations
type BufferPool struct {
	pool sync.Pool
	size int

	gets    atomic.Int64
	puts    atomic.Int64
	creates atomic.Int64
}

// NewBufferPool creates a buffer pool with fixed-size buffers
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{
		size: bufferSize,
	}
	bp.pool = sync.Pool{
		New: func() any {
			bp.creates.Inc()
			return make([]byte, bufferSize)
		},
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() []byte {
	bp.gets.Inc()
	return bp.pool.Get().([]byte)
}

// Put returns a buffer to the pool (clears it first)
func (bp *BufferPool) Put(buf []byte) {
	if len(buf) != bp.size {
		return // Don't pool incorrectly sized buffers
	}
	bp.puts.Inc()

	clear(buf)
	bp.pool.Put(buf)
}

// Stats returns pool usage statistics
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Size:    bp.size,
		Gets:    bp.gets.Load(),
		Puts:    bp.puts.Load(),
		Creates: bp.creates.Load(),
	}
}

// PoolStats contains buffer pool usage statistics
type PoolStats struct {
	Size    int   // Buffer size managed by this pool
	Gets    int64 // Number of Get() calls
	Puts    int64 // Number of Put() calls
	Creates int64 // Number of new buffers created
}

// HitRatio returns the cache hit ratio (0.0 to 1.0)
func (ps PoolStats) HitRatio() float64 {
	if ps.Gets == 0 {
		return 0.0
	}
	return 1.0 - (float64(ps.Creates) / float64(ps.Gets))
}

var chunkPool = NewBufferPool(readChunkSize)
