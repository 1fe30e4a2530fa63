package chunk

import (
	"fmt"
	"sync/atomic"

	"github.com/inflow-io/inflow/utils/pool"
)

// Pool recycles fixed-size buffers between transports and decoders. It
// tracks how many buffers are out so tests can assert retain/release
// balance at teardown.
type Pool struct {
	size  int
	free  *pool.SlicePool[*Buffer]
	inUse atomic.Int64
}

func NewPool(size int) *Pool {
	if size < 1 {
		panic("assertion error: size < 1")
	}
	return &Pool{size: size, free: pool.NewSlicePool[*Buffer]()}
}

// Acquire returns a buffer with one reference held by the caller.
func (p *Pool) Acquire() *Buffer {
	p.inUse.Add(1)

	buf, ok := p.free.Acquire()
	if !ok {
		buf = &Buffer{b: make([]byte, p.size), pool: p}
	}
	buf.refs.Store(1)
	return buf
}

func (p *Pool) put(buf *Buffer) {
	p.inUse.Add(-1)
	p.free.Release(buf)
}

// InUse returns the number of buffers not yet released back. Non-zero at
// suite teardown means a retain/release leak.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Buffer is a pooled, reference-counted byte buffer. It crosses goroutine
// boundaries without the serialized queue, so the count alone guards it.
type Buffer struct {
	b    []byte
	refs atomic.Int32
	pool *Pool
}

func (b *Buffer) Bytes() []byte { return b.b }

// Release drops the caller's reference. The final release recycles the
// buffer into its pool. Buffers wrapped in a Chunk are released through
// the chunk instead.
func (b *Buffer) Release() { b.release() }

func (b *Buffer) retain() {
	for {
		r := b.refs.Load()
		if r <= 0 {
			panic(fmt.Sprintf("retain after release to zero (refs=%d)", r))
		}
		if b.refs.CompareAndSwap(r, r+1) {
			return
		}
	}
}

func (b *Buffer) release() {
	r := b.refs.Add(-1)
	switch {
	case r > 0:
	case r == 0:
		b.pool.put(b)
	default:
		panic(fmt.Sprintf("release of already released buffer (refs=%d)", r))
	}
}
