package chunk

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRetainRelease(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	pool := NewPool(16)
	buf := pool.Acquire()
	a.Equal(1, pool.InUse())

	c := FromBuffer(buf, 4, false)
	c.Retain()
	c.Release()
	a.Equal(1, pool.InUse(), "still one live reference")
	c.Release()
	a.Equal(0, pool.InUse())

	a.Panics(func() { c.Retain() }, "retain after release to zero")
	a.Panics(func() { c.Release() }, "double release")
}

func TestPoolRecycles(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	pool := NewPool(8)
	buf := pool.Acquire()
	buf.release()
	again := pool.Acquire()
	a.Same(buf, again)
	again.release()
	a.Equal(0, pool.InUse())
}

func TestBufferDirectRelease(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// producers that never wrapped the buffer in a chunk release it directly
	pool := NewPool(8)
	buf := pool.Acquire()
	a.Equal(1, pool.InUse())
	buf.Release()
	a.Equal(0, pool.InUse())
	a.Panics(func() { buf.Release() }, "double release")
}

func TestPoolConcurrentBalance(t *testing.T) {
	t.Parallel()

	pool := NewPool(32)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c := FromBuffer(pool.Acquire(), 1, false)
				c.Retain()
				c.Release()
				c.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, pool.InUse())
}

func TestSentinels(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.True(EOF.Last())
	a.True(EOF.IsTerminal())
	a.NoError(EOF.Err())

	errBoom := errors.New("boom")
	f := Failure(errBoom, true)
	a.True(f.IsTerminal())
	a.ErrorIs(f.Err(), errBoom)

	transient := Failure(errBoom, false)
	a.False(transient.IsTerminal())

	// Retain/Release are harmless on unpooled chunks.
	w := Wrap([]byte("x"), false)
	w.Retain()
	w.Release()
	a.False(w.IsEmpty())
	a.True(Wrap(nil, false).IsEmpty())
}

func TestNextChaining(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	errBoom := errors.New("boom")

	a.Nil(Next(Wrap([]byte("data"), false)))
	a.Same(EOF, Next(Wrap(nil, true)))
	a.Same(EOF, Next(EOF))

	n := Next(Failure(errBoom, true))
	require.NotNil(t, n)
	a.ErrorIs(n.Err(), errBoom)
	a.True(n.Last())

	a.Nil(Next(Failure(errBoom, false)), "transient failure does not stick")
}
