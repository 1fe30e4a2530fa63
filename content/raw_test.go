package content

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/utils/invoker"
)

type fakeTransport struct {
	mu           sync.Mutex
	chunks       []*chunk.Chunk
	fillInterest int
	closeCalls   int
	closeCause   error
	onRead       func()
}

func (t *fakeTransport) push(c *chunk.Chunk) {
	t.mu.Lock()
	t.chunks = append(t.chunks, c)
	t.mu.Unlock()
}

func (t *fakeTransport) Read(fillInterest bool) *chunk.Chunk {
	if t.onRead != nil {
		t.onRead()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.chunks) == 0 {
		if fillInterest {
			t.fillInterest++
		}
		return nil
	}
	c := t.chunks[0]
	t.chunks = t.chunks[1:]
	return c
}

func (t *fakeTransport) FailAndClose(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	if t.closeCause == nil {
		t.closeCause = err
	}
}

func TestRawSourceRead(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{}
	s := NewRawSource(invoker.New(), tr)

	a.Nil(s.Read(), "nothing buffered, nothing ready")

	tr.push(chunk.Wrap([]byte("one"), false))
	tr.push(chunk.Wrap(nil, true))
	a.Equal([]byte("one"), s.Read().Bytes())

	c := s.Read()
	require.NotNil(t, c)
	a.True(c.Last())
	// EOF is sticky
	a.True(s.Read().Last())
	a.True(s.Read().Last())
}

func TestRawSourceDemand(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{}
	s := NewRawSource(invoker.New(), tr)

	calls := 0
	s.Demand(func() { calls++ })
	a.Zero(calls, "no data yet")
	a.Equal(1, tr.fillInterest, "demand with empty transport registers fill interest")

	tr.push(chunk.Wrap([]byte("x"), false))
	s.OnDataAvailable()
	a.Equal(1, calls, "demand fulfilled exactly once")

	s.OnDataAvailable()
	a.Equal(1, calls, "no outstanding demand, no callback")

	a.Equal([]byte("x"), s.Read().Bytes())
}

func TestRawSourceDemandMisuse(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	s := NewRawSource(invoker.New(), &fakeTransport{})
	a.Panics(func() { s.Demand(nil) })

	s.Demand(func() {})
	a.Panics(func() { s.Demand(func() {}) }, "double registration")
}

func TestRawSourceFailIdempotent(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{}
	s := NewRawSource(invoker.New(), tr)

	err1 := errors.New("primary")
	err2 := errors.New("secondary")
	s.Fail(err1)
	s.Fail(err2)

	a.Equal(1, tr.closeCalls, "transport closed exactly once")
	a.ErrorIs(tr.closeCause, err1)

	c := s.Read()
	require.NotNil(t, c)
	a.ErrorIs(c.Err(), err1)
	a.ErrorIs(c.Err(), err2, "second cause preserved as secondary")
	a.Equal(err1, multierr.Errors(c.Err())[0], "first failure stays primary")

	// failure is sticky
	a.Error(s.Read().Err())
}

func TestRawSourceFailWakesDemand(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	s := NewRawSource(invoker.New(), &fakeTransport{})
	woken := 0
	s.Demand(func() { woken++ })
	a.Zero(woken)

	s.Fail(errors.New("boom"))
	a.Equal(1, woken, "failing producer wakes the waiting consumer")
	a.Error(s.Read().Err())
}

func TestRawSourceFailDuringReadRace(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	pool := chunk.NewPool(8)
	tr := &fakeTransport{}
	s := NewRawSource(invoker.New(), tr)

	errBoom := errors.New("boom")
	buf := pool.Acquire()
	tr.push(chunk.FromBuffer(buf, 3, false))
	// the failure lands between the transport read and the buffer check
	tr.onRead = func() {
		tr.onRead = nil
		s.Fail(errBoom)
	}

	c := s.Read()
	require.NotNil(t, c)
	a.ErrorIs(c.Err(), errBoom, "failure wins the race")
	a.Equal(0, pool.InUse(), "losing chunk was released")
	a.Equal(1, tr.closeCalls)
}

func TestRawSourceSingleOccupancy(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	tr := &fakeTransport{}
	s := NewRawSource(invoker.New(), tr)

	tr.push(chunk.Wrap([]byte("a"), false))
	tr.push(chunk.Wrap([]byte("b"), false))

	fulfilled := 0
	s.Demand(func() { fulfilled++ })
	a.Equal(1, fulfilled)

	// the second chunk stays in the transport until the first is consumed
	a.Equal([]byte("a"), s.Read().Bytes())
	a.Equal([]byte("b"), s.Read().Bytes())
	a.Nil(s.Read())
}
