package codec

import (
	"errors"
	"io"
	"sync"

	"github.com/inflow-io/inflow/chunk"
)

var errPumpClosed = errors.New("codec: decoder closed")

// event is one step of the pump goroutine: decoded output, a request for
// more compressed input, stream completion, or a decode error.
type event struct {
	buf       *chunk.Buffer
	n         int
	needInput bool
	finished  bool
	rest      []byte
	err       error
}

// pump runs a pull-style decompressor on its own goroutine and exposes it
// as a push-style inflater: feed compressed bytes in, collect decoded
// output, observe needs-input and finished. Goroutine and consumer
// alternate in lockstep over unbuffered channels, so exactly one of them
// runs at a time and no event is ever dropped or reordered.
type pump struct {
	pool   *chunk.Pool
	resume chan []byte
	events chan event
	quit   chan struct{}

	in        []byte // staging buffer, owned by the consumer side
	waitInput bool   // goroutine parked on resume
	fin       bool
	restBytes []byte
	ended     bool
	closeOnce sync.Once
}

// newPump starts the decompressor built by open over the pump's feed.
// open runs on the pump goroutine: a decompressor that reads its header
// eagerly simply parks the pump on needs-input.
func newPump(pool *chunk.Pool, open func(io.Reader) (io.Reader, error)) *pump {
	p := &pump{
		pool:   pool,
		resume: make(chan []byte),
		events: make(chan event),
		quit:   make(chan struct{}),
	}
	go p.run(open)
	return p
}

// step advances the pump by one event. A non-nil chunk delivers decoded
// bytes (caller releases). (nil, nil) means the pump is parked: check
// needsInput and finished.
func (p *pump) step() (*chunk.Chunk, error) {
	if p.waitInput || p.fin {
		return nil, nil
	}
	select {
	case ev := <-p.events:
		switch {
		case ev.err != nil:
			p.fin = true
			return nil, ev.err
		case ev.needInput:
			p.waitInput = true
			return nil, nil
		case ev.finished:
			p.fin = true
			p.restBytes = ev.rest
			return nil, nil
		default:
			return chunk.FromBuffer(ev.buf, ev.n, false), nil
		}
	case <-p.quit:
		return nil, errPumpClosed
	}
}

func (p *pump) needsInput() bool { return p.waitInput && !p.fin && !p.ended }
func (p *pump) finished() bool   { return p.fin }

// rest returns input bytes the decompressor left unconsumed when it
// finished; for deflate over a byte reader this is exactly the member
// trailer. Valid until the next feed.
func (p *pump) rest() []byte { return p.restBytes }

// feed hands over the next compressed bytes. Legal only when needsInput
// reports true. The bytes are copied; the caller keeps ownership of b.
func (p *pump) feed(b []byte) {
	if !p.waitInput || p.ended {
		panic("pump: feed without needsInput")
	}
	if len(b) == 0 {
		return
	}
	p.in = append(p.in[:0], b...)
	select {
	case p.resume <- p.in:
		p.waitInput = false
	case <-p.quit:
	}
}

// end marks the input stream exhausted: the decompressor observes EOF on
// its next refill.
func (p *pump) end() {
	if p.ended {
		return
	}
	p.ended = true
	close(p.resume)
	p.waitInput = false
}

// close tears the pump goroutine down. Safe to call at any point and more
// than once; pending pooled buffers are released.
func (p *pump) close() {
	p.closeOnce.Do(func() { close(p.quit) })
}

func (p *pump) run(open func(io.Reader) (io.Reader, error)) {
	feed := &feedReader{resume: p.resume, events: p.events, quit: p.quit}
	r, err := open(feed)
	if err != nil {
		p.emit(event{err: err})
		return
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	for {
		buf := p.pool.Acquire()
		n, err := r.Read(buf.Bytes())
		if n > 0 {
			if !p.emit(event{buf: buf, n: n}) {
				return
			}
		} else {
			buf.Release()
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.emit(event{finished: true, rest: feed.cur})
			return
		case errors.Is(err, errPumpClosed):
			return
		default:
			p.emit(event{err: err})
			return
		}
	}
}

func (p *pump) emit(ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.quit:
		if ev.buf != nil {
			ev.buf.Release()
		}
		return false
	}
}

// feedReader is the decompressor's view of the feed. It implements
// io.ByteReader so deflate consumes exactly the bytes it needs, leaving
// trailer bytes recoverable via rest.
type feedReader struct {
	resume <-chan []byte
	events chan<- event
	quit   <-chan struct{}
	cur    []byte
	eof    bool
}

func (f *feedReader) refill() error {
	if f.eof {
		return io.EOF
	}
	select {
	case f.events <- event{needInput: true}:
	case <-f.quit:
		return errPumpClosed
	}
	select {
	case b, ok := <-f.resume:
		if !ok {
			f.eof = true
			return io.EOF
		}
		f.cur = b
		return nil
	case <-f.quit:
		return errPumpClosed
	}
}

func (f *feedReader) Read(b []byte) (int, error) {
	for len(f.cur) == 0 {
		if err := f.refill(); err != nil {
			return 0, err
		}
	}
	n := copy(b, f.cur)
	f.cur = f.cur[n:]
	return n, nil
}

func (f *feedReader) ReadByte() (byte, error) {
	for len(f.cur) == 0 {
		if err := f.refill(); err != nil {
			return 0, err
		}
	}
	c := f.cur[0]
	f.cur = f.cur[1:]
	return c, nil
}
