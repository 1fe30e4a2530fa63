// Package h2 receives HTTP/2 responses off a multiplexed connection and
// feeds per-stream receive events into one response receiver per stream.
// The connection read loop splits frames and dispatches them to frame-type
// processors; DATA payloads are staged per stream and replenish the
// inbound connection window once a quarter of it was consumed.
package h2

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/consts"
	"github.com/inflow-io/inflow/receiver"
)

type Conn struct {
	conn      net.Conn
	log       *zap.Logger
	pool      *chunk.Pool
	streams   *streamMap
	processor *processor
	outFrames chan []byte
	opts      []receiver.Opt
	buf1      []byte
	buf2      []byte
}

func NewConn(log *zap.Logger, conn net.Conn, opts ...receiver.Opt) *Conn {
	c := &Conn{
		conn:      conn,
		log:       log.Named("h2"),
		pool:      chunk.NewPool(consts.ReceiveBufferSize),
		streams:   newStreamMap(),
		outFrames: make(chan []byte, 16),
		opts:      opts,
		buf1:      make([]byte, consts.ReceiveBufferSize),
		buf2:      make([]byte, consts.ReceiveBufferSize),
	}
	c.processor = newProcessor(c)
	return c
}

// NewStream registers an exchange under a stream ID and returns the
// stream whose receiver will consume that stream's frames.
func (c *Conn) NewStream(id uint32, ex *receiver.Exchange) *Stream {
	s := &Stream{id: id, conn: c, ex: ex}
	s.recv = receiver.New(s, c.opts...)
	c.streams.set(id, s)
	return s
}

// Run drives the connection: one goroutine reads the socket into two
// alternating buffers, one splits and processes frames, one writes
// control frames back. It returns when the peer goes away, the context
// is done or reading fails; every live stream is failed with the cause.
func (c *Conn) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	ch := make(chan []byte)
	g.Go(func() error {
		return c.processor.run(ch)
	})
	g.Go(func() error {
		defer close(ch)
		for ctx.Err() == nil {
			if err := c.read(ctx, ch, c.buf1); err != nil {
				return err
			}
			if err := c.read(ctx, ch, c.buf2); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case b := <-c.outFrames:
				if _, err := c.conn.Write(b); err != nil {
					return fmt.Errorf("writing control frame: %w", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	c.failAll(err)
	return err
}

func (c *Conn) read(ctx context.Context, ch chan<- []byte, b []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	n, err := c.conn.Read(b)
	if err != nil {
		return fmt.Errorf("reading error: %w", err)
	}
	b = b[:n]

	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) failAll(err error) {
	var streams []*Stream
	c.streams.each(func(s *Stream) { streams = append(streams, s) })
	for _, s := range streams {
		c.streams.delete(s.id)
		s.fail(err)
	}
}

// sendControl queues a control frame for the writer without ever blocking
// the caller: on a dying connection the frame is pointless anyway.
func (c *Conn) sendControl(b []byte) {
	select {
	case c.outFrames <- b:
	default:
		c.log.Debug("control frame dropped", zap.Int("len", len(b)))
	}
}

// Stream is one multiplexed response stream. It implements the raw-chunk
// pull primitive for its exchange's content source: DATA payloads are
// queued here and popped by the consumer.
type Stream struct {
	id   uint32
	conn *Conn
	ex   *receiver.Exchange
	recv *receiver.Receiver

	// processor-goroutine state
	begun       bool
	headersDone bool
	ended       bool
	lastQueued  bool
	status      int

	mu     sync.Mutex
	queue  []*chunk.Chunk
	closed bool
}

func (s *Stream) Receiver() *receiver.Receiver { return s.recv }

func (s *Stream) onPseudoHeader(name, value string) {
	if s.headersDone || s.begun {
		return
	}
	if name == ":status" {
		s.status, _ = strconv.Atoi(value)
	}
}

func (s *Stream) onHeaderField(name, value string) {
	if s.headersDone {
		s.recv.ResponseTrailer(s.ex, receiver.Field{Name: name, Value: value})
		return
	}
	s.ensureBegun()
	s.recv.ResponseHeader(s.ex, receiver.Field{Name: name, Value: value})
}

func (s *Stream) ensureBegun() {
	if s.begun {
		return
	}
	s.begun = true
	s.ex.Response.Version = "HTTP/2.0"
	s.ex.Response.Status = s.status
	s.recv.ResponseBegin(s.ex)
}

// endHeaderBlock fires the end-of-headers event. An interim status keeps
// the stream open for the next header block.
func (s *Stream) endHeaderBlock() {
	if s.headersDone {
		return // trailer block, fields already forwarded
	}
	s.ensureBegun()
	s.recv.ResponseHeaders(s.ex)
	if interim(s.status) {
		s.recv.ResponseSuccess(s.ex, nil)
		s.begun = false
		s.status = 0
		return
	}
	s.headersDone = true
}

// pushData queues one DATA payload piece for the consumer. Empty pieces
// are queued only as the end-of-stream sentinel.
func (s *Stream) pushData(payload []byte, last bool) {
	var ck *chunk.Chunk
	switch {
	case len(payload) > 0:
		buf := s.conn.pool.Acquire()
		n := copy(buf.Bytes(), payload)
		ck = chunk.FromBuffer(buf, n, last)
	case last:
		ck = chunk.EOF
	default:
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ck.Release()
		return
	}
	s.queue = append(s.queue, ck)
	s.mu.Unlock()

	if last {
		s.lastQueued = true
	}
	s.recv.ResponseContentAvailable(s.ex)
}

// endStream completes the exchange. A terminal chunk is guaranteed to be
// queued first so the consumer always observes end of content.
func (s *Stream) endStream() {
	if s.ended {
		return
	}
	s.ended = true
	if !s.lastQueued {
		s.pushData(nil, true)
	}
	s.recv.ResponseSuccess(s.ex, nil)
}

func (s *Stream) fail(err error) {
	s.drop()
	if s.ex.MarkResponseComplete(err) {
		s.recv.Abort(s.ex, err, nil)
	}
}

func (s *Stream) drop() {
	s.mu.Lock()
	s.closed = true
	for _, ck := range s.queue {
		ck.Release()
	}
	s.queue = nil
	s.mu.Unlock()
}

// Read pops the next queued chunk. The frame loop signals availability
// eagerly, so fill interest needs no extra bookkeeping.
func (s *Stream) Read(bool) *chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	ck := s.queue[0]
	s.queue = s.queue[1:]
	return ck
}

// FailAndClose resets this stream without touching the rest of the
// connection.
func (s *Stream) FailAndClose(err error) {
	s.conn.log.Debug("stream reset",
		zap.Uint32("stream", s.id), zap.Error(err))
	s.conn.streams.delete(s.id)
	s.drop()

	rst := make([]byte, 9+4)
	frameHeader(rst).fill(4, http2.FrameRSTStream, 0, s.id)
	binary.BigEndian.PutUint32(rst[9:], uint32(http2.ErrCodeCancel))
	s.conn.sendControl(rst)
}

// streamMap is a locked stream store keyed by stream ID.
type streamMap struct {
	mu sync.RWMutex
	m  map[uint32]*Stream
}

func newStreamMap() *streamMap {
	return &streamMap{m: make(map[uint32]*Stream, 64)}
}

func (s *streamMap) set(id uint32, stream *Stream) {
	s.mu.Lock()
	s.m[id] = stream
	s.mu.Unlock()
}

func (s *streamMap) get(id uint32) *Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[id]
}

func (s *streamMap) getAndDelete(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.m[id]
	if stream != nil {
		delete(s.m, id)
	}
	return stream
}

func (s *streamMap) delete(id uint32) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (s *streamMap) each(fn func(*Stream)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stream := range s.m {
		fn(stream)
	}
}

func interim(status int) bool {
	return status >= 100 && status < 200 && status != 101
}
