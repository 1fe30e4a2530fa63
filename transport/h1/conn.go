// Package h1 receives HTTP/1.1 responses off a net.Conn and feeds them,
// event by event, into a response receiver. It implements the raw-chunk
// pull primitive handed to content sources: one parsed body chunk is
// staged at a time, reads from the wire pause until the consumer drains
// the slot.
package h1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/indigo-web/chunkedbody"

	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/consts"
	"github.com/inflow-io/inflow/receiver"
)

var (
	ErrMalformedResponse = errors.New("h1: malformed response")
	ErrContentLength     = errors.New("h1: multiple differing content-length headers")
)

type framingMode int8

const (
	framingNone framingMode = iota
	framingLength
	framingChunked
	framingUntilClose
)

type framing struct {
	mode          framingMode
	contentLength int64
	hasTrailer    bool
}

type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	tp   *textproto.Reader
	recv *receiver.Receiver
	pool *chunk.Pool

	chunked *chunkedbody.Parser
	scratch []byte
	idle    time.Duration

	mu         sync.Mutex
	cond       *sync.Cond
	pending    *chunk.Chunk
	closed     bool
	closeCause error
}

func NewConn(conn net.Conn, opts ...receiver.Opt) *Conn {
	c := &Conn{
		conn:    conn,
		pool:    chunk.NewPool(consts.ReceiveBufferSize),
		chunked: chunkedbody.NewParser(chunkedbody.DefaultSettings()),
		scratch: make([]byte, consts.ReceiveBufferSize),
		idle:    consts.DefaultIdleTimeout,
	}
	c.cond = sync.NewCond(&c.mu)
	c.br = bufio.NewReader(conn)
	c.tp = textproto.NewReader(c.br)
	c.recv = receiver.New(c, opts...)
	return c
}

// Receiver exposes the state machine this connection feeds.
func (c *Conn) Receiver() *receiver.Receiver { return c.recv }

// SetIdleTimeout bounds how long the wire may stay silent between reads.
// Zero disables the bound. Expiry surfaces as a read error and aborts the
// exchange like any other I/O failure.
func (c *Conn) SetIdleTimeout(d time.Duration) { c.idle = d }

// touch pushes the read deadline forward; called before every wire read.
func (c *Conn) touch() {
	if c.idle > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
	}
}

// Receive consumes one exchange's response off the wire, interim blocks
// included, blocking until the terminal event fired. Wire errors abort
// the exchange before being returned.
func (c *Conn) Receive(ex *receiver.Exchange) error {
	for {
		status, fr, err := c.readHead(ex)
		if err != nil {
			return c.abort(err)
		}
		if interim(status) {
			c.recv.ResponseSuccess(ex, nil)
			continue
		}
		if err := c.readBody(ex, fr); err != nil {
			return c.abort(err)
		}
		c.recv.ResponseSuccess(ex, nil)
		return nil
	}
}

func (c *Conn) abort(err error) error {
	c.recv.ResponseFailure(err, nil)
	return err
}

// readHead parses the status line and header block, emitting begin and
// per-field events, and decides the body framing.
func (c *Conn) readHead(ex *receiver.Exchange) (status int, fr framing, err error) {
	c.touch()
	line, err := c.tp.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, fr, fmt.Errorf("reading status line: %w", err)
	}

	version, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(version, "HTTP/") {
		return 0, fr, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err = strconv.Atoi(code)
	if err != nil || status < 100 || status > 599 {
		return 0, fr, fmt.Errorf("%w: status %q", ErrMalformedResponse, code)
	}

	resp := ex.Response
	resp.Version = version
	resp.Status = status
	resp.Reason = reason
	c.recv.ResponseBegin(ex)

	var (
		contentLengths []string
		isChunked      bool
		hasTrailer     bool
	)
	for {
		line, err = c.tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, fr, fmt.Errorf("reading header: %w", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return 0, fr, fmt.Errorf("%w: header %q", ErrMalformedResponse, line)
		}
		value = textproto.TrimString(value)

		switch {
		case strings.EqualFold(name, "Content-Length"):
			contentLengths = append(contentLengths, value)
		case strings.EqualFold(name, "Transfer-Encoding"):
			isChunked = isChunked || strings.EqualFold(lastToken(value), "chunked")
		case strings.EqualFold(name, "Trailer"):
			hasTrailer = true
		}
		c.recv.ResponseHeader(ex, receiver.Field{Name: name, Value: value})
	}

	// per RFC 7230 §3.3.2: differing repeated Content-Length values are a
	// smuggling vector, not a recoverable response
	var contentLength int64 = -1
	if len(contentLengths) > 0 {
		first := contentLengths[0]
		for _, cl := range contentLengths[1:] {
			if cl != first {
				return 0, fr, fmt.Errorf("%w: %q", ErrContentLength, contentLengths)
			}
		}
		n, err := strconv.ParseUint(first, 10, 63)
		if err != nil {
			return 0, fr, fmt.Errorf("%w: content-length %q", ErrMalformedResponse, first)
		}
		contentLength = int64(n)
	}

	c.recv.ResponseHeaders(ex)

	fr = framing{contentLength: contentLength, hasTrailer: hasTrailer}
	switch {
	case !mayHaveBody(ex.Request.Method, status):
		fr.mode = framingNone
	case isChunked:
		fr.mode = framingChunked
	case contentLength >= 0:
		fr.mode = framingLength
	default:
		fr.mode = framingUntilClose
	}
	return status, fr, nil
}

func (c *Conn) readBody(ex *receiver.Exchange, fr framing) error {
	switch fr.mode {
	case framingNone:
		return c.deliver(ex, chunk.EOF)
	case framingLength:
		return c.readLengthBody(ex, fr.contentLength)
	case framingChunked:
		return c.readChunkedBody(ex, fr.hasTrailer)
	default:
		return c.readUntilClose(ex)
	}
}

func (c *Conn) readLengthBody(ex *receiver.Exchange, remaining int64) error {
	if remaining == 0 {
		return c.deliver(ex, chunk.EOF)
	}
	for remaining > 0 {
		c.touch()
		buf := c.pool.Acquire()
		b := buf.Bytes()
		if int64(len(b)) > remaining {
			b = b[:remaining]
		}
		n, err := c.br.Read(b)
		if n > 0 {
			remaining -= int64(n)
			if derr := c.deliver(ex, chunk.FromBuffer(buf, n, remaining == 0)); derr != nil {
				return derr
			}
		} else {
			buf.Release()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("reading body: %w", io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("reading body: %w", err)
		}
	}
	return nil
}

func (c *Conn) readChunkedBody(ex *receiver.Exchange, hasTrailer bool) error {
	var data []byte
	for {
		if len(data) == 0 {
			c.touch()
			n, err := c.br.Read(c.scratch)
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return fmt.Errorf("reading chunked body: %w", err)
			}
			data = c.scratch[:n]
		}

		piece, extra, err := c.chunked.Parse(data, hasTrailer)
		done := errors.Is(err, io.EOF)
		if err != nil && !done {
			return fmt.Errorf("parsing chunked body: %w", err)
		}
		data = extra

		if len(piece) > 0 {
			buf := c.pool.Acquire()
			n := copy(buf.Bytes(), piece)
			if derr := c.deliver(ex, chunk.FromBuffer(buf, n, done)); derr != nil {
				return derr
			}
		} else if done {
			if derr := c.deliver(ex, chunk.EOF); derr != nil {
				return derr
			}
		}
		if done {
			return nil
		}
	}
}

func (c *Conn) readUntilClose(ex *receiver.Exchange) error {
	for {
		c.touch()
		buf := c.pool.Acquire()
		n, err := c.br.Read(buf.Bytes())
		eof := errors.Is(err, io.EOF)
		if n > 0 {
			if derr := c.deliver(ex, chunk.FromBuffer(buf, n, eof)); derr != nil {
				return derr
			}
		} else {
			buf.Release()
			if eof {
				return c.deliver(ex, chunk.EOF)
			}
		}
		if eof {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
	}
}

// deliver stages one parsed chunk and signals content availability,
// waiting for the consumer to drain the previous one first.
func (c *Conn) deliver(ex *receiver.Exchange, ck *chunk.Chunk) error {
	c.mu.Lock()
	for c.pending != nil && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		cause := c.closeCause
		c.mu.Unlock()
		ck.Release()
		return cause
	}
	c.pending = ck
	c.mu.Unlock()

	c.recv.ResponseContentAvailable(ex)
	return nil
}

// Read pops the staged chunk, if any. The wire loop fills eagerly and
// signals availability itself, so fill interest needs no extra action.
func (c *Conn) Read(bool) *chunk.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := c.pending
	if ck != nil {
		c.pending = nil
		c.cond.Signal()
	}
	return ck
}

// FailAndClose tears the connection down. First call wins; the staged
// chunk, if any, is released.
func (c *Conn) FailAndClose(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCause = err
		if c.pending != nil {
			c.pending.Release()
			c.pending = nil
		}
		_ = c.conn.Close()
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func interim(status int) bool {
	return status >= 100 && status < 200 && status != 101
}

// mayHaveBody reports whether a response carries content per RFC 9110
// §6.4.1.
func mayHaveBody(method string, status int) bool {
	if strings.EqualFold(method, "HEAD") {
		return false
	}
	return status >= 200 && status != 204 && status != 304
}

func lastToken(v string) string {
	if i := strings.LastIndexByte(v, ','); i >= 0 {
		v = v[i+1:]
	}
	return textproto.TrimString(v)
}
