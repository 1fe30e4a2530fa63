// Package chunk holds the unit of body transfer: a byte range with a
// last-chunk flag and an optional terminal failure, reference counted so
// that pooled transport buffers can be recycled without copies.
package chunk

// Chunk is a view over body bytes. A Chunk backed by a pooled Buffer must
// be released exactly once by its final owner; a consumer that keeps it
// beyond the producing call retains it first.
type Chunk struct {
	buf  *Buffer
	data []byte
	last bool
	err  error
}

// EOF is the shared end-of-stream sentinel: empty, last, no failure.
var EOF = &Chunk{last: true}

// FromBuffer wraps the first n bytes of a pooled buffer. The chunk takes
// over the buffer's initial reference.
func FromBuffer(buf *Buffer, n int, last bool) *Chunk {
	return &Chunk{buf: buf, data: buf.b[:n], last: last}
}

// Wrap makes a chunk over caller-owned bytes. Retain and Release are
// no-ops for such chunks.
func Wrap(data []byte, last bool) *Chunk {
	return &Chunk{data: data, last: last}
}

// Failure makes a terminal failure chunk. A non-last failure is transient:
// the stream may still deliver data before its real terminal chunk.
func Failure(err error, last bool) *Chunk {
	return &Chunk{last: last, err: err}
}

func (c *Chunk) Bytes() []byte { return c.data }
func (c *Chunk) Last() bool    { return c.last }
func (c *Chunk) Err() error    { return c.err }

// IsTerminal reports whether no further chunks follow this one.
func (c *Chunk) IsTerminal() bool { return c.last && len(c.data) == 0 || c.err != nil && c.last }

// IsEmpty reports an empty data chunk ("nothing ready"), not a sentinel.
func (c *Chunk) IsEmpty() bool { return len(c.data) == 0 && !c.last && c.err == nil }

func (c *Chunk) Retain() {
	if c.buf != nil {
		c.buf.retain()
	}
}

func (c *Chunk) Release() {
	if c.buf != nil {
		c.buf.release()
	}
}

// Next returns the chunk that repeated reads must yield after c was
// consumed, or nil if the stream simply continues.
func Next(c *Chunk) *Chunk {
	if c == nil {
		return nil
	}
	if c.err != nil {
		if c.last {
			return Failure(c.err, true)
		}
		return nil
	}
	if c.last {
		return EOF
	}
	return nil
}
