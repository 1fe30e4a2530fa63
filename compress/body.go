package compress

import (
	"errors"
	"io"

	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/codec"
)

// decodeReader adapts a push-style decoder to io.ReadCloser for request
// bodies: compressed bytes are pulled from src on demand and pushed
// through the decoder, decoded chunks are handed out via Read.
type decodeReader struct {
	src io.ReadCloser
	dec codec.Decoder

	scratch []byte
	cur     *chunk.Chunk
	off     int
	srcEOF  bool
	done    bool
	err     error
}

func newDecodeReader(src io.ReadCloser, dec codec.Decoder, bufSize int) *decodeReader {
	return &decodeReader{src: src, dec: dec, scratch: make([]byte, bufSize)}
}

func (d *decodeReader) Read(p []byte) (int, error) {
	for {
		if d.cur != nil {
			n := copy(p, d.cur.Bytes()[d.off:])
			d.off += n
			if d.off == len(d.cur.Bytes()) {
				d.done = d.done || d.cur.Last()
				d.cur.Release()
				d.cur, d.off = nil, 0
			}
			if n > 0 {
				return n, nil
			}
		}
		if d.err != nil {
			return 0, d.err
		}
		if d.done {
			return 0, io.EOF
		}

		var in *chunk.Chunk
		if !d.srcEOF {
			n, err := d.src.Read(d.scratch)
			if err != nil && !errors.Is(err, io.EOF) {
				d.err = err
				return 0, err
			}
			d.srcEOF = errors.Is(err, io.EOF)
			in = chunk.Wrap(d.scratch[:n], d.srcEOF)
		}
		out, err := d.dec.Decode(in)
		if err != nil {
			d.err = err
			return 0, err
		}
		if out == nil {
			if d.srcEOF {
				d.err = io.ErrUnexpectedEOF
				return 0, d.err
			}
			continue
		}
		d.cur, d.off = out, 0
	}
}

func (d *decodeReader) Close() error {
	if d.cur != nil {
		d.cur.Release()
		d.cur = nil
	}
	_ = d.dec.Close()
	return d.src.Close()
}
