package codec

import (
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/inflow-io/inflow/chunk"
)

// pumpedDecoder adapts a whole-stream pull decompressor to the push
// Decoder contract. Unlike gzip there is no envelope to parse here: all
// input goes straight to the pump, EOF on the last chunk ends the stream.
type pumpedDecoder struct {
	p       *pump
	pending []byte
	last    bool
	done    bool
}

func newPumpedDecoder(pool *chunk.Pool, open func(io.Reader) (io.Reader, error)) *pumpedDecoder {
	return &pumpedDecoder{p: newPump(pool, open)}
}

func (d *pumpedDecoder) Decode(in *chunk.Chunk) (*chunk.Chunk, error) {
	if d.done {
		return chunk.EOF, nil
	}
	if in != nil {
		if in.Last() {
			d.last = true
		}
		d.pending = append(d.pending, in.Bytes()...)
	}
	for {
		out, err := d.p.step()
		if err != nil {
			d.done = true
			d.p.close()
			return nil, err
		}
		if out != nil {
			return out, nil
		}
		if d.p.finished() {
			d.done = true
			d.p.close()
			return chunk.EOF, nil
		}
		if len(d.pending) > 0 {
			d.p.feed(d.pending)
			d.pending = d.pending[:0]
			continue
		}
		if d.last {
			d.p.end()
			continue
		}
		return nil, nil
	}
}

func (d *pumpedDecoder) Close() error {
	d.p.close()
	return nil
}

// NewDeflate returns the factory for the "deflate" coding, which on the
// wire is zlib-wrapped deflate per RFC 9110.
func NewDeflate(cfg Config) *Factory {
	return &Factory{
		encoding: EncodingDeflate,
		pool:     chunk.NewPool(cfg.bufferSize()),
		newDec: func(pool *chunk.Pool) Decoder {
			return newPumpedDecoder(pool, func(r io.Reader) (io.Reader, error) {
				return zlib.NewReader(r)
			})
		},
		newEnc: func(w io.Writer) Encoder { return zlib.NewWriter(w) },
	}
}

// NewBrotli returns the factory for the "br" coding.
func NewBrotli(cfg Config) *Factory {
	return &Factory{
		encoding: EncodingBrotli,
		pool:     chunk.NewPool(cfg.bufferSize()),
		newDec: func(pool *chunk.Pool) Decoder {
			return newPumpedDecoder(pool, func(r io.Reader) (io.Reader, error) {
				return brotli.NewReader(r), nil
			})
		},
		newEnc: func(w io.Writer) Encoder { return brotli.NewWriter(w) },
	}
}

// NewZstd returns the factory for the "zstd" coding.
func NewZstd(cfg Config) *Factory {
	return &Factory{
		encoding: EncodingZstd,
		pool:     chunk.NewPool(cfg.bufferSize()),
		newDec: func(pool *chunk.Pool) Decoder {
			return newPumpedDecoder(pool, func(r io.Reader) (io.Reader, error) {
				zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
				if err != nil {
					return nil, err
				}
				return zr.IOReadCloser(), nil
			})
		},
		newEnc: func(w io.Writer) Encoder {
			zw, err := zstd.NewWriter(w)
			if err != nil {
				// zstd.NewWriter only errors on invalid options
				panic(err)
			}
			return zw
		},
	}
}
