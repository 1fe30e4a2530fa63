package codec

import (
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/inflow-io/inflow/chunk"
)

// gzip member framing per RFC 1952. The decoder walks the envelope byte at
// a time and hands the deflate payload to a pumped inflater. CRC32 is
// parsed but not verified, as the RFC permits; ISIZE is validated against
// the inflated byte count mod 2^32. Concatenated members are supported.

type gzState int8

const (
	gzID gzState = iota
	gzCM
	gzFLG
	gzMTime
	gzXFL
	gzOS
	gzExtraLength
	gzExtra
	gzName
	gzComment
	gzHCRC
	gzData
	gzCRC
	gzISize
	gzError
)

const (
	flgFHCRC    = 0x02
	flgFEXTRA   = 0x04
	flgFNAME    = 0x08
	flgFCOMMENT = 0x10
)

// NewGzip returns the factory for the "gzip" coding (and its legacy
// "x-gzip" alias).
func NewGzip(cfg Config) *Factory {
	return &Factory{
		encoding: EncodingGzip,
		pool:     chunk.NewPool(cfg.bufferSize()),
		newDec:   func(pool *chunk.Pool) Decoder { return &gzipDecoder{pool: pool} },
		newEnc:   func(w io.Writer) Encoder { return gzip.NewWriter(w) },
	}
}

type gzipDecoder struct {
	pool     *chunk.Pool
	inflater *pump

	state gzState
	in    []byte // unconsumed envelope bytes
	last  bool   // upstream delivered its final chunk

	flg    byte
	value  uint32
	valueN int
	extra  int
	size   uint32 // inflated bytes of the current member, mod 2^32
}

func (g *gzipDecoder) Decode(in *chunk.Chunk) (*chunk.Chunk, error) {
	if g.state == gzError {
		return chunk.EOF, nil
	}
	if in != nil {
		if in.Last() {
			g.last = true
		}
		g.in = append(g.in, in.Bytes()...)
	}

	for {
		if g.state == gzData {
			out, err := g.inflater.step()
			if err != nil {
				return nil, g.fail(err)
			}
			if out != nil {
				g.size += uint32(len(out.Bytes()))
				return out, nil
			}
			if g.inflater.finished() {
				// trailer bytes the inflater did not consume
				g.in = append(g.in, g.inflater.rest()...)
				g.inflater.close()
				g.inflater = nil
				g.state = gzCRC
				g.value, g.valueN = 0, 0
				continue
			}
			if len(g.in) > 0 {
				g.inflater.feed(g.in)
				g.in = g.in[:0]
				continue
			}
			if g.last {
				return nil, g.fail(io.ErrUnexpectedEOF)
			}
			return nil, nil
		}

		if len(g.in) == 0 {
			if !g.last {
				return nil, nil
			}
			if g.state == gzID && g.valueN == 0 {
				return chunk.EOF, nil
			}
			return nil, g.fail(io.ErrUnexpectedEOF)
		}
		b := g.in[0]
		g.in = g.in[1:]
		if err := g.parse(b); err != nil {
			return nil, g.fail(err)
		}
	}
}

func (g *gzipDecoder) parse(b byte) error {
	switch g.state {
	case gzID:
		g.value = g.value<<8 | uint32(b)
		g.valueN++
		if g.valueN == 2 {
			if g.value != 0x1f8b {
				return ErrGzipMagic
			}
			g.state = gzCM
			g.value, g.valueN = 0, 0
		}
	case gzCM:
		if b != 0x08 {
			return ErrGzipMethod
		}
		g.state = gzFLG
	case gzFLG:
		g.flg = b
		g.state = gzMTime
		g.valueN = 0
	case gzMTime:
		g.valueN++
		if g.valueN == 4 {
			g.state = gzXFL
		}
	case gzXFL:
		g.state = gzOS
	case gzOS:
		g.nextHeaderState()
	case gzExtraLength:
		// XLEN is little endian
		g.value |= uint32(b) << (8 * g.valueN)
		g.valueN++
		if g.valueN == 2 {
			g.extra = int(g.value)
			g.value, g.valueN = 0, 0
			if g.extra == 0 {
				g.flg &^= flgFEXTRA
				g.nextHeaderState()
			} else {
				g.state = gzExtra
			}
		}
	case gzExtra:
		g.extra--
		if g.extra == 0 {
			g.flg &^= flgFEXTRA
			g.nextHeaderState()
		}
	case gzName:
		if b == 0 {
			g.flg &^= flgFNAME
			g.nextHeaderState()
		}
	case gzComment:
		if b == 0 {
			g.flg &^= flgFCOMMENT
			g.nextHeaderState()
		}
	case gzHCRC:
		// header CRC16: parsed, not verified
		g.valueN++
		if g.valueN == 2 {
			g.flg &^= flgFHCRC
			g.valueN = 0
			g.nextHeaderState()
		}
	case gzCRC:
		// CRC32 of the member: parsed, deliberately not verified
		g.valueN++
		if g.valueN == 4 {
			g.state = gzISize
			g.value, g.valueN = 0, 0
		}
	case gzISize:
		g.value |= uint32(b) << (8 * g.valueN)
		g.valueN++
		if g.valueN == 4 {
			if g.value != g.size {
				return ErrGzipISize
			}
			// a concatenated member may follow
			g.state, g.value, g.valueN = gzID, 0, 0
		}
	default:
		return ErrGzipState
	}
	return nil
}

// nextHeaderState dispatches on the remaining FLG bits in RFC order and
// starts a fresh inflater once the header is done.
func (g *gzipDecoder) nextHeaderState() {
	switch {
	case g.flg&flgFEXTRA != 0:
		g.state, g.value, g.valueN = gzExtraLength, 0, 0
	case g.flg&flgFNAME != 0:
		g.state = gzName
	case g.flg&flgFCOMMENT != 0:
		g.state = gzComment
	case g.flg&flgFHCRC != 0:
		g.state, g.valueN = gzHCRC, 0
	default:
		g.state = gzData
		g.size = 0
		g.inflater = newPump(g.pool, func(r io.Reader) (io.Reader, error) {
			return flate.NewReader(r), nil
		})
	}
}

// fail enters the sticky error state: all further input is discarded and
// reads observe EOF.
func (g *gzipDecoder) fail(err error) error {
	g.state = gzError
	g.in = nil
	if g.inflater != nil {
		g.inflater.close()
		g.inflater = nil
	}
	return err
}

func (g *gzipDecoder) Close() error {
	if g.inflater != nil {
		g.inflater.close()
		g.inflater = nil
	}
	return nil
}
