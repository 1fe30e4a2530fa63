package h2

// framer carves frames out of a sequence of read buffers. A frame that
// straddles buffer boundaries is handed out in payload pieces, with a
// status telling the caller whether the frame (and the buffer) ended.
type framer struct {
	partial frameHeader // header bytes collected so far, at most 9
	header  frameHeader
	left    int // payload bytes the current frame still owes
	buf     []byte
}

type splitStatus int

const (
	statusFrameDone splitStatus = iota
	statusFrameDoneBufEmpty
	statusHeaderIncomplete
	statusPayloadIncomplete
)

// fill hands the framer the next read buffer; next consumes it piecewise.
func (f *framer) fill(b []byte) { f.buf = b }

// frameHeader is the header of the frame whose payload next last produced.
// It stays valid until the next frame's header completes.
func (f *framer) frameHeader() frameHeader { return f.header }

// next returns the next payload piece cut from the current buffer.
// statusHeaderIncomplete means the buffer ran out mid-header and the piece
// is empty; statusPayloadIncomplete pieces continue the frame reported by
// frameHeader.
func (f *framer) next() ([]byte, splitStatus) {
	if missing := 9 - len(f.partial); missing > 0 {
		if len(f.buf) < missing {
			f.partial = append(f.partial, f.buf...)
			return nil, statusHeaderIncomplete
		}
		f.partial = append(f.partial, f.buf[:missing]...)
		f.buf = f.buf[missing:]
		f.left = f.partial.length()
	}
	f.header = f.partial

	switch {
	case len(f.buf) > f.left:
		payload := f.buf[:f.left]
		f.buf = f.buf[f.left:]
		f.partial = f.partial[:0]
		return payload, statusFrameDone
	case len(f.buf) == f.left:
		f.partial = f.partial[:0]
		return f.buf, statusFrameDoneBufEmpty
	default:
		f.left -= len(f.buf)
		return f.buf, statusPayloadIncomplete
	}
}
