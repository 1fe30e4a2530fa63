package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inflow-io/inflow/chunk"
)

// decodeAll feeds input to the decoder in pieces of at most step bytes and
// collects decoded output until EOF or error.
func decodeAll(t *testing.T, d Decoder, input []byte, step int) ([]byte, error) {
	t.Helper()

	var out bytes.Buffer
	feed := func(in *chunk.Chunk) (bool, error) {
		for {
			c, err := d.Decode(in)
			in = nil
			if err != nil {
				return true, err
			}
			if c == nil {
				return false, nil // needs input
			}
			out.Write(c.Bytes())
			last := c.Last()
			c.Release()
			if last {
				return true, nil
			}
		}
	}

	for len(input) > 0 {
		n := min(step, len(input))
		piece := input[:n]
		input = input[n:]
		done, err := feed(chunk.Wrap(piece, len(input) == 0))
		if err != nil {
			return out.Bytes(), err
		}
		if done {
			return out.Bytes(), nil
		}
	}
	done, err := feed(chunk.Wrap(nil, true))
	if err == nil && !done {
		t.Fatal("decoder neither finished nor failed after last input")
	}
	return out.Bytes(), err
}

func gzipped(t *testing.T, payload []byte, mutate func(*gzip.Writer)) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if mutate != nil {
		mutate(zw)
	}
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGzipRoundTrip(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	payload := bytes.Repeat([]byte("Hello Jetty!\n"), 10)
	encoded := gzipped(t, payload, nil)

	factory := NewGzip(Config{BufferSize: 64})
	for _, step := range []int{1, 2, 7, len(encoded)} {
		dec := factory.NewDecoder()
		got, err := decodeAll(t, dec, encoded, step)
		a.NoError(err)
		a.Equal(payload, got)
		a.NoError(dec.Close())
	}
	a.Equal(0, factory.Pool().InUse(), "pooled output buffers leaked")
}

func TestGzipOptionalHeaderFields(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	payload := []byte("with name and comment")
	encoded := gzipped(t, payload, func(zw *gzip.Writer) {
		zw.Name = "file.txt"
		zw.Comment = "a comment"
		zw.Extra = []byte{1, 2, 3, 4}
	})

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	got, err := decodeAll(t, dec, encoded, 3)
	a.NoError(err)
	a.Equal(payload, got)
}

func TestGzipEmptyPayload(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	got, err := decodeAll(t, dec, gzipped(t, nil, nil), 4)
	a.NoError(err)
	a.Empty(got)
}

func TestGzipConcatenatedMembers(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	encoded := append(gzipped(t, []byte("first "), nil), gzipped(t, []byte("second"), nil)...)

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	got, err := decodeAll(t, dec, encoded, 5)
	a.NoError(err)
	a.Equal([]byte("first second"), got)
}

func TestGzipCRCNotVerified(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	payload := []byte("crc is parsed, never checked")
	encoded := gzipped(t, payload, nil)
	// CRC32 occupies the 8 trailer bytes before ISIZE
	for i := len(encoded) - 8; i < len(encoded)-4; i++ {
		encoded[i] ^= 0xff
	}

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	got, err := decodeAll(t, dec, encoded, 16)
	a.NoError(err)
	a.Equal(payload, got)
}

func TestGzipISizeMismatch(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	encoded := gzipped(t, []byte("isize must match"), nil)
	encoded[len(encoded)-1] ^= 0xff

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	_, err := decodeAll(t, dec, encoded, 16)
	a.ErrorIs(err, ErrGzipISize)
}

func TestGzipBadMagic(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	_, err := decodeAll(t, dec, []byte{0x1f, 0x8c, 8, 0}, 4)
	a.ErrorIs(err, ErrGzipMagic)

	dec2 := NewGzip(Config{}).NewDecoder()
	defer dec2.Close()
	_, err = decodeAll(t, dec2, []byte{0x1f, 0x8b, 9, 0}, 4)
	a.ErrorIs(err, ErrGzipMethod)
}

func TestGzipTruncated(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	encoded := gzipped(t, []byte("truncated body"), nil)

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	_, err := decodeAll(t, dec, encoded[:len(encoded)-6], 8)
	a.ErrorIs(err, io.ErrUnexpectedEOF)
}

func TestGzipErrorStateIsSticky(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	dec := NewGzip(Config{}).NewDecoder()
	defer dec.Close()
	_, err := dec.Decode(chunk.Wrap([]byte{0xde, 0xad}, false))
	a.ErrorIs(err, ErrGzipMagic)

	// once failed, input is discarded and reads observe EOF
	out, err := dec.Decode(chunk.Wrap(gzipped(t, []byte("valid"), nil), true))
	a.NoError(err)
	require.NotNil(t, out)
	a.Same(chunk.EOF, out)
}
