// Package codec provides streaming content-coding transforms: push-style
// decoders fed by demand-driven sources, and resettable encoders for the
// write side. Codec state and output buffer pools belong to the transform
// instance; the receiving machinery stays stateless with respect to them.
package codec

import (
	"errors"
	"io"
	"strings"

	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/consts"
)

const (
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
	EncodingIdentity = "identity"
)

var (
	ErrGzipMagic  = errors.New("gzip: invalid magic bytes")
	ErrGzipMethod = errors.New("gzip: compression method is not deflate")
	ErrGzipISize  = errors.New("gzip: isize does not match inflated length")
	ErrGzipState  = errors.New("gzip: unknown decoder state")
)

// Decoder is a streaming decompressor driven push-style. Decode consumes
// the input chunk's bytes within the call (the caller may release the
// chunk right after) and returns the next output chunk, or nil when more
// input is needed. A nil input drains output buffered by an earlier call.
// Output chunks are pooled; the consumer releases them. After a decode
// error the decoder is dead: further input is discarded and EOF returned.
type Decoder interface {
	Decode(in *chunk.Chunk) (*chunk.Chunk, error)
	Close() error
}

// Encoder compresses written bytes into a destination writer. Close
// flushes the codec trailer without closing the destination.
type Encoder interface {
	io.WriteCloser
	Reset(dst io.Writer)
}

// Config is fixed per transform instance.
type Config struct {
	// BufferSize is the size of pooled output buffers acquired by the
	// decode loop.
	BufferSize int
}

func (c Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return consts.DefaultDecodeBufferSize
}

// Factory builds transforms for one content coding. Decoder instances of
// one factory share its buffer pool.
type Factory struct {
	encoding string
	pool     *chunk.Pool
	newDec   func(pool *chunk.Pool) Decoder
	newEnc   func(w io.Writer) Encoder
}

func (f *Factory) Encoding() string { return f.encoding }

func (f *Factory) NewDecoder() Decoder { return f.newDec(f.pool) }

func (f *Factory) NewEncoder(w io.Writer) Encoder { return f.newEnc(w) }

// Pool exposes the shared buffer pool, mainly so tests can assert that
// every pooled chunk was released.
func (f *Factory) Pool() *chunk.Pool { return f.pool }

// Registry maps content-coding tokens to factories. Token matching is
// case-insensitive; "x-gzip" aliases "gzip" for legacy clients.
type Registry struct {
	factories map[string]*Factory
	order     []string
}

func NewRegistry(factories ...*Factory) *Registry {
	r := &Registry{factories: make(map[string]*Factory, len(factories))}
	for _, f := range factories {
		if _, dup := r.factories[f.encoding]; dup {
			panic("codec: duplicate factory for " + f.encoding)
		}
		r.factories[f.encoding] = f
		r.order = append(r.order, f.encoding)
	}
	return r
}

// NewDefaultRegistry registers every supported coding with cfg.
func NewDefaultRegistry(cfg Config) *Registry {
	return NewRegistry(NewGzip(cfg), NewDeflate(cfg), NewBrotli(cfg), NewZstd(cfg))
}

func (r *Registry) Factory(encoding string) (*Factory, bool) {
	encoding = strings.ToLower(encoding)
	if encoding == "x-gzip" {
		encoding = EncodingGzip
	}
	f, ok := r.factories[encoding]
	return f, ok
}

// Encodings returns the registered tokens in registration order.
func (r *Registry) Encodings() []string { return r.order }
