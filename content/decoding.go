package content

import (
	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/codec"
	"github.com/inflow-io/inflow/utils/invoker"
)

// DecodingSource layers a streaming decoder over a wrapped Source. Reads
// pull encoded chunks from the wrapped source and run them through the
// transform, looping internally over empty intermediate results instead
// of waking the consumer for nothing.
type DecodingSource struct {
	inner   Source
	factory *codec.Factory
	dec     codec.Decoder
	inv     *invoker.Serialized

	// onComplete runs once, with the total decoded length, when the first
	// last chunk comes out of the transform. The receiver uses it to fix
	// up headers whose values were unknowable before decoding.
	onComplete func(decoded int64)

	decoded   int64
	done      bool
	needInput bool
	terminal  *chunk.Chunk
}

func NewDecodingSource(
	inv *invoker.Serialized,
	inner Source,
	factory *codec.Factory,
	onComplete func(decoded int64),
) *DecodingSource {
	return &DecodingSource{
		inner:      inner,
		factory:    factory,
		dec:        factory.NewDecoder(),
		inv:        inv,
		onComplete: onComplete,
		needInput:  true,
	}
}

func (d *DecodingSource) Read() *chunk.Chunk {
	if d.terminal != nil {
		t := d.terminal
		d.terminal = chunk.Next(t)
		return t
	}

	for {
		var in *chunk.Chunk
		if d.needInput {
			in = d.inner.Read()
			if in == nil {
				return nil
			}
			if in.Err() != nil {
				return in
			}
			if in.IsEmpty() {
				in.Release()
				continue
			}
		}

		out, err := d.dec.Decode(in)
		if in != nil {
			in.Release()
		}
		if err != nil {
			d.inner.Fail(err)
			f := chunk.Failure(err, true)
			d.terminal = chunk.Next(f)
			return f
		}
		if out == nil {
			d.needInput = true
			continue
		}
		d.needInput = false
		if out.IsEmpty() {
			out.Release()
			continue
		}

		d.decoded += int64(len(out.Bytes()))
		if out.Last() {
			d.terminal = chunk.Next(out)
			if !d.done {
				d.done = true
				if d.onComplete != nil {
					d.onComplete(d.decoded)
				}
			}
		}
		return out
	}
}

// Demand forwards to the wrapped source, re-dispatching the callback
// through the serialized invoker.
func (d *DecodingSource) Demand(callback func()) {
	if callback == nil {
		panic("content: nil demand callback")
	}
	d.inner.Demand(func() {
		d.inv.Run(callback)
	})
}

func (d *DecodingSource) Fail(err error) {
	d.inner.Fail(err)
}

// Rewind restarts decoding from the beginning, provided the wrapped
// source can itself rewind. Decoded-length bookkeeping is reset and a
// fresh transform replaces the half-consumed one.
func (d *DecodingSource) Rewind() bool {
	r, ok := d.inner.(Rewinder)
	if !ok || !r.Rewind() {
		return false
	}
	_ = d.dec.Close()
	d.dec = d.factory.NewDecoder()
	d.decoded = 0
	d.done = false
	d.needInput = true
	d.terminal = nil
	return true
}

// Close releases the transform's codec state.
func (d *DecodingSource) Close() error {
	return d.dec.Close()
}
