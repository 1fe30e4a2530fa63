// Package content defines the demand-driven byte stream handed to body
// consumers: a pull-based, single-consumer Source fed by a transport's
// raw-chunk primitive, optionally layered with a streaming decoder.
package content

import "github.com/inflow-io/inflow/chunk"

// Source is a pull-based, single-consumer byte stream. Read never blocks;
// Demand is the only suspension primitive.
type Source interface {
	// Read returns the next chunk or nil when nothing is ready. Terminal
	// chunks (EOF or failure) repeat on subsequent reads. The caller owns
	// the returned chunk and releases it.
	Read() *chunk.Chunk

	// Demand registers callback to be invoked, exactly once, when content
	// may be available. At most one registration may be outstanding:
	// registering a second one, or a nil callback, panics.
	Demand(callback func())

	// Fail injects a terminal failure. Idempotent merge: the first cause
	// stays primary, later causes are recorded as secondary.
	Fail(err error)
}

// Rewinder is implemented by sources able to restart from the beginning.
type Rewinder interface {
	Rewind() bool
}

// Transport is the raw-chunk pull primitive the transport layer provides
// to the receiving core.
type Transport interface {
	// Read returns one parsed content chunk, or nil when nothing is
	// buffered. With fillInterest set the transport arranges a future
	// content-available wakeup before returning nil.
	Read(fillInterest bool) *chunk.Chunk

	// FailAndClose tears down the underlying connection. Called at most
	// once per exchange.
	FailAndClose(err error)
}
