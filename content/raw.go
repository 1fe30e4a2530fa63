package content

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/inflow-io/inflow/chunk"
	"github.com/inflow-io/inflow/utils/invoker"
)

// RawSource adapts a transport's pull primitive to the Source contract.
// It buffers at most one chunk; demand fulfilment runs on the exchange's
// serialized invoker so it never overlaps receiver state transitions.
type RawSource struct {
	transport Transport
	inv       *invoker.Serialized

	mu      sync.Mutex
	current *chunk.Chunk
	failed  bool

	demand atomic.Pointer[func()]
}

func NewRawSource(inv *invoker.Serialized, transport Transport) *RawSource {
	return &RawSource{transport: transport, inv: inv}
}

func (s *RawSource) Read() *chunk.Chunk {
	s.mu.Lock()
	if cur := s.current; cur != nil {
		s.current = chunk.Next(cur)
		s.mu.Unlock()
		return cur
	}
	s.mu.Unlock()

	fresh := s.transport.Read(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		// a concurrent fail won the race: the freshly read chunk loses
		if fresh != nil {
			fresh.Release()
		}
		cur := s.current
		s.current = chunk.Next(cur)
		return cur
	}
	if fresh != nil {
		s.current = chunk.Next(fresh)
	}
	return fresh
}

// Demand registers callback and schedules a serialized attempt to satisfy
// it. Double registration without an intervening fulfilment is a caller
// contract violation.
func (s *RawSource) Demand(callback func()) {
	if callback == nil {
		panic("content: nil demand callback")
	}
	if !s.demand.CompareAndSwap(nil, &callback) {
		panic("content: demand already registered")
	}
	s.inv.Run(s.processDemand)
}

// OnDataAvailable signals that the transport may have produced a chunk;
// it wakes a pending demand, if any.
func (s *RawSource) OnDataAvailable() {
	s.inv.Run(s.processDemand)
}

func (s *RawSource) processDemand() {
	cb := s.demand.Load()
	if cb == nil {
		return
	}

	s.mu.Lock()
	buffered := s.current != nil
	s.mu.Unlock()

	if !buffered {
		fresh := s.transport.Read(true)
		if fresh == nil {
			// transport registered fill interest; OnDataAvailable will
			// run us again
			return
		}
		s.mu.Lock()
		switch {
		case s.current == nil:
			s.current = fresh
		case s.current.Err() != nil:
			// failure raced in while we were reading
			fresh.Release()
		default:
			s.mu.Unlock()
			panic("content: chunk already buffered")
		}
		s.mu.Unlock()
	}

	if s.demand.CompareAndSwap(cb, nil) {
		(*cb)()
	}
}

// Fail buffers a terminal failure chunk. The first failure closes the
// transport; later ones are merged as secondary causes. A pending demand
// is always woken so a failing producer never leaves a consumer hanging.
func (s *RawSource) Fail(err error) {
	if err == nil {
		panic("content: nil failure cause")
	}

	s.mu.Lock()
	first := !s.failed
	if first {
		s.failed = true
		if s.current != nil {
			s.current.Release()
		}
		s.current = chunk.Failure(err, true)
	} else if cur := s.current; cur != nil && cur.Err() != nil {
		s.current = chunk.Failure(multierr.Append(cur.Err(), err), true)
	}
	s.mu.Unlock()

	if first {
		s.transport.FailAndClose(err)
	}
	s.inv.Run(s.processDemand)
}
