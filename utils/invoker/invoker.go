// Package invoker provides a serialized task queue: tasks submitted from
// any goroutine run one at a time, in submission order, with no overlap.
// The first submitter becomes the runner and keeps draining tasks queued
// while it was running, so bursts coalesce without a thread hop per event.
package invoker

import "sync"

type Serialized struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func New() *Serialized { return &Serialized{} }

// Run enqueues task and, if no runner is active, drains the queue on the
// calling goroutine. Reentrant submissions from inside a task are queued
// and executed by the current runner before Run returns to it.
func (s *Serialized) Run(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}
