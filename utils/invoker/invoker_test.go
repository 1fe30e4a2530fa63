package invoker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunOrdered(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	inv := New()
	var got []int
	inv.Run(func() {
		got = append(got, 1)
		// queued by the running task, must execute before the runner exits
		inv.Run(func() { got = append(got, 2) })
		inv.Run(func() { got = append(got, 3) })
	})
	a.Equal([]int{1, 2, 3}, got)
}

func TestNoOverlap(t *testing.T) {
	t.Parallel()

	inv := New()
	var active atomic.Int32
	var max atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				inv.Run(func() {
					n := active.Add(1)
					if n > max.Load() {
						max.Store(n)
					}
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), max.Load())
}
