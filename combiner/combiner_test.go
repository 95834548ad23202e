package combiner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialExecution(t *testing.T) {
	t.Parallel()
	c := New()
	var active int32
	var max int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(func() {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&max) {
					atomic.StoreInt32(&max, n)
				}
				time.Sleep(time.Microsecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()
	// Queued work may still be draining on some goroutine; flush it.
	done := make(chan struct{})
	c.Run(func() { close(done) })
	<-done
	assert.Equal(t, int32(1), max, "handlers must never overlap")
}

func TestFinallyRunsAfterImmediateWork(t *testing.T) {
	t.Parallel()
	c := New()
	var order []string
	done := make(chan struct{})
	c.Run(func() {
		c.RunFinally(func() {
			order = append(order, "finally")
			close(done)
		})
		c.Run(func() { order = append(order, "b") })
		order = append(order, "a")
	})
	<-done
	require.Equal(t, []string{"a", "b", "finally"}, order)
}

func TestReentrantSubmission(t *testing.T) {
	t.Parallel()
	c := New()
	var n int
	done := make(chan struct{})
	c.Run(func() {
		c.Run(func() {
			c.Run(func() {
				n++
				close(done)
			})
			n++
		})
		n++
	})
	<-done
	assert.Equal(t, 3, n)
}

func TestForceOffloadMovesDrainToAnotherGoroutine(t *testing.T) {
	t.Parallel()
	c := New()
	started := make(chan struct{})
	finished := make(chan struct{})
	var firstGoroutineDone atomic.Bool

	c.Run(func() {
		c.Run(func() {
			// Runs on the offloaded goroutine; by then the submitting
			// goroutine has returned from Run.
			<-started
			assert.True(t, firstGoroutineDone.Load())
			close(finished)
		})
		c.ForceOffload()
	})
	firstGoroutineDone.Store(true)
	close(started)
	<-finished
}

func TestRunAfterIdleExecutesInline(t *testing.T) {
	t.Parallel()
	c := New()
	ran := false
	c.Run(func() { ran = true })
	assert.True(t, ran)
}
